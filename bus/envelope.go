package bus

import (
	"encoding/json"

	"github.com/elly2178/lc2-curapacs/errors"
	"github.com/google/uuid"
)

// Envelope message types. The set is closed: anything else fails Decode.
const (
	TypeNewWorklist = "new_worklist"
)

// Envelope wraps every message crossing the bus and the bridge with type
// discrimination and a correlation ID.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content,omitempty"`
}

// WorklistContent is the payload of a new_worklist envelope: the archive ID
// of the worklist resource announced to the federation.
type WorklistContent struct {
	ID string `json:"id"`
}

// NewWorklistEnvelope builds a new_worklist envelope with a fresh message ID
func NewWorklistEnvelope(resourceID string) (Envelope, error) {
	content, err := json.Marshal(WorklistContent{ID: resourceID})
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "bus", "NewWorklistEnvelope", "marshal content")
	}
	return Envelope{
		Type:    TypeNewWorklist,
		ID:      uuid.NewString(),
		Content: content,
	}, nil
}

// Decode parses raw bytes into an Envelope and validates it: the type must be
// in the closed set and the content must match the shape that type requires.
func Decode(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, errors.WrapInvalid(err, "bus", "Decode", "unmarshal envelope")
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// Validate checks the envelope against the closed type set
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeNewWorklist:
		if _, err := e.Worklist(); err != nil {
			return err
		}
	case "":
		return errors.WrapInvalid(errors.ErrUnknownMessageType, "bus", "Validate", "missing type")
	default:
		return errors.WrapInvalid(errors.ErrUnknownMessageType, "bus", "Validate",
			"type "+e.Type)
	}
	return nil
}

// Worklist decodes the content of a new_worklist envelope
func (e Envelope) Worklist() (WorklistContent, error) {
	var content WorklistContent
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return WorklistContent{}, errors.WrapInvalid(err, "bus", "Worklist", "unmarshal content")
	}
	if content.ID == "" {
		return WorklistContent{}, errors.WrapInvalid(errors.ErrMalformedRequest, "bus", "Worklist",
			"worklist content missing id")
	}
	return content, nil
}

// Encode serializes the envelope for the wire
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "bus", "Encode", "marshal envelope")
	}
	return data, nil
}
