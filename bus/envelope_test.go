package bus

import (
	"testing"

	"github.com/elly2178/lc2-curapacs/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorklistEnvelope(t *testing.T) {
	envelope, err := NewWorklistEnvelope("wl-1")
	require.NoError(t, err)

	assert.Equal(t, TypeNewWorklist, envelope.Type)
	_, err = uuid.Parse(envelope.ID)
	assert.NoError(t, err, "envelope ID must be a valid UUID")

	content, err := envelope.Worklist()
	require.NoError(t, err)
	assert.Equal(t, "wl-1", content.ID)
}

func TestEnvelope_EncodeDecodeRoundTrip(t *testing.T) {
	sent, err := NewWorklistEnvelope("wl-42")
	require.NoError(t, err)

	data, err := sent.Encode()
	require.NoError(t, err)

	received, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, sent.Type, received.Type)
	assert.Equal(t, sent.ID, received.ID)

	content, err := received.Worklist()
	require.NoError(t, err)
	assert.Equal(t, "wl-42", content.ID)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{broken`},
		{"missing type", `{"id":"abc"}`},
		{"unknown type", `{"type":"new_telemetry","id":"abc"}`},
		{"worklist without content", `{"type":"new_worklist","id":"abc"}`},
		{"worklist with empty id", `{"type":"new_worklist","id":"abc","content":{"id":""}}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode([]byte(test.data))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
