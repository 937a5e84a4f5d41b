package bridge

import (
	"context"
	"log/slog"

	"github.com/elly2178/lc2-curapacs/archive"
	"github.com/elly2178/lc2-curapacs/bus"
	"github.com/elly2178/lc2-curapacs/errors"
)

// Handler reacts to one inbound envelope. Handlers run on the connection's
// read goroutine; long work should be bounded by the context.
type Handler func(ctx context.Context, envelope bus.Envelope) error

// WorklistStore materializes an announced worklist on the local instance
type WorklistStore interface {
	MaterializeWorklist(ctx context.Context, worklistID string) error
}

// ArchiveWorklistStore materializes worklists by copying the announced
// instance from the peer archive into the local one.
type ArchiveWorklistStore struct {
	local *archive.Client
	peer  *archive.Client
}

// NewArchiveWorklistStore creates a store copying from peer into local
func NewArchiveWorklistStore(local, peer *archive.Client) *ArchiveWorklistStore {
	return &ArchiveWorklistStore{local: local, peer: peer}
}

// MaterializeWorklist downloads the worklist instance from the peer and
// ingests it locally
func (s *ArchiveWorklistStore) MaterializeWorklist(ctx context.Context, worklistID string) error {
	if err := s.local.FetchInstanceFrom(ctx, s.peer, worklistID); err != nil {
		return errors.Wrap(err, "ArchiveWorklistStore", "MaterializeWorklist", "fetch instance")
	}
	return nil
}

// NewWorklistHandler returns the handler for new_worklist envelopes: it reads
// the announced worklist ID and materializes the worklist through the store.
func NewWorklistHandler(store WorklistStore, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, envelope bus.Envelope) error {
		content, err := envelope.Worklist()
		if err != nil {
			return err
		}

		logger.Info("materializing announced worklist", "worklist", content.ID)
		if err := store.MaterializeWorklist(ctx, content.ID); err != nil {
			return err
		}
		logger.Debug("worklist materialized", "worklist", content.ID)
		return nil
	}
}
