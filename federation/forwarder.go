package federation

import (
	"context"
	"log/slog"

	"github.com/elly2178/lc2-curapacs/archive"
	"github.com/elly2178/lc2-curapacs/errors"
)

// ChangeType names a resource change event delivered by the archive host
type ChangeType string

// Change types the forwarder reacts to
const (
	ChangeNewInstance ChangeType = "NewInstance"
	ChangeNewStudy    ChangeType = "NewStudy"
	ChangeNewSeries   ChangeType = "NewSeries"
	ChangeNewPatient  ChangeType = "NewPatient"
	ChangeNewWorklist ChangeType = "NewWorklist"
)

// Change is one resource-created event: the kind of change, the level it
// happened at, and the reference to the resource it concerns.
type Change struct {
	Type  ChangeType `json:"ChangeType"`
	Level string     `json:"Level"`
	ID    string     `json:"ID"`
}

// Forwarder replicates newly created local resources to the peer archive by
// submitting an asynchronous store job through the local archive host.
type Forwarder struct {
	local    *archive.Client
	peerName string
	logger   *slog.Logger
}

// NewForwarder creates a forwarder pushing to the named peer
func NewForwarder(local *archive.Client, peerName string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{local: local, peerName: peerName, logger: logger}
}

// OnChange reacts to a resource change. Only new instances are forwarded;
// every other change type is ignored. The store job runs asynchronously on
// the archive host, so this returns as soon as the job is accepted.
func (f *Forwarder) OnChange(ctx context.Context, change Change) error {
	if change.Type != ChangeNewInstance {
		return nil
	}

	f.logger.Debug("uploading instance to peer", "resource", change.ID, "peer", f.peerName)

	jobID, err := f.local.StoreToPeer(ctx, f.peerName, []string{change.ID})
	if err != nil {
		return errors.Wrap(err, "Forwarder", "OnChange", "store to peer")
	}

	f.logger.Info("peer store job started", "job", jobID, "resource", change.ID, "peer", f.peerName)
	return nil
}
