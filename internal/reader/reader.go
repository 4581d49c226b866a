// Package reader is the subscriber side of usage sync: it reads the latest
// published snapshot and follows updates made by the publisher.
package reader

import (
	"context"

	"github.com/goodtune/usagesync/internal/snapshot"
	"github.com/goodtune/usagesync/internal/transport"
	"github.com/rs/zerolog"
)

// Source is the transport as seen by a subscriber.
type Source interface {
	Fetch(ctx context.Context) *snapshot.Snapshot
	Observe(handler transport.Handler)
	StopObserving()
}

// Reader delegates to a Source. Handlers run on the Source's executor.
type Reader struct {
	source Source
	logger zerolog.Logger
}

// New creates a Reader.
func New(source Source, logger zerolog.Logger) *Reader {
	return &Reader{
		source: source,
		logger: logger.With().Str("component", "reader").Logger(),
	}
}

// LatestSnapshot returns the stored snapshot, or nil when none is available.
func (r *Reader) LatestSnapshot(ctx context.Context) *snapshot.Snapshot {
	return r.source.Fetch(ctx)
}

// StartObserving delivers every externally changed snapshot to handler.
// A nil argument means the store holds nothing usable.
func (r *Reader) StartObserving(handler func(*snapshot.Snapshot)) {
	r.logger.Debug().Msg("Start observing snapshots")
	r.source.Observe(transport.Handler(handler))
}

// StopObserving stops deliveries to the handler.
func (r *Reader) StopObserving() {
	r.logger.Debug().Msg("Stop observing snapshots")
	r.source.StopObserving()
}
