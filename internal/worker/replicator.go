// Package worker provides the background goroutines that run alongside the
// HTTP server.
//
// Replicator periodically scans the events log past each eligible peer's
// composite cursor, pushes the next batch to that peer, and advances the
// cursor only after the peer acknowledged the batch. Receivers dedupe on
// event_id, so retries after failures give at-least-once delivery.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dooapps/tisane-relay/internal/client"
	"github.com/dooapps/tisane-relay/internal/repository"
)

const (
	// DefaultInterval is the cooperative sleep between fan-out cycles.
	DefaultInterval = 5 * time.Second
	// BatchSize caps the events fetched per peer per cycle.
	BatchSize = 50
)

// EventSource is the slice of the event store the replicator reads from.
type EventSource interface {
	FetchReplicationBatch(ctx context.Context, lastTime time.Time, lastID uuid.UUID, limit int32) ([]repository.Event, error)
}

// PeerRegistry is the slice of the peer store the replicator needs.
type PeerRegistry interface {
	ListReplicable(ctx context.Context) ([]repository.Peer, error)
	AdvanceCursor(ctx context.Context, peerID uuid.UUID, cursorTime time.Time, cursorID uuid.UUID) error
}

// Replicator fans batches out to eligible peers on a fixed interval.
type Replicator struct {
	events   EventSource
	peers    PeerRegistry
	client   client.PeerClient
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewReplicator constructs a Replicator. interval defaults to
// DefaultInterval when zero.
func NewReplicator(events EventSource, peers PeerRegistry, pc client.PeerClient, interval time.Duration, logger *zap.Logger) *Replicator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Replicator{
		events:   events,
		peers:    peers,
		client:   pc,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run starts the fan-out loop. It blocks until ctx is cancelled, making it
// suitable for running inside a goroutine alongside the HTTP server.
//
//	go replicator.Run(ctx)
func (r *Replicator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("replicator started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("replicator stopping")
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// cycle is the core tick handler. Peers are processed serially; a failure
// against one peer leaves its cursor unchanged and never affects the others.
func (r *Replicator) cycle(ctx context.Context) {
	peers, err := r.peers.ListReplicable(ctx)
	if err != nil {
		r.logger.Error("error listing replicable peers", zap.Error(err))
		return
	}

	for _, peer := range peers {
		if err := r.pushToPeer(ctx, peer); err != nil {
			r.logger.Warn("replication to peer failed",
				zap.String("peer_id", peer.PeerID.String()),
				zap.String("url", peer.URL),
				zap.Error(err),
			)
		}
	}
}

// pushToPeer fetches the next batch past the peer's cursor, POSTs it, and
// advances the cursor to the last event's (occurred_at, event_id) on a 2xx
// acknowledgement. An empty fetch means the peer is caught up.
func (r *Replicator) pushToPeer(ctx context.Context, peer repository.Peer) error {
	batch, err := r.events.FetchReplicationBatch(ctx, peer.LastCursorTime, peer.LastCursorID, BatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	if err := r.client.Replicate(ctx, peer, batch); err != nil {
		return err
	}

	last := batch[len(batch)-1]
	cursorTime := r.now().UTC()
	if last.OccurredAt != nil {
		cursorTime = *last.OccurredAt
	}

	if err := r.peers.AdvanceCursor(ctx, peer.PeerID, cursorTime, last.EventID); err != nil {
		return err
	}

	r.logger.Info("batch replicated",
		zap.String("peer_id", peer.PeerID.String()),
		zap.Int("events", len(batch)),
		zap.Time("cursor_time", cursorTime),
		zap.String("cursor_id", last.EventID.String()),
	)
	return nil
}
