// Package ingest implements the relay's ingestion pipeline. Client pushes and
// inbound peer replication go through the same pipeline — there is no
// trust-the-peer shortcut around validation or signature checks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dooapps/tisane-relay/internal/crypto"
	"github.com/dooapps/tisane-relay/internal/repository"
)

// MaxBatchSize is the hard cap on events per push. Larger batches are
// rejected outright with nothing persisted.
const MaxBatchSize = 100

var (
	// ErrBatchTooLarge rejects batches over MaxBatchSize.
	ErrBatchTooLarge = fmt.Errorf("batch size exceeds limit (%d)", MaxBatchSize)
	// ErrSchema wraps all per-event schema violations. Any violation fails
	// the whole batch.
	ErrSchema = errors.New("schema validation failed")
	// ErrInvalidSignature is re-exported so callers map crypto failures
	// without importing the crypto package.
	ErrInvalidSignature = crypto.ErrInvalidSignature
)

// schemaValidatedTypes are the event types whose payloads must carry a
// non-empty content_id. Unknown types (including absent) pass unconditionally
// and are stored verbatim.
var schemaValidatedTypes = map[string]bool{
	"read.completed":     true,
	"derivative.created": true,
	"citation.created":   true,
	"value.snapshot":     true,
}

// Store is the slice of the event store the pipeline needs.
type Store interface {
	InsertEvents(ctx context.Context, events []repository.EventInput) ([]int64, error)
}

// Feed receives successfully ingested batches for local push consumers.
// Publishing is best-effort; a feed failure never fails ingestion.
type Feed interface {
	PublishIngested(ctx context.Context, ev repository.EventInput) error
}

// Pipeline validates, verifies, and persists event batches.
type Pipeline struct {
	store  Store
	feed   Feed // optional
	logger *zap.Logger
	now    func() time.Time
}

// NewPipeline constructs a Pipeline. feed may be nil when no ingest feed is
// configured.
func NewPipeline(store Store, feed Feed, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		feed:   feed,
		logger: logger,
		now:    time.Now,
	}
}

// Ingest runs the pipeline over a batch and returns the count of newly
// inserted events (duplicates contribute 0). The stages run in order:
// batch-size gate, per-event schema validation, hash recomputation,
// signature verification, then a single delegated persist. Any stage failure
// fails the whole batch with nothing persisted.
func (p *Pipeline) Ingest(ctx context.Context, batch []repository.EventInput) (int, error) {
	if len(batch) > MaxBatchSize {
		return 0, ErrBatchTooLarge
	}

	for i := range batch {
		ev := &batch[i]

		if err := validateSchema(ev); err != nil {
			return 0, err
		}

		canonical, err := crypto.CanonicalPayloadBytes(ev.PayloadJSON)
		if err != nil {
			return 0, fmt.Errorf("%w: event %s: %v", ErrSchema, ev.EventID, err)
		}

		// The relay-computed hash is authoritative; whatever the client
		// sent is discarded here.
		sum, err := crypto.CanonicalPayloadHash(ev.PayloadJSON)
		if err != nil {
			return 0, fmt.Errorf("%w: event %s: %v", ErrSchema, ev.EventID, err)
		}
		ev.PayloadHash = sum

		if err := crypto.VerifySignature(ev.AuthorPubkey, canonical, ev.Signature); err != nil {
			p.logger.Warn("signature verification failed",
				zap.String("event_id", ev.EventID.String()),
			)
			return 0, err
		}

		// Events without an origin timestamp would be invisible to the
		// composite replication cursor, so the ingest time stands in.
		if ev.OccurredAt == nil {
			now := p.now().UTC()
			ev.OccurredAt = &now
		}
	}

	inserted, err := p.store.InsertEvents(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("persist batch: %w", err)
	}

	p.publish(ctx, batch)

	return len(inserted), nil
}

// publish forwards the accepted batch to the ingest feed. Duplicates are
// included; feed consumers dedupe on event_id like everything else in the
// mesh.
func (p *Pipeline) publish(ctx context.Context, batch []repository.EventInput) {
	if p.feed == nil {
		return
	}
	for i := range batch {
		if err := p.feed.PublishIngested(ctx, batch[i]); err != nil {
			p.logger.Warn("ingest feed publish failed",
				zap.String("event_id", batch[i].EventID.String()),
				zap.Error(err),
			)
		}
	}
}

func validateSchema(ev *repository.EventInput) error {
	if ev.EventType == nil || !schemaValidatedTypes[*ev.EventType] {
		return nil
	}
	eventType := *ev.EventType

	if len(ev.PayloadJSON) == 0 {
		return fmt.Errorf("%w: missing payload_json for event type %q", ErrSchema, eventType)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(ev.PayloadJSON, &payload); err != nil {
		return fmt.Errorf("%w: payload_json for event type %q is not an object", ErrSchema, eventType)
	}

	var contentID string
	if raw, ok := payload["content_id"]; ok {
		_ = json.Unmarshal(raw, &contentID)
	}
	if contentID == "" {
		return fmt.Errorf("%w: missing content_id for event type %q", ErrSchema, eventType)
	}

	if eventType == "value.snapshot" {
		_, hasStart := payload["window_start"]
		_, hasEnd := payload["window_end"]
		if !hasStart || !hasEnd {
			return fmt.Errorf("%w: missing window_start or window_end for event type %q", ErrSchema, eventType)
		}
	}

	return nil
}
