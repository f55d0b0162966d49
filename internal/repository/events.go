package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore persists and scans the append-only events log.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore binds an EventStore to a connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const insertEventSQL = `
INSERT INTO events (
    event_id, author_pubkey, signature, payload_hash,
    device_id, author_id, content_id, event_type,
    payload_json, occurred_at, lamport
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (event_id) DO NOTHING
RETURNING server_seq`

// InsertEvents inserts a batch in array order inside a single transaction.
// An event whose event_id already exists is skipped silently and keeps its
// original row untouched. The returned slice holds the server_seq values
// assigned to newly inserted events, in batch order; duplicates contribute
// nothing, so its length may be shorter than the batch.
func (s *EventStore) InsertEvents(ctx context.Context, events []EventInput) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := make([]int64, 0, len(events))
	for _, ev := range events {
		var seq int64
		err := tx.QueryRow(ctx, insertEventSQL,
			ev.EventID,
			ev.AuthorPubkey,
			ev.Signature,
			ev.PayloadHash,
			ev.DeviceID,
			ev.AuthorID,
			ev.ContentID,
			ev.EventType,
			ev.PayloadJSON,
			ev.OccurredAt,
			ev.Lamport,
		).Scan(&seq)
		if errors.Is(err, pgx.ErrNoRows) {
			continue // duplicate event_id — dedup no-op
		}
		if err != nil {
			return nil, fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
		inserted = append(inserted, seq)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

const eventColumns = `
    event_id, server_seq, author_pubkey, signature, payload_hash,
    device_id, author_id, content_id, event_type,
    payload_json, occurred_at, lamport, received_at`

// FetchEventsSince returns up to limit events with server_seq > since in
// ascending server_seq order, plus the cursor for the next call: the last
// returned server_seq, or since unchanged when the page is empty.
func (s *EventStore) FetchEventsSince(ctx context.Context, since int64, limit int32) ([]Event, int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE server_seq > $1
		 ORDER BY server_seq ASC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch events since %d: %w", since, err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}

	next := since
	if len(events) > 0 {
		next = events[len(events)-1].ServerSeq
	}
	return events, next, nil
}

// FetchReplicationBatch returns up to limit events strictly after the
// composite cursor (lastTime, lastID), ordered by (occurred_at ASC,
// event_id ASC). Ties in occurred_at are broken by event_id, which is what
// makes the cursor total.
func (s *EventStore) FetchReplicationBatch(ctx context.Context, lastTime time.Time, lastID uuid.UUID, limit int32) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE (occurred_at, event_id) > ($1, $2)
		 ORDER BY occurred_at ASC, event_id ASC
		 LIMIT $3`,
		lastTime, lastID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch replication batch: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.EventID,
			&ev.ServerSeq,
			&ev.AuthorPubkey,
			&ev.Signature,
			&ev.PayloadHash,
			&ev.DeviceID,
			&ev.AuthorID,
			&ev.ContentID,
			&ev.EventType,
			&ev.PayloadJSON,
			&ev.OccurredAt,
			&ev.Lamport,
			&ev.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
