// Package repository provides pgx-backed persistence for the relay: the
// append-only events log and the peer registry. Postgres exclusively owns all
// persisted state; nothing is cached in process.
package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventInput is the wire shape clients and peers push to the relay. The
// payload_hash field is accepted for symmetry with the stored shape but is
// recomputed by the relay on ingest; the client-supplied value is discarded.
type EventInput struct {
	EventID      uuid.UUID       `json:"event_id"`
	AuthorPubkey string          `json:"author_pubkey"`
	Signature    string          `json:"signature"`
	PayloadHash  string          `json:"payload_hash"`
	DeviceID     *string         `json:"device_id,omitempty"`
	AuthorID     *string         `json:"author_id,omitempty"`
	ContentID    *string         `json:"content_id,omitempty"`
	EventType    *string         `json:"event_type,omitempty"`
	PayloadJSON  json.RawMessage `json:"payload_json,omitempty"`
	OccurredAt   *time.Time      `json:"occurred_at,omitempty"`
	Lamport      *int64          `json:"lamport,omitempty"`
}

// Event is a stored row. ServerSeq is assigned by this relay on first insert
// and is never transferred to peers; ReceivedAt is the local ingest time.
type Event struct {
	EventID      uuid.UUID       `json:"event_id"`
	ServerSeq    int64           `json:"server_seq"`
	AuthorPubkey string          `json:"author_pubkey"`
	Signature    string          `json:"signature"`
	PayloadHash  string          `json:"payload_hash"`
	DeviceID     *string         `json:"device_id,omitempty"`
	AuthorID     *string         `json:"author_id,omitempty"`
	ContentID    *string         `json:"content_id,omitempty"`
	EventType    *string         `json:"event_type,omitempty"`
	PayloadJSON  json.RawMessage `json:"payload_json,omitempty"`
	OccurredAt   *time.Time      `json:"occurred_at,omitempty"`
	Lamport      *int64          `json:"lamport,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Peer health states. Only healthy and unknown peers are eligible for
// replication fan-out; anything else is quarantined until an operator acts.
const (
	PeerHealthy  = "healthy"
	PeerUnknown  = "unknown"
	PeerDisabled = "disabled"
)

// Peer is a known remote relay. SharedSecret is a symmetric bearer token:
// the peer presents it when pushing to us and we present it when pushing to
// the peer. It is never serialized into HTTP responses.
type Peer struct {
	PeerID         uuid.UUID `json:"peer_id"`
	URL            string    `json:"url"`
	SharedSecret   string    `json:"-"`
	Health         string    `json:"health"`
	LastCursorTime time.Time `json:"last_cursor_time"`
	LastCursorID   uuid.UUID `json:"last_cursor_id"`
	CreatedAt      time.Time `json:"created_at"`
}
