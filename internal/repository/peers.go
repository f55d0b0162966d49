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

// ErrPeerNotFound is returned when a peer lookup matches no row. The inbound
// replication handler maps it to 401.
var ErrPeerNotFound = errors.New("peer not found")

// PeerStore manages the peer registry: membership is mutated by operator
// commands, cursors by the replication worker.
type PeerStore struct {
	pool *pgxpool.Pool
}

// NewPeerStore binds a PeerStore to a connection pool.
func NewPeerStore(pool *pgxpool.Pool) *PeerStore {
	return &PeerStore{pool: pool}
}

const peerColumns = `
    peer_id, url, shared_secret, health, last_cursor_time, last_cursor_id, created_at`

// Create registers a new peer. The replication cursor starts at the Unix
// epoch and the nil event id, so the first cycle replays the full log.
func (s *PeerStore) Create(ctx context.Context, url, sharedSecret, health string) (Peer, error) {
	if health == "" {
		health = PeerUnknown
	}

	peerID := uuid.New()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO peers (peer_id, url, shared_secret, health)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+peerColumns,
		peerID, url, sharedSecret, health,
	)

	peer, err := scanPeer(row)
	if err != nil {
		return Peer{}, fmt.Errorf("create peer: %w", err)
	}
	return peer, nil
}

// List returns every registered peer, oldest first.
func (s *PeerStore) List(ctx context.Context) ([]Peer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+peerColumns+` FROM peers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	return scanPeers(rows)
}

// ListReplicable returns the peers eligible for replication fan-out:
// health healthy or unknown.
func (s *PeerStore) ListReplicable(ctx context.Context) ([]Peer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+peerColumns+`
		 FROM peers
		 WHERE health IN ($1, $2)
		 ORDER BY created_at ASC`,
		PeerHealthy, PeerUnknown,
	)
	if err != nil {
		return nil, fmt.Errorf("list replicable peers: %w", err)
	}
	defer rows.Close()

	return scanPeers(rows)
}

// GetBySecret resolves an inbound X-Peer-Token through the unique index on
// shared_secret. Returns ErrPeerNotFound for unknown tokens.
func (s *PeerStore) GetBySecret(ctx context.Context, sharedSecret string) (Peer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE shared_secret = $1`,
		sharedSecret,
	)

	peer, err := scanPeer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Peer{}, ErrPeerNotFound
	}
	if err != nil {
		return Peer{}, fmt.Errorf("get peer by secret: %w", err)
	}
	return peer, nil
}

// AdvanceCursor moves a peer's composite replication cursor. The worker only
// calls this after the peer acknowledged a batch, so the cursor never moves
// past unacknowledged events.
func (s *PeerStore) AdvanceCursor(ctx context.Context, peerID uuid.UUID, cursorTime time.Time, cursorID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE peers SET last_cursor_time = $2, last_cursor_id = $3 WHERE peer_id = $1`,
		peerID, cursorTime, cursorID,
	)
	if err != nil {
		return fmt.Errorf("advance cursor for peer %s: %w", peerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPeerNotFound
	}
	return nil
}

// SetHealth updates a peer's health state.
func (s *PeerStore) SetHealth(ctx context.Context, peerID uuid.UUID, health string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE peers SET health = $2 WHERE peer_id = $1`,
		peerID, health,
	)
	if err != nil {
		return fmt.Errorf("set health for peer %s: %w", peerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPeerNotFound
	}
	return nil
}

// Delete removes a peer from the registry.
func (s *PeerStore) Delete(ctx context.Context, peerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM peers WHERE peer_id = $1`, peerID)
	if err != nil {
		return fmt.Errorf("delete peer %s: %w", peerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPeerNotFound
	}
	return nil
}

func scanPeer(row pgx.Row) (Peer, error) {
	var p Peer
	err := row.Scan(
		&p.PeerID,
		&p.URL,
		&p.SharedSecret,
		&p.Health,
		&p.LastCursorTime,
		&p.LastCursorID,
		&p.CreatedAt,
	)
	return p, err
}

func scanPeers(rows pgx.Rows) ([]Peer, error) {
	var peers []Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	return peers, nil
}
