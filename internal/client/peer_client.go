// Package client provides the outbound HTTP facade the replication worker
// uses to push event batches to peer relays.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dooapps/tisane-relay/internal/repository"
)

// Replication headers shared with the inbound endpoint.
const (
	HeaderPeerToken = "X-Peer-Token"
	HeaderRelayID   = "X-Relay-Id"
	HeaderHop       = "X-Hop"
)

// PeerClient abstracts the peer replication endpoint so the worker and tests
// can swap in a mock.
type PeerClient interface {
	// Replicate POSTs a batch to the peer's /relay/replicate endpoint and
	// returns an error for any transport failure or non-2xx response.
	Replicate(ctx context.Context, peer repository.Peer, events []repository.Event) error
}

// httpPeerClient is the production implementation backed by real HTTP calls.
type httpPeerClient struct {
	relayID    uuid.UUID
	httpClient *http.Client
}

// NewPeerClient constructs a PeerClient that identifies itself as relayID in
// the loop-suppression header.
func NewPeerClient(relayID uuid.UUID) PeerClient {
	return &httpPeerClient{
		relayID: relayID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Replicate sends the event bodies shaped as ingestion inputs: server_seq
// and received_at are local to this relay and never cross the wire. The
// receiving relay re-runs the whole ingestion pipeline and assigns its own
// sequence numbers.
func (c *httpPeerClient) Replicate(ctx context.Context, peer repository.Peer, events []repository.Event) error {
	inputs := make([]repository.EventInput, len(events))
	for i, ev := range events {
		inputs[i] = repository.EventInput{
			EventID:      ev.EventID,
			AuthorPubkey: ev.AuthorPubkey,
			Signature:    ev.Signature,
			PayloadHash:  ev.PayloadHash,
			DeviceID:     ev.DeviceID,
			AuthorID:     ev.AuthorID,
			ContentID:    ev.ContentID,
			EventType:    ev.EventType,
			PayloadJSON:  ev.PayloadJSON,
			OccurredAt:   ev.OccurredAt,
			Lamport:      ev.Lamport,
		}
	}

	body, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("peer client: marshal batch: %w", err)
	}

	url := strings.TrimRight(peer.URL, "/") + "/relay/replicate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("peer client: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderPeerToken, peer.SharedSecret)
	req.Header.Set(HeaderRelayID, c.relayID.String())
	req.Header.Set(HeaderHop, "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peer client: http do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("peer client: unexpected status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
