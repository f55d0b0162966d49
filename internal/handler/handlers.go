// Package handler mounts the relay's HTTP surface on Echo. The surface is
// stateless: every route maps a request onto the ingestion pipeline, the
// event store, or the peer registry.
package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/dooapps/tisane-relay/internal/client"
	"github.com/dooapps/tisane-relay/internal/ingest"
	"github.com/dooapps/tisane-relay/internal/repository"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 500
	maxHops          = 3
)

// Ingestor runs the ingestion pipeline over a batch.
type Ingestor interface {
	Ingest(ctx context.Context, batch []repository.EventInput) (int, error)
}

// EventReader is the slice of the event store the pull endpoint needs.
type EventReader interface {
	FetchEventsSince(ctx context.Context, since int64, limit int32) ([]repository.Event, int64, error)
}

// PeerRegistry resolves inbound peer tokens and lists fan-out-eligible peers.
type PeerRegistry interface {
	GetBySecret(ctx context.Context, sharedSecret string) (repository.Peer, error)
	ListReplicable(ctx context.Context) ([]repository.Peer, error)
}

// Relay bundles the dependencies the HTTP surface routes onto.
type Relay struct {
	Ingest  Ingestor
	Events  EventReader
	Peers   PeerRegistry
	RelayID uuid.UUID
	Logger  *zap.Logger
}

// RegisterRoutes mounts all relay endpoints.
func RegisterRoutes(e *echo.Echo, r *Relay) {
	e.GET("/health", healthHandler)
	e.POST("/relay/push", r.pushHandler)
	e.GET("/relay/pull", r.pullHandler)
	e.POST("/relay/replicate", r.replicateHandler)
	e.GET("/relay/peers", r.peersHandler)
}

func healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// pushHandler accepts a batch of signed events from a client. Pull and push
// carry no caller authentication: events are self-authenticating through
// their signatures.
func (r *Relay) pushHandler(c echo.Context) error {
	var batch []repository.EventInput
	if err := c.Bind(&batch); err != nil {
		return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
	}
	return r.runIngest(c, batch)
}

// pullHandler pages the local log by server_seq.
// GET /relay/pull?since=0&limit=100
func (r *Relay) pullHandler(c echo.Context) error {
	var since int64
	if v := c.QueryParam("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errResp("invalid since cursor"))
		}
		since = n
	}

	// Clamp before narrowing to int32 so oversized values cannot wrap
	// negative and reach the store.
	limit := defaultPullLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	events, next, err := r.Events.FetchEventsSince(c.Request().Context(), since, int32(limit))
	if err != nil {
		r.Logger.Error("pull failed", zap.Int64("since", since), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errResp("failed to fetch events"))
	}
	if events == nil {
		events = []repository.Event{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"events":      events,
		"next_cursor": next,
	})
}

// replicateHandler is the inbound half of peer replication. Requests pass
// token auth, then loop and hop suppression, then the exact same ingestion
// pipeline client pushes go through.
func (r *Relay) replicateHandler(c echo.Context) error {
	token := c.Request().Header.Get(client.HeaderPeerToken)
	if token == "" {
		return c.JSON(http.StatusUnauthorized, errResp("missing peer token"))
	}

	peer, err := r.Peers.GetBySecret(c.Request().Context(), token)
	if err != nil {
		if errors.Is(err, repository.ErrPeerNotFound) {
			r.Logger.Warn("replication rejected: unknown peer token")
			return c.JSON(http.StatusUnauthorized, errResp("unknown peer token"))
		}
		r.Logger.Error("peer token lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errResp("peer lookup failed"))
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(peer.SharedSecret)) != 1 {
		return c.JSON(http.StatusUnauthorized, errResp("unknown peer token"))
	}

	if c.Request().Header.Get(client.HeaderRelayID) == r.RelayID.String() {
		r.Logger.Warn("replication rejected: loop detected",
			zap.String("peer_id", peer.PeerID.String()),
		)
		return c.JSON(http.StatusBadRequest, errResp("loop detected"))
	}

	if hop := c.Request().Header.Get(client.HeaderHop); hop != "" {
		n, err := strconv.Atoi(hop)
		if err == nil && n > maxHops {
			r.Logger.Warn("replication rejected: max hops exceeded",
				zap.Int("hops", n),
				zap.String("peer_id", peer.PeerID.String()),
			)
			return c.JSON(http.StatusBadRequest, errResp("max hops exceeded"))
		}
	}

	var batch []repository.EventInput
	if err := c.Bind(&batch); err != nil {
		return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
	}
	return r.runIngest(c, batch)
}

// peersHandler lists fan-out-eligible peers. Shared secrets never serialize.
func (r *Relay) peersHandler(c echo.Context) error {
	peers, err := r.Peers.ListReplicable(c.Request().Context())
	if err != nil {
		r.Logger.Error("peer listing failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errResp("failed to list peers"))
	}
	if peers == nil {
		peers = []repository.Peer{}
	}
	return c.JSON(http.StatusOK, peers)
}

// runIngest executes the pipeline and maps its sentinel errors onto the HTTP
// error table.
func (r *Relay) runIngest(c echo.Context, batch []repository.EventInput) error {
	inserted, err := r.Ingest.Ingest(c.Request().Context(), batch)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrBatchTooLarge):
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		case errors.Is(err, ingest.ErrSchema):
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		case errors.Is(err, ingest.ErrInvalidSignature):
			return c.JSON(http.StatusUnauthorized, errResp("invalid signature"))
		default:
			r.Logger.Error("ingest failed", zap.Int("batch", len(batch)), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to persist events"))
		}
	}

	return c.JSON(http.StatusOK, map[string]int{"inserted": inserted})
}

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}
