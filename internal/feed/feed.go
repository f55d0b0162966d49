// Package feed publishes accepted events onto a JetStream stream so local
// consumers (indexers, notifiers) can follow the log without polling the
// pull endpoint. The feed is strictly best-effort: the relay's durability
// story is the Postgres log, not the stream.
package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dooapps/tisane-relay/internal/repository"
)

const (
	// StreamRelayEvents is the durable stream that captures ingested events.
	StreamRelayEvents = "RELAY_EVENTS"
	// SubjectIngested is the subject accepted events are published on.
	SubjectIngested = "relay.events.ingested"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to NATS and initialises a JetStream context.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// ProvisionStreams idempotently creates the relay's JetStream stream.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamRelayEvents)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamRelayEvents))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamRelayEvents,
		Subjects:  []string{SubjectIngested},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	_, err = c.JS.AddStream(cfg)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamRelayEvents))
	return nil
}

// PublishIngested publishes a single accepted event. Msg IDs reuse the
// event_id so JetStream deduplicates redelivered events within its window.
func (c *Client) PublishIngested(ctx context.Context, ev repository.EventInput) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}

	_, err = c.JS.Publish(SubjectIngested, data,
		nats.MsgId(ev.EventID.String()),
		nats.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("publish event %s: %w", ev.EventID, err)
	}
	return nil
}

// Close drains and closes the underlying NATS connection. Drain flushes all
// pending JetStream publish acknowledgments before closing, unlike Close
// which drops in-flight messages immediately.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}
