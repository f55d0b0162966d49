package ingest_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/dooapps/tisane-relay/internal/crypto"
	"github.com/dooapps/tisane-relay/internal/ingest"
	"github.com/dooapps/tisane-relay/internal/repository"
)

// ── Helpers ───────────────────────────────────────────────────────────────

func toError(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}

// signedEvent builds a valid event input signed over the canonical payload
// bytes with a fresh Ed25519 key.
func signedEvent(t *testing.T, eventType string, payload json.RawMessage) repository.EventInput {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	canonical, err := crypto.CanonicalPayloadBytes(payload)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, canonical)

	ev := repository.EventInput{
		EventID:      uuid.New(),
		AuthorPubkey: hex.EncodeToString(pub),
		Signature:    hex.EncodeToString(sig),
		PayloadHash:  "client-supplied-garbage",
		PayloadJSON:  payload,
	}
	if eventType != "" {
		ev.EventType = &eventType
	}
	return ev
}

// ── Mock: Store ───────────────────────────────────────────────────────────

type MockStore struct {
	ctrl *gomock.Controller
	rec  *MockStoreRecorder
}
type MockStoreRecorder struct{ m *MockStore }

func NewMockStore(ctrl *gomock.Controller) *MockStore {
	m := &MockStore{ctrl: ctrl}
	m.rec = &MockStoreRecorder{m}
	return m
}
func (m *MockStore) EXPECT() *MockStoreRecorder { return m.rec }

func (m *MockStore) InsertEvents(ctx context.Context, events []repository.EventInput) ([]int64, error) {
	ret := m.ctrl.Call(m, "InsertEvents", ctx, events)
	v, _ := ret[0].([]int64)
	return v, toError(ret[1])
}
func (r *MockStoreRecorder) InsertEvents(ctx, events any) *gomock.Call {
	return r.m.ctrl.RecordCall(r.m, "InsertEvents", ctx, events)
}

// ── Tests ─────────────────────────────────────────────────────────────────

func TestIngest_BatchSizeGate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// The store must never be reached for an oversize batch.
	store := NewMockStore(ctrl)
	p := ingest.NewPipeline(store, nil, zaptest.NewLogger(t))

	batch := make([]repository.EventInput, ingest.MaxBatchSize+1)
	for i := range batch {
		batch[i] = signedEvent(t, "", json.RawMessage(`{"n":1}`))
	}

	_, err := p.Ingest(context.Background(), batch)
	assert.ErrorIs(t, err, ingest.ErrBatchTooLarge)
	assert.EqualError(t, ingest.ErrBatchTooLarge, "batch size exceeds limit (100)")
}

func TestIngest_SchemaValidation(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   json.RawMessage
		wantErr   string
	}{
		{
			name:      "validated type without payload",
			eventType: "read.completed",
			payload:   nil,
			wantErr:   "missing payload_json",
		},
		{
			name:      "validated type without content_id",
			eventType: "citation.created",
			payload:   json.RawMessage(`{"other":"x"}`),
			wantErr:   "missing content_id",
		},
		{
			name:      "content_id present but empty",
			eventType: "derivative.created",
			payload:   json.RawMessage(`{"content_id":""}`),
			wantErr:   "missing content_id",
		},
		{
			name:      "value.snapshot missing window_end",
			eventType: "value.snapshot",
			payload:   json.RawMessage(`{"content_id":"c1","window_start":"2026-01-01"}`),
			wantErr:   "missing window_start or window_end",
		},
		{
			name:      "value.snapshot missing window_start",
			eventType: "value.snapshot",
			payload:   json.RawMessage(`{"content_id":"c1","window_end":"2026-02-01"}`),
			wantErr:   "missing window_start or window_end",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			store := NewMockStore(ctrl) // insert never expected
			p := ingest.NewPipeline(store, nil, zaptest.NewLogger(t))

			batch := []repository.EventInput{signedEvent(t, tt.eventType, tt.payload)}
			_, err := p.Ingest(context.Background(), batch)
			require.Error(t, err)
			assert.ErrorIs(t, err, ingest.ErrSchema)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), tt.eventType)
		})
	}
}

func TestIngest_UnknownEventTypePassesSchema(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockStore(ctrl)
	store.EXPECT().InsertEvents(gomock.Any(), gomock.Any()).Return([]int64{1}, nil)

	p := ingest.NewPipeline(store, nil, zaptest.NewLogger(t))

	// No content_id, arbitrary type: stored verbatim, no schema gate.
	batch := []repository.EventInput{signedEvent(t, "custom.event", json.RawMessage(`{"anything":true}`))}
	n, err := p.Ingest(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngest_SignatureGate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockStore(ctrl) // nothing persisted
	p := ingest.NewPipeline(store, nil, zaptest.NewLogger(t))

	ev := signedEvent(t, "", json.RawMessage(`{"k":"v"}`))
	ev.Signature = hex.EncodeToString(make([]byte, ed25519.SignatureSize)) // 64 zero bytes

	_, err := p.Ingest(context.Background(), []repository.EventInput{ev})
	assert.ErrorIs(t, err, ingest.ErrInvalidSignature)
}

func TestIngest_SignatureOverTamperedPayloadFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockStore(ctrl)
	p := ingest.NewPipeline(store, nil, zaptest.NewLogger(t))

	ev := signedEvent(t, "", json.RawMessage(`{"k":"v"}`))
	ev.PayloadJSON = json.RawMessage(`{"k":"tampered"}`)

	_, err := p.Ingest(context.Background(), []repository.EventInput{ev})
	assert.ErrorIs(t, err, ingest.ErrInvalidSignature)
}

func TestIngest_HashIsAuthoritative(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	payload := json.RawMessage(`{"hello":"world"}`)
	wantHash, err := crypto.CanonicalPayloadHash(payload)
	require.NoError(t, err)

	store := NewMockStore(ctrl)
	store.EXPECT().InsertEvents(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, events []repository.EventInput) ([]int64, error) {
			require.Len(t, events, 1)
			assert.Equal(t, wantHash, events[0].PayloadHash)
			return []int64{7}, nil
		})

	p := ingest.NewPipeline(store, nil, zaptest.NewLogger(t))

	ev := signedEvent(t, "", payload) // carries a garbage client hash
	n, err := p.Ingest(context.Background(), []repository.EventInput{ev})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngest_SubstitutesOccurredAt(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockStore(ctrl)
	store.EXPECT().InsertEvents(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, events []repository.EventInput) ([]int64, error) {
			require.NotNil(t, events[0].OccurredAt)
			assert.WithinDuration(t, time.Now().UTC(), *events[0].OccurredAt, time.Minute)
			return []int64{1}, nil
		})

	p := ingest.NewPipeline(store, nil, zaptest.NewLogger(t))

	ev := signedEvent(t, "", json.RawMessage(`{"k":"v"}`))
	ev.OccurredAt = nil

	_, err := p.Ingest(context.Background(), []repository.EventInput{ev})
	require.NoError(t, err)
}

func TestIngest_DuplicatesContributeZero(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockStore(ctrl)
	// The store reports nothing newly inserted for a replayed batch.
	store.EXPECT().InsertEvents(gomock.Any(), gomock.Any()).Return([]int64{}, nil)

	p := ingest.NewPipeline(store, nil, zaptest.NewLogger(t))

	ev := signedEvent(t, "", json.RawMessage(`{"k":"v"}`))
	n, err := p.Ingest(context.Background(), []repository.EventInput{ev})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIngest_StoreErrorSurfaces(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockStore(ctrl)
	store.EXPECT().InsertEvents(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

	p := ingest.NewPipeline(store, nil, zaptest.NewLogger(t))

	ev := signedEvent(t, "", json.RawMessage(`{"k":"v"}`))
	_, err := p.Ingest(context.Background(), []repository.EventInput{ev})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ingest.ErrSchema)
	assert.NotErrorIs(t, err, ingest.ErrInvalidSignature)
}

func TestIngest_FeedFailureDoesNotFailIngestion(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockStore(ctrl)
	store.EXPECT().InsertEvents(gomock.Any(), gomock.Any()).Return([]int64{1}, nil)

	p := ingest.NewPipeline(store, failingFeed{}, zaptest.NewLogger(t))

	ev := signedEvent(t, "", json.RawMessage(`{"k":"v"}`))
	n, err := p.Ingest(context.Background(), []repository.EventInput{ev})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingFeed struct{}

func (failingFeed) PublishIngested(context.Context, repository.EventInput) error {
	return errors.New("nats unavailable")
}
