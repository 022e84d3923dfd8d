package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"encoding/json"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"butlerd/internal/domain"
	"butlerd/internal/infra/logger"
)

type fakeInbox struct {
	mu      sync.Mutex
	rows    map[string]domain.InboxMessage // request id -> row
	byKey   map[string]string              // dedupe key -> request id
	failAll bool
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{rows: map[string]domain.InboxMessage{}, byKey: map[string]string{}}
}

func (f *fakeInbox) Insert(_ context.Context, msg domain.InboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("db down")
	}
	if _, ok := f.byKey[msg.RequestContext.DedupeKey]; ok {
		return domain.ErrDuplicate
	}
	f.rows[msg.ID] = msg
	f.byKey[msg.RequestContext.DedupeKey] = msg.ID
	return nil
}

func (f *fakeInbox) FindByDedupeKey(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", errors.New("db down")
	}
	id, ok := f.byKey[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func (f *fakeInbox) Get(_ context.Context, id string) (*domain.InboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

func (f *fakeInbox) SetLifecycle(_ context.Context, id, state, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.rows[id]
	m.LifecycleState = state
	m.ResponseSummary = summary
	f.rows[id] = m
	return nil
}

func (f *fakeInbox) AttachOutcome(_ context.Context, id string, dec, out json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.rows[id]
	m.DecompositionOut = dec
	m.DispatchOutcomes = out
	f.rows[id] = m
	return nil
}

func newTestPipeline(t *testing.T, store domain.InboxStore) *Pipeline {
	t.Helper()
	p, err := NewPipeline(store, DispatcherFunc(func(context.Context, domain.InboxMessage) {}),
		[][2]string{{"telegram", "telegram_bot"}, {"email", "gmail"}}, logger.Discard())
	require.NoError(t, err)
	return p
}

func envelope(endpoint, eventID string) []byte {
	return []byte(fmt.Sprintf(`{
		"schema_version": "ingest.v1",
		"source": {"channel": "telegram", "provider": "telegram_bot", "endpoint_identity": %q},
		"event": {"external_event_id": %q, "observed_at": "2026-03-01T09:30:00+01:00"},
		"sender": {"identity": "tg:42"},
		"payload": {"raw": {"text": "hi"}, "normalized_text": "hi"}
	}`, endpoint, eventID))
}

func TestAcceptDuplicateSameEndpoint(t *testing.T) {
	store := newFakeInbox()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	first, err := p.Accept(ctx, envelope("test_bot", "888001"))
	require.NoError(t, err)
	require.False(t, first.Duplicate, "first submission flagged duplicate")

	second, err := p.Accept(ctx, envelope("test_bot", "888001"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate, "second submission not flagged duplicate")
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Len(t, store.rows, 1)
	row := store.rows[first.RequestID]
	assert.Equal(t, "test_bot", row.RequestContext.SourceEndpointIdentity)
	assert.Equal(t, "tg:42", row.RequestContext.SourceSenderIdentity)
}

func TestAcceptCrossEndpointNotDuplicate(t *testing.T) {
	store := newFakeInbox()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	a, err := p.Accept(ctx, envelope("bot_alpha", "666001"))
	require.NoError(t, err)
	b, err := p.Accept(ctx, envelope("bot_beta", "666001"))
	require.NoError(t, err)
	assert.NotEqual(t, a.RequestID, b.RequestID, "same update id on distinct endpoints collapsed to one request")
	assert.False(t, b.Duplicate, "cross-endpoint submission flagged duplicate")
}

func TestAcceptMintsUUIDv7(t *testing.T) {
	store := newFakeInbox()
	p := newTestPipeline(t, store)

	res, err := p.Accept(context.Background(), envelope("bot", "1"))
	require.NoError(t, err)
	assert.NoError(t, domain.ValidateRequestID(res.RequestID), "request id %q", res.RequestID)
}

func TestAcceptValidation(t *testing.T) {
	store := newFakeInbox()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"wrong schema version", `{"schema_version":"ingest.v2","source":{"channel":"telegram","provider":"telegram_bot","endpoint_identity":"b"},"event":{"observed_at":"2026-03-01T09:30:00Z"},"sender":{"identity":"s"},"payload":{"normalized_text":"x"}}`},
		{"empty endpoint", `{"schema_version":"ingest.v1","source":{"channel":"telegram","provider":"telegram_bot","endpoint_identity":""},"event":{"observed_at":"2026-03-01T09:30:00Z"},"sender":{"identity":"s"},"payload":{"normalized_text":"x"}}`},
		{"empty sender", `{"schema_version":"ingest.v1","source":{"channel":"telegram","provider":"telegram_bot","endpoint_identity":"b"},"event":{"observed_at":"2026-03-01T09:30:00Z"},"sender":{"identity":""},"payload":{"normalized_text":"x"}}`},
		{"disallowed pair", `{"schema_version":"ingest.v1","source":{"channel":"sms","provider":"twilio","endpoint_identity":"b"},"event":{"observed_at":"2026-03-01T09:30:00Z"},"sender":{"identity":"s"},"payload":{"normalized_text":"x"}}`},
		{"timestamp without offset", `{"schema_version":"ingest.v1","source":{"channel":"telegram","provider":"telegram_bot","endpoint_identity":"b"},"event":{"observed_at":"2026-03-01T09:30:00"},"sender":{"identity":"s"},"payload":{"normalized_text":"x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Accept(ctx, []byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, domain.ClassValidation, domain.ClassOf(err))
		})
	}
	assert.Empty(t, store.rows, "invalid envelopes wrote rows")
}

func TestAcceptStorageFailureRetryable(t *testing.T) {
	store := newFakeInbox()
	store.failAll = true
	p := newTestPipeline(t, store)

	_, err := p.Accept(context.Background(), envelope("bot", "1"))
	require.Error(t, err)
	assert.True(t, domain.Retryable(err), "storage failure not retryable: %v", err)
}

func TestDedupeKeyPriority(t *testing.T) {
	base := func() *domain.IngestV1 {
		return &domain.IngestV1{
			Source: domain.IngestSource{Channel: "telegram", EndpointIdentity: "bot"},
			Event: domain.IngestEvent{
				ExternalEventID: "ev9",
				ObservedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			},
			Sender:  domain.IngestSender{Identity: "tg:42"},
			Payload: domain.IngestPayload{NormalizedText: "hello"},
		}
	}

	env := base()
	env.Control.IdempotencyKey = "k1"
	key, strat := DedupeKey(env)
	assert.Equal(t, "idem:telegram:bot:k1", key)
	assert.Equal(t, StrategyIdempotencyKey, strat)

	env = base()
	key, strat = DedupeKey(env)
	assert.Equal(t, "event:telegram:bot:ev9", key)
	assert.Equal(t, StrategyExternalEvent, strat)

	env = base()
	env.Event.ExternalEventID = ""
	key, strat = DedupeKey(env)
	assert.Equal(t, StrategyContentHash, strat)
	key2, _ := DedupeKey(env)
	assert.Equal(t, key, key2, "content hash not deterministic")

	// Same content, different sender: different hash.
	env2 := base()
	env2.Event.ExternalEventID = ""
	env2.Sender.Identity = "tg:43"
	key3, _ := DedupeKey(env2)
	assert.NotEqual(t, key, key3, "hash ignores sender identity")
}
