package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"butlerd/internal/domain"
	"butlerd/internal/infra/logger"
	"butlerd/internal/usecase/ingest"
)

type fakeInbox struct {
	rows    map[string]domain.InboxMessage
	byKey   map[string]string
	failAll bool
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{rows: map[string]domain.InboxMessage{}, byKey: map[string]string{}}
}

func (f *fakeInbox) Insert(_ context.Context, msg domain.InboxMessage) error {
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
	m, ok := f.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

func (f *fakeInbox) SetLifecycle(context.Context, string, string, string) error { return nil }
func (f *fakeInbox) AttachOutcome(context.Context, string, json.RawMessage, json.RawMessage) error {
	return nil
}

func newTestServer(t *testing.T, store domain.InboxStore) *Server {
	t.Helper()
	p, err := ingest.NewPipeline(store, ingest.DispatcherFunc(func(context.Context, domain.InboxMessage) {}),
		[][2]string{{"telegram", "telegram_bot"}}, logger.Discard())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return NewServer("127.0.0.1:0", p, logger.Discard())
}

const validEnvelope = `{
	"schema_version": "ingest.v1",
	"source": {"channel": "telegram", "provider": "telegram_bot", "endpoint_identity": "bot"},
	"event": {"external_event_id": "777", "observed_at": "2026-03-01T09:30:00+01:00"},
	"sender": {"identity": "tg:42"},
	"payload": {"normalized_text": "hi"}
}`

func post(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/switchboard/ingest", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestIngestAccepted(t *testing.T) {
	s := newTestServer(t, newFakeInbox())

	rec := post(t, s, validEnvelope)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var result domain.IngestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if result.Status != "accepted" || result.Duplicate {
		t.Errorf("result = %+v", result)
	}
	if err := domain.ValidateRequestID(result.RequestID); err != nil {
		t.Errorf("request id %q: %v", result.RequestID, err)
	}
}

func TestIngestDuplicateReturnsOriginal(t *testing.T) {
	s := newTestServer(t, newFakeInbox())

	first := post(t, s, validEnvelope)
	second := post(t, s, validEnvelope)
	if second.Code != http.StatusAccepted {
		t.Fatalf("duplicate status = %d", second.Code)
	}
	var a, b domain.IngestResult
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if !b.Duplicate || b.RequestID != a.RequestID {
		t.Errorf("duplicate result = %+v, first = %+v", b, a)
	}
}

func TestIngestValidationError(t *testing.T) {
	s := newTestServer(t, newFakeInbox())

	rec := post(t, s, `{"schema_version": "ingest.v2"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error domain.EnvelopeError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Class != domain.ClassValidation || body.Error.Retryable {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestIngestStorageDown(t *testing.T) {
	store := newFakeInbox()
	store.failAll = true
	s := newTestServer(t, store)

	rec := post(t, s, validEnvelope)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error domain.EnvelopeError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Error.Retryable {
		t.Errorf("storage failure not retryable: %+v", body.Error)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, newFakeInbox())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}
