package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"butlerd/internal/domain"
	"butlerd/internal/infra/logger"
	"butlerd/internal/usecase/delivery"
)

type fakeRegistry struct {
	regs []domain.ButlerRegistration
	err  error
}

func (f *fakeRegistry) Upsert(context.Context, domain.ButlerRegistration) error { return nil }
func (f *fakeRegistry) Get(context.Context, string) (*domain.ButlerRegistration, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeRegistry) List(context.Context) ([]domain.ButlerRegistration, error) {
	return f.regs, f.err
}
func (f *fakeRegistry) Heartbeat(context.Context, string, time.Time) error       { return nil }
func (f *fakeRegistry) Transition(context.Context, domain.EligibilityTransition) error { return nil }

func messengerRegistry() *fakeRegistry {
	return &fakeRegistry{regs: []domain.ButlerRegistration{
		{Name: "health", EligibilityState: domain.EligibilityActive},
		{Name: "courier", EligibilityState: domain.EligibilityActive, Modules: []string{domain.ModuleMessenger}},
	}}
}

func notifyRequest() *domain.NotifyV1 {
	return &domain.NotifyV1{
		SchemaVersion: domain.SchemaNotifyV1,
		OriginButler:  "health",
		Delivery: domain.NotifyDelivery{
			Intent:    domain.IntentSend,
			Channel:   domain.ChannelTelegram,
			Message:   "drink water",
			Recipient: "tg:42",
		},
	}
}

func TestDeliverOriginMismatch(t *testing.T) {
	s := NewService(messengerRegistry(), nil, logger.Discard())
	_, err := s.Deliver(context.Background(), "finance", notifyRequest())
	if err == nil || !errors.Is(err, domain.ErrOriginMismatch) {
		t.Fatalf("err = %v, want origin mismatch", err)
	}
	if domain.ClassOf(err) != domain.ClassValidation {
		t.Errorf("class = %s", domain.ClassOf(err))
	}
}

func TestDeliverNoMessenger(t *testing.T) {
	reg := &fakeRegistry{regs: []domain.ButlerRegistration{
		{Name: "courier", EligibilityState: domain.EligibilityStale, Modules: []string{domain.ModuleMessenger}},
	}}
	s := NewService(reg, nil, logger.Discard())
	_, err := s.Deliver(context.Background(), "health", notifyRequest())
	if err == nil || !errors.Is(err, domain.ErrButlerIneligible) {
		t.Fatalf("err = %v, want ineligible", err)
	}
}

func TestDeliverWrapsAndRoutes(t *testing.T) {
	var captured domain.RouteV1
	var target string
	caller := RouteCallerFunc(func(_ context.Context, butler string, env domain.RouteV1) (*domain.RouteResponseV1, error) {
		target = butler
		captured = env
		result, _ := json.Marshal(deliveryResult{
			Channel: domain.ChannelTelegram, DeliveryID: "d1", ProviderDeliveryID: "p1", Status: domain.DeliveryDelivered,
		})
		return &domain.RouteResponseV1{
			SchemaVersion: domain.SchemaRouteResponseV1,
			Status:        domain.RouteStatusOK,
			Result:        result,
		}, nil
	})
	s := NewService(messengerRegistry(), caller, logger.Discard())

	reqID, _ := domain.NewRequestID()
	req := notifyRequest()
	req.RequestContext = &domain.RequestContext{
		RequestID:            reqID,
		SourceThreadIdentity: "thread-3",
	}

	resp, err := s.Deliver(context.Background(), "health", req)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if target != "courier" {
		t.Errorf("routed to %q", target)
	}
	if captured.RequestContext.SourceEndpointIdentity != SwitchboardIdentity {
		t.Errorf("outer endpoint identity = %q", captured.RequestContext.SourceEndpointIdentity)
	}
	if captured.RequestContext.RequestID != reqID {
		t.Error("original request id not propagated")
	}
	var rc routeContext
	if err := json.Unmarshal(captured.Input.Context, &rc); err != nil || rc.NotifyRequest == nil {
		t.Fatalf("input.context = %s", captured.Input.Context)
	}
	if rc.NotifyRequest.RequestContext.SourceThreadIdentity != "thread-3" {
		t.Error("ingestion context lost inside notify_request")
	}
	if resp.Status != "ok" || resp.Delivery.DeliveryID != "d1" || resp.Delivery.ProviderDeliveryID != "p1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestDeliverMessengerError(t *testing.T) {
	caller := RouteCallerFunc(func(context.Context, string, domain.RouteV1) (*domain.RouteResponseV1, error) {
		return &domain.RouteResponseV1{
			SchemaVersion: domain.SchemaRouteResponseV1,
			Status:        domain.RouteStatusError,
			Error:         &domain.EnvelopeError{Class: domain.ClassInternal, Message: "internal error"},
		}, nil
	})
	s := NewService(messengerRegistry(), caller, logger.Discard())

	resp, err := s.Deliver(context.Background(), "health", notifyRequest())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if resp.Status != "error" || resp.Error == nil {
		t.Errorf("response = %+v", resp)
	}
}

// Messenger processor tests reuse the delivery fakes through a real engine.

type memDeliveryStore struct {
	byKey    map[string]*domain.DeliveryRequest
	byID     map[string]*domain.DeliveryRequest
	receipts map[string][]domain.DeliveryReceipt
}

func newMemDeliveryStore() *memDeliveryStore {
	return &memDeliveryStore{
		byKey:    map[string]*domain.DeliveryRequest{},
		byID:     map[string]*domain.DeliveryRequest{},
		receipts: map[string][]domain.DeliveryReceipt{},
	}
}

func (m *memDeliveryStore) Create(_ context.Context, r domain.DeliveryRequest) error {
	if _, ok := m.byKey[r.IdempotencyKey]; ok {
		return domain.ErrDuplicate
	}
	cp := r
	m.byKey[r.IdempotencyKey] = &cp
	m.byID[r.ID] = &cp
	return nil
}

func (m *memDeliveryStore) Load(_ context.Context, key string) (*domain.DeliveryRequest, error) {
	r, ok := m.byKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memDeliveryStore) Advance(_ context.Context, id string) error {
	r := m.byID[id]
	if r.Status != domain.DeliveryPending {
		return domain.ErrStateConflict
	}
	r.Status = domain.DeliveryInProgress
	return nil
}

func (m *memDeliveryStore) Terminate(_ context.Context, id, status, errClass, errMsg string, at time.Time) error {
	r := m.byID[id]
	r.Status = status
	r.TerminalErrorClass = errClass
	r.TerminalErrorMessage = errMsg
	r.TerminalAt = &at
	return nil
}

func (m *memDeliveryStore) InsertReceipt(_ context.Context, rec domain.DeliveryReceipt) error {
	m.receipts[rec.DeliveryRequestID] = append(m.receipts[rec.DeliveryRequestID], rec)
	return nil
}

func (m *memDeliveryStore) SentReceipt(_ context.Context, id string) (*domain.DeliveryReceipt, error) {
	for _, rec := range m.receipts[id] {
		if rec.ReceiptType == domain.ReceiptSent {
			cp := rec
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

type okProvider struct{}

func (okProvider) Channel() string { return domain.ChannelTelegram }
func (okProvider) Send(context.Context, string, string, string, map[string]string) (*domain.ProviderResult, error) {
	return &domain.ProviderResult{ProviderDeliveryID: "tg-1"}, nil
}

type memInbox struct {
	rows []domain.InboxMessage
}

func (m *memInbox) Insert(_ context.Context, msg domain.InboxMessage) error {
	m.rows = append(m.rows, msg)
	return nil
}
func (m *memInbox) FindByDedupeKey(context.Context, string) (string, error) {
	return "", domain.ErrNotFound
}
func (m *memInbox) Get(context.Context, string) (*domain.InboxMessage, error) {
	return nil, domain.ErrNotFound
}
func (m *memInbox) SetLifecycle(context.Context, string, string, string) error { return nil }
func (m *memInbox) AttachOutcome(context.Context, string, json.RawMessage, json.RawMessage) error {
	return nil
}

type memNotifications struct {
	rows []domain.NotificationRecord
}

func (m *memNotifications) Insert(_ context.Context, n domain.NotificationRecord) error {
	m.rows = append(m.rows, n)
	return nil
}
func (m *memNotifications) Recent(context.Context, int) ([]domain.NotificationRecord, error) {
	return m.rows, nil
}

func TestMessengerProcess(t *testing.T) {
	engine := delivery.NewEngine(newMemDeliveryStore(), []domain.Provider{okProvider{}}, logger.Discard())
	outbox := &memInbox{}
	audit := &memNotifications{}
	proc := NewMessengerProcessor(engine, outbox, audit, logger.Discard())

	reqID, _ := domain.NewRequestID()
	req := notifyRequest()
	req.RequestContext = &domain.RequestContext{RequestID: reqID, SourceThreadIdentity: "thread-9"}
	rc, _ := json.Marshal(routeContext{NotifyRequest: req})

	env := domain.RouteV1{
		SchemaVersion:  domain.SchemaRouteV1,
		RequestContext: domain.RequestContext{RequestID: reqID, SourceEndpointIdentity: SwitchboardIdentity},
		Target:         domain.RouteTarget{Butler: "courier", Tool: "route.execute"},
		Input:          domain.RouteInput{Prompt: "drink water", Context: rc},
	}

	_, result, err := proc.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var res deliveryResult
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Status != domain.DeliveryDelivered || res.ProviderDeliveryID != "tg-1" {
		t.Errorf("result = %+v", res)
	}

	if len(outbox.rows) != 1 {
		t.Fatalf("outbound rows = %d", len(outbox.rows))
	}
	row := outbox.rows[0]
	if row.Direction != domain.DirectionOutbound || row.LifecycleState != domain.InboxCompleted {
		t.Errorf("outbound row = %+v", row)
	}
	if row.RequestContext.SourceThreadIdentity != "thread-9" {
		t.Error("thread identity not preserved on outbound row")
	}

	if len(audit.rows) != 1 || audit.rows[0].Status != domain.NotificationSent {
		t.Errorf("audit rows = %+v", audit.rows)
	}
}

func TestMessengerProcessRejectsMissingNotify(t *testing.T) {
	engine := delivery.NewEngine(newMemDeliveryStore(), []domain.Provider{okProvider{}}, logger.Discard())
	proc := NewMessengerProcessor(engine, &memInbox{}, nil, logger.Discard())

	env := domain.RouteV1{Input: domain.RouteInput{Context: json.RawMessage(`{}`)}}
	if _, _, err := proc.Process(context.Background(), env); err == nil {
		t.Fatal("expected validation error")
	}
}
