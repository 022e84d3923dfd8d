package route

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"butlerd/internal/domain"
)

// Worker drains a butler's route inbox: claim, process, finish. Exactly one
// finish per entry; a lost claim means another worker took it.
type Worker struct {
	inbox        domain.RouteInboxStore
	processor    Processor
	logger       *slog.Logger
	pollInterval time.Duration
	staleBound   time.Duration
	wake         chan struct{}
	now          func() time.Time
}

// NewWorker creates a route inbox worker. staleBound is how long a
// processing entry may sit before recovery considers its worker dead.
func NewWorker(inbox domain.RouteInboxStore, processor Processor, pollInterval, staleBound time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		inbox:        inbox,
		processor:    processor,
		logger:       logger,
		pollInterval: pollInterval,
		staleBound:   staleBound,
		wake:         make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Wake nudges the worker to drain immediately instead of waiting for the
// next poll. Safe to call from any goroutine.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Recover resumes interrupted work on startup: stale processing entries are
// moved back to accepted, then the whole backlog is drained.
func (w *Worker) Recover(ctx context.Context) error {
	recovered, err := w.inbox.RecoverStale(ctx, w.now().Add(-w.staleBound))
	if err != nil {
		return domain.WrapOp("Route.Recover", err)
	}
	if recovered > 0 {
		w.logger.Info("recovered stale route entries", "count", recovered)
	}
	w.Drain(ctx)
	return nil
}

// Run drains the inbox until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
		w.Drain(ctx)
	}
}

// Drain processes every currently-pending entry.
func (w *Worker) Drain(ctx context.Context) {
	pending, err := w.inbox.Pending(ctx)
	if err != nil {
		w.logger.Error("route inbox poll failed", "error", err)
		return
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		w.processOne(ctx, entry)
	}
}

func (w *Worker) processOne(ctx context.Context, entry domain.RouteInboxEntry) {
	if err := w.inbox.Claim(ctx, entry.ID); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			return // another worker has it
		}
		w.logger.Error("route claim failed", "inbox_id", entry.ID, "error", err)
		return
	}

	var env domain.RouteV1
	if err := json.Unmarshal(entry.RouteEnvelope, &env); err != nil {
		w.finish(ctx, entry.ID, domain.RouteInboxErrored, "", "route envelope decode: "+err.Error())
		return
	}

	sessionID, _, err := w.processor.Process(ctx, env)
	if err != nil {
		// A missing agent runtime is transient: release the entry so a
		// later drain retries it once the runtime attaches.
		if errors.Is(err, domain.ErrSpawnerNotReady) {
			w.logger.Warn("agent runtime not ready, releasing route entry",
				"inbox_id", entry.ID,
				"request_id", env.RequestContext.RequestID)
			w.release(ctx, entry.ID)
			return
		}
		w.logger.Error("route processing failed",
			"inbox_id", entry.ID,
			"request_id", env.RequestContext.RequestID,
			"error", err)
		w.finish(ctx, entry.ID, domain.RouteInboxErrored, sessionID, err.Error())
		return
	}

	w.logger.Info("route processed",
		"inbox_id", entry.ID,
		"request_id", env.RequestContext.RequestID,
		"session_id", sessionID)
	w.finish(ctx, entry.ID, domain.RouteInboxProcessed, sessionID, "")
}

func (w *Worker) release(ctx context.Context, id string) {
	if err := w.inbox.Release(ctx, id); err != nil {
		w.logger.Error("route release failed", "inbox_id", id, "error", err)
	}
}

func (w *Worker) finish(ctx context.Context, id, state, sessionID, errMsg string) {
	if err := w.inbox.Finish(ctx, id, state, sessionID, errMsg); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			w.logger.Warn("route entry already finished", "inbox_id", id)
			return
		}
		w.logger.Error("route finish failed", "inbox_id", id, "error", err)
	}
}
