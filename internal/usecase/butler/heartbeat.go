package butler

import (
	"context"
	"log/slog"
	"time"

	"butlerd/internal/domain"
)

// Heartbeat registers a butler in the shared registry and refreshes
// last_seen_at well inside the liveness TTL. A butler that stops beating goes
// stale after one TTL and quarantined after two.
type Heartbeat struct {
	registry domain.RegistryStore
	reg      domain.ButlerRegistration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewHeartbeat creates the heartbeat loop. The beat interval is a third of
// the liveness TTL so a single missed beat never demotes the butler.
func NewHeartbeat(registry domain.RegistryStore, reg domain.ButlerRegistration, logger *slog.Logger) *Heartbeat {
	ttl := time.Duration(reg.LivenessTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Heartbeat{
		registry: registry,
		reg:      reg,
		interval: ttl / 3,
		logger:   logger,
		now:      time.Now,
	}
}

// Register upserts this butler's registration. Called once at startup before
// the loop runs; re-registering after a quarantine is the operator's explicit
// recovery path.
func (h *Heartbeat) Register(ctx context.Context) error {
	if err := h.registry.Upsert(ctx, h.reg); err != nil {
		return domain.WrapOp("Heartbeat.Register", err)
	}
	h.logger.Info("butler registered",
		"butler", h.reg.Name,
		"modules", h.reg.Modules,
		"liveness_ttl_seconds", h.reg.LivenessTTLSeconds)
	return nil
}

// Run beats until ctx is cancelled. Beat failures are logged and retried on
// the next tick; the registry going away must not kill the butler.
func (h *Heartbeat) Run(ctx context.Context) {
	h.beat(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	if err := h.registry.Heartbeat(ctx, h.reg.Name, h.now()); err != nil {
		h.logger.Warn("heartbeat failed", "butler", h.reg.Name, "error", err)
	}
}
