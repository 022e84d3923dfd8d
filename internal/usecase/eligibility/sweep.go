package eligibility

import (
	"context"
	"log/slog"
	"time"

	"butlerd/internal/domain"
)

// defaultLivenessTTL applies when a registration carries no TTL.
const defaultLivenessTTL = 300 * time.Second

// Report summarizes one sweep.
type Report struct {
	Checked     int
	Staled      int
	Quarantined int
	Skipped     int
}

// Sweeper demotes butlers whose heartbeats stopped: past the liveness TTL an
// active butler goes stale, past twice the TTL it is quarantined. The
// Switchboard schedules the sweep every five minutes.
type Sweeper struct {
	registry domain.RegistryStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates the eligibility sweeper.
func NewSweeper(registry domain.RegistryStore, logger *slog.Logger) *Sweeper {
	return &Sweeper{registry: registry, logger: logger, now: time.Now}
}

// Sweep evaluates every registration once. Butlers that never heartbeated
// and butlers already quarantined are skipped, never auto-recovered.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	const op = "Eligibility.Sweep"
	regs, err := s.registry.List(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	now := s.now()
	report := &Report{}
	for _, reg := range regs {
		if reg.LastSeenAt == nil || reg.EligibilityState == domain.EligibilityQuarantined {
			report.Skipped++
			continue
		}
		if reg.EligibilityState != domain.EligibilityActive && reg.EligibilityState != domain.EligibilityStale {
			report.Skipped++
			continue
		}
		report.Checked++

		ttl := time.Duration(reg.LivenessTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = defaultLivenessTTL
		}
		elapsed := now.Sub(*reg.LastSeenAt)

		switch {
		case elapsed > 2*ttl:
			if err := s.transition(ctx, reg, domain.EligibilityQuarantined, domain.ReasonLivenessTTL2xExpired, now); err != nil {
				s.logger.Error("quarantine transition failed", "butler", reg.Name, "error", err)
				continue
			}
			report.Quarantined++
		case elapsed > ttl && reg.EligibilityState == domain.EligibilityActive:
			if err := s.transition(ctx, reg, domain.EligibilityStale, domain.ReasonLivenessTTLExpired, now); err != nil {
				s.logger.Error("stale transition failed", "butler", reg.Name, "error", err)
				continue
			}
			report.Staled++
		}
	}

	if report.Staled > 0 || report.Quarantined > 0 {
		s.logger.Info("eligibility sweep",
			"checked", report.Checked,
			"staled", report.Staled,
			"quarantined", report.Quarantined,
			"skipped", report.Skipped)
	}
	return report, nil
}

func (s *Sweeper) transition(ctx context.Context, reg domain.ButlerRegistration, to domain.EligibilityState, reason string, at time.Time) error {
	return s.registry.Transition(ctx, domain.EligibilityTransition{
		Butler:        reg.Name,
		PreviousState: reg.EligibilityState,
		NewState:      to,
		Reason:        reason,
		ObservedAt:    at,
	})
}
