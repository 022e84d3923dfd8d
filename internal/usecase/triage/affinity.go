package triage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"butlerd/internal/domain"
)

// AffinityResult is the outcome of one thread-affinity lookup.
type AffinityResult struct {
	Outcome domain.AffinityOutcome
	Butler  string
}

// AffinityLookup answers "which butler handled this thread recently".
// Lookup never returns an error: storage failures become MISS_ERROR and
// rule-based routing proceeds.
type AffinityLookup struct {
	history domain.AffinityStore
	state   domain.StateStore
	logger  *slog.Logger
	now     func() time.Time

	// threadCapable lists channels whose external_thread_id is meaningful.
	threadCapable map[string]bool
	defaults      domain.AffinitySettings
}

// NewAffinityLookup creates the lookup. threadChannels lists channels with a
// thread concept; defaults apply when KV state has no settings entry.
func NewAffinityLookup(history domain.AffinityStore, state domain.StateStore, threadChannels []string, defaults domain.AffinitySettings, logger *slog.Logger) *AffinityLookup {
	capable := make(map[string]bool, len(threadChannels))
	for _, ch := range threadChannels {
		capable[ch] = true
	}
	return &AffinityLookup{
		history:       history,
		state:         state,
		logger:        logger,
		now:           time.Now,
		threadCapable: capable,
		defaults:      defaults,
	}
}

// Lookup resolves the affinity outcome for (channel, threadID). A nil
// settings argument loads settings from KV state.
func (l *AffinityLookup) Lookup(ctx context.Context, channel, threadID string, settings *domain.AffinitySettings) AffinityResult {
	if threadID == "" || !l.threadCapable[channel] {
		return AffinityResult{Outcome: domain.AffinityMissNoThreadID}
	}

	s, err := l.loadSettings(ctx, settings)
	if err != nil {
		l.logger.Warn("affinity settings load failed", "channel", channel, "error", err)
		return AffinityResult{Outcome: domain.AffinityMissError}
	}
	if !s.Enabled {
		return AffinityResult{Outcome: domain.AffinityMissDisabledGlobal}
	}

	if override, err := l.threadOverride(ctx, channel, threadID); err != nil {
		l.logger.Warn("affinity override load failed", "channel", channel, "error", err)
		return AffinityResult{Outcome: domain.AffinityMissError}
	} else if override == domain.ThreadOverrideDisabled {
		return AffinityResult{Outcome: domain.AffinityMissDisabledThread}
	} else if butler, ok := forcedButler(override); ok {
		return AffinityResult{Outcome: domain.AffinityForceOverride, Butler: butler}
	}

	records, err := l.history.History(ctx, channel, threadID)
	if err != nil {
		l.logger.Warn("affinity history lookup failed", "channel", channel, "error", err)
		return AffinityResult{Outcome: domain.AffinityMissError}
	}
	if len(records) == 0 {
		return AffinityResult{Outcome: domain.AffinityMissNoHistory}
	}

	cutoff := l.now().Add(-time.Duration(s.TTLDays) * 24 * time.Hour)
	inWindow := map[string]bool{}
	for _, r := range records {
		if r.RoutedAt.After(cutoff) {
			inWindow[r.Butler] = true
		}
	}
	switch len(inWindow) {
	case 0:
		return AffinityResult{Outcome: domain.AffinityMissStale}
	case 1:
		for butler := range inWindow {
			return AffinityResult{Outcome: domain.AffinityHit, Butler: butler}
		}
	}
	return AffinityResult{Outcome: domain.AffinityMissConflict}
}

// Record appends a routing decision to the thread's history. No-op for
// threadless messages.
func (l *AffinityLookup) Record(ctx context.Context, channel, threadID, butler string) error {
	if threadID == "" || !l.threadCapable[channel] {
		return nil
	}
	return l.history.Record(ctx, domain.RoutingRecord{
		Channel:  channel,
		ThreadID: threadID,
		Butler:   butler,
		RoutedAt: l.now(),
	})
}

func (l *AffinityLookup) loadSettings(ctx context.Context, supplied *domain.AffinitySettings) (domain.AffinitySettings, error) {
	if supplied != nil {
		return *supplied, nil
	}
	entry, err := l.state.Get(ctx, domain.StateKeyThreadAffinity)
	if err != nil {
		if domain.ClassOf(err) == domain.ClassNotFound {
			return l.defaults, nil
		}
		return domain.AffinitySettings{}, err
	}
	var s domain.AffinitySettings
	if err := json.Unmarshal(entry.Value, &s); err != nil {
		return domain.AffinitySettings{}, err
	}
	if s.TTLDays <= 0 {
		s.TTLDays = l.defaults.TTLDays
	}
	return s, nil
}

// threadOverride returns the per-thread override value, keyed
// "channel:thread_id" in the overrides map, or "" when absent.
func (l *AffinityLookup) threadOverride(ctx context.Context, channel, threadID string) (string, error) {
	entry, err := l.state.Get(ctx, domain.StateKeyThreadOverrides)
	if err != nil {
		if domain.ClassOf(err) == domain.ClassNotFound {
			return "", nil
		}
		return "", err
	}
	var overrides map[string]string
	if err := json.Unmarshal(entry.Value, &overrides); err != nil {
		return "", err
	}
	return overrides[channel+":"+threadID], nil
}

func forcedButler(override string) (string, bool) {
	const prefix = "force:"
	if len(override) > len(prefix) && override[:len(prefix)] == prefix {
		return override[len(prefix):], true
	}
	return "", false
}
