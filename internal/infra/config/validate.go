package config

import (
	"fmt"
	"time"
)

// Validate rejects configurations that would misbehave at runtime. Called by
// Load; also usable directly on hand-built configs in tests.
func (c *Config) Validate() error {
	if c.Butler.Name == "" {
		return fmt.Errorf("config: butler.name is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Scheduler.TickIntervalSeconds <= 0 {
		return fmt.Errorf("config: scheduler.tick_interval_seconds must be positive, got %d", c.Scheduler.TickIntervalSeconds)
	}
	if c.Butler.LivenessTTLSeconds <= 0 {
		return fmt.Errorf("config: butler.liveness_ttl_seconds must be positive, got %d", c.Butler.LivenessTTLSeconds)
	}
	if _, err := time.ParseDuration(c.Route.StaleProcessingBound); err != nil {
		return fmt.Errorf("config: route.stale_processing_bound: %w", err)
	}
	for _, g := range c.Approval.GatedTools {
		if g.Name == "" {
			return fmt.Errorf("config: approval.gated_tools entry missing name")
		}
		if g.ExpiryHours <= 0 {
			return fmt.Errorf("config: gated tool %q: expiry_hours must be positive", g.Name)
		}
	}
	for _, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("config: peers entry missing name")
		}
		switch p.Transport {
		case "stdio":
			if p.Command == "" {
				return fmt.Errorf("config: peer %q: stdio transport requires command", p.Name)
			}
		case "http":
			if p.URL == "" {
				return fmt.Errorf("config: peer %q: http transport requires url", p.Name)
			}
		default:
			return fmt.Errorf("config: peer %q: unsupported transport %q", p.Name, p.Transport)
		}
	}
	if c.Switchboard != nil {
		if len(c.Switchboard.AllowedSources) == 0 {
			return fmt.Errorf("config: switchboard.allowed_sources must not be empty")
		}
		for _, s := range c.Switchboard.AllowedSources {
			if s.Channel == "" || s.Provider == "" {
				return fmt.Errorf("config: allowed_sources entries need both channel and provider")
			}
		}
		for _, r := range c.Switchboard.TriageRules {
			if r.TargetButler == "" {
				return fmt.Errorf("config: triage rule (priority %d) missing target_butler", r.Priority)
			}
			if r.SenderDomain == "" && r.Channel == "" && r.Keyword == "" {
				return fmt.Errorf("config: triage rule (priority %d) has no conditions", r.Priority)
			}
		}
	}
	return nil
}

// StaleBound returns the parsed route.stale_processing_bound. Validate
// guarantees it parses.
func (c *Config) StaleBound() time.Duration {
	d, _ := time.ParseDuration(c.Route.StaleProcessingBound)
	return d
}
