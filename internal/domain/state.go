package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StateEntry is one row of the generic KV state table. Last-writer-wins with
// a monotonically increasing version.
type StateEntry struct {
	Key       string
	Value     json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// ModuleEnabledKey is the state key holding a module's runtime flag.
func ModuleEnabledKey(module string) string {
	return fmt.Sprintf("module::%s::enabled", module)
}

// ModuleStatusKey is the state key holding a module's last runtime status
// ("ok" or "failed"). A failed module must be repaired before re-enabling.
func ModuleStatusKey(module string) string {
	return fmt.Sprintf("module::%s::status", module)
}

// Well-known state keys.
const (
	StateKeyThreadAffinity  = "thread_affinity::settings"
	StateKeyThreadOverrides = "thread_affinity::overrides"
)

// StateStore is the generic KV store backing module flags and settings.
type StateStore interface {
	Get(ctx context.Context, key string) (*StateEntry, error)
	// Set upserts key with value, bumping version.
	Set(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	// ListPrefix returns entries whose key starts with prefix.
	ListPrefix(ctx context.Context, prefix string) ([]StateEntry, error)
}
