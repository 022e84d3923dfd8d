package mcptool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"butlerd/internal/domain"
	"butlerd/internal/usecase/education"
	"butlerd/internal/usecase/entity"
	"butlerd/internal/usecase/scheduler"
)

type scheduleParams struct {
	Action string               `json:"action"` // create | update | delete | list
	Task   domain.ScheduledTask `json:"task"`
	ID     string               `json:"id"`
}

// NewScheduleTool manages this butler's scheduled tasks.
func NewScheduleTool(butler string, mgr *scheduler.Manager, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "schedule",
		Desc:     "Create, update, delete, or list scheduled tasks for this butler.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["create", "update", "delete", "list"]},
				"task": {"type": "object"},
				"id": {"type": "string"}
			},
			"required": ["action"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "schedule.manage", logger, params,
				func(ctx context.Context, _ trace.Span, p scheduleParams) (any, error) {
					switch p.Action {
					case "create":
						return mgr.Create(ctx, p.Task)
					case "update":
						if err := mgr.Update(ctx, p.Task); err != nil {
							return nil, err
						}
						return map[string]string{"status": "updated", "id": p.Task.ID}, nil
					case "delete":
						if err := mgr.Delete(ctx, p.ID); err != nil {
							return nil, err
						}
						return map[string]string{"status": "deleted", "id": p.ID}, nil
					case "list":
						return mgr.List(ctx)
					default:
						return nil, BadAction(p.Action, "create", "update", "delete", "list")
					}
				})
		},
	}
}

type educationParams struct {
	Action   string `json:"action"`
	NodeID   string `json:"node_id"`
	MapID    string `json:"map_id"`
	Quality  int    `json:"quality"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Type     string `json:"response_type"`
}

// NewEducationTool exposes the education butler's mastery and curriculum
// operations.
func NewEducationTool(butler string, svc *education.Service, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "education",
		Desc:     "Record reviews and mastery, inspect struggle, and plan the curriculum.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["record_review", "record_mastery", "struggling", "plan", "replan", "next_node"]},
				"node_id": {"type": "string"},
				"map_id": {"type": "string"},
				"quality": {"type": "integer", "minimum": 0, "maximum": 5},
				"question": {"type": "string"},
				"answer": {"type": "string"},
				"response_type": {"type": "string"}
			},
			"required": ["action"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "education.manage", logger, params,
				func(ctx context.Context, _ trace.Span, p educationParams) (any, error) {
					switch p.Action {
					case "record_review":
						return svc.RecordReview(ctx, p.NodeID, p.Quality)
					case "record_mastery":
						status, score, err := svc.RecordMastery(ctx, domain.QuizResponse{
							ID:           domain.NewRowID(),
							NodeID:       p.NodeID,
							MindMapID:    p.MapID,
							QuestionText: p.Question,
							UserAnswer:   p.Answer,
							Quality:      p.Quality,
							ResponseType: p.Type,
							RespondedAt:  time.Now().UTC(),
						})
						if err != nil {
							return nil, err
						}
						return map[string]any{"status": status, "score": score}, nil
					case "struggling":
						return svc.Struggling(ctx, p.MapID)
					case "plan":
						return svc.Plan(ctx, p.MapID)
					case "replan":
						return svc.Replan(ctx, p.MapID)
					case "next_node":
						nodeID, err := svc.NextNode(ctx, p.MapID)
						if err != nil {
							return nil, err
						}
						return map[string]string{"node_id": nodeID}, nil
					default:
						return nil, BadAction(p.Action, "record_review", "record_mastery", "struggling", "plan", "replan", "next_node")
					}
				})
		},
	}
}

type entityParams struct {
	Action      string   `json:"action"` // resolve | merge
	Name        string   `json:"name"`
	TenantID    string   `json:"tenant_id"`
	EntityType  string   `json:"entity_type"`
	TopicHints  []string `json:"topic_hints"`
	MentionedBy []string `json:"mentioned_by"`
	EnableFuzzy bool     `json:"enable_fuzzy"`
	SourceID    string   `json:"source_id"`
	TargetID    string   `json:"target_id"`
}

// NewEntityTool exposes entity resolution and merge.
func NewEntityTool(butler string, r *entity.Resolver, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "entity",
		Desc:     "Resolve a name to ranked entity candidates, or merge two entities.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["resolve", "merge"]},
				"name": {"type": "string"},
				"tenant_id": {"type": "string"},
				"entity_type": {"type": "string"},
				"topic_hints": {"type": "array", "items": {"type": "string"}},
				"mentioned_by": {"type": "array", "items": {"type": "string"}},
				"enable_fuzzy": {"type": "boolean"},
				"source_id": {"type": "string"},
				"target_id": {"type": "string"}
			},
			"required": ["action"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "entity.manage", logger, params,
				func(ctx context.Context, _ trace.Span, p entityParams) (any, error) {
					switch p.Action {
					case "resolve":
						return r.Resolve(ctx, domain.ResolveQuery{
							Name:        p.Name,
							TenantID:    p.TenantID,
							EntityType:  p.EntityType,
							TopicHints:  p.TopicHints,
							MentionedBy: p.MentionedBy,
							EnableFuzzy: p.EnableFuzzy,
						})
					case "merge":
						if err := r.Merge(ctx, p.SourceID, p.TargetID); err != nil {
							return nil, err
						}
						return map[string]string{"status": "merged", "target_id": p.TargetID}, nil
					default:
						return nil, BadAction(p.Action, "resolve", "merge")
					}
				})
		},
	}
}

type registryParams struct {
	Action string `json:"action"` // heartbeat | list | get
	Name   string `json:"name"`
}

// NewRegistryTool exposes butler registry reads and the heartbeat write.
func NewRegistryTool(butler string, store domain.RegistryStore, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "registry",
		Desc:     "Heartbeat this butler or inspect the butler registry.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["heartbeat", "list", "get"]},
				"name": {"type": "string"}
			},
			"required": ["action"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "registry.manage", logger, params,
				func(ctx context.Context, _ trace.Span, p registryParams) (any, error) {
					switch p.Action {
					case "heartbeat":
						if err := store.Heartbeat(ctx, butler, time.Now().UTC()); err != nil {
							return nil, err
						}
						return map[string]string{"status": "ok", "butler": butler}, nil
					case "list":
						return store.List(ctx)
					case "get":
						return store.Get(ctx, p.Name)
					default:
						return nil, BadAction(p.Action, "heartbeat", "list", "get")
					}
				})
		},
	}
}

type recentParams struct {
	Limit int `json:"limit"`
}

// NewSessionsRecentTool returns the newest rows of the sessions log.
func NewSessionsRecentTool(butler string, store domain.SessionStore, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "sessions_recent",
		Desc:     "List the most recent agent sessions.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {"limit": {"type": "integer", "minimum": 1}}
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "sessions.recent", logger, params,
				func(ctx context.Context, _ trace.Span, p recentParams) (any, error) {
					if p.Limit <= 0 {
						p.Limit = 20
					}
					return store.Recent(ctx, p.Limit)
				})
		},
	}
}

// NewNotificationsRecentTool returns the newest rows of the outbound audit
// log.
func NewNotificationsRecentTool(butler string, store domain.NotificationStore, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "notifications_recent",
		Desc:     "List the most recent outbound notifications.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {"limit": {"type": "integer", "minimum": 1}}
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "notifications.recent", logger, params,
				func(ctx context.Context, _ trace.Span, p recentParams) (any, error) {
					if p.Limit <= 0 {
						p.Limit = 20
					}
					return store.Recent(ctx, p.Limit)
				})
		},
	}
}

type stateParams struct {
	Action string          `json:"action"` // get | set | delete | list
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Prefix string          `json:"prefix"`
}

// NewStateTool exposes the butler's KV state. Keys under module:: are
// managed through module_flags, but reads here see them too.
func NewStateTool(butler string, state domain.StateStore, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "state",
		Desc:     "Get, set, delete, or list keys in this butler's state store.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["get", "set", "delete", "list"]},
				"key": {"type": "string"},
				"value": {},
				"prefix": {"type": "string"}
			},
			"required": ["action"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "state.manage", logger, params,
				func(ctx context.Context, _ trace.Span, p stateParams) (any, error) {
					switch p.Action {
					case "get":
						return state.Get(ctx, p.Key)
					case "set":
						if len(p.Value) == 0 {
							return nil, domain.WrapOp("state.set", domain.ErrInvalidInput)
						}
						if err := state.Set(ctx, p.Key, p.Value); err != nil {
							return nil, err
						}
						return map[string]string{"status": "ok", "key": p.Key}, nil
					case "delete":
						if err := state.Delete(ctx, p.Key); err != nil {
							return nil, err
						}
						return map[string]string{"status": "deleted", "key": p.Key}, nil
					case "list":
						return state.ListPrefix(ctx, p.Prefix)
					default:
						return nil, BadAction(p.Action, "get", "set", "delete", "list")
					}
				})
		},
	}
}

type moduleFlagParams struct {
	Action  string `json:"action"` // get | set | list
	Module  string `json:"module"`
	Enabled bool   `json:"enabled"`
}

// NewModuleFlagTool reads and writes per-module runtime flags in KV state.
func NewModuleFlagTool(butler string, state domain.StateStore, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "module_flags",
		Desc:     "Get, set, or list module runtime flags.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["get", "set", "list"]},
				"module": {"type": "string"},
				"enabled": {"type": "boolean"}
			},
			"required": ["action"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "module_flags.manage", logger, params,
				func(ctx context.Context, _ trace.Span, p moduleFlagParams) (any, error) {
					switch p.Action {
					case "get":
						entry, err := state.Get(ctx, domain.ModuleEnabledKey(p.Module))
						if err != nil {
							return nil, err
						}
						var enabled bool
						if err := json.Unmarshal(entry.Value, &enabled); err != nil {
							return nil, err
						}
						return map[string]any{"module": p.Module, "enabled": enabled}, nil
					case "set":
						if p.Enabled {
							if status, err := state.Get(ctx, domain.ModuleStatusKey(p.Module)); err == nil {
								var s string
								if json.Unmarshal(status.Value, &s) == nil && s == "failed" {
									return nil, domain.WrapOp("module_flags.set", domain.ErrModuleFailed)
								}
							}
						}
						raw, _ := json.Marshal(p.Enabled)
						if err := state.Set(ctx, domain.ModuleEnabledKey(p.Module), raw); err != nil {
							return nil, err
						}
						return map[string]any{"module": p.Module, "enabled": p.Enabled}, nil
					case "list":
						return state.ListPrefix(ctx, "module::")
					default:
						return nil, BadAction(p.Action, "get", "set", "list")
					}
				})
		},
	}
}
