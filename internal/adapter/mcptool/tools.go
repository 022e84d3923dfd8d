package mcptool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"butlerd/internal/domain"
	"butlerd/internal/usecase/approval"
	"butlerd/internal/usecase/notify"
	"butlerd/internal/usecase/route"
)

// NewRouteExecuteTool exposes the butler's route.execute surface. The
// response is always a route_response.v1 document, including on failure, so
// callers can replay terminal outcomes verbatim.
func NewRouteExecuteTool(butler string, h *route.Handler, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "route_execute",
		Desc:     "Submit a route.v1 envelope to this butler for processing.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"schema_version": {"type": "string"},
				"request_context": {"type": "object"},
				"target": {"type": "object"},
				"input": {"type": "object"}
			},
			"required": ["schema_version", "request_context", "target", "input"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "route.execute", logger, params,
				func(ctx context.Context, _ trace.Span, env domain.RouteV1) (any, error) {
					resp, err := h.Execute(ctx, env)
					if err != nil {
						raw, mErr := json.MarshalIndent(route.ErrorResponse(err), "", "  ")
						if mErr != nil {
							return nil, err
						}
						return &domain.ToolResult{
							IsError:     true,
							IsRetryable: domain.Retryable(err),
							Content:     string(raw),
						}, nil
					}
					return resp, nil
				})
		},
	}
}

// NewDeliverTool exposes the Switchboard deliver operation: accept a
// notify.v1 intent and hand it to the messenger butler.
func NewDeliverTool(butler string, svc *notify.Service, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "deliver",
		Desc:     "Deliver an outbound message through the messenger butler.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"schema_version": {"type": "string"},
				"origin_butler": {"type": "string"},
				"delivery": {
					"type": "object",
					"properties": {
						"intent": {"type": "string", "enum": ["send", "reply"]},
						"channel": {"type": "string"},
						"message": {"type": "string"},
						"recipient": {"type": "string"},
						"subject": {"type": "string"},
						"metadata": {"type": "object"}
					},
					"required": ["intent", "channel", "message"]
				},
				"request_context": {"type": "object"}
			},
			"required": ["schema_version", "origin_butler", "delivery"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "notify.deliver", logger, params,
				func(ctx context.Context, _ trace.Span, req domain.NotifyV1) (any, error) {
					resp, err := svc.Deliver(ctx, butler, &req)
					if err != nil {
						return nil, err
					}
					if resp.Status == "error" && resp.Error != nil {
						raw, mErr := json.MarshalIndent(resp, "", "  ")
						if mErr != nil {
							return nil, mErr
						}
						return &domain.ToolResult{
							IsError:     true,
							IsRetryable: resp.Error.Retryable,
							Content:     string(raw),
						}, nil
					}
					return resp, nil
				})
		},
	}
}

type approveParams struct {
	ActionID   string `json:"action_id"`
	DecidedBy  string `json:"decided_by"`
	CreateRule bool   `json:"create_rule"`
}

// NewApproveActionTool decides a pending action as approved and executes it.
func NewApproveActionTool(butler string, gate *approval.Gate, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "approve_action",
		Desc:     "Approve a pending gated action, optionally creating a standing rule from it.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action_id": {"type": "string"},
				"decided_by": {"type": "string"},
				"create_rule": {"type": "boolean"}
			},
			"required": ["action_id", "decided_by"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "approval.approve", logger, params,
				func(ctx context.Context, _ trace.Span, p approveParams) (any, error) {
					return gate.ApproveAction(ctx, p.ActionID, p.DecidedBy, p.CreateRule)
				})
		},
	}
}

type rejectParams struct {
	ActionID  string `json:"action_id"`
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason"`
}

// NewRejectActionTool decides a pending action as rejected.
func NewRejectActionTool(butler string, gate *approval.Gate, logger *slog.Logger) domain.Tool {
	return &domain.ToolFunc{
		ToolName: "reject_action",
		Desc:     "Reject a pending gated action.",
		Params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action_id": {"type": "string"},
				"decided_by": {"type": "string"},
				"reason": {"type": "string"}
			},
			"required": ["action_id", "decided_by"]
		}`),
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, butler, "approval.reject", logger, params,
				func(ctx context.Context, _ trace.Span, p rejectParams) (any, error) {
					if err := gate.RejectAction(ctx, p.ActionID, p.DecidedBy, p.Reason); err != nil {
						return nil, err
					}
					return map[string]string{"status": "rejected", "action_id": p.ActionID}, nil
				})
		},
	}
}
