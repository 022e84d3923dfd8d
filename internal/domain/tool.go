package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the MCP surface.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	Content     string `json:"content"`
	IsError     bool   `json:"is_error"`
	IsRetryable bool   `json:"is_retryable,omitempty"`
}

// Tool is the interface every butler tool implements. Execute receives the
// raw JSON arguments from the MCP call.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolFunc adapts a bare handler into a Tool. Used by the approval gate to
// re-register wrapped handlers.
type ToolFunc struct {
	ToolName string
	Desc     string
	Params   json.RawMessage
	Handler  func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *ToolFunc) Name() string        { return t.ToolName }
func (t *ToolFunc) Description() string { return t.Desc }
func (t *ToolFunc) Schema() ToolSchema {
	return ToolSchema{Name: t.ToolName, Description: t.Desc, Parameters: t.Params}
}
func (t *ToolFunc) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.Handler(ctx, params)
}
