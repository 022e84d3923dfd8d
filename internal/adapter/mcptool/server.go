package mcptool

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"butlerd/internal/domain"
)

// Server exposes a butler's registered tools over MCP stdio. The agent
// runtime connects as an MCP client and sees one tool per registered
// domain.Tool.
type Server struct {
	butler string
	srv    *server.MCPServer
	logger *slog.Logger
}

// NewServer creates the MCP server for one butler.
func NewServer(butler, version string, logger *slog.Logger) *Server {
	return &Server{
		butler: butler,
		srv: server.NewMCPServer(
			butler,
			version,
			server.WithToolCapabilities(true),
		),
		logger: logger,
	}
}

// Register adds one tool to the MCP surface.
func (s *Server) Register(t domain.Tool) {
	schema := t.Schema()
	mcpTool := mcp.Tool{
		Name:        schema.Name,
		Description: schema.Description,
	}
	if len(schema.Parameters) > 0 {
		mcpTool.RawInputSchema = schema.Parameters
	}

	s.srv.AddTool(mcpTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return nil, err
		}
		result, err := t.Execute(ctx, raw)
		if err != nil {
			// Tools normally fold errors into the result; a raw error here
			// is a programming bug, surfaced to the client as-is.
			return nil, err
		}
		return &mcp.CallToolResult{
			IsError: result.IsError,
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: result.Content},
			},
		}, nil
	})
	s.logger.Debug("tool registered", "tool", schema.Name)
}

// RegisterAll adds every tool in the slice.
func (s *Server) RegisterAll(tools []domain.Tool) {
	for _, t := range tools {
		s.Register(t)
	}
}

// Serve runs the stdio transport until the client disconnects.
func (s *Server) Serve() error {
	s.logger.Info("mcp server starting", "butler", s.butler)
	return server.ServeStdio(s.srv)
}
