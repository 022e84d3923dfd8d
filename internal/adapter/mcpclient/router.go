package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"butlerd/internal/domain"
	"butlerd/internal/infra/config"
)

// callTimeout bounds one route.execute call to a peer. Async butlers answer
// with "accepted" immediately; only the messenger's synchronous delivery can
// approach this.
const callTimeout = 60 * time.Second

// routeToolName is the tool every butler registers for cross-butler routing.
const routeToolName = "route_execute"

// peerClient abstracts the MCP client for testability.
type peerClient interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Router reaches peer butlers' route.execute tools over MCP. Connections are
// established lazily and reused; a failed peer is reconnected on the next
// call. Implements notify.RouteCaller.
type Router struct {
	peers  map[string]config.PeerConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]peerClient

	connect func(ctx context.Context, peer config.PeerConfig) (peerClient, error)
}

// NewRouter creates a router over the configured peers.
func NewRouter(peers []config.PeerConfig, logger *slog.Logger) *Router {
	byName := make(map[string]config.PeerConfig, len(peers))
	for _, p := range peers {
		byName[p.Name] = p
	}
	r := &Router{
		peers:   byName,
		logger:  logger,
		clients: map[string]peerClient{},
	}
	r.connect = r.dial
	return r
}

// CallRoute invokes route_execute on the named peer butler. Transport
// failures come back as retryable ErrUnavailable; tool-level errors are
// decoded from the route_response.v1 document the peer always returns.
func (r *Router) CallRoute(ctx context.Context, butler string, env domain.RouteV1) (*domain.RouteResponseV1, error) {
	const op = "Router.CallRoute"

	client, err := r.clientFor(ctx, butler)
	if err != nil {
		return nil, err
	}

	args, err := toArguments(env)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = routeToolName
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := client.CallTool(callCtx, req)
	if err != nil {
		r.drop(butler)
		return nil, domain.WrapOp(op,
			fmt.Errorf("%w: peer %s: %v", domain.ErrUnavailable, butler, err))
	}

	text := textContent(result)
	var resp domain.RouteResponseV1
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, domain.WrapOp(op,
			fmt.Errorf("peer %s returned a malformed route response: %v", butler, err))
	}
	return &resp, nil
}

// Close shuts down every open peer connection.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.clients {
		if err := c.Close(); err != nil {
			r.logger.Warn("peer close failed", "peer", name, "error", err)
		}
		delete(r.clients, name)
	}
}

func (r *Router) clientFor(ctx context.Context, butler string) (peerClient, error) {
	const op = "Router.Connect"
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[butler]; ok {
		return c, nil
	}
	peer, ok := r.peers[butler]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrNotFound,
			fmt.Sprintf("no peer configured for butler %q", butler))
	}
	c, err := r.connect(ctx, peer)
	if err != nil {
		return nil, domain.WrapOp(op,
			fmt.Errorf("%w: connect peer %s: %v", domain.ErrUnavailable, butler, err))
	}
	r.clients[butler] = c
	r.logger.Info("peer connected", "peer", butler, "transport", peer.Transport)
	return c, nil
}

// drop discards a peer's connection so the next call redials.
func (r *Router) drop(butler string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[butler]; ok {
		c.Close()
		delete(r.clients, butler)
	}
}

func (r *Router) dial(ctx context.Context, peer config.PeerConfig) (peerClient, error) {
	var c *mcpclient.Client
	switch peer.Transport {
	case "stdio":
		stdio, err := mcpclient.NewStdioMCPClient(peer.Command, envSlice(peer.Env), peer.Args...)
		if err != nil {
			return nil, fmt.Errorf("stdio client: %w", err)
		}
		c = stdio
	case "http":
		t, err := transport.NewStreamableHTTP(peer.URL)
		if err != nil {
			return nil, fmt.Errorf("http transport: %w", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported transport %q", peer.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "butlerd", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

// toArguments converts the envelope to the map shape CallTool expects.
func toArguments(env domain.RouteV1) (map[string]any, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func textContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
