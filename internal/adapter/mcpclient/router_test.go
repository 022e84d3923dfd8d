package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"butlerd/internal/domain"
	"butlerd/internal/infra/config"
	"butlerd/internal/infra/logger"
)

type stubClient struct {
	calls   []mcp.CallToolRequest
	result  *mcp.CallToolResult
	callErr error
	closed  bool
}

func (s *stubClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.calls = append(s.calls, req)
	if s.callErr != nil {
		return nil, s.callErr
	}
	return s.result, nil
}

func (s *stubClient) Close() error {
	s.closed = true
	return nil
}

func envelopeResult(t *testing.T, resp domain.RouteResponseV1) *mcp.CallToolResult {
	t.Helper()
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(raw)}},
	}
}

func newStubRouter(stub *stubClient, dialErr error) *Router {
	r := NewRouter([]config.PeerConfig{
		{Name: "health", Transport: "stdio", Command: "butlerd"},
	}, logger.Discard())
	r.connect = func(context.Context, config.PeerConfig) (peerClient, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return stub, nil
	}
	return r
}

func routeEnvelope() domain.RouteV1 {
	return domain.RouteV1{
		SchemaVersion: domain.SchemaRouteV1,
		RequestContext: domain.RequestContext{
			RequestID:              "0198f2a0-0000-7000-8000-000000000001",
			SourceEndpointIdentity: "switchboard",
		},
		Target: domain.RouteTarget{Butler: "health"},
		Input:  domain.RouteInput{Prompt: "p"},
	}
}

func TestCallRouteDecodesResponse(t *testing.T) {
	stub := &stubClient{result: envelopeResult(t, domain.RouteResponseV1{
		SchemaVersion: domain.SchemaRouteResponseV1,
		Status:        domain.RouteStatusAccepted,
		InboxID:       "in-1",
	})}
	r := newStubRouter(stub, nil)

	resp, err := r.CallRoute(context.Background(), "health", routeEnvelope())
	if err != nil {
		t.Fatalf("CallRoute: %v", err)
	}
	if resp.Status != domain.RouteStatusAccepted || resp.InboxID != "in-1" {
		t.Errorf("response = %+v", resp)
	}
	if len(stub.calls) != 1 || stub.calls[0].Params.Name != routeToolName {
		t.Errorf("calls = %+v", stub.calls)
	}
	args, ok := stub.calls[0].Params.Arguments.(map[string]any)
	if !ok {
		t.Fatalf("arguments type %T", stub.calls[0].Params.Arguments)
	}
	if args["schema_version"] != domain.SchemaRouteV1 {
		t.Errorf("arguments = %v", args)
	}
}

func TestCallRouteUnknownPeer(t *testing.T) {
	r := newStubRouter(&stubClient{}, nil)

	_, err := r.CallRoute(context.Background(), "mystery", routeEnvelope())
	if domain.ClassOf(err) != domain.ClassNotFound {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestCallRouteTransportFailureDropsConnection(t *testing.T) {
	stub := &stubClient{callErr: errors.New("broken pipe")}
	r := newStubRouter(stub, nil)

	_, err := r.CallRoute(context.Background(), "health", routeEnvelope())
	if !domain.Retryable(err) {
		t.Errorf("transport failure not retryable: %v", err)
	}
	if !stub.closed {
		t.Error("failed connection was not dropped")
	}

	// The next call redials instead of reusing the dead client.
	fresh := &stubClient{result: envelopeResult(t, domain.RouteResponseV1{
		SchemaVersion: domain.SchemaRouteResponseV1,
		Status:        domain.RouteStatusAccepted,
	})}
	r.connect = func(context.Context, config.PeerConfig) (peerClient, error) { return fresh, nil }
	if _, err := r.CallRoute(context.Background(), "health", routeEnvelope()); err != nil {
		t.Fatalf("redial call: %v", err)
	}
	if len(fresh.calls) != 1 {
		t.Errorf("fresh client calls = %d", len(fresh.calls))
	}
}

func TestCallRouteDialFailureRetryable(t *testing.T) {
	r := newStubRouter(nil, errors.New("no such binary"))

	_, err := r.CallRoute(context.Background(), "health", routeEnvelope())
	if !domain.Retryable(err) {
		t.Errorf("dial failure not retryable: %v", err)
	}
}
