package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"butlerd/internal/domain"
	"butlerd/internal/infra/tracer"
)

// Execute is the standard tool execution pipeline: parse params, open a
// span, run the handler, format the result.
//
// The handler's return value becomes the ToolResult:
//   - (*domain.ToolResult, nil) is returned as-is
//   - (string, nil) becomes a plain-text result
//   - (any other value, nil) is JSON-marshaled
//   - (nil, error) becomes an error result; retryability follows the
//     domain error taxonomy
func Execute[P any](
	ctx context.Context,
	butler, spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(
			tracer.StringAttr("tool.name", spanName),
			tracer.StringAttr(tracer.ButlerNameKey, butler),
		),
	)
	defer span.End()

	var p P
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			tracer.RecordError(span, err)
			return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid params: %v", err)}, nil
		}
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)

		ee := domain.ToEnvelopeError(err)
		return &domain.ToolResult{
			IsError:     true,
			IsRetryable: ee.Retryable,
			Content:     fmt.Sprintf("%s: %s", ee.Class, ee.Message),
		}, nil
	}

	return formatResult(span, result)
}

func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return &domain.ToolResult{Content: v}, nil
	default:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			tracer.RecordError(span, err)
			return &domain.ToolResult{
				IsError: true,
				Content: fmt.Sprintf("failed to format response: %v", err),
			}, nil
		}
		tracer.SetOK(span)
		return &domain.ToolResult{Content: string(data)}, nil
	}
}

// BadAction returns an error for an unknown action with a hint listing valid
// actions.
func BadAction(got string, valid ...string) error {
	return domain.NewDomainError("tool", domain.ErrInvalidInput,
		fmt.Sprintf("unknown action %q (want: %s)", got, joinComma(valid)))
}

func joinComma(ss []string) string {
	switch len(ss) {
	case 0:
		return ""
	case 1:
		return ss[0]
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += ", " + s
	}
	return out
}
