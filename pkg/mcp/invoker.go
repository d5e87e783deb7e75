package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lorechat/pkg/domain"
)

// InvokeResult is the outcome of one tool invocation, in the shape the
// orchestration loop feeds back to the model. A failed invocation is a
// result with IsError set, never a Go error.
type InvokeResult struct {
	CallID  string
	Content string
	IsError bool
}

// Invoker executes model-requested tool calls against a catalog.
type Invoker struct {
	catalog *Catalog
	logger  *slog.Logger
}

// NewInvoker wraps a catalog for tool execution.
func NewInvoker(catalog *Catalog, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{catalog: catalog, logger: logger}
}

// Invoke routes the call to the server owning the tool and executes it
// with the given per-call timeout (0 means no timeout). Unknown tools,
// server errors and timeouts all come back as error results so the
// conversation can continue.
func (iv *Invoker) Invoke(ctx context.Context, call domain.ToolCall, timeout time.Duration) InvokeResult {
	client, ok := iv.catalog.Route(call.Name)
	if !ok {
		iv.logger.Warn("unknown tool requested", "tool", call.Name)
		return InvokeResult{CallID: call.ID, Content: "tool not found: " + call.Name, IsError: true}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := client.CallTool(callCtx, call.Name, call.Arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			iv.logger.Warn("tool call timed out",
				"tool", call.Name, "server", client.Name(), "timeout", timeout)
			return InvokeResult{CallID: call.ID, Content: "tool call timed out", IsError: true}
		}
		iv.logger.Warn("tool call failed",
			"tool", call.Name, "server", client.Name(), "error", err)
		return InvokeResult{CallID: call.ID, Content: "tool call failed: " + err.Error(), IsError: true}
	}

	iv.logger.Debug("tool call completed",
		"tool", call.Name, "server", client.Name(), "duration_ms", time.Since(start).Milliseconds())
	return InvokeResult{CallID: call.ID, Content: text}
}
