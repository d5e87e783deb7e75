package app

import (
	"context"
	"log/slog"
	"time"

	"lorechat/pkg/domain"
	"lorechat/pkg/mcp"
)

// ToolSession is the tool surface of one run: the aggregated tool list
// of the character's MCP servers plus invocation routing.
type ToolSession interface {
	Tools() []mcp.Tool
	Invoke(ctx context.Context, call domain.ToolCall, timeout time.Duration) mcp.InvokeResult
	Close()
}

// ToolProvider builds a session for a character's attached servers.
// Replaced in tests with a fake.
type ToolProvider func(ctx context.Context, servers []domain.MCPServer) ToolSession

// MCPToolProvider is the production provider: an MCP catalog refreshed
// once per run, with an invoker over it.
func MCPToolProvider(logger *slog.Logger) ToolProvider {
	return func(ctx context.Context, servers []domain.MCPServer) ToolSession {
		catalog := mcp.NewCatalog(servers, logger)
		catalog.Refresh(ctx)
		return &mcpSession{
			catalog: catalog,
			invoker: mcp.NewInvoker(catalog, logger),
		}
	}
}

type mcpSession struct {
	catalog *mcp.Catalog
	invoker *mcp.Invoker
}

func (s *mcpSession) Tools() []mcp.Tool {
	return s.catalog.Tools()
}

func (s *mcpSession) Invoke(ctx context.Context, call domain.ToolCall, timeout time.Duration) mcp.InvokeResult {
	return s.invoker.Invoke(ctx, call, timeout)
}

func (s *mcpSession) Close() {
	s.catalog.Close()
}
