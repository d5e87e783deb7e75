package mcp

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"lorechat/pkg/domain"
)

// Tool is one catalog entry: an MCP tool plus the server that owns it.
type Tool struct {
	Name        string
	Description string
	InputSchema []byte
	Server      string
}

// Catalog aggregates the tools of a character's enabled MCP servers and
// routes invocations back to the owning server. On a tool name collision
// the server attached first wins.
type Catalog struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients []*Client
	tools   []Tool
	byName  map[string]*Client
}

// NewCatalog builds clients for the enabled servers, in attach order.
// Disabled servers are skipped entirely.
func NewCatalog(servers []domain.MCPServer, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		logger: logger,
		byName: make(map[string]*Client),
	}
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		transport := NewHTTPTransport(srv.Endpoint, srv.Headers)
		c.clients = append(c.clients, NewClient(srv.Name, transport, logger))
	}
	return c
}

// Refresh initializes every server and fetches its tool list, fanning
// out concurrently. An unreachable server is logged and its tools are
// omitted; the catalog stays usable with whatever answered.
func (c *Catalog) Refresh(ctx context.Context) {
	c.mu.RLock()
	clients := make([]*Client, len(c.clients))
	copy(clients, c.clients)
	c.mu.RUnlock()

	results := make([][]ToolDefinition, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, cl := range clients {
		i, cl := i, cl
		g.Go(func() error {
			if err := cl.Initialize(gctx); err != nil {
				c.logger.Warn("mcp server unavailable", "server", cl.Name(), "error", err)
				return nil
			}
			tools, err := cl.ListTools(gctx)
			if err != nil {
				c.logger.Warn("mcp tools/list failed", "server", cl.Name(), "error", err)
				return nil
			}
			results[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = c.tools[:0]
	clear(c.byName)
	for i, cl := range clients {
		for _, def := range results[i] {
			if _, taken := c.byName[def.Name]; taken {
				c.logger.Warn("mcp tool name collision", "tool", def.Name, "server", cl.Name())
				continue
			}
			c.byName[def.Name] = cl
			c.tools = append(c.tools, Tool{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: def.InputSchema,
				Server:      cl.Name(),
			})
		}
	}
}

// Tools returns the aggregated tool list in server attach order.
func (c *Catalog) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Route returns the client owning the named tool.
func (c *Catalog) Route(name string) (*Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.byName[name]
	return cl, ok
}

// Close shuts down every client.
func (c *Catalog) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clients {
		_ = cl.Close()
	}
}
