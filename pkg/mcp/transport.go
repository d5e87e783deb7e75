package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Transport delivers JSON-RPC messages to an MCP server.
type Transport interface {
	// Send sends a JSON-RPC request and returns the response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	Close() error
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is an HTTP POST; the response comes back in the
// response body. A session ID returned by the server is echoed on
// subsequent requests for session affinity.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given endpoint.
// headers are sent with every request (e.g. Authorization) and may be nil.
func NewHTTPTransport(url string, headers map[string]string) *HTTPTransport {
	return &HTTPTransport{
		url:        strings.TrimSpace(url),
		headers:    headers,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Send sends a JSON-RPC request via HTTP POST and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 1<<20))
		httpResp.Body.Close()
	}()

	if sid := httpResp.Header.Get("Mcp-Session"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp server returned %d", httpResp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Notify sends a JSON-RPC notification via HTTP POST. 200 and 202 are
// both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 1<<20))
		httpResp.Body.Close()
	}()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("mcp server returned %d for notification", httpResp.StatusCode)
	}
	return nil
}

// Close is a no-op for HTTP transports; the client manages its own
// connection pool.
func (t *HTTPTransport) Close() error {
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session", t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request to %s: %w", t.url, err)
	}
	return httpResp, nil
}
