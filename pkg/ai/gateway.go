package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"lorechat/pkg/domain"
)

// Gateway failure kinds. Completion callers classify run failures with
// errors.Is against these sentinels.
var (
	ErrConnectionDisabled = errors.New("connection disabled")
	ErrUnreachable        = errors.New("backend unreachable")
	ErrTimeout            = errors.New("backend timeout")
	ErrInvalidResponse    = errors.New("invalid backend response")
)

// FailureKind maps a gateway error to its stable failure label, or
// "internal" for anything unclassified.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrConnectionDisabled):
		return "connection_disabled"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	}
	return "internal"
}

// ToolSpec describes one callable tool advertised to the model.
// InputSchema is a JSON Schema object, passed through verbatim.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Request is one completion call: the resolved message transcript plus
// the tools the model may invoke. Model overrides the connection default
// when non-empty.
type Request struct {
	Model       string
	Messages    []domain.Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Outcome is a single completion result. ToolCalls non-empty means the
// model requested tool invocations instead of (or alongside) final text.
type Outcome struct {
	Text      string
	ToolCalls []domain.ToolCall
	Usage     domain.TokenUsage
}

// Gateway produces one completion per call. Implementations are safe for
// concurrent use.
type Gateway interface {
	Complete(ctx context.Context, req Request) (*Outcome, error)
}

// ForConnection builds the provider gateway for a configured connection.
// Disabled connections never reach the network.
func ForConnection(conn domain.Connection) (Gateway, error) {
	if !conn.Enabled {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, ErrConnectionDisabled)
	}
	switch conn.Provider {
	case domain.ProviderOpenAICompat:
		return NewOpenAICompatGateway(conn.BaseURL, conn.APIKey, conn.Model), nil
	case domain.ProviderOllama:
		return NewOllamaGateway(conn.BaseURL, conn.Model), nil
	case domain.ProviderGemini:
		return NewGeminiGateway(conn.APIKey, conn.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", conn.Provider)
	}
}

// classifyRequestErr turns an http.Client error into a gateway sentinel.
// Context cancellation passes through untouched so callers can tell a
// user cancel apart from a backend fault.
func classifyRequestErr(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s request: %w", provider, ErrTimeout)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s request: %w", provider, ErrTimeout)
	}
	return fmt.Errorf("%s request: %w: %v", provider, ErrUnreachable, err)
}
