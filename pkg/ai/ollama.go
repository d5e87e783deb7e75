package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lorechat/pkg/domain"
)

// OllamaGateway calls a local Ollama server over its native /api/chat
// endpoint.
type OllamaGateway struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaGateway builds an Ollama-backed Gateway.
// baseURL is the server root, e.g. "http://localhost:11434".
func NewOllamaGateway(baseURL, model string) *OllamaGateway {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &OllamaGateway{
		baseURL: baseURL,
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Complete implements Gateway using Ollama /api/chat.
func (g *OllamaGateway) Complete(ctx context.Context, req Request) (*Outcome, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.model
	}
	if model == "" {
		return nil, fmt.Errorf("ollama model required")
	}

	reqBody := ollamaChatRequest{
		Model:    model,
		Messages: ollamaMessagesFrom(req.Messages),
		Stream:   false,
	}
	if req.Temperature > 0 {
		reqBody.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	} else if req.MaxTokens > 0 {
		reqBody.Options = &ollamaOptions{NumPredict: req.MaxTokens}
	}
	for _, t := range req.Tools {
		reqBody.Tools = append(reqBody.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyRequestErr("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return nil, fmt.Errorf("ollama api error: %s: %w", errResp.Error, ErrInvalidResponse)
		}
		return nil, fmt.Errorf("ollama api error: %s: %w", resp.Status, ErrInvalidResponse)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("ollama decode: %w", ErrInvalidResponse)
	}

	out := &Outcome{
		Text: strings.TrimSpace(chatResp.Message.Content),
		Usage: domain.TokenUsage{
			Prompt:     chatResp.PromptEvalCount,
			Completion: chatResp.EvalCount,
			Total:      chatResp.PromptEvalCount + chatResp.EvalCount,
		},
	}
	// Ollama tool calls carry no IDs; synthesize stable per-response ones.
	for i, tc := range chatResp.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return nil, fmt.Errorf("empty response from ollama: %w", ErrInvalidResponse)
	}
	return out, nil
}

func ollamaMessagesFrom(msgs []domain.Message) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(msgs))
	for _, m := range msgs {
		om := ollamaChatMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Function: ollamaFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

// Ollama /api/chat request/response types.

type ollamaFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Options  *ollamaOptions      `json:"options,omitempty"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
