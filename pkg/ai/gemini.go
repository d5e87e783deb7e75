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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiGateway calls the Google AI Studio (Gemini) API.
type GeminiGateway struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiGateway constructs a Gemini-backed Gateway with the provided
// API key.
func NewGeminiGateway(apiKey, model string) (*GeminiGateway, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	return &GeminiGateway{
		apiKey:     apiKey,
		model:      strings.TrimSpace(model),
		baseURL:    defaultGeminiBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Complete implements Gateway using generateContent.
func (g *GeminiGateway) Complete(ctx context.Context, req Request) (*Outcome, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.model
	}
	if model == "" {
		return nil, fmt.Errorf("gemini model required")
	}

	reqBody := geminiGenerateRequest{}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		reqBody.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		reqBody.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	// Gemini has no tool-call IDs; function responses are matched by
	// name, resolved from the preceding assistant turn.
	callNames := map[string]string{}
	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleUser:
			reqBody.Contents = append(reqBody.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		case domain.RoleAssistant:
			c := geminiContent{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Name
				c.Parts = append(c.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments},
				})
			}
			reqBody.Contents = append(reqBody.Contents, c)
		case domain.RoleTool:
			name := callNames[m.ToolCallID]
			resp, err := json.Marshal(map[string]string{"result": m.Content})
			if err != nil {
				return nil, err
			}
			reqBody.Contents = append(reqBody.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{Name: name, Response: resp},
				}},
			})
		}
	}
	if len(system) > 0 {
		reqBody.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}},
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, normalizeModel(model), g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyRequestErr("gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp geminiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("gemini api error: %s: %w", errResp.Error.Message, ErrInvalidResponse)
		}
		return nil, fmt.Errorf("gemini api error: %s: %w", resp.Status, ErrInvalidResponse)
	}

	var genResp geminiGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("gemini decode: %w", ErrInvalidResponse)
	}
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from gemini: %w", ErrInvalidResponse)
	}

	out := &Outcome{
		Usage: domain.TokenUsage{
			Prompt:     genResp.UsageMetadata.PromptTokenCount,
			Completion: genResp.UsageMetadata.CandidatesTokenCount,
			Total:      genResp.UsageMetadata.TotalTokenCount,
		},
	}
	var texts []string
	for i, p := range genResp.Candidates[0].Content.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
		if p.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      p.FunctionCall.Name,
				Arguments: p.FunctionCall.Args,
			})
		}
	}
	out.Text = strings.TrimSpace(strings.Join(texts, ""))
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return nil, fmt.Errorf("empty response from gemini: %w", ErrInvalidResponse)
	}
	return out, nil
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

// Gemini generateContent request/response types.

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiGenerateRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
