package domain

import (
	"encoding/json"
	"time"
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// RunStatus is the lifecycle state of a chat run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	}
	return false
}

// BlockKind identifies a prompt stack block source.
type BlockKind string

const (
	KindStaticText BlockKind = "static_text"
	KindLorebook   BlockKind = "lorebook"
	KindPersona    BlockKind = "persona"
	KindHistory    BlockKind = "history"
	KindMCPTools   BlockKind = "mcp_tools"
)

// Provider identifies a completion backend protocol.
type Provider string

const (
	ProviderOpenAICompat Provider = "openai_compat"
	ProviderOllama       Provider = "ollama"
	ProviderGemini       Provider = "gemini"
)

// Character is a chat persona with an ordered prompt stack and optional
// MCP tool servers attached.
type Character struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Persona   string    `json:"persona"`
	Greeting  string    `json:"greeting,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Persona is a user-side identity block attachable to a prompt stack.
type Persona struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// StaticPreset is a reusable block of instruction text.
type StaticPreset struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Lorebook groups keyword-triggered entries.
type Lorebook struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LorebookEntry is one keyword-triggered snippet. Keywords are OR-matched
// case-insensitively against the scan text; InsertionOrder is both the
// tie-break and the emission order among matches.
type LorebookEntry struct {
	ID             string   `json:"id"`
	LorebookID     string   `json:"lorebookId"`
	Keywords       []string `json:"keywords"`
	Content        string   `json:"content"`
	InsertionOrder int      `json:"insertionOrder"`
	Enabled        bool     `json:"enabled"`
}

// PromptPreset attaches a content source to a character's prompt stack.
// RefID points at the static preset, lorebook, or persona for those kinds;
// history and mcp_tools are placeholders resolved at turn time.
type PromptPreset struct {
	ID          string      `json:"id"`
	CharacterID string      `json:"characterId"`
	Kind        BlockKind   `json:"kind"`
	RefID       string      `json:"refId,omitempty"`
	Role        MessageRole `json:"role"`
	SortOrder   int         `json:"sortOrder"`
}

// Connection is a configured completion backend.
type Connection struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Provider Provider `json:"provider"`
	BaseURL  string   `json:"baseUrl"`
	APIKey   string   `json:"-"`
	Model    string   `json:"model"`
	Enabled  bool     `json:"enabled"`
}

// MCPServer is an external tool server reachable over HTTP.
type MCPServer struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"-"`
	Enabled  bool              `json:"enabled"`
}

// Chat is one conversation bound to a character.
type Chat struct {
	ID          string    `json:"id"`
	CharacterID string    `json:"characterId"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one chat message. Seq is a per-chat insertion order that may
// contain gaps after pruning but never reorders.
type Message struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chatId"`
	RunID      string      `json:"runId,omitempty"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"toolCalls,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	TokenCount int         `json:"tokenCount,omitempty"`
	Seq        int64       `json:"seq"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// TokenUsage is the token accounting for one run.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ChatRun is one attempt to produce an assistant reply for a user message.
type ChatRun struct {
	ID                 string      `json:"id"`
	ChatID             string      `json:"chatId"`
	Status             RunStatus   `json:"status"`
	UserMessageID      string      `json:"userMessageId"`
	AssistantMessageID string      `json:"assistantMessageId,omitempty"`
	Error              string      `json:"error,omitempty"`
	TokenUsage         *TokenUsage `json:"tokenUsage,omitempty"`
	StartedAt          time.Time   `json:"startedAt"`
	FinishedAt         *time.Time  `json:"finishedAt,omitempty"`
}

// ChatLLMConfig selects the backend and sampling/loop limits for a chat.
type ChatLLMConfig struct {
	ChatID            string  `json:"chatId"`
	ConnectionID      string  `json:"connectionId"`
	Model             string  `json:"model,omitempty"`
	Temperature       float64 `json:"temperature"`
	MaxOutputTokens   int     `json:"maxOutputTokens"`
	MaxToolIterations int     `json:"maxToolIterations"`
	ToolCallTimeoutMs int     `json:"toolCallTimeoutMs"`
}

// ChatHistoryConfig governs history windowing and lore scanning for a chat.
type ChatHistoryConfig struct {
	ChatID             string `json:"chatId"`
	HistoryEnabled     bool   `json:"historyEnabled"`
	MessageLimit       int    `json:"messageLimit"`
	LoreScanTokenLimit int    `json:"loreScanTokenLimit"`
	LoreScanMessages   int    `json:"loreScanMessages"`
}
