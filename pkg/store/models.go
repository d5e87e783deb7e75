package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.

type CharacterModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Persona   string `gorm:"type:text"`
	Greeting  string `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type PersonaModel struct {
	ID      string `gorm:"primaryKey"`
	Name    string `gorm:"not null"`
	Content string `gorm:"type:text;not null"`
}

type StaticPresetModel struct {
	ID      string `gorm:"primaryKey"`
	Name    string `gorm:"not null"`
	Role    string `gorm:"not null"`
	Content string `gorm:"type:text;not null"`
}

type PromptPresetModel struct {
	ID          string `gorm:"primaryKey"`
	CharacterID string `gorm:"not null;index"`
	Kind        string `gorm:"not null"`
	RefID       string
	Role        string
	SortOrder   int `gorm:"not null"`
}

type LorebookModel struct {
	ID   string `gorm:"primaryKey"`
	Name string `gorm:"not null"`
}

type LorebookEntryModel struct {
	ID             string         `gorm:"primaryKey"`
	LorebookID     string         `gorm:"not null;index"`
	Keywords       datatypes.JSON `gorm:"type:jsonb"`
	Content        string         `gorm:"type:text;not null"`
	InsertionOrder int            `gorm:"not null"`
	Enabled        bool           `gorm:"not null"`
}

type ConnectionModel struct {
	ID       string `gorm:"primaryKey"`
	Name     string `gorm:"not null"`
	Provider string `gorm:"not null"`
	BaseURL  string
	APIKey   string
	Model    string
	Enabled  bool `gorm:"not null"`
}

type MCPServerModel struct {
	ID       string `gorm:"primaryKey"`
	Name     string `gorm:"not null"`
	Endpoint string `gorm:"not null"`
	Headers  datatypes.JSON `gorm:"type:jsonb"`
	Enabled  bool   `gorm:"not null"`
}

type CharacterMCPServerModel struct {
	CharacterID string `gorm:"primaryKey"`
	ServerID    string `gorm:"primaryKey"`
	Position    int    `gorm:"not null"`
}

type ChatModel struct {
	ID          string    `gorm:"primaryKey"`
	CharacterID string    `gorm:"not null;index"`
	Title       string
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID         string `gorm:"primaryKey"`
	ChatID     string `gorm:"not null;index:idx_messages_chat_seq"`
	RunID      string `gorm:"index"`
	Role       string `gorm:"not null"`
	Content    string `gorm:"type:text"`
	ToolCalls  datatypes.JSON `gorm:"type:jsonb"`
	ToolCallID string
	TokenCount int
	Seq        int64     `gorm:"not null;index:idx_messages_chat_seq"`
	CreatedAt  time.Time `gorm:"not null"`
}

type ChatRunModel struct {
	ID                 string `gorm:"primaryKey"`
	ChatID             string `gorm:"not null;index"`
	Status             string `gorm:"not null;index"`
	UserMessageID      string `gorm:"not null"`
	AssistantMessageID string
	ErrorMessage       string
	PromptTokens       int
	CompletionTokens   int
	TotalTokens        int
	StartedAt          time.Time `gorm:"not null"`
	FinishedAt         *time.Time
}

type ChatLLMConfigModel struct {
	ChatID            string `gorm:"primaryKey"`
	ConnectionID      string `gorm:"not null"`
	Model             string
	Temperature       float64
	MaxOutputTokens   int
	MaxToolIterations int
	ToolCallTimeoutMs int
}

type ChatHistoryConfigModel struct {
	ChatID             string `gorm:"primaryKey"`
	HistoryEnabled     bool
	MessageLimit       int
	LoreScanTokenLimit int
	LoreScanMessages   int
}
