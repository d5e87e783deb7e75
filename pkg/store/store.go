package store

import (
	"context"

	"lorechat/pkg/domain"
)

// Store defines persistence for characters, prompt material, chats,
// messages and runs. Lookup methods return (zero, false, nil) for a
// missing record; errors are reserved for storage faults.
type Store interface {
	// characters
	SaveCharacter(ctx context.Context, c domain.Character) error
	GetCharacter(ctx context.Context, id string) (domain.Character, bool, error)
	ListCharacters(ctx context.Context) ([]domain.Character, error)
	DeleteCharacter(ctx context.Context, id string) error

	// personas
	SavePersona(ctx context.Context, p domain.Persona) error
	GetPersona(ctx context.Context, id string) (domain.Persona, bool, error)
	ListPersonas(ctx context.Context) ([]domain.Persona, error)
	DeletePersona(ctx context.Context, id string) error

	// static presets
	SaveStaticPreset(ctx context.Context, p domain.StaticPreset) error
	GetStaticPreset(ctx context.Context, id string) (domain.StaticPreset, bool, error)
	ListStaticPresets(ctx context.Context) ([]domain.StaticPreset, error)
	DeleteStaticPreset(ctx context.Context, id string) error

	// prompt stacks; SetPromptStack replaces a character's stack and
	// renumbers sortOrder densely from 0
	SetPromptStack(ctx context.Context, characterID string, entries []domain.PromptPreset) error
	ListPromptStack(ctx context.Context, characterID string) ([]domain.PromptPreset, error)

	// lorebooks
	SaveLorebook(ctx context.Context, lb domain.Lorebook) error
	GetLorebook(ctx context.Context, id string) (domain.Lorebook, bool, error)
	ListLorebooks(ctx context.Context) ([]domain.Lorebook, error)
	DeleteLorebook(ctx context.Context, id string) error
	SaveLorebookEntry(ctx context.Context, e domain.LorebookEntry) error
	ListLorebookEntries(ctx context.Context, lorebookID string) ([]domain.LorebookEntry, error)
	DeleteLorebookEntry(ctx context.Context, id string) error

	// connections
	SaveConnection(ctx context.Context, c domain.Connection) error
	GetConnection(ctx context.Context, id string) (domain.Connection, bool, error)
	ListConnections(ctx context.Context) ([]domain.Connection, error)
	DeleteConnection(ctx context.Context, id string) error

	// mcp servers and character attachments
	SaveMCPServer(ctx context.Context, s domain.MCPServer) error
	GetMCPServer(ctx context.Context, id string) (domain.MCPServer, bool, error)
	ListMCPServers(ctx context.Context) ([]domain.MCPServer, error)
	DeleteMCPServer(ctx context.Context, id string) error
	SetCharacterMCPServers(ctx context.Context, characterID string, serverIDs []string) error
	ListCharacterMCPServers(ctx context.Context, characterID string) ([]domain.MCPServer, error)

	// chats
	CreateChat(ctx context.Context, c domain.Chat) error
	GetChat(ctx context.Context, id string) (domain.Chat, bool, error)
	ListChats(ctx context.Context) ([]domain.Chat, error)
	TouchChat(ctx context.Context, id string) error
	DeleteChat(ctx context.Context, id string) error

	// messages; AppendMessage assigns the next per-chat seq and returns
	// the stored message
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	GetMessage(ctx context.Context, chatID, id string) (domain.Message, bool, error)
	ListMessages(ctx context.Context, chatID string) ([]domain.Message, error)
	DeleteMessage(ctx context.Context, chatID, id string) error
	// PruneMessagesAfter removes every message with seq > afterSeq and
	// the runs those messages belonged to, atomically
	PruneMessagesAfter(ctx context.Context, chatID string, afterSeq int64) error

	// runs
	CreateRun(ctx context.Context, run domain.ChatRun) error
	GetRun(ctx context.Context, chatID, id string) (domain.ChatRun, bool, error)
	UpdateRun(ctx context.Context, run domain.ChatRun) error
	ListRuns(ctx context.Context, chatID string) ([]domain.ChatRun, error)
	GetActiveRun(ctx context.Context, chatID string) (domain.ChatRun, bool, error)
	ListNonTerminalRuns(ctx context.Context) ([]domain.ChatRun, error)
	DeleteRun(ctx context.Context, chatID, id string) error

	// per-chat configs
	SaveLLMConfig(ctx context.Context, cfg domain.ChatLLMConfig) error
	GetLLMConfig(ctx context.Context, chatID string) (domain.ChatLLMConfig, bool, error)
	SaveHistoryConfig(ctx context.Context, cfg domain.ChatHistoryConfig) error
	GetHistoryConfig(ctx context.Context, chatID string) (domain.ChatHistoryConfig, bool, error)
}
