package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lorechat/internal/util"
	"lorechat/pkg/domain"
)

// Characters.

func (a *App) CreateCharacter(ctx context.Context, name, persona, greeting string) (domain.Character, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Character{}, fmt.Errorf("%w: character name required", ErrValidation)
	}
	now := time.Now().UTC()
	c := domain.Character{
		ID:        util.NewID(),
		Name:      name,
		Persona:   persona,
		Greeting:  greeting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.SaveCharacter(ctx, c); err != nil {
		return domain.Character{}, err
	}
	return c, nil
}

func (a *App) UpdateCharacter(ctx context.Context, c domain.Character) (domain.Character, error) {
	existing, ok, err := a.store.GetCharacter(ctx, c.ID)
	if err != nil {
		return domain.Character{}, err
	}
	if !ok {
		return domain.Character{}, ErrCharacterNotFound
	}
	if strings.TrimSpace(c.Name) == "" {
		return domain.Character{}, fmt.Errorf("%w: character name required", ErrValidation)
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveCharacter(ctx, c); err != nil {
		return domain.Character{}, err
	}
	return c, nil
}

func (a *App) GetCharacter(ctx context.Context, id string) (domain.Character, error) {
	c, ok, err := a.store.GetCharacter(ctx, id)
	if err != nil {
		return domain.Character{}, err
	}
	if !ok {
		return domain.Character{}, ErrCharacterNotFound
	}
	return c, nil
}

func (a *App) ListCharacters(ctx context.Context) ([]domain.Character, error) {
	return a.store.ListCharacters(ctx)
}

func (a *App) DeleteCharacter(ctx context.Context, id string) error {
	_, ok, err := a.store.GetCharacter(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCharacterNotFound
	}
	return a.store.DeleteCharacter(ctx, id)
}

// SetPromptStack replaces the character's stack. Every block is checked
// against its referent before anything is written.
func (a *App) SetPromptStack(ctx context.Context, characterID string, entries []domain.PromptPreset) error {
	if _, ok, err := a.store.GetCharacter(ctx, characterID); err != nil {
		return err
	} else if !ok {
		return ErrCharacterNotFound
	}
	for i := range entries {
		e := &entries[i]
		switch e.Kind {
		case domain.KindStaticText:
			if _, ok, err := a.store.GetStaticPreset(ctx, e.RefID); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: %s", ErrPresetNotFound, e.RefID)
			}
		case domain.KindPersona:
			if _, ok, err := a.store.GetPersona(ctx, e.RefID); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: %s", ErrPersonaNotFound, e.RefID)
			}
		case domain.KindLorebook:
			if _, ok, err := a.store.GetLorebook(ctx, e.RefID); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: %s", ErrLorebookNotFound, e.RefID)
			}
		case domain.KindHistory, domain.KindMCPTools:
			if e.RefID != "" {
				return fmt.Errorf("%w: %s block takes no reference", ErrValidation, e.Kind)
			}
		default:
			return fmt.Errorf("%w: unknown block kind %q", ErrValidation, e.Kind)
		}
		if e.ID == "" {
			e.ID = util.NewID()
		}
		e.CharacterID = characterID
	}
	return a.store.SetPromptStack(ctx, characterID, entries)
}

func (a *App) GetPromptStack(ctx context.Context, characterID string) ([]domain.PromptPreset, error) {
	if _, ok, err := a.store.GetCharacter(ctx, characterID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrCharacterNotFound
	}
	return a.store.ListPromptStack(ctx, characterID)
}

// Personas.

func (a *App) SavePersona(ctx context.Context, p domain.Persona) (domain.Persona, error) {
	if strings.TrimSpace(p.Name) == "" {
		return domain.Persona{}, fmt.Errorf("%w: persona name required", ErrValidation)
	}
	if p.ID == "" {
		p.ID = util.NewID()
	}
	if err := a.store.SavePersona(ctx, p); err != nil {
		return domain.Persona{}, err
	}
	return p, nil
}

func (a *App) ListPersonas(ctx context.Context) ([]domain.Persona, error) {
	return a.store.ListPersonas(ctx)
}

func (a *App) DeletePersona(ctx context.Context, id string) error {
	return a.store.DeletePersona(ctx, id)
}

// Static presets.

func (a *App) SaveStaticPreset(ctx context.Context, p domain.StaticPreset) (domain.StaticPreset, error) {
	if strings.TrimSpace(p.Name) == "" {
		return domain.StaticPreset{}, fmt.Errorf("%w: preset name required", ErrValidation)
	}
	if p.Role == "" {
		p.Role = domain.RoleSystem
	}
	switch p.Role {
	case domain.RoleSystem, domain.RoleUser, domain.RoleAssistant:
	default:
		return domain.StaticPreset{}, fmt.Errorf("%w: preset role %q", ErrValidation, p.Role)
	}
	if p.ID == "" {
		p.ID = util.NewID()
	}
	if err := a.store.SaveStaticPreset(ctx, p); err != nil {
		return domain.StaticPreset{}, err
	}
	return p, nil
}

func (a *App) ListStaticPresets(ctx context.Context) ([]domain.StaticPreset, error) {
	return a.store.ListStaticPresets(ctx)
}

func (a *App) DeleteStaticPreset(ctx context.Context, id string) error {
	return a.store.DeleteStaticPreset(ctx, id)
}

// Lorebooks.

func (a *App) SaveLorebook(ctx context.Context, lb domain.Lorebook) (domain.Lorebook, error) {
	if strings.TrimSpace(lb.Name) == "" {
		return domain.Lorebook{}, fmt.Errorf("%w: lorebook name required", ErrValidation)
	}
	if lb.ID == "" {
		lb.ID = util.NewID()
	}
	if err := a.store.SaveLorebook(ctx, lb); err != nil {
		return domain.Lorebook{}, err
	}
	return lb, nil
}

func (a *App) ListLorebooks(ctx context.Context) ([]domain.Lorebook, error) {
	return a.store.ListLorebooks(ctx)
}

func (a *App) DeleteLorebook(ctx context.Context, id string) error {
	return a.store.DeleteLorebook(ctx, id)
}

func (a *App) SaveLorebookEntry(ctx context.Context, e domain.LorebookEntry) (domain.LorebookEntry, error) {
	if _, ok, err := a.store.GetLorebook(ctx, e.LorebookID); err != nil {
		return domain.LorebookEntry{}, err
	} else if !ok {
		return domain.LorebookEntry{}, ErrLorebookNotFound
	}
	if e.ID == "" {
		e.ID = util.NewID()
	}
	// Blank keywords are legal; the entry simply never matches.
	kept := e.Keywords[:0]
	for _, k := range e.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			kept = append(kept, k)
		}
	}
	e.Keywords = kept
	if err := a.store.SaveLorebookEntry(ctx, e); err != nil {
		return domain.LorebookEntry{}, err
	}
	return e, nil
}

func (a *App) ListLorebookEntries(ctx context.Context, lorebookID string) ([]domain.LorebookEntry, error) {
	if _, ok, err := a.store.GetLorebook(ctx, lorebookID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrLorebookNotFound
	}
	return a.store.ListLorebookEntries(ctx, lorebookID)
}

func (a *App) DeleteLorebookEntry(ctx context.Context, id string) error {
	return a.store.DeleteLorebookEntry(ctx, id)
}

// Connections.

func (a *App) SaveConnection(ctx context.Context, c domain.Connection) (domain.Connection, error) {
	switch c.Provider {
	case domain.ProviderOpenAICompat, domain.ProviderOllama:
		if strings.TrimSpace(c.BaseURL) == "" {
			return domain.Connection{}, fmt.Errorf("%w: base url required for %s", ErrValidation, c.Provider)
		}
	case domain.ProviderGemini:
		if strings.TrimSpace(c.APIKey) == "" {
			return domain.Connection{}, fmt.Errorf("%w: api key required for gemini", ErrValidation)
		}
	default:
		return domain.Connection{}, fmt.Errorf("%w: unknown provider %q", ErrValidation, c.Provider)
	}
	if c.ID == "" {
		c.ID = util.NewID()
	}
	if err := a.store.SaveConnection(ctx, c); err != nil {
		return domain.Connection{}, err
	}
	return c, nil
}

func (a *App) ListConnections(ctx context.Context) ([]domain.Connection, error) {
	return a.store.ListConnections(ctx)
}

func (a *App) DeleteConnection(ctx context.Context, id string) error {
	return a.store.DeleteConnection(ctx, id)
}

// MCP servers.

func (a *App) SaveMCPServer(ctx context.Context, s domain.MCPServer) (domain.MCPServer, error) {
	if strings.TrimSpace(s.Endpoint) == "" {
		return domain.MCPServer{}, fmt.Errorf("%w: endpoint required", ErrValidation)
	}
	if s.ID == "" {
		s.ID = util.NewID()
	}
	if err := a.store.SaveMCPServer(ctx, s); err != nil {
		return domain.MCPServer{}, err
	}
	return s, nil
}

func (a *App) ListMCPServers(ctx context.Context) ([]domain.MCPServer, error) {
	return a.store.ListMCPServers(ctx)
}

func (a *App) DeleteMCPServer(ctx context.Context, id string) error {
	return a.store.DeleteMCPServer(ctx, id)
}

// AttachMCPServers replaces the character's tool server list; order is
// the order tools are offered to the model.
func (a *App) AttachMCPServers(ctx context.Context, characterID string, serverIDs []string) error {
	if _, ok, err := a.store.GetCharacter(ctx, characterID); err != nil {
		return err
	} else if !ok {
		return ErrCharacterNotFound
	}
	for _, id := range serverIDs {
		if _, ok, err := a.store.GetMCPServer(ctx, id); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrMCPServerNotFound, id)
		}
	}
	return a.store.SetCharacterMCPServers(ctx, characterID, serverIDs)
}

func (a *App) ListCharacterMCPServers(ctx context.Context, characterID string) ([]domain.MCPServer, error) {
	if _, ok, err := a.store.GetCharacter(ctx, characterID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrCharacterNotFound
	}
	return a.store.ListCharacterMCPServers(ctx, characterID)
}

// Chats.

// CreateChat binds a chat to a character. A non-empty greeting becomes
// the opening assistant message.
func (a *App) CreateChat(ctx context.Context, characterID, title string) (domain.Chat, error) {
	character, ok, err := a.store.GetCharacter(ctx, characterID)
	if err != nil {
		return domain.Chat{}, err
	}
	if !ok {
		return domain.Chat{}, ErrCharacterNotFound
	}
	if strings.TrimSpace(title) == "" {
		title = character.Name
	}
	now := time.Now().UTC()
	chat := domain.Chat{
		ID:          util.NewID(),
		CharacterID: characterID,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateChat(ctx, chat); err != nil {
		return domain.Chat{}, err
	}
	if character.Greeting != "" {
		greeting := domain.Message{
			ID:        util.NewID(),
			ChatID:    chat.ID,
			Role:      domain.RoleAssistant,
			Content:   character.Greeting,
			CreatedAt: now,
		}
		if _, err := a.store.AppendMessage(ctx, greeting); err != nil {
			return domain.Chat{}, err
		}
	}
	return chat, nil
}

func (a *App) GetChat(ctx context.Context, id string) (domain.Chat, error) {
	chat, ok, err := a.store.GetChat(ctx, id)
	if err != nil {
		return domain.Chat{}, err
	}
	if !ok {
		return domain.Chat{}, ErrChatNotFound
	}
	return chat, nil
}

func (a *App) ListChats(ctx context.Context) ([]domain.Chat, error) {
	return a.store.ListChats(ctx)
}

// DeleteChat cancels any live run before removing the chat and its
// messages, runs and configs.
func (a *App) DeleteChat(ctx context.Context, id string) error {
	unlock := a.locks.lock(id)
	defer unlock()

	_, ok, err := a.store.GetChat(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrChatNotFound
	}
	if run, ok, err := a.store.GetActiveRun(ctx, id); err != nil {
		return err
	} else if ok {
		a.cancelRunner(run.ID)
	}
	return a.store.DeleteChat(ctx, id)
}

// Messages and runs (reads; turn mutation lives in app.go).

func (a *App) ListMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	if _, ok, err := a.store.GetChat(ctx, chatID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrChatNotFound
	}
	return a.store.ListMessages(ctx, chatID)
}

func (a *App) ListRuns(ctx context.Context, chatID string) ([]domain.ChatRun, error) {
	if _, ok, err := a.store.GetChat(ctx, chatID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrChatNotFound
	}
	return a.store.ListRuns(ctx, chatID)
}

func (a *App) GetRun(ctx context.Context, chatID, runID string) (domain.ChatRun, error) {
	run, ok, err := a.store.GetRun(ctx, chatID, runID)
	if err != nil {
		return domain.ChatRun{}, err
	}
	if !ok {
		return domain.ChatRun{}, ErrRunNotFound
	}
	return run, nil
}

// Per-chat configuration.

func (a *App) SetChatLLMConfig(ctx context.Context, cfg domain.ChatLLMConfig) error {
	if _, ok, err := a.store.GetChat(ctx, cfg.ChatID); err != nil {
		return err
	} else if !ok {
		return ErrChatNotFound
	}
	if cfg.ConnectionID != "" {
		if _, ok, err := a.store.GetConnection(ctx, cfg.ConnectionID); err != nil {
			return err
		} else if !ok {
			return ErrConnectionNotFound
		}
	}
	if cfg.MaxToolIterations < 0 || cfg.ToolCallTimeoutMs < 0 || cfg.MaxOutputTokens < 0 {
		return fmt.Errorf("%w: limits must be non-negative", ErrValidation)
	}
	return a.store.SaveLLMConfig(ctx, cfg)
}

func (a *App) GetChatLLMConfig(ctx context.Context, chatID string) (domain.ChatLLMConfig, bool, error) {
	if _, ok, err := a.store.GetChat(ctx, chatID); err != nil {
		return domain.ChatLLMConfig{}, false, err
	} else if !ok {
		return domain.ChatLLMConfig{}, false, ErrChatNotFound
	}
	return a.store.GetLLMConfig(ctx, chatID)
}

func (a *App) SetChatHistoryConfig(ctx context.Context, cfg domain.ChatHistoryConfig) error {
	if _, ok, err := a.store.GetChat(ctx, cfg.ChatID); err != nil {
		return err
	} else if !ok {
		return ErrChatNotFound
	}
	if cfg.MessageLimit < 0 || cfg.LoreScanTokenLimit < 0 || cfg.LoreScanMessages < 0 {
		return fmt.Errorf("%w: limits must be non-negative", ErrValidation)
	}
	return a.store.SaveHistoryConfig(ctx, cfg)
}

// GetChatHistoryConfig returns the effective config, with defaults
// filled in when the chat has none saved.
func (a *App) GetChatHistoryConfig(ctx context.Context, chatID string) (domain.ChatHistoryConfig, error) {
	if _, ok, err := a.store.GetChat(ctx, chatID); err != nil {
		return domain.ChatHistoryConfig{}, err
	} else if !ok {
		return domain.ChatHistoryConfig{}, ErrChatNotFound
	}
	return a.historyConfig(ctx, chatID)
}
