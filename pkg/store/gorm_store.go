package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"lorechat/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory
// lock so concurrent replicas do not race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&CharacterModel{}, &PersonaModel{}, &StaticPresetModel{},
			&PromptPresetModel{}, &LorebookModel{}, &LorebookEntryModel{},
			&ConnectionModel{}, &MCPServerModel{}, &CharacterMCPServerModel{},
			&ChatModel{}, &MessageModel{}, &ChatRunModel{},
			&ChatLLMConfigModel{}, &ChatHistoryConfigModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_chat_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_chat_id_fkey
					FOREIGN KEY (chat_id) REFERENCES chat_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chat_run_models'
					AND constraint_name = 'chat_run_models_chat_id_fkey'
				) THEN
					ALTER TABLE chat_run_models
					ADD CONSTRAINT chat_run_models_chat_id_fkey
					FOREIGN KEY (chat_id) REFERENCES chat_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'lorebook_entry_models'
					AND constraint_name = 'lorebook_entry_models_lorebook_id_fkey'
				) THEN
					ALTER TABLE lorebook_entry_models
					ADD CONSTRAINT lorebook_entry_models_lorebook_id_fkey
					FOREIGN KEY (lorebook_id) REFERENCES lorebook_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// characters

func (s *GormStore) SaveCharacter(ctx context.Context, c domain.Character) error {
	model := characterToModel(c)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "persona", "greeting", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetCharacter(ctx context.Context, id string) (domain.Character, bool, error) {
	var model CharacterModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Character{}, false, nil
		}
		return domain.Character{}, false, err
	}
	return characterFromModel(model), true, nil
}

func (s *GormStore) ListCharacters(ctx context.Context) ([]domain.Character, error) {
	var models []CharacterModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Character, 0, len(models))
	for _, m := range models {
		res = append(res, characterFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteCharacter(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&PromptPresetModel{}, "character_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&CharacterMCPServerModel{}, "character_id = ?", id).Error; err != nil {
			return err
		}
		var chatIDs []string
		if err := tx.Model(&ChatModel{}).Where("character_id = ?", id).Pluck("id", &chatIDs).Error; err != nil {
			return err
		}
		if len(chatIDs) > 0 {
			if err := deleteChatRows(tx, chatIDs); err != nil {
				return err
			}
		}
		return tx.Delete(&CharacterModel{}, "id = ?", id).Error
	})
}

// personas

func (s *GormStore) SavePersona(ctx context.Context, p domain.Persona) error {
	model := PersonaModel(p)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "content"}),
	}).Create(&model).Error
}

func (s *GormStore) GetPersona(ctx context.Context, id string) (domain.Persona, bool, error) {
	var model PersonaModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Persona{}, false, nil
		}
		return domain.Persona{}, false, err
	}
	return domain.Persona(model), true, nil
}

func (s *GormStore) ListPersonas(ctx context.Context) ([]domain.Persona, error) {
	var models []PersonaModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Persona, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Persona(m))
	}
	return res, nil
}

func (s *GormStore) DeletePersona(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&PersonaModel{}, "id = ?", id).Error
}

// static presets

func (s *GormStore) SaveStaticPreset(ctx context.Context, p domain.StaticPreset) error {
	model := StaticPresetModel{ID: p.ID, Name: p.Name, Role: string(p.Role), Content: p.Content}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "role", "content"}),
	}).Create(&model).Error
}

func (s *GormStore) GetStaticPreset(ctx context.Context, id string) (domain.StaticPreset, bool, error) {
	var model StaticPresetModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.StaticPreset{}, false, nil
		}
		return domain.StaticPreset{}, false, err
	}
	return staticPresetFromModel(model), true, nil
}

func (s *GormStore) ListStaticPresets(ctx context.Context) ([]domain.StaticPreset, error) {
	var models []StaticPresetModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.StaticPreset, 0, len(models))
	for _, m := range models {
		res = append(res, staticPresetFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteStaticPreset(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&StaticPresetModel{}, "id = ?", id).Error
}

// prompt stacks

func (s *GormStore) SetPromptStack(ctx context.Context, characterID string, entries []domain.PromptPreset) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&PromptPresetModel{}, "character_id = ?", characterID).Error; err != nil {
			return err
		}
		for i, e := range entries {
			model := PromptPresetModel{
				ID:          e.ID,
				CharacterID: characterID,
				Kind:        string(e.Kind),
				RefID:       e.RefID,
				Role:        string(e.Role),
				SortOrder:   i,
			}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) ListPromptStack(ctx context.Context, characterID string) ([]domain.PromptPreset, error) {
	var models []PromptPresetModel
	if err := s.db.WithContext(ctx).Where("character_id = ?", characterID).
		Order("sort_order ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.PromptPreset, 0, len(models))
	for _, m := range models {
		res = append(res, domain.PromptPreset{
			ID:          m.ID,
			CharacterID: m.CharacterID,
			Kind:        domain.BlockKind(m.Kind),
			RefID:       m.RefID,
			Role:        domain.MessageRole(m.Role),
			SortOrder:   m.SortOrder,
		})
	}
	return res, nil
}

// lorebooks

func (s *GormStore) SaveLorebook(ctx context.Context, lb domain.Lorebook) error {
	model := LorebookModel(lb)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&model).Error
}

func (s *GormStore) GetLorebook(ctx context.Context, id string) (domain.Lorebook, bool, error) {
	var model LorebookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Lorebook{}, false, nil
		}
		return domain.Lorebook{}, false, err
	}
	return domain.Lorebook(model), true, nil
}

func (s *GormStore) ListLorebooks(ctx context.Context) ([]domain.Lorebook, error) {
	var models []LorebookModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Lorebook, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Lorebook(m))
	}
	return res, nil
}

func (s *GormStore) DeleteLorebook(ctx context.Context, id string) error {
	// entries go with the book via FK cascade
	return s.db.WithContext(ctx).Delete(&LorebookModel{}, "id = ?", id).Error
}

func (s *GormStore) SaveLorebookEntry(ctx context.Context, e domain.LorebookEntry) error {
	model, err := lorebookEntryToModel(e)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"keywords", "content", "insertion_order", "enabled"}),
	}).Create(&model).Error
}

func (s *GormStore) ListLorebookEntries(ctx context.Context, lorebookID string) ([]domain.LorebookEntry, error) {
	var models []LorebookEntryModel
	if err := s.db.WithContext(ctx).Where("lorebook_id = ?", lorebookID).
		Order("insertion_order ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.LorebookEntry, 0, len(models))
	for _, m := range models {
		res = append(res, lorebookEntryFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteLorebookEntry(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&LorebookEntryModel{}, "id = ?", id).Error
}

// connections

func (s *GormStore) SaveConnection(ctx context.Context, c domain.Connection) error {
	model := ConnectionModel{
		ID: c.ID, Name: c.Name, Provider: string(c.Provider),
		BaseURL: c.BaseURL, APIKey: c.APIKey, Model: c.Model, Enabled: c.Enabled,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "provider", "base_url", "api_key", "model", "enabled"}),
	}).Create(&model).Error
}

func (s *GormStore) GetConnection(ctx context.Context, id string) (domain.Connection, bool, error) {
	var model ConnectionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Connection{}, false, nil
		}
		return domain.Connection{}, false, err
	}
	return connectionFromModel(model), true, nil
}

func (s *GormStore) ListConnections(ctx context.Context) ([]domain.Connection, error) {
	var models []ConnectionModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Connection, 0, len(models))
	for _, m := range models {
		res = append(res, connectionFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteConnection(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&ConnectionModel{}, "id = ?", id).Error
}

// mcp servers

func (s *GormStore) SaveMCPServer(ctx context.Context, srv domain.MCPServer) error {
	model, err := mcpServerToModel(srv)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "endpoint", "headers", "enabled"}),
	}).Create(&model).Error
}

func (s *GormStore) GetMCPServer(ctx context.Context, id string) (domain.MCPServer, bool, error) {
	var model MCPServerModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.MCPServer{}, false, nil
		}
		return domain.MCPServer{}, false, err
	}
	return mcpServerFromModel(model), true, nil
}

func (s *GormStore) ListMCPServers(ctx context.Context) ([]domain.MCPServer, error) {
	var models []MCPServerModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.MCPServer, 0, len(models))
	for _, m := range models {
		res = append(res, mcpServerFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteMCPServer(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&CharacterMCPServerModel{}, "server_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&MCPServerModel{}, "id = ?", id).Error
	})
}

func (s *GormStore) SetCharacterMCPServers(ctx context.Context, characterID string, serverIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&CharacterMCPServerModel{}, "character_id = ?", characterID).Error; err != nil {
			return err
		}
		for i, serverID := range serverIDs {
			model := CharacterMCPServerModel{CharacterID: characterID, ServerID: serverID, Position: i}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) ListCharacterMCPServers(ctx context.Context, characterID string) ([]domain.MCPServer, error) {
	var models []MCPServerModel
	err := s.db.WithContext(ctx).
		Joins("JOIN character_mcp_server_models j ON j.server_id = mcp_server_models.id").
		Where("j.character_id = ?", characterID).
		Order("j.position ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.MCPServer, 0, len(models))
	for _, m := range models {
		res = append(res, mcpServerFromModel(m))
	}
	return res, nil
}

// chats

func (s *GormStore) CreateChat(ctx context.Context, c domain.Chat) error {
	model := ChatModel(c)
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) GetChat(ctx context.Context, id string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return domain.Chat(model), true, nil
}

func (s *GormStore) ListChats(ctx context.Context) ([]domain.Chat, error) {
	var models []ChatModel
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Chat, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Chat(m))
	}
	return res, nil
}

func (s *GormStore) TouchChat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&ChatModel{}).Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}

func (s *GormStore) DeleteChat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteChatRows(tx, []string{id})
	})
}

func deleteChatRows(tx *gorm.DB, chatIDs []string) error {
	if err := tx.Delete(&MessageModel{}, "chat_id IN ?", chatIDs).Error; err != nil {
		return err
	}
	if err := tx.Delete(&ChatRunModel{}, "chat_id IN ?", chatIDs).Error; err != nil {
		return err
	}
	if err := tx.Delete(&ChatLLMConfigModel{}, "chat_id IN ?", chatIDs).Error; err != nil {
		return err
	}
	if err := tx.Delete(&ChatHistoryConfigModel{}, "chat_id IN ?", chatIDs).Error; err != nil {
		return err
	}
	return tx.Delete(&ChatModel{}, "id IN ?", chatIDs).Error
}

// messages

func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	var stored domain.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&MessageModel{}).Where("chat_id = ?", msg.ChatID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		msg.Seq = maxSeq + 1
		model, err := messageToModel(msg)
		if err != nil {
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		stored = msg
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return stored, nil
}

func (s *GormStore) GetMessage(ctx context.Context, chatID, id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "chat_id = ? AND id = ?", chatID, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

func (s *GormStore) ListMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).
		Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

func (s *GormStore) DeleteMessage(ctx context.Context, chatID, id string) error {
	return s.db.WithContext(ctx).Delete(&MessageModel{}, "chat_id = ? AND id = ?", chatID, id).Error
}

func (s *GormStore) PruneMessagesAfter(ctx context.Context, chatID string, afterSeq int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msgIDs []string
		if err := tx.Model(&MessageModel{}).
			Where("chat_id = ? AND seq > ?", chatID, afterSeq).
			Pluck("id", &msgIDs).Error; err != nil {
			return err
		}
		if len(msgIDs) == 0 {
			return nil
		}
		var runIDs []string
		if err := tx.Model(&MessageModel{}).
			Where("chat_id = ? AND seq > ? AND run_id <> ''", chatID, afterSeq).
			Distinct().Pluck("run_id", &runIDs).Error; err != nil {
			return err
		}
		if err := tx.Delete(&MessageModel{}, "chat_id = ? AND seq > ?", chatID, afterSeq).Error; err != nil {
			return err
		}
		// Runs that failed before writing a message are reachable only
		// through user_message_id; take those out with the cascade too.
		return tx.Delete(&ChatRunModel{},
			"chat_id = ? AND (id IN ? OR user_message_id IN ?)", chatID, runIDs, msgIDs).Error
	})
}

// runs

func (s *GormStore) CreateRun(ctx context.Context, run domain.ChatRun) error {
	model := runToModel(run)
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) GetRun(ctx context.Context, chatID, id string) (domain.ChatRun, bool, error) {
	var model ChatRunModel
	if err := s.db.WithContext(ctx).First(&model, "chat_id = ? AND id = ?", chatID, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatRun{}, false, nil
		}
		return domain.ChatRun{}, false, err
	}
	return runFromModel(model), true, nil
}

func (s *GormStore) UpdateRun(ctx context.Context, run domain.ChatRun) error {
	model := runToModel(run)
	return s.db.WithContext(ctx).Model(&ChatRunModel{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":               model.Status,
			"assistant_message_id": model.AssistantMessageID,
			"error_message":        model.ErrorMessage,
			"prompt_tokens":        model.PromptTokens,
			"completion_tokens":    model.CompletionTokens,
			"total_tokens":         model.TotalTokens,
			"finished_at":          model.FinishedAt,
		}).Error
}

func (s *GormStore) ListRuns(ctx context.Context, chatID string) ([]domain.ChatRun, error) {
	var models []ChatRunModel
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).
		Order("started_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ChatRun, 0, len(models))
	for _, m := range models {
		res = append(res, runFromModel(m))
	}
	return res, nil
}

func (s *GormStore) GetActiveRun(ctx context.Context, chatID string) (domain.ChatRun, bool, error) {
	var model ChatRunModel
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND status IN ?", chatID, []string{string(domain.RunPending), string(domain.RunRunning)}).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatRun{}, false, nil
		}
		return domain.ChatRun{}, false, err
	}
	return runFromModel(model), true, nil
}

func (s *GormStore) ListNonTerminalRuns(ctx context.Context) ([]domain.ChatRun, error) {
	var models []ChatRunModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(domain.RunPending), string(domain.RunRunning)}).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.ChatRun, 0, len(models))
	for _, m := range models {
		res = append(res, runFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteRun(ctx context.Context, chatID, id string) error {
	return s.db.WithContext(ctx).Delete(&ChatRunModel{}, "chat_id = ? AND id = ?", chatID, id).Error
}

// configs

func (s *GormStore) SaveLLMConfig(ctx context.Context, cfg domain.ChatLLMConfig) error {
	model := ChatLLMConfigModel(cfg)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"connection_id", "model", "temperature", "max_output_tokens", "max_tool_iterations", "tool_call_timeout_ms"}),
	}).Create(&model).Error
}

func (s *GormStore) GetLLMConfig(ctx context.Context, chatID string) (domain.ChatLLMConfig, bool, error) {
	var model ChatLLMConfigModel
	if err := s.db.WithContext(ctx).First(&model, "chat_id = ?", chatID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatLLMConfig{}, false, nil
		}
		return domain.ChatLLMConfig{}, false, err
	}
	return domain.ChatLLMConfig(model), true, nil
}

func (s *GormStore) SaveHistoryConfig(ctx context.Context, cfg domain.ChatHistoryConfig) error {
	model := ChatHistoryConfigModel(cfg)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"history_enabled", "message_limit", "lore_scan_token_limit", "lore_scan_messages"}),
	}).Create(&model).Error
}

func (s *GormStore) GetHistoryConfig(ctx context.Context, chatID string) (domain.ChatHistoryConfig, bool, error) {
	var model ChatHistoryConfigModel
	if err := s.db.WithContext(ctx).First(&model, "chat_id = ?", chatID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatHistoryConfig{}, false, nil
		}
		return domain.ChatHistoryConfig{}, false, err
	}
	return domain.ChatHistoryConfig(model), true, nil
}

// model mapping

func characterToModel(c domain.Character) CharacterModel {
	return CharacterModel{
		ID:        c.ID,
		Name:      c.Name,
		Persona:   c.Persona,
		Greeting:  c.Greeting,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func characterFromModel(m CharacterModel) domain.Character {
	return domain.Character{
		ID:        m.ID,
		Name:      m.Name,
		Persona:   m.Persona,
		Greeting:  m.Greeting,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func staticPresetFromModel(m StaticPresetModel) domain.StaticPreset {
	return domain.StaticPreset{ID: m.ID, Name: m.Name, Role: domain.MessageRole(m.Role), Content: m.Content}
}

func lorebookEntryToModel(e domain.LorebookEntry) (LorebookEntryModel, error) {
	keywords, err := json.Marshal(e.Keywords)
	if err != nil {
		return LorebookEntryModel{}, fmt.Errorf("marshal keywords: %w", err)
	}
	return LorebookEntryModel{
		ID:             e.ID,
		LorebookID:     e.LorebookID,
		Keywords:       keywords,
		Content:        e.Content,
		InsertionOrder: e.InsertionOrder,
		Enabled:        e.Enabled,
	}, nil
}

func lorebookEntryFromModel(m LorebookEntryModel) domain.LorebookEntry {
	var keywords []string
	if len(m.Keywords) > 0 {
		_ = json.Unmarshal(m.Keywords, &keywords)
	}
	return domain.LorebookEntry{
		ID:             m.ID,
		LorebookID:     m.LorebookID,
		Keywords:       keywords,
		Content:        m.Content,
		InsertionOrder: m.InsertionOrder,
		Enabled:        m.Enabled,
	}
}

func connectionFromModel(m ConnectionModel) domain.Connection {
	return domain.Connection{
		ID:       m.ID,
		Name:     m.Name,
		Provider: domain.Provider(m.Provider),
		BaseURL:  m.BaseURL,
		APIKey:   m.APIKey,
		Model:    m.Model,
		Enabled:  m.Enabled,
	}
}

func mcpServerToModel(srv domain.MCPServer) (MCPServerModel, error) {
	headers, err := json.Marshal(srv.Headers)
	if err != nil {
		return MCPServerModel{}, fmt.Errorf("marshal headers: %w", err)
	}
	return MCPServerModel{
		ID:       srv.ID,
		Name:     srv.Name,
		Endpoint: srv.Endpoint,
		Headers:  headers,
		Enabled:  srv.Enabled,
	}, nil
}

func mcpServerFromModel(m MCPServerModel) domain.MCPServer {
	var headers map[string]string
	if len(m.Headers) > 0 {
		_ = json.Unmarshal(m.Headers, &headers)
	}
	return domain.MCPServer{
		ID:       m.ID,
		Name:     m.Name,
		Endpoint: m.Endpoint,
		Headers:  headers,
		Enabled:  m.Enabled,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	var toolCalls []byte
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return MessageModel{}, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = raw
	}
	return MessageModel{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		RunID:      msg.RunID,
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCalls:  toolCalls,
		ToolCallID: msg.ToolCallID,
		TokenCount: msg.TokenCount,
		Seq:        msg.Seq,
		CreatedAt:  msg.CreatedAt,
	}, nil
}

func messageFromModel(m MessageModel) domain.Message {
	var toolCalls []domain.ToolCall
	if len(m.ToolCalls) > 0 {
		_ = json.Unmarshal(m.ToolCalls, &toolCalls)
	}
	return domain.Message{
		ID:         m.ID,
		ChatID:     m.ChatID,
		RunID:      m.RunID,
		Role:       domain.MessageRole(m.Role),
		Content:    m.Content,
		ToolCalls:  toolCalls,
		ToolCallID: m.ToolCallID,
		TokenCount: m.TokenCount,
		Seq:        m.Seq,
		CreatedAt:  m.CreatedAt,
	}
}

func runToModel(run domain.ChatRun) ChatRunModel {
	model := ChatRunModel{
		ID:                 run.ID,
		ChatID:             run.ChatID,
		Status:             string(run.Status),
		UserMessageID:      run.UserMessageID,
		AssistantMessageID: run.AssistantMessageID,
		ErrorMessage:       run.Error,
		StartedAt:          run.StartedAt,
		FinishedAt:         run.FinishedAt,
	}
	if run.TokenUsage != nil {
		model.PromptTokens = run.TokenUsage.Prompt
		model.CompletionTokens = run.TokenUsage.Completion
		model.TotalTokens = run.TokenUsage.Total
	}
	return model
}

func runFromModel(m ChatRunModel) domain.ChatRun {
	run := domain.ChatRun{
		ID:                 m.ID,
		ChatID:             m.ChatID,
		Status:             domain.RunStatus(m.Status),
		UserMessageID:      m.UserMessageID,
		AssistantMessageID: m.AssistantMessageID,
		Error:              m.ErrorMessage,
		StartedAt:          m.StartedAt,
		FinishedAt:         m.FinishedAt,
	}
	if m.TotalTokens > 0 || m.PromptTokens > 0 || m.CompletionTokens > 0 {
		run.TokenUsage = &domain.TokenUsage{
			Prompt:     m.PromptTokens,
			Completion: m.CompletionTokens,
			Total:      m.TotalTokens,
		}
	}
	return run
}
