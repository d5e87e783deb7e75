package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lorechat/pkg/domain"
)

// MemoryStore is an in-memory Store for tests and single-node setups
// without Postgres.
type MemoryStore struct {
	mu sync.RWMutex

	characters    map[string]domain.Character
	personas      map[string]domain.Persona
	staticPresets map[string]domain.StaticPreset
	promptStacks  map[string][]domain.PromptPreset
	lorebooks     map[string]domain.Lorebook
	loreEntries   map[string]domain.LorebookEntry
	connections   map[string]domain.Connection
	mcpServers    map[string]domain.MCPServer
	charServers   map[string][]string
	chats         map[string]domain.Chat
	messages      map[string][]domain.Message
	runs          map[string]domain.ChatRun
	seqs          map[string]int64
	llm           map[string]domain.ChatLLMConfig
	history       map[string]domain.ChatHistoryConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		characters:    make(map[string]domain.Character),
		personas:      make(map[string]domain.Persona),
		staticPresets: make(map[string]domain.StaticPreset),
		promptStacks:  make(map[string][]domain.PromptPreset),
		lorebooks:     make(map[string]domain.Lorebook),
		loreEntries:   make(map[string]domain.LorebookEntry),
		connections:   make(map[string]domain.Connection),
		mcpServers:    make(map[string]domain.MCPServer),
		charServers:   make(map[string][]string),
		chats:         make(map[string]domain.Chat),
		messages:      make(map[string][]domain.Message),
		runs:          make(map[string]domain.ChatRun),
		seqs:          make(map[string]int64),
		llm:           make(map[string]domain.ChatLLMConfig),
		history:       make(map[string]domain.ChatHistoryConfig),
	}
}

var _ Store = (*MemoryStore)(nil)

// characters

func (s *MemoryStore) SaveCharacter(_ context.Context, c domain.Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.characters[c.ID] = c
	return nil
}

func (s *MemoryStore) GetCharacter(_ context.Context, id string) (domain.Character, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.characters[id]
	return c, ok, nil
}

func (s *MemoryStore) ListCharacters(_ context.Context) ([]domain.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Character, 0, len(s.characters))
	for _, c := range s.characters {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) DeleteCharacter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.characters, id)
	delete(s.promptStacks, id)
	delete(s.charServers, id)
	for chatID, chat := range s.chats {
		if chat.CharacterID == id {
			s.deleteChatLocked(chatID)
		}
	}
	return nil
}

// personas

func (s *MemoryStore) SavePersona(_ context.Context, p domain.Persona) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[p.ID] = p
	return nil
}

func (s *MemoryStore) GetPersona(_ context.Context, id string) (domain.Persona, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[id]
	return p, ok, nil
}

func (s *MemoryStore) ListPersonas(_ context.Context) ([]domain.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Persona, 0, len(s.personas))
	for _, p := range s.personas {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *MemoryStore) DeletePersona(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.personas, id)
	return nil
}

// static presets

func (s *MemoryStore) SaveStaticPreset(_ context.Context, p domain.StaticPreset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staticPresets[p.ID] = p
	return nil
}

func (s *MemoryStore) GetStaticPreset(_ context.Context, id string) (domain.StaticPreset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.staticPresets[id]
	return p, ok, nil
}

func (s *MemoryStore) ListStaticPresets(_ context.Context) ([]domain.StaticPreset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.StaticPreset, 0, len(s.staticPresets))
	for _, p := range s.staticPresets {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *MemoryStore) DeleteStaticPreset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staticPresets, id)
	return nil
}

// prompt stacks

func (s *MemoryStore) SetPromptStack(_ context.Context, characterID string, entries []domain.PromptPreset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := make([]domain.PromptPreset, len(entries))
	for i, e := range entries {
		e.CharacterID = characterID
		e.SortOrder = i
		stack[i] = e
	}
	s.promptStacks[characterID] = stack
	return nil
}

func (s *MemoryStore) ListPromptStack(_ context.Context, characterID string) ([]domain.PromptPreset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stack := s.promptStacks[characterID]
	res := make([]domain.PromptPreset, len(stack))
	copy(res, stack)
	return res, nil
}

// lorebooks

func (s *MemoryStore) SaveLorebook(_ context.Context, lb domain.Lorebook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lorebooks[lb.ID] = lb
	return nil
}

func (s *MemoryStore) GetLorebook(_ context.Context, id string) (domain.Lorebook, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lb, ok := s.lorebooks[id]
	return lb, ok, nil
}

func (s *MemoryStore) ListLorebooks(_ context.Context) ([]domain.Lorebook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Lorebook, 0, len(s.lorebooks))
	for _, lb := range s.lorebooks {
		res = append(res, lb)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *MemoryStore) DeleteLorebook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lorebooks, id)
	for entryID, e := range s.loreEntries {
		if e.LorebookID == id {
			delete(s.loreEntries, entryID)
		}
	}
	return nil
}

func (s *MemoryStore) SaveLorebookEntry(_ context.Context, e domain.LorebookEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loreEntries[e.ID] = e
	return nil
}

func (s *MemoryStore) ListLorebookEntries(_ context.Context, lorebookID string) ([]domain.LorebookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.LorebookEntry
	for _, e := range s.loreEntries {
		if e.LorebookID == lorebookID {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].InsertionOrder < res[j].InsertionOrder })
	return res, nil
}

func (s *MemoryStore) DeleteLorebookEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loreEntries, id)
	return nil
}

// connections

func (s *MemoryStore) SaveConnection(_ context.Context, c domain.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.ID] = c
	return nil
}

func (s *MemoryStore) GetConnection(_ context.Context, id string) (domain.Connection, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[id]
	return c, ok, nil
}

func (s *MemoryStore) ListConnections(_ context.Context) ([]domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Connection, 0, len(s.connections))
	for _, c := range s.connections {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *MemoryStore) DeleteConnection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
	return nil
}

// mcp servers

func (s *MemoryStore) SaveMCPServer(_ context.Context, srv domain.MCPServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcpServers[srv.ID] = srv
	return nil
}

func (s *MemoryStore) GetMCPServer(_ context.Context, id string) (domain.MCPServer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.mcpServers[id]
	return srv, ok, nil
}

func (s *MemoryStore) ListMCPServers(_ context.Context) ([]domain.MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.MCPServer, 0, len(s.mcpServers))
	for _, srv := range s.mcpServers {
		res = append(res, srv)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *MemoryStore) DeleteMCPServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mcpServers, id)
	for charID, ids := range s.charServers {
		keep := ids[:0]
		for _, sid := range ids {
			if sid != id {
				keep = append(keep, sid)
			}
		}
		s.charServers[charID] = keep
	}
	return nil
}

func (s *MemoryStore) SetCharacterMCPServers(_ context.Context, characterID string, serverIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(serverIDs))
	copy(ids, serverIDs)
	s.charServers[characterID] = ids
	return nil
}

func (s *MemoryStore) ListCharacterMCPServers(_ context.Context, characterID string) ([]domain.MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.MCPServer
	for _, id := range s.charServers[characterID] {
		if srv, ok := s.mcpServers[id]; ok {
			res = append(res, srv)
		}
	}
	return res, nil
}

// chats

func (s *MemoryStore) CreateChat(_ context.Context, c domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = c
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, id string) (domain.Chat, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	return c, ok, nil
}

func (s *MemoryStore) ListChats(_ context.Context) ([]domain.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res, nil
}

func (s *MemoryStore) TouchChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[id]; ok {
		c.UpdatedAt = time.Now().UTC()
		s.chats[id] = c
	}
	return nil
}

func (s *MemoryStore) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteChatLocked(id)
	return nil
}

func (s *MemoryStore) deleteChatLocked(id string) {
	delete(s.chats, id)
	delete(s.messages, id)
	delete(s.seqs, id)
	delete(s.llm, id)
	delete(s.history, id)
	for runID, run := range s.runs {
		if run.ChatID == id {
			delete(s.runs, runID)
		}
	}
}

// messages

func (s *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Mirrors the foreign key in Postgres: a late append from a runner
	// must not resurrect a chat that was deleted out from under it.
	if _, ok := s.chats[msg.ChatID]; !ok {
		return domain.Message{}, fmt.Errorf("append message: unknown chat %s", msg.ChatID)
	}
	s.seqs[msg.ChatID]++
	msg.Seq = s.seqs[msg.ChatID]
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], msg)
	return msg, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, chatID, id string) (domain.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[chatID] {
		if m.ID == id {
			return m, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	res := make([]domain.Message, len(msgs))
	copy(res, msgs)
	return res, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, chatID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	for i, m := range msgs {
		if m.ID == id {
			s.messages[chatID] = append(msgs[:i:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) PruneMessagesAfter(_ context.Context, chatID string, afterSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prunedRuns := map[string]bool{}
	prunedMsgs := map[string]bool{}
	var keep []domain.Message
	for _, m := range s.messages[chatID] {
		if m.Seq > afterSeq {
			prunedMsgs[m.ID] = true
			if m.RunID != "" {
				prunedRuns[m.RunID] = true
			}
			continue
		}
		keep = append(keep, m)
	}
	s.messages[chatID] = keep
	// A run that never produced a message is only reachable through
	// its triggering user message, so match on that too.
	for runID, run := range s.runs {
		if run.ChatID != chatID {
			continue
		}
		if prunedRuns[runID] || prunedMsgs[run.UserMessageID] {
			delete(s.runs, runID)
		}
	}
	return nil
}

// runs

func (s *MemoryStore) CreateRun(_ context.Context, run domain.ChatRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, chatID, id string) (domain.ChatRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok || run.ChatID != chatID {
		return domain.ChatRun{}, false, nil
	}
	return run, true, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run domain.ChatRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		s.runs[run.ID] = run
	}
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, chatID string) ([]domain.ChatRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.ChatRun
	for _, run := range s.runs {
		if run.ChatID == chatID {
			res = append(res, run)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartedAt.Before(res[j].StartedAt) })
	return res, nil
}

func (s *MemoryStore) GetActiveRun(_ context.Context, chatID string) (domain.ChatRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.ChatID == chatID && !run.Status.Terminal() {
			return run, true, nil
		}
	}
	return domain.ChatRun{}, false, nil
}

func (s *MemoryStore) ListNonTerminalRuns(_ context.Context) ([]domain.ChatRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.ChatRun
	for _, run := range s.runs {
		if !run.Status.Terminal() {
			res = append(res, run)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartedAt.Before(res[j].StartedAt) })
	return res, nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, chatID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok && run.ChatID == chatID {
		delete(s.runs, id)
	}
	return nil
}

// configs

func (s *MemoryStore) SaveLLMConfig(_ context.Context, cfg domain.ChatLLMConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llm[cfg.ChatID] = cfg
	return nil
}

func (s *MemoryStore) GetLLMConfig(_ context.Context, chatID string) (domain.ChatLLMConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.llm[chatID]
	return cfg, ok, nil
}

func (s *MemoryStore) SaveHistoryConfig(_ context.Context, cfg domain.ChatHistoryConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[cfg.ChatID] = cfg
	return nil
}

func (s *MemoryStore) GetHistoryConfig(_ context.Context, chatID string) (domain.ChatHistoryConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.history[chatID]
	return cfg, ok, nil
}
