package server

import (
	"net/http"
	"strings"

	"lorechat/pkg/domain"
)

// characters

type characterRequest struct {
	Name     string `json:"name"`
	Persona  string `json:"persona"`
	Greeting string `json:"greeting"`
}

func (s *Server) handleCharacters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req characterRequest
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := s.app.CreateCharacter(r.Context(), req.Name, req.Persona, req.Greeting)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	case http.MethodGet:
		cs, err := s.app.ListCharacters(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cs)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCharacterByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/characters/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "stack":
			s.handleCharacterStack(w, r, id)
		case "mcp-servers":
			s.handleCharacterMCPServers(w, r, id)
		default:
			notFound(w, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, err := s.app.GetCharacter(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case http.MethodPut:
		var req characterRequest
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := s.app.UpdateCharacter(r.Context(), domain.Character{
			ID:       id,
			Name:     req.Name,
			Persona:  req.Persona,
			Greeting: req.Greeting,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case http.MethodDelete:
		if err := s.app.DeleteCharacter(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCharacterStack(w http.ResponseWriter, r *http.Request, characterID string) {
	switch r.Method {
	case http.MethodGet:
		stack, err := s.app.GetPromptStack(r.Context(), characterID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stack)
	case http.MethodPut:
		var entries []domain.PromptPreset
		if !decodeBody(w, r, &entries) {
			return
		}
		if err := s.app.SetPromptStack(r.Context(), characterID, entries); err != nil {
			writeAppError(w, err)
			return
		}
		stack, err := s.app.GetPromptStack(r.Context(), characterID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stack)
	default:
		methodNotAllowed(w)
	}
}

type attachServersRequest struct {
	ServerIDs []string `json:"serverIds"`
}

func (s *Server) handleCharacterMCPServers(w http.ResponseWriter, r *http.Request, characterID string) {
	switch r.Method {
	case http.MethodGet:
		servers, err := s.app.ListCharacterMCPServers(r.Context(), characterID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, servers)
	case http.MethodPut:
		var req attachServersRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.app.AttachMCPServers(r.Context(), characterID, req.ServerIDs); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "attached"})
	default:
		methodNotAllowed(w)
	}
}

// personas

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var p domain.Persona
		if !decodeBody(w, r, &p) {
			return
		}
		saved, err := s.app.SavePersona(r.Context(), p)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodGet:
		ps, err := s.app.ListPersonas(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ps)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePersonaByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/personas/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		var p domain.Persona
		if !decodeBody(w, r, &p) {
			return
		}
		p.ID = id
		saved, err := s.app.SavePersona(r.Context(), p)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		if err := s.app.DeletePersona(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// static presets

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var p domain.StaticPreset
		if !decodeBody(w, r, &p) {
			return
		}
		saved, err := s.app.SaveStaticPreset(r.Context(), p)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodGet:
		ps, err := s.app.ListStaticPresets(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ps)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePresetByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/presets/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		var p domain.StaticPreset
		if !decodeBody(w, r, &p) {
			return
		}
		p.ID = id
		saved, err := s.app.SaveStaticPreset(r.Context(), p)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		if err := s.app.DeleteStaticPreset(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// lorebooks

func (s *Server) handleLorebooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var lb domain.Lorebook
		if !decodeBody(w, r, &lb) {
			return
		}
		saved, err := s.app.SaveLorebook(r.Context(), lb)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodGet:
		lbs, err := s.app.ListLorebooks(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lbs)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleLorebookByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/lorebooks/")
	parts := strings.SplitN(path, "/", 3)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.app.DeleteLorebook(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}
	if parts[1] != "entries" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 3 && parts[2] != "" {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.app.DeleteLorebookEntry(r.Context(), parts[2]); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}

	switch r.Method {
	case http.MethodPost:
		var e domain.LorebookEntry
		if !decodeBody(w, r, &e) {
			return
		}
		e.LorebookID = id
		saved, err := s.app.SaveLorebookEntry(r.Context(), e)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodGet:
		entries, err := s.app.ListLorebookEntries(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	default:
		methodNotAllowed(w)
	}
}

// connections

type connectionRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	BaseURL  string `json:"baseUrl"`
	APIKey   string `json:"apiKey"`
	Model    string `json:"model"`
	Enabled  *bool  `json:"enabled"`
}

func (c connectionRequest) toDomain(id string) domain.Connection {
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	return domain.Connection{
		ID:       id,
		Name:     c.Name,
		Provider: domain.Provider(c.Provider),
		BaseURL:  c.BaseURL,
		APIKey:   c.APIKey,
		Model:    c.Model,
		Enabled:  enabled,
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req connectionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		saved, err := s.app.SaveConnection(r.Context(), req.toDomain(""))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodGet:
		cs, err := s.app.ListConnections(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cs)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/connections/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req connectionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		saved, err := s.app.SaveConnection(r.Context(), req.toDomain(id))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		if err := s.app.DeleteConnection(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// mcp servers

type mcpServerRequest struct {
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers"`
	Enabled  *bool             `json:"enabled"`
}

func (m mcpServerRequest) toDomain(id string) domain.MCPServer {
	enabled := true
	if m.Enabled != nil {
		enabled = *m.Enabled
	}
	return domain.MCPServer{
		ID:       id,
		Name:     m.Name,
		Endpoint: m.Endpoint,
		Headers:  m.Headers,
		Enabled:  enabled,
	}
}

func (s *Server) handleMCPServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req mcpServerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		saved, err := s.app.SaveMCPServer(r.Context(), req.toDomain(""))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodGet:
		servers, err := s.app.ListMCPServers(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, servers)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMCPServerByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/mcp-servers/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req mcpServerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		saved, err := s.app.SaveMCPServer(r.Context(), req.toDomain(id))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		if err := s.app.DeleteMCPServer(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}
