// Package server exposes the orchestrator over HTTP: resource CRUD,
// the turn endpoints, and the per-chat SSE event stream.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"lorechat/internal/app"
	"lorechat/internal/ratelimit"
	"lorechat/internal/util"
	"lorechat/pkg/domain"
)

const defaultHeartbeat = 15 * time.Second

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// TurnLimiter guards POST /chats/{id}/turns; nil disables limiting.
	TurnLimiter    *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	SSEHeartbeat   time.Duration
}

// Server exposes HTTP endpoints for the orchestrator.
type Server struct {
	app         *app.App
	turnLimiter *ratelimit.FixedWindowLimiter
	trusted     *util.TrustedProxies
	heartbeat   time.Duration
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	heartbeat := cfg.SSEHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	s := &Server{
		app:         cfg.App,
		turnLimiter: cfg.TurnLimiter,
		trusted:     cfg.TrustedProxies,
		heartbeat:   heartbeat,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/chats", s.handleChats)
	s.mux.HandleFunc("/chats/", s.handleChatByID)

	s.mux.HandleFunc("/characters", s.handleCharacters)
	s.mux.HandleFunc("/characters/", s.handleCharacterByID)

	s.mux.HandleFunc("/personas", s.handlePersonas)
	s.mux.HandleFunc("/personas/", s.handlePersonaByID)
	s.mux.HandleFunc("/presets", s.handlePresets)
	s.mux.HandleFunc("/presets/", s.handlePresetByID)
	s.mux.HandleFunc("/lorebooks", s.handleLorebooks)
	s.mux.HandleFunc("/lorebooks/", s.handleLorebookByID)
	s.mux.HandleFunc("/connections", s.handleConnections)
	s.mux.HandleFunc("/connections/", s.handleConnectionByID)
	s.mux.HandleFunc("/mcp-servers", s.handleMCPServers)
	s.mux.HandleFunc("/mcp-servers/", s.handleMCPServerByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// chats

type createChatRequest struct {
	CharacterID string `json:"characterId"`
	Title       string `json:"title"`
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createChatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.CharacterID == "" {
			writeError(w, http.StatusBadRequest, "characterId is required")
			return
		}
		chat, err := s.app.CreateChat(r.Context(), req.CharacterID, req.Title)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, chat)
	case http.MethodGet:
		chats, err := s.app.ListChats(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chats)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/chats/")
	parts := strings.SplitN(path, "/", 3)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			chat, err := s.app.GetChat(r.Context(), id)
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, chat)
		case http.MethodDelete:
			if err := s.app.DeleteChat(r.Context(), id); err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[1] {
	case "messages":
		s.handleChatMessages(w, r, id, parts)
	case "runs":
		s.handleChatRuns(w, r, id, parts)
	case "turns":
		s.handleTurns(w, r, id, parts)
	case "retry":
		s.handleRetry(w, r, id, parts)
	case "events":
		s.handleEvents(w, r, id, parts)
	case "llm-config":
		s.handleLLMConfig(w, r, id, parts)
	case "history-config":
		s.handleHistoryConfig(w, r, id, parts)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, chatID string, parts []string) {
	if len(parts) == 2 || parts[2] == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		msgs, err := s.app.ListMessages(r.Context(), chatID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteMessage(r.Context(), chatID, parts[2]); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleChatRuns(w http.ResponseWriter, r *http.Request, chatID string, parts []string) {
	if len(parts) == 2 || parts[2] == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		runs, err := s.app.ListRuns(r.Context(), chatID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
		return
	}
	sub := strings.SplitN(parts[2], "/", 2)
	runID := sub[0]
	if len(sub) == 2 && sub[1] == "cancel" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.app.CancelRun(r.Context(), chatID, runID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
		return
	}
	if len(sub) == 2 {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	run, err := s.app.GetRun(r.Context(), chatID, runID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type turnRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request, chatID string, parts []string) {
	if len(parts) > 2 && parts[2] != "" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.turnLimiter != nil && !s.turnLimiter.Allow(util.ClientIP(r, s.trusted)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req turnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, msg, err := s.app.CreateTurn(r.Context(), chatID, req.Content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run, "message": msg})
}

type retryRequest struct {
	MessageID string `json:"messageId"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, chatID string, parts []string) {
	if len(parts) > 2 && parts[2] != "" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req retryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "messageId is required")
		return
	}
	run, err := s.app.RetryTurn(r.Context(), chatID, req.MessageID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

// handleEvents streams chat events as SSE until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, chatID string, parts []string) {
	if len(parts) > 2 && parts[2] != "" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if _, err := s.app.GetChat(r.Context(), chatID); err != nil {
		writeAppError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.app.Broadcaster().Subscribe(chatID)
	defer s.app.Broadcaster().Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			io.WriteString(w, "event: "+ev.Type+"\ndata: ")
			w.Write(payload)
			io.WriteString(w, "\n\n")
			flusher.Flush()
		case <-heartbeat.C:
			io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleLLMConfig(w http.ResponseWriter, r *http.Request, chatID string, parts []string) {
	if len(parts) > 2 && parts[2] != "" {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, ok, err := s.app.GetChatLLMConfig(r.Context(), chatID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !ok {
			notFound(w, "llm config not set")
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut:
		var cfg domain.ChatLLMConfig
		if !decodeBody(w, r, &cfg) {
			return
		}
		cfg.ChatID = chatID
		if err := s.app.SetChatLLMConfig(r.Context(), cfg); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleHistoryConfig(w http.ResponseWriter, r *http.Request, chatID string, parts []string) {
	if len(parts) > 2 && parts[2] != "" {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.app.GetChatHistoryConfig(r.Context(), chatID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut:
		var cfg domain.ChatHistoryConfig
		if !decodeBody(w, r, &cfg) {
			return
		}
		cfg.ChatID = chatID
		if err := s.app.SetChatHistoryConfig(r.Context(), cfg); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		methodNotAllowed(w)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeAppError maps orchestrator sentinels onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrChatNotFound),
		errors.Is(err, app.ErrCharacterNotFound),
		errors.Is(err, app.ErrMessageNotFound),
		errors.Is(err, app.ErrRunNotFound),
		errors.Is(err, app.ErrConnectionNotFound),
		errors.Is(err, app.ErrLorebookNotFound),
		errors.Is(err, app.ErrMCPServerNotFound),
		errors.Is(err, app.ErrPersonaNotFound),
		errors.Is(err, app.ErrPresetNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrRunAlreadyActive),
		errors.Is(err, app.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
