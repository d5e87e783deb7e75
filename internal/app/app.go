// Package app is the chat turn orchestrator: it owns the run state
// machine, the per-chat serialization of turns, and the CRUD surface
// the HTTP layer exposes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lorechat/internal/util"
	"lorechat/pkg/ai"
	"lorechat/pkg/domain"
	"lorechat/pkg/events"
	"lorechat/pkg/prompt"
	"lorechat/pkg/store"
)

// GatewayFactory builds a completion gateway for a connection. Replaced
// in tests with a fake.
type GatewayFactory func(conn domain.Connection) (ai.Gateway, error)

// Defaults applied when a chat has no explicit history config, and
// caps for the tool loop.
const (
	defaultMessageLimit       = 40
	defaultLoreScanTokenLimit = 1024
	defaultLoreScanMessages   = 4
	defaultMaxToolIterations  = 4
	defaultToolCallTimeoutMs  = 30000
)

// Config holds runtime configuration for the orchestrator.
type Config struct {
	Store          store.Store
	Broadcaster    *events.Broadcaster
	Logger         *slog.Logger
	GatewayFactory GatewayFactory
	ToolProvider   ToolProvider
}

// App wires storage, prompt assembly, completion gateways and tool
// servers into the turn lifecycle.
type App struct {
	store       store.Store
	resolver    *prompt.Resolver
	broadcaster *events.Broadcaster
	logger      *slog.Logger
	gatewayFor  GatewayFactory
	toolsFor    ToolProvider
	locks       *chatLocks

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New constructs the orchestrator.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = events.NewBroadcaster(0, logger)
	}
	gatewayFor := cfg.GatewayFactory
	if gatewayFor == nil {
		gatewayFor = ai.ForConnection
	}
	toolsFor := cfg.ToolProvider
	if toolsFor == nil {
		toolsFor = MCPToolProvider(logger)
	}
	return &App{
		store:       cfg.Store,
		resolver:    prompt.NewResolver(cfg.Store),
		broadcaster: broadcaster,
		logger:      logger,
		gatewayFor:  gatewayFor,
		toolsFor:    toolsFor,
		locks:       newChatLocks(),
		cancels:     make(map[string]context.CancelFunc),
	}, nil
}

// Broadcaster exposes the event fan-out for the SSE layer.
func (a *App) Broadcaster() *events.Broadcaster {
	return a.broadcaster
}

// Wait blocks until every in-flight runner has finished. Used on
// shutdown after the HTTP server stops accepting turns.
func (a *App) Wait() {
	a.wg.Wait()
}

// CreateTurn persists the user message, opens a pending run and starts
// the runner. It returns as soon as the run is queued; progress arrives
// through events.
func (a *App) CreateTurn(ctx context.Context, chatID, content string) (domain.ChatRun, domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ChatRun{}, domain.Message{}, ErrEmptyMessage
	}
	chat, ok, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return domain.ChatRun{}, domain.Message{}, fmt.Errorf("load chat: %w", err)
	}
	if !ok {
		return domain.ChatRun{}, domain.Message{}, ErrChatNotFound
	}

	unlock := a.locks.lock(chatID)
	defer unlock()

	if _, active, err := a.store.GetActiveRun(ctx, chatID); err != nil {
		return domain.ChatRun{}, domain.Message{}, fmt.Errorf("check active run: %w", err)
	} else if active {
		return domain.ChatRun{}, domain.Message{}, ErrRunAlreadyActive
	}

	runID := util.NewID()
	now := time.Now().UTC()
	userMsg, err := a.store.AppendMessage(ctx, domain.Message{
		ID:         util.NewID(),
		ChatID:     chatID,
		RunID:      runID,
		Role:       domain.RoleUser,
		Content:    content,
		TokenCount: prompt.EstimateTokens(content),
		CreatedAt:  now,
	})
	if err != nil {
		return domain.ChatRun{}, domain.Message{}, fmt.Errorf("save user message: %w", err)
	}
	run := domain.ChatRun{
		ID:            runID,
		ChatID:        chatID,
		Status:        domain.RunPending,
		UserMessageID: userMsg.ID,
		StartedAt:     now,
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return domain.ChatRun{}, domain.Message{}, fmt.Errorf("create run: %w", err)
	}
	if err := a.store.TouchChat(ctx, chatID); err != nil {
		a.logger.Warn("touch chat failed", "chat", chatID, "error", err)
	}

	a.broadcaster.Publish(ctx, events.Event{ChatID: chatID, Type: events.TypeMessage, Message: &userMsg})
	a.publishRun(ctx, run)

	a.startRunner(chat, run, userMsg)
	return run, userMsg, nil
}

// RetryTurn reruns a turn from a user message, discarding everything
// after it. The target's run must have failed or finished without an
// assistant reply. The rerun uses the chat's current configs.
func (a *App) RetryTurn(ctx context.Context, chatID, messageID string) (domain.ChatRun, error) {
	chat, ok, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return domain.ChatRun{}, fmt.Errorf("load chat: %w", err)
	}
	if !ok {
		return domain.ChatRun{}, ErrChatNotFound
	}

	unlock := a.locks.lock(chatID)
	defer unlock()

	if _, active, err := a.store.GetActiveRun(ctx, chatID); err != nil {
		return domain.ChatRun{}, fmt.Errorf("check active run: %w", err)
	} else if active {
		return domain.ChatRun{}, ErrRunAlreadyActive
	}

	msg, ok, err := a.store.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return domain.ChatRun{}, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return domain.ChatRun{}, ErrMessageNotFound
	}
	if msg.Role != domain.RoleUser {
		return domain.ChatRun{}, ErrNotRetryable
	}
	// A retried message can outlive the run recorded on it, so
	// eligibility is judged against its latest run, not msg.RunID.
	if prior, ok, err := a.latestRunForMessage(ctx, chatID, msg.ID); err != nil {
		return domain.ChatRun{}, fmt.Errorf("load run: %w", err)
	} else if ok && prior.Status != domain.RunFailed && prior.AssistantMessageID != "" {
		return domain.ChatRun{}, ErrNotRetryable
	}

	if err := a.store.PruneMessagesAfter(ctx, chatID, msg.Seq); err != nil {
		return domain.ChatRun{}, fmt.Errorf("prune messages: %w", err)
	}

	run := domain.ChatRun{
		ID:            util.NewID(),
		ChatID:        chatID,
		Status:        domain.RunPending,
		UserMessageID: msg.ID,
		StartedAt:     time.Now().UTC(),
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return domain.ChatRun{}, fmt.Errorf("create run: %w", err)
	}
	a.publishRun(ctx, run)

	a.startRunner(chat, run, msg)
	return run, nil
}

// latestRunForMessage finds the most recent run triggered by a user
// message. Earlier runs of the same message may still exist after a
// retry; only the newest one speaks for the turn's current state.
func (a *App) latestRunForMessage(ctx context.Context, chatID, messageID string) (domain.ChatRun, bool, error) {
	runs, err := a.store.ListRuns(ctx, chatID)
	if err != nil {
		return domain.ChatRun{}, false, err
	}
	var latest domain.ChatRun
	found := false
	for _, run := range runs {
		if run.UserMessageID != messageID {
			continue
		}
		// Lists come back ordered by StartedAt, so on a timestamp
		// tie the later-listed run wins.
		if !found || !run.StartedAt.Before(latest.StartedAt) {
			latest = run
			found = true
		}
	}
	return latest, found, nil
}

// DeleteMessage removes a message with role-dependent cascade: a user
// message takes everything after it (and its runs) with it, an
// assistant message reverts its completed run to failed so the turn can
// be retried, tool and system messages are removed alone. Rejected
// while the chat has an active run.
func (a *App) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if _, ok, err := a.store.GetChat(ctx, chatID); err != nil {
		return fmt.Errorf("load chat: %w", err)
	} else if !ok {
		return ErrChatNotFound
	}

	unlock := a.locks.lock(chatID)
	defer unlock()

	if _, active, err := a.store.GetActiveRun(ctx, chatID); err != nil {
		return fmt.Errorf("check active run: %w", err)
	} else if active {
		return ErrRunAlreadyActive
	}

	msg, ok, err := a.store.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return ErrMessageNotFound
	}

	switch msg.Role {
	case domain.RoleUser:
		if err := a.store.PruneMessagesAfter(ctx, chatID, msg.Seq-1); err != nil {
			return fmt.Errorf("prune messages: %w", err)
		}
	case domain.RoleAssistant:
		if err := a.store.DeleteMessage(ctx, chatID, messageID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		run, ok, err := a.store.GetRun(ctx, chatID, msg.RunID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if ok && run.Status == domain.RunCompleted {
			run.Status = domain.RunFailed
			run.Error = "message deleted"
			run.AssistantMessageID = ""
			if err := a.store.UpdateRun(ctx, run); err != nil {
				return fmt.Errorf("update run: %w", err)
			}
			a.publishRun(ctx, run)
		}
	default:
		if err := a.store.DeleteMessage(ctx, chatID, messageID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	}
	return nil
}

// CancelRun flags the run's runner to stop. Cancellation is cooperative:
// the runner observes it at loop boundaries, so an in-flight completion
// or tool call finishes first. Canceling a terminal run is a no-op.
func (a *App) CancelRun(ctx context.Context, chatID, runID string) error {
	run, ok, err := a.store.GetRun(ctx, chatID, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return nil
	}

	a.mu.Lock()
	cancel, live := a.cancels[runID]
	a.mu.Unlock()
	if live {
		cancel()
		return nil
	}

	// No runner in this process (e.g. cancel raced runner completion, or
	// the run predates a restart): finalize directly.
	unlock := a.locks.lock(chatID)
	defer unlock()
	run, ok, err = a.store.GetRun(ctx, chatID, runID)
	if err != nil || !ok || run.Status.Terminal() {
		return err
	}
	a.finishRun(ctx, run, domain.RunCanceled, "")
	return nil
}

// startRunner registers the run's cancel func and launches the runner
// goroutine on a background context; the HTTP request context must not
// govern the run's lifetime.
func (a *App) startRunner(chat domain.Chat, run domain.ChatRun, userMsg domain.Message) {
	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancels[run.ID] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.cancels, run.ID)
			a.mu.Unlock()
			cancel()
		}()
		a.executeRun(runCtx, chat, run, userMsg)
	}()
}

// cancelRunner signals the run's goroutine if one is live in this
// process. No-op otherwise.
func (a *App) cancelRunner(runID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[runID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *App) publishRun(ctx context.Context, run domain.ChatRun) {
	a.broadcaster.Publish(ctx, events.Event{ChatID: run.ChatID, Type: events.TypeRun, Run: &run})
}

// historyConfig returns the chat's history config or the defaults.
func (a *App) historyConfig(ctx context.Context, chatID string) (domain.ChatHistoryConfig, error) {
	cfg, ok, err := a.store.GetHistoryConfig(ctx, chatID)
	if err != nil {
		return domain.ChatHistoryConfig{}, err
	}
	if !ok {
		return domain.ChatHistoryConfig{
			ChatID:             chatID,
			HistoryEnabled:     true,
			MessageLimit:       defaultMessageLimit,
			LoreScanTokenLimit: defaultLoreScanTokenLimit,
			LoreScanMessages:   defaultLoreScanMessages,
		}, nil
	}
	return cfg, nil
}
