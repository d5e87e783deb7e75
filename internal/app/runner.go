package app

import (
	"context"
	"strings"
	"time"

	"lorechat/internal/util"
	"lorechat/pkg/ai"
	"lorechat/pkg/domain"
	"lorechat/pkg/events"
	"lorechat/pkg/prompt"
)

// executeRun drives one run to a terminal state. ctx is the run's
// cancellation context; store writes use the background context so a
// cancel cannot lose the terminal update.
func (a *App) executeRun(ctx context.Context, chat domain.Chat, run domain.ChatRun, userMsg domain.Message) {
	bg := context.Background()

	run.Status = domain.RunRunning
	if err := a.store.UpdateRun(bg, run); err != nil {
		a.logger.Error("mark run running failed", "run", run.ID, "error", err)
	}
	a.publishRun(bg, run)

	llmCfg, ok, err := a.store.GetLLMConfig(bg, chat.ID)
	if err != nil {
		a.finishRun(bg, run, domain.RunFailed, "load llm config: "+err.Error())
		return
	}
	if !ok || llmCfg.ConnectionID == "" {
		a.finishRun(bg, run, domain.RunFailed, "no connection configured")
		return
	}
	conn, ok, err := a.store.GetConnection(bg, llmCfg.ConnectionID)
	if err != nil {
		a.finishRun(bg, run, domain.RunFailed, "load connection: "+err.Error())
		return
	}
	if !ok {
		a.finishRun(bg, run, domain.RunFailed, "connection not found")
		return
	}
	gateway, err := a.gatewayFor(conn)
	if err != nil {
		a.finishRun(bg, run, domain.RunFailed, ai.FailureKind(err))
		return
	}

	maxIter := llmCfg.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxToolIterations
	}
	timeoutMs := llmCfg.ToolCallTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultToolCallTimeoutMs
	}
	toolTimeout := time.Duration(timeoutMs) * time.Millisecond

	convo, toolsEnabled, err := a.assembleContext(bg, chat, userMsg)
	if err != nil {
		a.finishRun(bg, run, domain.RunFailed, "assemble prompt: "+err.Error())
		return
	}

	var session ToolSession
	var specs []ai.ToolSpec
	if toolsEnabled {
		servers, err := a.store.ListCharacterMCPServers(bg, chat.CharacterID)
		if err != nil {
			a.finishRun(bg, run, domain.RunFailed, "load mcp servers: "+err.Error())
			return
		}
		session = a.toolsFor(ctx, servers)
		defer session.Close()
		for _, t := range session.Tools() {
			specs = append(specs, ai.ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}

	var usage domain.TokenUsage
	iterations := 0
	for {
		if ctx.Err() != nil {
			a.finishRun(bg, run, domain.RunCanceled, "")
			return
		}

		out, err := gateway.Complete(ctx, ai.Request{
			Model:       llmCfg.Model,
			Messages:    convo,
			Tools:       specs,
			Temperature: llmCfg.Temperature,
			MaxTokens:   llmCfg.MaxOutputTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				a.finishRun(bg, run, domain.RunCanceled, "")
				return
			}
			a.logger.Warn("completion failed", "run", run.ID, "error", err)
			a.finishRun(bg, run, domain.RunFailed, ai.FailureKind(err))
			return
		}
		usage.Prompt += out.Usage.Prompt
		usage.Completion += out.Usage.Completion
		usage.Total += out.Usage.Total

		if len(out.ToolCalls) == 0 {
			assistant, err := a.appendRunMessage(bg, domain.Message{
				ChatID:     chat.ID,
				RunID:      run.ID,
				Role:       domain.RoleAssistant,
				Content:    out.Text,
				TokenCount: prompt.EstimateTokens(out.Text),
			})
			if err != nil {
				a.finishRun(bg, run, domain.RunFailed, "save assistant message: "+err.Error())
				return
			}
			run.AssistantMessageID = assistant.ID
			run.TokenUsage = &usage
			a.finishRun(bg, run, domain.RunCompleted, "")
			if err := a.store.TouchChat(bg, chat.ID); err != nil {
				a.logger.Warn("touch chat failed", "chat", chat.ID, "error", err)
			}
			return
		}

		iterations++
		if iterations > maxIter {
			a.finishRun(bg, run, domain.RunFailed, "tool iteration limit exceeded")
			return
		}
		if session == nil {
			a.logger.Warn("model requested tools but none are attached", "run", run.ID)
			a.finishRun(bg, run, domain.RunFailed, "invalid_response")
			return
		}

		calls := dedupToolCalls(out.ToolCalls)
		assistant, err := a.appendRunMessage(bg, domain.Message{
			ChatID:    chat.ID,
			RunID:     run.ID,
			Role:      domain.RoleAssistant,
			Content:   out.Text,
			ToolCalls: calls,
		})
		if err != nil {
			a.finishRun(bg, run, domain.RunFailed, "save assistant message: "+err.Error())
			return
		}
		convo = append(convo, assistant)

		for _, call := range calls {
			if ctx.Err() != nil {
				a.finishRun(bg, run, domain.RunCanceled, "")
				return
			}
			res := session.Invoke(ctx, call, toolTimeout)
			toolMsg, err := a.appendRunMessage(bg, domain.Message{
				ChatID:     chat.ID,
				RunID:      run.ID,
				Role:       domain.RoleTool,
				Content:    res.Content,
				ToolCallID: call.ID,
			})
			if err != nil {
				a.finishRun(bg, run, domain.RunFailed, "save tool message: "+err.Error())
				return
			}
			convo = append(convo, toolMsg)
		}
	}
}

// assembleContext turns the character's stack, the lore retrieval and
// the history window into the completion transcript, ending with the
// user message. The second return reports whether the stack offers
// tools to the model.
func (a *App) assembleContext(ctx context.Context, chat domain.Chat, userMsg domain.Message) ([]domain.Message, bool, error) {
	blocks, err := a.resolver.Resolve(ctx, chat.CharacterID)
	if err != nil {
		return nil, false, err
	}
	histCfg, err := a.historyConfig(ctx, chat.ID)
	if err != nil {
		return nil, false, err
	}

	all, err := a.store.ListMessages(ctx, chat.ID)
	if err != nil {
		return nil, false, err
	}
	runs, err := a.store.ListRuns(ctx, chat.ID)
	if err != nil {
		return nil, false, err
	}
	dead := make(map[string]bool)
	for _, r := range runs {
		if r.Status == domain.RunFailed || r.Status == domain.RunCanceled {
			dead[r.ID] = true
		}
	}
	// History never includes the current user message, nor the assistant
	// and tool messages of failed or canceled runs. User messages stay
	// regardless of how their run ended.
	pool := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if m.ID == userMsg.ID {
			continue
		}
		if (m.Role == domain.RoleAssistant || m.Role == domain.RoleTool) && dead[m.RunID] {
			continue
		}
		pool = append(pool, m)
	}
	window := prompt.WindowHistory(pool, histCfg, nil)
	scan := prompt.ScanText(window, userMsg.Content, histCfg.LoreScanMessages)

	var msgs []domain.Message
	toolsEnabled := false
	for _, b := range blocks {
		switch b.Kind {
		case domain.KindStaticText, domain.KindPersona:
			msgs = append(msgs, domain.Message{Role: roleOrSystem(b.Role), Content: b.Content})
		case domain.KindLorebook:
			entries, err := a.store.ListLorebookEntries(ctx, b.RefID)
			if err != nil {
				return nil, false, err
			}
			selected := prompt.SelectLore(entries, scan, histCfg.LoreScanTokenLimit)
			if len(selected) == 0 {
				continue
			}
			msgs = append(msgs, domain.Message{Role: roleOrSystem(b.Role), Content: strings.Join(selected, "\n\n")})
		case domain.KindHistory:
			msgs = append(msgs, window...)
		case domain.KindMCPTools:
			toolsEnabled = true
		}
	}
	msgs = append(msgs, userMsg)
	return msgs, toolsEnabled, nil
}

// appendRunMessage persists a runner-produced message and publishes it.
func (a *App) appendRunMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg.ID = util.NewID()
	msg.CreatedAt = time.Now().UTC()
	stored, err := a.store.AppendMessage(ctx, msg)
	if err != nil {
		return domain.Message{}, err
	}
	a.broadcaster.Publish(ctx, events.Event{ChatID: msg.ChatID, Type: events.TypeMessage, Message: &stored})
	return stored, nil
}

// finishRun writes the terminal state and publishes it.
func (a *App) finishRun(ctx context.Context, run domain.ChatRun, status domain.RunStatus, errMsg string) {
	now := time.Now().UTC()
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = &now
	if err := a.store.UpdateRun(ctx, run); err != nil {
		a.logger.Error("finalize run failed", "run", run.ID, "status", status, "error", err)
	}
	a.publishRun(ctx, run)
	a.logger.Info("run finished", "run", run.ID, "chat", run.ChatID, "status", status, "error", errMsg)
}

// dedupToolCalls drops repeated IDs within one model response, keeping
// the first occurrence in order.
func dedupToolCalls(calls []domain.ToolCall) []domain.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := make([]domain.ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.ID != "" && seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

func roleOrSystem(role domain.MessageRole) domain.MessageRole {
	if role == "" {
		return domain.RoleSystem
	}
	return role
}
