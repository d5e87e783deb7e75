package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"lorechat/pkg/ai"
	"lorechat/pkg/domain"
	"lorechat/pkg/mcp"
	"lorechat/pkg/store"
)

type fakeReply struct {
	out *ai.Outcome
	err error
}

// fakeGateway replays a scripted sequence of replies and records every
// request it saw. An optional gate holds Complete open until released
// or the context is canceled.
type fakeGateway struct {
	mu      sync.Mutex
	reqs    []ai.Request
	replies []fakeReply
	gate    chan struct{}
}

func (g *fakeGateway) Complete(ctx context.Context, req ai.Request) (*ai.Outcome, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	var r fakeReply
	if len(g.replies) > 0 {
		r = g.replies[0]
		g.replies = g.replies[1:]
	}
	gate := g.gate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.out != nil {
		return r.out, nil
	}
	return &ai.Outcome{Text: "ok"}, nil
}

func (g *fakeGateway) requests() []ai.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ai.Request(nil), g.reqs...)
}

// fakeSession serves a fixed tool list and a canned result per tool name.
type fakeSession struct {
	tools   []mcp.Tool
	results map[string]mcp.InvokeResult

	mu    sync.Mutex
	calls []domain.ToolCall
}

func (s *fakeSession) Tools() []mcp.Tool { return s.tools }

func (s *fakeSession) Invoke(ctx context.Context, call domain.ToolCall, timeout time.Duration) mcp.InvokeResult {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	res, ok := s.results[call.Name]
	if !ok {
		return mcp.InvokeResult{CallID: call.ID, Content: "tool not found: " + call.Name, IsError: true}
	}
	res.CallID = call.ID
	return res
}

func (s *fakeSession) Close() {}

func sessionProvider(s *fakeSession) ToolProvider {
	return func(ctx context.Context, servers []domain.MCPServer) ToolSession { return s }
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestApp builds an orchestrator over a memory store with one
// character, one chat and one enabled connection wired up.
func newTestApp(t *testing.T, gw ai.Gateway, tp ToolProvider) (*App, *store.MemoryStore, domain.Chat) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	char := domain.Character{ID: "char1", Name: "Archivist", Persona: "You are the keeper of the archive."}
	if err := st.SaveCharacter(ctx, char); err != nil {
		t.Fatalf("save character: %v", err)
	}
	chat := domain.Chat{ID: "chat1", CharacterID: char.ID, Title: "archive"}
	if err := st.CreateChat(ctx, chat); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	conn := domain.Connection{ID: "conn1", Name: "local", Provider: domain.ProviderOpenAICompat, BaseURL: "http://127.0.0.1:1", Model: "test-model", Enabled: true}
	if err := st.SaveConnection(ctx, conn); err != nil {
		t.Fatalf("save connection: %v", err)
	}
	if err := st.SaveLLMConfig(ctx, domain.ChatLLMConfig{ChatID: chat.ID, ConnectionID: conn.ID, Model: "test-model"}); err != nil {
		t.Fatalf("save llm config: %v", err)
	}

	a, err := New(Config{
		Store:  st,
		Logger: testLogger(),
		GatewayFactory: func(conn domain.Connection) (ai.Gateway, error) {
			return gw, nil
		},
		ToolProvider: tp,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st, chat
}

func waitRun(t *testing.T, st store.Store, chatID, runID string) domain.ChatRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, ok, err := st.GetRun(context.Background(), chatID, runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if ok && run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", runID)
	return domain.ChatRun{}
}

func TestCreateTurnCompletesRun(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{
		{out: &ai.Outcome{Text: "the archive opens", Usage: domain.TokenUsage{Prompt: 10, Completion: 5, Total: 15}}},
	}}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	run, userMsg, err := a.CreateTurn(ctx, chat.ID, "  hello  ")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	if userMsg.Content != "hello" {
		t.Fatalf("content not trimmed: %q", userMsg.Content)
	}
	if userMsg.RunID != run.ID {
		t.Fatalf("user message not tagged with run: %q vs %q", userMsg.RunID, run.ID)
	}

	final := waitRun(t, st, chat.ID, run.ID)
	if final.Status != domain.RunCompleted {
		t.Fatalf("status = %s, error = %q", final.Status, final.Error)
	}
	if final.AssistantMessageID == "" {
		t.Fatal("assistant message id not recorded")
	}
	if final.TokenUsage == nil || final.TokenUsage.Total != 15 {
		t.Fatalf("token usage = %+v", final.TokenUsage)
	}
	msgs, _ := st.ListMessages(ctx, chat.ID)
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant || last.Content != "the archive opens" {
		t.Fatalf("unexpected final message: %+v", last)
	}
}

func TestCreateTurnRejectsBadInput(t *testing.T) {
	a, _, chat := newTestApp(t, &fakeGateway{}, nil)
	ctx := context.Background()

	if _, _, err := a.CreateTurn(ctx, chat.ID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty content: %v", err)
	}
	if _, _, err := a.CreateTurn(ctx, "nope", "hi"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("unknown chat: %v", err)
	}
}

func TestCreateTurnConflictsWhileActive(t *testing.T) {
	gw := &fakeGateway{gate: make(chan struct{})}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	first, _, err := a.CreateTurn(ctx, chat.ID, "one")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, _, err := a.CreateTurn(ctx, chat.ID, "two"); !errors.Is(err, ErrRunAlreadyActive) {
		t.Fatalf("second turn: %v", err)
	}

	close(gw.gate)
	waitRun(t, st, chat.ID, first.ID)

	second, _, err := a.CreateTurn(ctx, chat.ID, "two")
	if err != nil {
		t.Fatalf("turn after completion: %v", err)
	}
	waitRun(t, st, chat.ID, second.ID)
}

func TestPromptAssemblyFollowsStack(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{{out: &ai.Outcome{Text: "done"}}}}
	session := &fakeSession{tools: []mcp.Tool{{Name: "lookup", Description: "look things up", InputSchema: []byte(`{"type":"object"}`)}}}
	a, st, chat := newTestApp(t, gw, sessionProvider(session))
	ctx := context.Background()

	if err := st.SaveStaticPreset(ctx, domain.StaticPreset{ID: "style", Name: "style", Role: domain.RoleSystem, Content: "Answer tersely."}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveLorebook(ctx, domain.Lorebook{ID: "lore", Name: "isles"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveLorebookEntry(ctx, domain.LorebookEntry{ID: "e1", LorebookID: "lore", Keywords: []string{"lighthouse"}, Content: "The lighthouse never went dark.", InsertionOrder: 1, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveLorebookEntry(ctx, domain.LorebookEntry{ID: "e2", LorebookID: "lore", Keywords: []string{"harbor"}, Content: "The harbor silted up.", InsertionOrder: 2, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	stack := []domain.PromptPreset{
		{ID: "p1", Kind: domain.KindStaticText, RefID: "style", Role: domain.RoleSystem, SortOrder: 0},
		{ID: "p2", Kind: domain.KindLorebook, RefID: "lore", Role: domain.RoleSystem, SortOrder: 1},
		{ID: "p3", Kind: domain.KindHistory, SortOrder: 2},
		{ID: "p4", Kind: domain.KindMCPTools, SortOrder: 3},
	}
	if err := st.SetPromptStack(ctx, chat.CharacterID, stack); err != nil {
		t.Fatal(err)
	}
	// Prior exchange that should arrive through the history block.
	if _, err := st.AppendMessage(ctx, domain.Message{ID: "m1", ChatID: chat.ID, Role: domain.RoleUser, Content: "any news?"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AppendMessage(ctx, domain.Message{ID: "m2", ChatID: chat.ID, Role: domain.RoleAssistant, Content: "none yet"}); err != nil {
		t.Fatal(err)
	}

	run, _, err := a.CreateTurn(ctx, chat.ID, "tell me about the lighthouse")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	waitRun(t, st, chat.ID, run.ID)

	reqs := gw.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	req := reqs[0]

	var gotContents []string
	for _, m := range req.Messages {
		gotContents = append(gotContents, m.Content)
	}
	want := []string{
		"You are the keeper of the archive.",
		"Answer tersely.",
		"The lighthouse never went dark.",
		"any news?",
		"none yet",
		"tell me about the lighthouse",
	}
	if len(gotContents) != len(want) {
		t.Fatalf("messages = %v", gotContents)
	}
	for i := range want {
		if gotContents[i] != want[i] {
			t.Fatalf("message %d = %q, want %q", i, gotContents[i], want[i])
		}
	}
	if strings.Contains(strings.Join(gotContents, "\n"), "harbor silted") {
		t.Fatal("unmatched lore entry leaked into the prompt")
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "lookup" {
		t.Fatalf("tools = %+v", req.Tools)
	}
	if req.Messages[len(req.Messages)-1].Role != domain.RoleUser {
		t.Fatal("user message is not last")
	}
}

func TestToolLoopRoundTrip(t *testing.T) {
	args := json.RawMessage(`{"q":"lighthouse"}`)
	gw := &fakeGateway{replies: []fakeReply{
		{out: &ai.Outcome{ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "lookup", Arguments: args}}}},
		{out: &ai.Outcome{Text: "it never went dark", Usage: domain.TokenUsage{Total: 7}}},
	}}
	session := &fakeSession{
		tools:   []mcp.Tool{{Name: "lookup"}},
		results: map[string]mcp.InvokeResult{"lookup": {Content: "never went dark"}},
	}
	a, st, chat := newTestApp(t, gw, sessionProvider(session))
	ctx := context.Background()
	if err := st.SetPromptStack(ctx, chat.CharacterID, []domain.PromptPreset{{ID: "p1", Kind: domain.KindMCPTools}}); err != nil {
		t.Fatal(err)
	}

	run, _, err := a.CreateTurn(ctx, chat.ID, "check the lighthouse")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	final := waitRun(t, st, chat.ID, run.ID)
	if final.Status != domain.RunCompleted {
		t.Fatalf("status = %s, error = %q", final.Status, final.Error)
	}

	msgs, _ := st.ListMessages(ctx, chat.ID)
	var toolMsg, callMsg *domain.Message
	for i := range msgs {
		switch {
		case msgs[i].Role == domain.RoleTool:
			toolMsg = &msgs[i]
		case len(msgs[i].ToolCalls) > 0:
			callMsg = &msgs[i]
		}
	}
	if callMsg == nil || callMsg.ToolCalls[0].Name != "lookup" {
		t.Fatalf("tool call message missing: %+v", msgs)
	}
	if toolMsg == nil || toolMsg.ToolCallID != "call_1" || toolMsg.Content != "never went dark" {
		t.Fatalf("tool result message wrong: %+v", toolMsg)
	}

	reqs := gw.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	secondLast := reqs[1].Messages[len(reqs[1].Messages)-1]
	if secondLast.Role != domain.RoleTool || secondLast.ToolCallID != "call_1" {
		t.Fatalf("tool result not fed back: %+v", secondLast)
	}
}

func TestToolIterationLimit(t *testing.T) {
	gw := &fakeGateway{}
	// Every reply requests another tool call.
	for i := 0; i < 10; i++ {
		gw.replies = append(gw.replies, fakeReply{out: &ai.Outcome{
			ToolCalls: []domain.ToolCall{{ID: fmt.Sprintf("call_%d", i), Name: "lookup", Arguments: json.RawMessage(`{}`)}},
		}})
	}
	session := &fakeSession{
		tools:   []mcp.Tool{{Name: "lookup"}},
		results: map[string]mcp.InvokeResult{"lookup": {Content: "again"}},
	}
	a, st, chat := newTestApp(t, gw, sessionProvider(session))
	ctx := context.Background()
	if err := st.SetPromptStack(ctx, chat.CharacterID, []domain.PromptPreset{{ID: "p1", Kind: domain.KindMCPTools}}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveLLMConfig(ctx, domain.ChatLLMConfig{ChatID: chat.ID, ConnectionID: "conn1", MaxToolIterations: 2}); err != nil {
		t.Fatal(err)
	}

	run, _, err := a.CreateTurn(ctx, chat.ID, "loop forever")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	final := waitRun(t, st, chat.ID, run.ID)
	if final.Status != domain.RunFailed || final.Error != "tool iteration limit exceeded" {
		t.Fatalf("status = %s, error = %q", final.Status, final.Error)
	}
	if len(gw.requests()) != 3 {
		t.Fatalf("requests = %d, want 3 (two rounds plus the rejected third)", len(gw.requests()))
	}
}

func TestToolErrorFeedsBackAndCompletes(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{
		{out: &ai.Outcome{ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "broken", Arguments: json.RawMessage(`{}`)}}}},
		{out: &ai.Outcome{Text: "the tool is down, sorry"}},
	}}
	session := &fakeSession{
		tools:   []mcp.Tool{{Name: "broken"}},
		results: map[string]mcp.InvokeResult{"broken": {Content: "tool call timed out", IsError: true}},
	}
	a, st, chat := newTestApp(t, gw, sessionProvider(session))
	ctx := context.Background()
	if err := st.SetPromptStack(ctx, chat.CharacterID, []domain.PromptPreset{{ID: "p1", Kind: domain.KindMCPTools}}); err != nil {
		t.Fatal(err)
	}

	run, _, err := a.CreateTurn(ctx, chat.ID, "use the broken tool")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	final := waitRun(t, st, chat.ID, run.ID)
	if final.Status != domain.RunCompleted {
		t.Fatalf("tool failure must not fail the run: %s %q", final.Status, final.Error)
	}
}

func TestGatewayFailureRecordsKind(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{
		{err: fmt.Errorf("%w: dial tcp: connection refused", ai.ErrUnreachable)},
	}}
	a, st, chat := newTestApp(t, gw, nil)

	run, _, err := a.CreateTurn(context.Background(), chat.ID, "hello")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	final := waitRun(t, st, chat.ID, run.ID)
	if final.Status != domain.RunFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Error != "unreachable" {
		t.Fatalf("error = %q", final.Error)
	}
}

func TestRunFailsWithoutConnection(t *testing.T) {
	gw := &fakeGateway{}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()
	if err := st.SaveLLMConfig(ctx, domain.ChatLLMConfig{ChatID: chat.ID}); err != nil {
		t.Fatal(err)
	}

	run, _, err := a.CreateTurn(ctx, chat.ID, "hello")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	final := waitRun(t, st, chat.ID, run.ID)
	if final.Status != domain.RunFailed || final.Error != "no connection configured" {
		t.Fatalf("status = %s, error = %q", final.Status, final.Error)
	}
	if len(gw.requests()) != 0 {
		t.Fatal("gateway must not be called without a connection")
	}
}

func TestCancelRunLeavesNoAssistantMessage(t *testing.T) {
	gw := &fakeGateway{gate: make(chan struct{})}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	run, _, err := a.CreateTurn(ctx, chat.ID, "take your time")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	// Let the runner reach the gateway before canceling.
	deadline := time.Now().Add(2 * time.Second)
	for len(gw.requests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := a.CancelRun(ctx, chat.ID, run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final := waitRun(t, st, chat.ID, run.ID)
	if final.Status != domain.RunCanceled {
		t.Fatalf("status = %s", final.Status)
	}
	msgs, _ := st.ListMessages(ctx, chat.ID)
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			t.Fatalf("canceled run produced an assistant message: %+v", m)
		}
	}
	// Canceling again is a no-op.
	if err := a.CancelRun(ctx, chat.ID, run.ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestRetryTurnAfterFailure(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{
		{err: fmt.Errorf("%w: read timeout", ai.ErrTimeout)},
		{out: &ai.Outcome{Text: "second time lucky"}},
	}}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	run, userMsg, err := a.CreateTurn(ctx, chat.ID, "try this")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	failed := waitRun(t, st, chat.ID, run.ID)
	if failed.Status != domain.RunFailed {
		t.Fatalf("status = %s", failed.Status)
	}

	retry, err := a.RetryTurn(ctx, chat.ID, userMsg.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	final := waitRun(t, st, chat.ID, retry.ID)
	if final.Status != domain.RunCompleted {
		t.Fatalf("status = %s, error = %q", final.Status, final.Error)
	}
	msgs, _ := st.ListMessages(ctx, chat.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(msgs))
	}
	if msgs[1].Content != "second time lucky" {
		t.Fatalf("assistant content = %q", msgs[1].Content)
	}
}

func TestRetryTurnRejectsCompletedRun(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{{out: &ai.Outcome{Text: "fine"}}}}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	run, userMsg, err := a.CreateTurn(ctx, chat.ID, "all good")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	waitRun(t, st, chat.ID, run.ID)

	if _, err := a.RetryTurn(ctx, chat.ID, userMsg.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry of completed run: %v", err)
	}

	msgs, _ := st.ListMessages(ctx, chat.ID)
	if _, err := a.RetryTurn(ctx, chat.ID, msgs[1].ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry of assistant message: %v", err)
	}
}

func TestRetryTurnRejectsSecondRetryAfterSuccess(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{
		{err: fmt.Errorf("%w: read timeout", ai.ErrTimeout)},
		{out: &ai.Outcome{Text: "recovered"}},
	}}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	run, userMsg, err := a.CreateTurn(ctx, chat.ID, "once more")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	waitRun(t, st, chat.ID, run.ID)

	retry, err := a.RetryTurn(ctx, chat.ID, userMsg.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if final := waitRun(t, st, chat.ID, retry.ID); final.Status != domain.RunCompleted {
		t.Fatalf("status = %s, error = %q", final.Status, final.Error)
	}

	// The turn now has a completed run with a reply; retrying again
	// must be rejected, not silently prune the reply.
	if _, err := a.RetryTurn(ctx, chat.ID, userMsg.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("second retry: %v", err)
	}
	msgs, _ := st.ListMessages(ctx, chat.ID)
	if len(msgs) != 2 || msgs[1].Content != "recovered" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestDeleteUserMessageRemovesMessagelessRuns(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{
		{err: fmt.Errorf("%w: no route", ai.ErrUnreachable)},
		{err: fmt.Errorf("%w: no route", ai.ErrUnreachable)},
	}}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	run, userMsg, err := a.CreateTurn(ctx, chat.ID, "anyone there?")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	waitRun(t, st, chat.ID, run.ID)

	// The retry run fails before writing any message of its own.
	retry, err := a.RetryTurn(ctx, chat.ID, userMsg.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitRun(t, st, chat.ID, retry.ID)

	if err := a.DeleteMessage(ctx, chat.ID, userMsg.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if msgs, _ := st.ListMessages(ctx, chat.ID); len(msgs) != 0 {
		t.Fatalf("messages = %+v", msgs)
	}
	if runs, _ := st.ListRuns(ctx, chat.ID); len(runs) != 0 {
		t.Fatalf("runs survived their user message: %+v", runs)
	}
}

func TestCreateTurnConcurrentSingleWinner(t *testing.T) {
	gw := &fakeGateway{gate: make(chan struct{}), replies: []fakeReply{{out: &ai.Outcome{Text: "won"}}}}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	const callers = 8
	type result struct {
		run domain.ChatRun
		err error
	}
	results := make(chan result, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		go func(n int) {
			<-start
			run, _, err := a.CreateTurn(ctx, chat.ID, fmt.Sprintf("turn %d", n))
			results <- result{run: run, err: err}
		}(i)
	}
	close(start)

	var winner domain.ChatRun
	wins := 0
	for i := 0; i < callers; i++ {
		res := <-results
		switch {
		case res.err == nil:
			winner = res.run
			wins++
		case errors.Is(res.err, ErrRunAlreadyActive):
		default:
			t.Fatalf("unexpected error: %v", res.err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	close(gw.gate)
	if run := waitRun(t, st, chat.ID, winner.ID); run.Status != domain.RunCompleted {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}
	msgs, _ := st.ListMessages(ctx, chat.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want winner's user + assistant", len(msgs))
	}
}

func TestDeleteUserMessagePrunesTail(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{{out: &ai.Outcome{Text: "reply"}}}}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	run, userMsg, err := a.CreateTurn(ctx, chat.ID, "delete me")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	waitRun(t, st, chat.ID, run.ID)

	if err := a.DeleteMessage(ctx, chat.ID, userMsg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msgs, _ := st.ListMessages(ctx, chat.ID)
	if len(msgs) != 0 {
		t.Fatalf("messages left: %+v", msgs)
	}
	if _, ok, _ := st.GetRun(ctx, chat.ID, run.ID); ok {
		t.Fatal("run survived the prune")
	}
}

func TestDeleteAssistantMessageRevertsRun(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{{out: &ai.Outcome{Text: "reply"}}}}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	run, userMsg, err := a.CreateTurn(ctx, chat.ID, "keep me")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	final := waitRun(t, st, chat.ID, run.ID)

	if err := a.DeleteMessage(ctx, chat.ID, final.AssistantMessageID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	reverted, ok, _ := st.GetRun(ctx, chat.ID, run.ID)
	if !ok || reverted.Status != domain.RunFailed || reverted.AssistantMessageID != "" {
		t.Fatalf("run not reverted: %+v", reverted)
	}

	// The turn is retryable again.
	gw.mu.Lock()
	gw.replies = []fakeReply{{out: &ai.Outcome{Text: "take two"}}}
	gw.mu.Unlock()
	retry, err := a.RetryTurn(ctx, chat.ID, userMsg.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := waitRun(t, st, chat.ID, retry.ID); got.Status != domain.RunCompleted {
		t.Fatalf("retry status = %s", got.Status)
	}
}

func TestHistoryExcludesDeadRunArtifacts(t *testing.T) {
	gw := &fakeGateway{replies: []fakeReply{{out: &ai.Outcome{Text: "recovered"}}}}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()
	if err := st.SetPromptStack(ctx, chat.CharacterID, []domain.PromptPreset{{ID: "p1", Kind: domain.KindHistory}}); err != nil {
		t.Fatal(err)
	}
	// Assistant debris from a failed run must not reach the model; the
	// user message of that run stays in history.
	if _, err := st.AppendMessage(ctx, domain.Message{ID: "u0", ChatID: chat.ID, RunID: "dead", Role: domain.RoleUser, Content: "earlier question"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AppendMessage(ctx, domain.Message{ID: "a0", ChatID: chat.ID, RunID: "dead", Role: domain.RoleAssistant, Content: "half an answer"}); err != nil {
		t.Fatal(err)
	}
	deadRun := domain.ChatRun{ID: "dead", ChatID: chat.ID, Status: domain.RunFailed, UserMessageID: "u0", StartedAt: time.Now().UTC()}
	if err := st.CreateRun(ctx, deadRun); err != nil {
		t.Fatal(err)
	}
	run, _, err := a.CreateTurn(ctx, chat.ID, "new question")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	waitRun(t, st, chat.ID, run.ID)

	reqs := gw.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	var contents []string
	for _, m := range reqs[0].Messages {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "\n")
	if strings.Contains(joined, "half an answer") {
		t.Fatalf("dead assistant message leaked: %v", contents)
	}
	if !strings.Contains(joined, "earlier question") {
		t.Fatalf("user message of dead run dropped: %v", contents)
	}
}

func TestReconcileInterrupted(t *testing.T) {
	a, st, chat := newTestApp(t, &fakeGateway{}, nil)
	ctx := context.Background()

	stale := domain.ChatRun{ID: "stale", ChatID: chat.ID, Status: domain.RunRunning, UserMessageID: "m", StartedAt: time.Now().UTC()}
	if err := st.CreateRun(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := a.ReconcileInterrupted(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	run, ok, _ := st.GetRun(ctx, chat.ID, "stale")
	if !ok || run.Status != domain.RunFailed || run.Error != "interrupted" {
		t.Fatalf("run = %+v", run)
	}
	if run.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}
}

func TestCreateChatSeedsGreeting(t *testing.T) {
	a, st, _ := newTestApp(t, &fakeGateway{}, nil)
	ctx := context.Background()

	char, err := a.CreateCharacter(ctx, "Greeter", "persona", "Welcome, traveler.")
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	chat, err := a.CreateChat(ctx, char.ID, "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if chat.Title != "Greeter" {
		t.Fatalf("title = %q", chat.Title)
	}
	msgs, _ := st.ListMessages(ctx, chat.ID)
	if len(msgs) != 1 || msgs[0].Role != domain.RoleAssistant || msgs[0].Content != "Welcome, traveler." {
		t.Fatalf("greeting = %+v", msgs)
	}

	if _, err := a.CreateChat(ctx, "missing", ""); !errors.Is(err, ErrCharacterNotFound) {
		t.Fatalf("unknown character: %v", err)
	}
}

func TestSetPromptStackValidatesReferences(t *testing.T) {
	a, st, chat := newTestApp(t, &fakeGateway{}, nil)
	ctx := context.Background()

	err := a.SetPromptStack(ctx, chat.CharacterID, []domain.PromptPreset{
		{Kind: domain.KindLorebook, RefID: "missing"},
	})
	if !errors.Is(err, ErrLorebookNotFound) {
		t.Fatalf("missing lorebook: %v", err)
	}
	err = a.SetPromptStack(ctx, chat.CharacterID, []domain.PromptPreset{
		{Kind: domain.KindHistory, RefID: "bogus"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("history with ref: %v", err)
	}

	if err := st.SaveLorebook(ctx, domain.Lorebook{ID: "lb", Name: "lb"}); err != nil {
		t.Fatal(err)
	}
	err = a.SetPromptStack(ctx, chat.CharacterID, []domain.PromptPreset{
		{Kind: domain.KindLorebook, RefID: "lb"},
		{Kind: domain.KindHistory},
	})
	if err != nil {
		t.Fatalf("valid stack rejected: %v", err)
	}
	stack, _ := st.ListPromptStack(ctx, chat.CharacterID)
	if len(stack) != 2 || stack[0].ID == "" {
		t.Fatalf("stack = %+v", stack)
	}
}

func TestDeleteChatCancelsActiveRun(t *testing.T) {
	gw := &fakeGateway{gate: make(chan struct{})}
	a, st, chat := newTestApp(t, gw, nil)
	ctx := context.Background()

	if _, _, err := a.CreateTurn(ctx, chat.ID, "long running"); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(gw.requests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if err := a.DeleteChat(ctx, chat.ID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	a.Wait()
	if _, ok, _ := st.GetChat(ctx, chat.ID); ok {
		t.Fatal("chat still present")
	}
}
