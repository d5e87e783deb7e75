package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lorechat/internal/app"
	"lorechat/internal/ratelimit"
	"lorechat/pkg/ai"
	"lorechat/pkg/domain"
	"lorechat/pkg/store"
)

// scriptedGateway returns canned outcomes in order; an optional gate
// holds requests open.
type scriptedGateway struct {
	mu      sync.Mutex
	replies []*ai.Outcome
	gate    chan struct{}
}

func (g *scriptedGateway) Complete(ctx context.Context, req ai.Request) (*ai.Outcome, error) {
	g.mu.Lock()
	var out *ai.Outcome
	if len(g.replies) > 0 {
		out = g.replies[0]
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
	if out == nil {
		out = &ai.Outcome{Text: "ok"}
	}
	return out, nil
}

func newTestServer(t *testing.T, gw ai.Gateway, limiter *ratelimit.FixedWindowLimiter) (*httptest.Server, *app.App) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(app.Config{
		Store:  store.NewMemoryStore(),
		Logger: logger,
		GatewayFactory: func(conn domain.Connection) (ai.Gateway, error) {
			return gw, nil
		},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: a, TurnLimiter: limiter, SSEHeartbeat: 50 * time.Millisecond}).Router())
	t.Cleanup(srv.Close)
	return srv, a
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// setupChat creates a character, chat and connection over the API and
// wires the chat's llm config. Returns the chat ID.
func setupChat(t *testing.T, base string) string {
	t.Helper()
	var char domain.Character
	resp := postJSON(t, base+"/characters", `{"name":"Archivist","persona":"Keeper of the archive.","greeting":"Hello."}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create character: %d", resp.StatusCode)
	}
	decodeInto(t, resp, &char)

	var conn domain.Connection
	resp = postJSON(t, base+"/connections", `{"name":"local","provider":"openai_compat","baseUrl":"http://127.0.0.1:1","model":"m"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create connection: %d", resp.StatusCode)
	}
	decodeInto(t, resp, &conn)

	var chat domain.Chat
	resp = postJSON(t, base+"/chats", fmt.Sprintf(`{"characterId":%q,"title":"t"}`, char.ID))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat: %d", resp.StatusCode)
	}
	decodeInto(t, resp, &chat)

	req, _ := http.NewRequest(http.MethodPut, base+"/chats/"+chat.ID+"/llm-config",
		strings.NewReader(fmt.Sprintf(`{"connectionId":%q,"model":"m"}`, conn.ID)))
	req.Header.Set("Content-Type", "application/json")
	cfgResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put llm config: %v", err)
	}
	cfgResp.Body.Close()
	if cfgResp.StatusCode != http.StatusOK {
		t.Fatalf("put llm config: %d", cfgResp.StatusCode)
	}
	return chat.ID
}

func waitRunHTTP(t *testing.T, base, chatID, runID string) domain.ChatRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/chats/" + chatID + "/runs/" + runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		var run domain.ChatRun
		decodeInto(t, resp, &run)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never finished", runID)
	return domain.ChatRun{}
}

func TestTurnLifecycleOverHTTP(t *testing.T) {
	gw := &scriptedGateway{replies: []*ai.Outcome{{Text: "the archive answers"}}}
	srv, _ := newTestServer(t, gw, nil)
	chatID := setupChat(t, srv.URL)

	resp := postJSON(t, srv.URL+"/chats/"+chatID+"/turns", `{"content":"hello there"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post turn: %d", resp.StatusCode)
	}
	var accepted struct {
		Run     domain.ChatRun `json:"run"`
		Message domain.Message `json:"message"`
	}
	decodeInto(t, resp, &accepted)
	if accepted.Run.Status != domain.RunPending {
		t.Fatalf("run status = %s", accepted.Run.Status)
	}

	final := waitRunHTTP(t, srv.URL, chatID, accepted.Run.ID)
	if final.Status != domain.RunCompleted {
		t.Fatalf("status = %s, error = %q", final.Status, final.Error)
	}

	msgResp, err := http.Get(srv.URL + "/chats/" + chatID + "/messages")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	var msgs []domain.Message
	decodeInto(t, msgResp, &msgs)
	// greeting, user, assistant
	if len(msgs) != 3 {
		t.Fatalf("messages = %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Content != "Hello." || msgs[2].Content != "the archive answers" {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}
}

func TestTurnErrorMapping(t *testing.T) {
	gw := &scriptedGateway{gate: make(chan struct{})}
	srv, _ := newTestServer(t, gw, nil)
	chatID := setupChat(t, srv.URL)

	resp := postJSON(t, srv.URL+"/chats/missing/turns", `{"content":"hi"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown chat: %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/chats/"+chatID+"/turns", `{"content":"  "}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content: %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/chats/"+chatID+"/turns", `{"content":"first"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first turn: %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/chats/"+chatID+"/turns", `{"content":"second"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent turn: %d", resp.StatusCode)
	}
	close(gw.gate)
}

func TestTurnRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(rdb, "lorechat:ratelimit:turns", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	gw := &scriptedGateway{}
	srv, _ := newTestServer(t, gw, limiter)
	chatID := setupChat(t, srv.URL)

	resp := postJSON(t, srv.URL+"/chats/"+chatID+"/turns", `{"content":"one"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first turn: %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/chats/"+chatID+"/turns", `{"content":"two"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second turn expected 429, got %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	gw := &scriptedGateway{replies: []*ai.Outcome{{Text: "streamed reply"}}}
	srv, _ := newTestServer(t, gw, nil)
	chatID := setupChat(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/chats/"+chatID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Wait for the connected comment before producing events.
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), ": connected") {
			break
		}
	}

	turnResp := postJSON(t, srv.URL+"/chats/"+chatID+"/turns", `{"content":"stream this"}`)
	turnResp.Body.Close()
	if turnResp.StatusCode != http.StatusAccepted {
		t.Fatalf("post turn: %d", turnResp.StatusCode)
	}

	sawMessage, sawCompletedRun := false, false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type    string          `json:"type"`
			Message *domain.Message `json:"message"`
			Run     *domain.ChatRun `json:"run"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event payload %q: %v", line, err)
		}
		if ev.Type == "message" && ev.Message != nil && ev.Message.Content == "streamed reply" {
			sawMessage = true
		}
		if ev.Type == "run" && ev.Run != nil && ev.Run.Status == domain.RunCompleted {
			sawCompletedRun = true
		}
		if sawMessage && sawCompletedRun {
			return
		}
	}
	t.Fatalf("stream ended early: sawMessage=%v sawCompletedRun=%v err=%v", sawMessage, sawCompletedRun, scanner.Err())
}

func TestResourceValidation(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedGateway{}, nil)

	resp := postJSON(t, srv.URL+"/characters", `{"name":""}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank character name: %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/connections", `{"name":"x","provider":"sorcery"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown provider: %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/chats", `{"characterId":"missing"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown character: %d", resp.StatusCode)
	}
}
