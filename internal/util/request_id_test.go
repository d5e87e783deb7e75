package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func runRequestID(t *testing.T, header string) (string, string) {
	t.Helper()
	var ctxID string
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromRequest(r)
	}))
	req := httptest.NewRequest(http.MethodPost, "/chats/chat1/turns", nil)
	if header != "" {
		req.Header.Set("X-Request-Id", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get("X-Request-Id")
}

func TestWithRequestIDKeepsCallerID(t *testing.T) {
	ctxID, respID := runRequestID(t, "turn-trace-42")
	if ctxID != "turn-trace-42" {
		t.Fatalf("context id = %q", ctxID)
	}
	if respID != "turn-trace-42" {
		t.Fatalf("response id = %q", respID)
	}
}

func TestWithRequestIDGeneratesPerRequest(t *testing.T) {
	first, respID := runRequestID(t, "")
	if first == "" || first != respID {
		t.Fatalf("generated id: ctx=%q header=%q", first, respID)
	}
	second, _ := runRequestID(t, "")
	if second == first {
		t.Fatalf("request ids should be unique, got %q twice", first)
	}
}

func TestRequestIDFromRequestMissing(t *testing.T) {
	if got := RequestIDFromRequest(nil); got != "" {
		t.Fatalf("nil request id = %q", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if got := RequestIDFromRequest(req); got != "" {
		t.Fatalf("bare request id = %q", got)
	}
}
