package prompt

import (
	"testing"

	"lorechat/pkg/domain"
)

func historyFixture() []domain.Message {
	return []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "first", RunID: "r1"},
		{ID: "m2", Role: domain.RoleAssistant, Content: "second", RunID: "r1"},
		{ID: "m3", Role: domain.RoleSystem, Content: "system note"},
		{ID: "m4", Role: domain.RoleUser, Content: "third", RunID: "r2"},
		{ID: "m5", Role: domain.RoleAssistant, Content: "fourth", RunID: "r2"},
	}
}

func TestWindowHistoryDisabled(t *testing.T) {
	cfg := domain.ChatHistoryConfig{HistoryEnabled: false, MessageLimit: 10}
	if got := WindowHistory(historyFixture(), cfg, nil); got != nil {
		t.Fatalf("expected nil window when history disabled, got %v", got)
	}
}

func TestWindowHistoryLimitKeepsChronologicalTail(t *testing.T) {
	cfg := domain.ChatHistoryConfig{HistoryEnabled: true, MessageLimit: 2}
	got := WindowHistory(historyFixture(), cfg, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "m4" || got[1].ID != "m5" {
		t.Fatalf("expected chronological tail m4,m5; got %s,%s", got[0].ID, got[1].ID)
	}
}

func TestWindowHistoryExcludesSystemMessages(t *testing.T) {
	cfg := domain.ChatHistoryConfig{HistoryEnabled: true, MessageLimit: 10}
	for _, msg := range WindowHistory(historyFixture(), cfg, nil) {
		if msg.Role == domain.RoleSystem {
			t.Fatalf("system message %s leaked into window", msg.ID)
		}
	}
}

func TestWindowHistoryExcludesRuns(t *testing.T) {
	cfg := domain.ChatHistoryConfig{HistoryEnabled: true, MessageLimit: 10}
	got := WindowHistory(historyFixture(), cfg, map[string]bool{"r2": true})
	if len(got) != 2 {
		t.Fatalf("expected 2 messages after excluding r2, got %d", len(got))
	}
	for _, msg := range got {
		if msg.RunID == "r2" {
			t.Fatalf("message %s from excluded run leaked into window", msg.ID)
		}
	}
}
