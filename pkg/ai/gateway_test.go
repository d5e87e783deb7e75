package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"lorechat/pkg/domain"
)

func TestForConnectionDisabled(t *testing.T) {
	_, err := ForConnection(domain.Connection{
		ID:       "conn1",
		Provider: domain.ProviderOpenAICompat,
		Enabled:  false,
	})
	if !errors.Is(err, ErrConnectionDisabled) {
		t.Fatalf("err = %v, want ErrConnectionDisabled", err)
	}
}

func TestForConnectionProviders(t *testing.T) {
	g, err := ForConnection(domain.Connection{
		ID:       "conn1",
		Provider: domain.ProviderOllama,
		BaseURL:  "http://localhost:11434",
		Model:    "llama3",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("ForConnection: %v", err)
	}
	if _, ok := g.(*OllamaGateway); !ok {
		t.Fatalf("gateway = %T, want *OllamaGateway", g)
	}

	if _, err := ForConnection(domain.Connection{ID: "conn2", Provider: "bogus", Enabled: true}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestFailureKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", ErrConnectionDisabled), "connection_disabled"},
		{fmt.Errorf("wrap: %w", ErrUnreachable), "unreachable"},
		{fmt.Errorf("wrap: %w", ErrTimeout), "timeout"},
		{fmt.Errorf("wrap: %w", ErrInvalidResponse), "invalid_response"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		if got := FailureKind(tc.err); got != tc.want {
			t.Errorf("FailureKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestClassifyRequestErrKeepsCancellation(t *testing.T) {
	err := classifyRequestErr("test", context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrUnreachable) {
		t.Fatal("cancellation should not classify as unreachable")
	}

	err = classifyRequestErr("test", context.DeadlineExceeded)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
