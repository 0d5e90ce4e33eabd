package prompt

import (
	"context"
	"testing"

	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/tokens"
)

func history(contents ...string) []domain.Message {
	out := make([]domain.Message, len(contents))
	for i, c := range contents {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		out[i] = domain.Message{Role: role, Content: c}
	}
	return out
}

func TestBuildMessages(t *testing.T) {
	hist := append(history("hi", "hello"), domain.Message{Role: domain.RoleSystem, Content: "Error: boom"})
	hist = append(hist, domain.Message{Role: domain.RoleUser, Content: "again"})

	got := BuildMessages(context.Background(), "PREFIX", hist, Safety{}, nil)

	want := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "PREFIX"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
		{Role: domain.RoleUser, Content: "again"},
	}
	if len(got) != len(want) {
		t.Fatalf("BuildMessages() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("BuildMessages()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBuildMessages_Reinforcement(t *testing.T) {
	safety := Safety{Enabled: true, Directive: "D", Reinforcement: "R"}
	got := BuildMessages(context.Background(), "PREFIX", history("hi"), safety, nil)

	if len(got) != 3 {
		t.Fatalf("len(BuildMessages()) = %d, want 3", len(got))
	}
	last := got[len(got)-1]
	if last.Role != domain.RoleSystem || last.Content != "R" {
		t.Errorf("last message = %+v, want system reinforcement", last)
	}

	safety.Enabled = false
	if got := BuildMessages(context.Background(), "PREFIX", history("hi"), safety, nil); len(got) != 2 {
		t.Errorf("len(BuildMessages()) with override off = %d, want 2", len(got))
	}
}

func TestBuildMessages_Window(t *testing.T) {
	// With the estimator: "sys" costs 3 tokens, each 12-char user turn costs 5.
	hist := []domain.Message{
		{Role: domain.RoleUser, Content: "message one."},
		{Role: domain.RoleUser, Content: "message two."},
		{Role: domain.RoleUser, Content: "message thr."},
		{Role: domain.RoleUser, Content: "message fou."},
	}
	window := &Window{Counter: tokens.NewRegistry(), Model: "local", Budget: 14}

	got := BuildMessages(context.Background(), "sys", hist, Safety{}, window)

	if len(got) != 3 {
		t.Fatalf("BuildMessages() = %+v, want system + 2 newest", got)
	}
	if got[1].Content != "message thr." || got[2].Content != "message fou." {
		t.Errorf("kept history = %+v", got[1:])
	}
}

func TestBuildMessages_WindowExhaustedBySystem(t *testing.T) {
	window := &Window{Counter: tokens.NewRegistry(), Model: "local", Budget: 2}
	got := BuildMessages(context.Background(), "a long system prompt", history("hi"), Safety{}, window)

	if len(got) != 1 || got[0].Role != domain.RoleSystem {
		t.Errorf("BuildMessages() = %+v, want system only", got)
	}
}
