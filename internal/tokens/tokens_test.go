package tokens

import (
	"context"
	"testing"

	"github.com/tjfontaine/litetavern/internal/domain"
)

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimator()

	tests := []struct {
		name      string
		req       *domain.TokenCountRequest
		minTokens int
		maxTokens int
	}{
		{
			name: "simple message",
			req: &domain.TokenCountRequest{
				Model: "local-model",
				Messages: []domain.ChatMessage{
					{Role: domain.RoleUser, Content: "Hello, how are you?"},
				},
			},
			minTokens: 5,
			maxTokens: 15,
		},
		{
			name: "multiple messages",
			req: &domain.TokenCountRequest{
				Model: "local-model",
				Messages: []domain.ChatMessage{
					{Role: domain.RoleUser, Content: "What is 2+2?"},
					{Role: domain.RoleAssistant, Content: "2+2 equals 4."},
					{Role: domain.RoleUser, Content: "Thanks!"},
				},
			},
			minTokens: 10,
			maxTokens: 30,
		},
		{
			name: "empty request",
			req: &domain.TokenCountRequest{
				Model:    "local-model",
				Messages: []domain.ChatMessage{},
			},
			minTokens: 0,
			maxTokens: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := e.CountTokens(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("CountTokens() error = %v", err)
			}
			if !resp.Estimated {
				t.Error("Estimated = false, want true")
			}
			if resp.InputTokens < tt.minTokens || resp.InputTokens > tt.maxTokens {
				t.Errorf("InputTokens = %d, want between %d and %d", resp.InputTokens, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestOpenAICounter_CountTokens(t *testing.T) {
	c := NewOpenAICounter()

	resp, err := c.CountTokens(context.Background(), &domain.TokenCountRequest{
		Model: "gpt-4o",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "You are Eve."},
			{Role: domain.RoleUser, Content: "Hello there"},
		},
	})
	if err != nil {
		t.Fatalf("CountTokens() error = %v", err)
	}
	if resp.Estimated {
		t.Error("Estimated = true, want false")
	}
	// 2 messages * 4 framing + 3 priming + content
	if resp.InputTokens <= 11 {
		t.Errorf("InputTokens = %d, want > 11", resp.InputTokens)
	}
}

func TestOpenAICounter_SupportsModel(t *testing.T) {
	c := NewOpenAICounter()

	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-mini", true},
		{"GPT-3.5-turbo", true},
		{"o3-mini", true},
		{"claude-3-opus", false},
		{"1", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := c.SupportsModel(tt.model); got != tt.want {
				t.Errorf("SupportsModel(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestRegistry_GetCounter(t *testing.T) {
	r := NewDefaultRegistry()

	if _, ok := r.GetCounter("gpt-4o").(*OpenAICounter); !ok {
		t.Errorf("GetCounter(gpt-4o) = %T, want *OpenAICounter", r.GetCounter("gpt-4o"))
	}
	if _, ok := r.GetCounter("mythomax-13b").(*Estimator); !ok {
		t.Errorf("GetCounter(mythomax-13b) = %T, want *Estimator", r.GetCounter("mythomax-13b"))
	}
}

func TestRegistry_CountMessage(t *testing.T) {
	r := NewRegistry()

	got := r.CountMessage(context.Background(), "local", domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: "twelve chars",
	})
	// (4 + 12 + 4) / 4
	if got != 5 {
		t.Errorf("CountMessage() = %d, want 5", got)
	}
}

func TestModelMatcher(t *testing.T) {
	m := NewModelMatcher([]string{"gpt-"}, []string{"davinci"})

	if !m.Matches("gpt-4") {
		t.Error("Matches(gpt-4) = false")
	}
	if !m.Matches("davinci") {
		t.Error("Matches(davinci) = false")
	}
	if m.Matches("davinci-2") {
		t.Error("Matches(davinci-2) = true")
	}
}
