package prompt

import (
	"context"

	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/tokens"
)

// DefaultContextTokens is the input budget used when a Window has none set.
const DefaultContextTokens = 3000

// Window bounds the history sent with a request by token count.
type Window struct {
	Counter *tokens.Registry
	Model   string
	// Budget is the maximum number of input tokens, system messages included.
	Budget int
}

// BuildMessages returns the request messages for one completion: the system
// prefix, the user and assistant history (trimmed to window when non-nil), and
// the reinforcement directive when the override mode is on.
func BuildMessages(ctx context.Context, prefix string, history []domain.Message, safety Safety, window *Window) []domain.ChatMessage {
	var system []domain.ChatMessage
	if prefix != "" {
		system = append(system, domain.ChatMessage{Role: domain.RoleSystem, Content: prefix})
	}

	var trailer []domain.ChatMessage
	if safety.Enabled && safety.Reinforcement != "" {
		trailer = append(trailer, domain.ChatMessage{Role: domain.RoleSystem, Content: safety.Reinforcement})
	}

	turns := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == domain.RoleSystem || m.Content == "" {
			continue
		}
		turns = append(turns, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}

	if window != nil {
		turns = window.fit(ctx, append(append([]domain.ChatMessage{}, system...), trailer...), turns)
	}

	out := make([]domain.ChatMessage, 0, len(system)+len(turns)+len(trailer))
	out = append(out, system...)
	out = append(out, turns...)
	return append(out, trailer...)
}

// fit keeps the newest turns that fit the budget left after fixed. Selection
// stops at the first turn that does not fit so the kept history is contiguous.
func (w *Window) fit(ctx context.Context, fixed, turns []domain.ChatMessage) []domain.ChatMessage {
	counter := w.Counter
	if counter == nil {
		counter = tokens.NewRegistry()
	}
	budget := w.Budget
	if budget <= 0 {
		budget = DefaultContextTokens
	}

	used := 0
	for _, m := range fixed {
		used += counter.CountMessage(ctx, w.Model, m)
	}
	if used >= budget {
		return nil
	}

	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		n := counter.CountMessage(ctx, w.Model, turns[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return turns[start:]
}
