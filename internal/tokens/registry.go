// Package tokens provides token counting for prompt budgeting.
package tokens

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/litetavern/internal/domain"
)

// Registry picks a token counter per model.
// Registered counters are consulted in order; the estimator catches everything else.
type Registry struct {
	counters []domain.TokenCounter
	fallback domain.TokenCounter
}

// NewRegistry creates a registry with the fallback estimator only.
func NewRegistry() *Registry {
	return &Registry{
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry creates a registry with the tiktoken counter registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewOpenAICounter())
	return r
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter domain.TokenCounter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the fallback counter for unsupported models.
func (r *Registry) SetFallback(counter domain.TokenCounter) {
	r.fallback = counter
}

// CountTokens counts tokens using the appropriate counter for the model.
func (r *Registry) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	counter := r.GetCounter(req.Model)
	if counter == nil {
		return nil, fmt.Errorf("no token counter available for model: %s", req.Model)
	}
	return counter.CountTokens(ctx, req)
}

// CountMessage returns the token cost of a single message.
// A failing counter degrades to the estimator rather than failing the caller.
func (r *Registry) CountMessage(ctx context.Context, model string, msg domain.ChatMessage) int {
	req := &domain.TokenCountRequest{Model: model, Messages: []domain.ChatMessage{msg}}
	resp, err := r.CountTokens(ctx, req)
	if err != nil {
		resp, _ = NewEstimator().CountTokens(ctx, req)
	}
	return resp.InputTokens
}

// GetCounter returns the appropriate counter for a model.
func (r *Registry) GetCounter(model string) domain.TokenCounter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// Estimator provides token count estimation based on character counts.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountTokens estimates the token count.
func (e *Estimator) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	totalChars := 0
	for _, msg := range req.Messages {
		totalChars += len(msg.Role)
		totalChars += len(msg.Content)
		totalChars += 4 // role tokens + separators
	}

	return &domain.TokenCountResponse{
		InputTokens: int(float64(totalChars) / e.CharsPerToken),
		Model:       req.Model,
		Estimated:   true,
	}, nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
