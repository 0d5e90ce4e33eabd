package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/litetavern/internal/domain"
)

// OpenAICounter provides accurate token counts for OpenAI models using tiktoken.
type OpenAICounter struct {
	matcher *ModelMatcher
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewOpenAICounter creates a new OpenAI token counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		matcher: NewModelMatcher(
			// "o" prefixes cover the reasoning models (o1, o3, o4, ...)
			[]string{"gpt-", "o1", "o3", "o4", "chatgpt-"},
			nil,
		),
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// getCodec returns the tokenizer codec for a model.
func (c *OpenAICounter) getCodec(model string) (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(mapModelName(model)); err == nil {
		return codec, nil
	}

	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// mapModelName maps a model string to tokenizer.Model
func mapModelName(model string) tokenizer.Model {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"):
		return tokenizer.GPT5
	case strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.GPT41
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "chatgpt-4o"):
		return tokenizer.GPT4o
	case strings.HasPrefix(model, "o1"):
		return tokenizer.O1
	case strings.HasPrefix(model, "o3"):
		return tokenizer.O3
	case strings.HasPrefix(model, "o4"):
		return tokenizer.O4Mini
	case strings.HasPrefix(model, "gpt-4"):
		return tokenizer.GPT4
	case strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.GPT35Turbo
	default:
		return tokenizer.Model(model)
	}
}

// modelToEncoding maps model names to encoding names for fallback.
// Everything newer than gpt-4 uses o200k_base.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountTokens counts tokens for OpenAI models using tiktoken.
func (c *OpenAICounter) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	codec, err := c.getCodec(req.Model)
	if err != nil {
		return nil, err
	}

	// 3 tokens of framing per message, 1 for the role, 3 for assistant priming.
	const tokensPerMessage, tokensPerRole, priming = 3, 1, 3

	total := 0
	for _, msg := range req.Messages {
		total += tokensPerMessage + tokensPerRole
		ids, _, _ := codec.Encode(msg.Content)
		total += len(ids)
	}
	total += priming

	return &domain.TokenCountResponse{
		InputTokens: total,
		Model:       req.Model,
		Estimated:   false,
	}, nil
}

// SupportsModel returns true for OpenAI models.
func (c *OpenAICounter) SupportsModel(model string) bool {
	return c.matcher.Matches(strings.ToLower(model))
}
