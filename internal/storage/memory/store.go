package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/storage"
)

// Store is an in-memory implementation of storage.Store. Records are copied on
// the way in and out so callers never share state with the store.
type Store struct {
	mu            sync.RWMutex
	characters    map[string]*domain.Character
	conversations map[string]*domain.Conversation
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		characters:    make(map[string]*domain.Character),
		conversations: make(map[string]*domain.Conversation),
	}
}

func (s *Store) SaveCharacter(ctx context.Context, char *domain.Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if char.CreatedAt.IsZero() {
		char.CreatedAt = time.Now()
	}
	s.characters[char.ID] = copyCharacter(char)
	return nil
}

func (s *Store) GetCharacter(ctx context.Context, id string) (*domain.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	char, exists := s.characters[id]
	if !exists {
		return nil, fmt.Errorf("character %s: %w", id, domain.ErrNotFound)
	}
	return copyCharacter(char), nil
}

func (s *Store) ListCharacters(ctx context.Context, opts storage.ListOptions) ([]*domain.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Character, 0, len(s.characters))
	for _, char := range s.characters {
		result = append(result, copyCharacter(char))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return page(result, opts), nil
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.characters[id]; !exists {
		return fmt.Errorf("character %s: %w", id, domain.ErrNotFound)
	}
	delete(s.characters, id)
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}

	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt
	conv.Messages = []domain.Message{}

	s.conversations[conv.ID] = copyConversation(conv)
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return copyConversation(conv), nil
}

func (s *Store) AddMessage(ctx context.Context, convID string, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, domain.ErrNotFound)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	conv.Messages = append(conv.Messages, *msg)
	conv.UpdatedAt = time.Now()

	return nil
}

func (s *Store) UpdateMetadata(ctx context.Context, convID string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, domain.ErrNotFound)
	}
	conv.Metadata = copyMetadata(metadata)
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *Store) TruncateMessages(ctx context.Context, convID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, domain.ErrNotFound)
	}
	if keep < 0 {
		keep = 0
	}
	if keep < len(conv.Messages) {
		conv.Messages = conv.Messages[:keep:keep]
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ClearMessages(ctx context.Context, convID string) error {
	return s.TruncateMessages(ctx, convID, 0)
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Conversation
	for _, conv := range s.conversations {
		if opts.CharacterID != "" && conv.CharacterID != opts.CharacterID {
			continue
		}
		result = append(result, copyConversation(conv))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	return page(result, opts), nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; !exists {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}

	delete(s.conversations, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}

func page[T any](items []T, opts storage.ListOptions) []T {
	start := opts.Offset
	if start >= len(items) {
		return []T{}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func copyCharacter(c *domain.Character) *domain.Character {
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	out.Persona.AlternateGreetings = append([]string(nil), c.Persona.AlternateGreetings...)
	out.Provenance.OriginalData = append([]byte(nil), c.Provenance.OriginalData...)
	return &out
}

func copyConversation(c *domain.Conversation) *domain.Conversation {
	out := *c
	out.Metadata = copyMetadata(c.Metadata)
	out.Messages = append([]domain.Message{}, c.Messages...)
	return &out
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
