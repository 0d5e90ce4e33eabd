// Package storage defines the persistence ports for characters and conversations.
package storage

import (
	"context"

	"github.com/tjfontaine/litetavern/internal/domain"
)

// ListOptions contains options for listing records.
type ListOptions struct {
	// CharacterID restricts conversation listings to one character.
	CharacterID string
	Limit       int
	Offset      int
}

// DefaultListLimit applies when ListOptions.Limit is zero.
const DefaultListLimit = 100

// CharacterStore persists imported characters. Lookups of unknown IDs fail
// with domain.ErrNotFound.
type CharacterStore interface {
	SaveCharacter(ctx context.Context, char *domain.Character) error
	GetCharacter(ctx context.Context, id string) (*domain.Character, error)
	ListCharacters(ctx context.Context, opts ListOptions) ([]*domain.Character, error)
	DeleteCharacter(ctx context.Context, id string) error
}

// ConversationStore persists transcripts. Messages are kept in insertion order.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	AddMessage(ctx context.Context, convID string, msg *domain.Message) error
	// UpdateMetadata replaces the conversation metadata.
	UpdateMetadata(ctx context.Context, convID string, metadata map[string]string) error
	// TruncateMessages keeps the first keep messages and deletes the rest.
	TruncateMessages(ctx context.Context, convID string, keep int) error
	ClearMessages(ctx context.Context, convID string) error
	ListConversations(ctx context.Context, opts ListOptions) ([]*domain.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// Store is a backend implementing both ports.
type Store interface {
	CharacterStore
	ConversationStore
	Close() error
}
