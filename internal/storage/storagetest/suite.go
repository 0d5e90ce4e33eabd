// Package storagetest exercises a storage.Store implementation against the
// behavior every backend shares.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/storage"
)

// Run runs the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("Characters", func(t *testing.T) { testCharacters(t, newStore(t)) })
	t.Run("Conversation", func(t *testing.T) { testConversation(t, newStore(t)) })
	t.Run("Truncate", func(t *testing.T) { testTruncate(t, newStore(t)) })
	t.Run("ListConversations", func(t *testing.T) { testListConversations(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

func testCharacters(t *testing.T, store storage.Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	eve := &domain.Character{
		ID:        "char-1",
		Name:      "Eve",
		Tags:      []string{"fantasy"},
		Persona:   domain.Persona{Description: "d", AlternateGreetings: []string{"Hey"}},
		System:    domain.System{SystemPrompt: "Be Eve."},
		CreatedAt: base,
		Provenance: domain.Provenance{
			OriginalFormat: domain.FormatV2,
			OriginalData:   json.RawMessage(`{"spec":"chara_card_v2"}`),
		},
	}
	adam := &domain.Character{ID: "char-2", Name: "Adam", CreatedAt: base.Add(time.Minute)}

	for _, c := range []*domain.Character{eve, adam} {
		if err := store.SaveCharacter(ctx, c); err != nil {
			t.Fatalf("SaveCharacter() error = %v", err)
		}
	}

	got, err := store.GetCharacter(ctx, "char-1")
	if err != nil {
		t.Fatalf("GetCharacter() error = %v", err)
	}
	if got.Name != "Eve" || got.System.SystemPrompt != "Be Eve." || len(got.Tags) != 1 {
		t.Errorf("GetCharacter() = %+v", got)
	}
	if got.Provenance.OriginalFormat != domain.FormatV2 || string(got.Provenance.OriginalData) != `{"spec":"chara_card_v2"}` {
		t.Errorf("Provenance = %+v", got.Provenance)
	}

	list, err := store.ListCharacters(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListCharacters() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "char-2" {
		t.Errorf("ListCharacters() = %d items, first %q; want newest first", len(list), list[0].ID)
	}

	if list, _ := store.ListCharacters(ctx, storage.ListOptions{Limit: 1, Offset: 1}); len(list) != 1 || list[0].ID != "char-1" {
		t.Errorf("ListCharacters(limit 1, offset 1) = %+v", list)
	}

	if err := store.DeleteCharacter(ctx, "char-1"); err != nil {
		t.Fatalf("DeleteCharacter() error = %v", err)
	}
	if _, err := store.GetCharacter(ctx, "char-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetCharacter() after delete error = %v, want ErrNotFound", err)
	}
}

func testConversation(t *testing.T, store storage.Store) {
	ctx := context.Background()

	conv := &domain.Conversation{
		ID:          "conv-1",
		CharacterID: "char-1",
		Metadata:    map[string]string{"weather": "sunny"},
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	msgs := []*domain.Message{
		{Role: domain.RoleUser, Content: "Hello"},
		{Role: domain.RoleAssistant, Content: "Hi there", Model: "gpt-4o", Elapsed: 1500 * time.Millisecond},
		{Role: domain.RoleSystem, Content: "Error: boom"},
	}
	for _, m := range msgs {
		if err := store.AddMessage(ctx, "conv-1", m); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
		if m.ID == "" {
			t.Error("AddMessage() did not assign an ID")
		}
	}

	got, err := store.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.CharacterID != "char-1" || got.Metadata["weather"] != "sunny" {
		t.Errorf("GetConversation() = %+v", got)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("Messages count = %d, want 3", len(got.Messages))
	}
	for i, m := range msgs {
		if got.Messages[i].Content != m.Content || got.Messages[i].Role != m.Role {
			t.Errorf("Messages[%d] = %+v, want %+v", i, got.Messages[i], *m)
		}
	}
	if got.Messages[1].Model != "gpt-4o" || got.Messages[1].Elapsed != 1500*time.Millisecond {
		t.Errorf("assistant message = %+v", got.Messages[1])
	}

	if err := store.UpdateMetadata(ctx, "conv-1", map[string]string{"weather": "rain", "clock": "1:08:05"}); err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}
	got, _ = store.GetConversation(ctx, "conv-1")
	if got.Metadata["weather"] != "rain" || got.Metadata["clock"] != "1:08:05" {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	if err := store.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, err := store.GetConversation(ctx, "conv-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetConversation() after delete error = %v, want ErrNotFound", err)
	}
}

func testTruncate(t *testing.T, store storage.Store) {
	ctx := context.Background()

	if err := store.CreateConversation(ctx, &domain.Conversation{ID: "conv-t", CharacterID: "c"}); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	for _, content := range []string{"one", "two", "three", "four"} {
		if err := store.AddMessage(ctx, "conv-t", &domain.Message{Role: domain.RoleUser, Content: content}); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}

	if err := store.TruncateMessages(ctx, "conv-t", 2); err != nil {
		t.Fatalf("TruncateMessages() error = %v", err)
	}
	got, _ := store.GetConversation(ctx, "conv-t")
	if len(got.Messages) != 2 || got.Messages[1].Content != "two" {
		t.Errorf("after truncate Messages = %+v", got.Messages)
	}

	if err := store.AddMessage(ctx, "conv-t", &domain.Message{Role: domain.RoleUser, Content: "five"}); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	got, _ = store.GetConversation(ctx, "conv-t")
	if len(got.Messages) != 3 || got.Messages[2].Content != "five" {
		t.Errorf("after append Messages = %+v", got.Messages)
	}

	if err := store.ClearMessages(ctx, "conv-t"); err != nil {
		t.Fatalf("ClearMessages() error = %v", err)
	}
	got, _ = store.GetConversation(ctx, "conv-t")
	if len(got.Messages) != 0 {
		t.Errorf("after clear Messages = %+v", got.Messages)
	}
}

func testListConversations(t *testing.T, store storage.Store) {
	ctx := context.Background()

	for _, c := range []*domain.Conversation{
		{ID: "a", CharacterID: "eve"},
		{ID: "b", CharacterID: "adam"},
		{ID: "c", CharacterID: "eve"},
	} {
		if err := store.CreateConversation(ctx, c); err != nil {
			t.Fatalf("CreateConversation() error = %v", err)
		}
	}

	all, err := store.ListConversations(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListConversations() = %d, want 3", len(all))
	}

	eve, err := store.ListConversations(ctx, storage.ListOptions{CharacterID: "eve"})
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(eve) != 2 {
		t.Errorf("ListConversations(eve) = %d, want 2", len(eve))
	}
	for _, c := range eve {
		if c.CharacterID != "eve" {
			t.Errorf("ListConversations(eve) returned %q", c.CharacterID)
		}
	}

	if page, _ := store.ListConversations(ctx, storage.ListOptions{Limit: 2}); len(page) != 2 {
		t.Errorf("ListConversations(limit 2) = %d", len(page))
	}
}

func testNotFound(t *testing.T, store storage.Store) {
	ctx := context.Background()

	checks := map[string]error{
		"GetConversation":    func() error { _, err := store.GetConversation(ctx, "missing"); return err }(),
		"AddMessage":         store.AddMessage(ctx, "missing", &domain.Message{Role: domain.RoleUser, Content: "x"}),
		"UpdateMetadata":     store.UpdateMetadata(ctx, "missing", nil),
		"TruncateMessages":   store.TruncateMessages(ctx, "missing", 0),
		"DeleteConversation": store.DeleteConversation(ctx, "missing"),
		"DeleteCharacter":    store.DeleteCharacter(ctx, "missing"),
		"GetCharacter":       func() error { _, err := store.GetCharacter(ctx, "missing"); return err }(),
	}
	for name, err := range checks {
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("%s() error = %v, want ErrNotFound", name, err)
		}
	}
}
