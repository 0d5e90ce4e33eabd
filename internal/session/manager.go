package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/prompt"
	"github.com/tjfontaine/litetavern/internal/storage"
	"github.com/tjfontaine/litetavern/internal/tokens"
)

// Conversation metadata keys.
const (
	MetaClock           = "clock"
	MetaWeather         = "weather"
	MetaLanguage        = "language"
	MetaLore            = "lore"
	MetaCategory        = "category"
	MetaCategoryRules   = "category_rules"
	MetaUserName        = "user_name"
	MetaUserDescription = "user_description"
	MetaMission         = "mission"
	MetaScenario        = "scenario"
)

const defaultPersistTimeout = 5 * time.Second

// Options are the prompt and model settings applied to every turn. They can be
// replaced at runtime with Manager.SetOptions.
type Options struct {
	Model         string
	Language      string
	Instructions  string
	ContextTokens int
	Safety        prompt.Safety
}

// CreateOptions describe a new conversation.
type CreateOptions struct {
	CharacterID     string `json:"character_id"`
	Language        string `json:"language,omitempty"`
	Lore            string `json:"lore,omitempty"`
	Category        string `json:"category,omitempty"`
	CategoryRules   string `json:"category_rules,omitempty"`
	UserName        string `json:"user_name,omitempty"`
	UserDescription string `json:"user_description,omitempty"`
	Mission         string `json:"mission,omitempty"`
	Scenario        string `json:"scenario,omitempty"`
}

func (o CreateOptions) metadata() map[string]string {
	md := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set(MetaLanguage, o.Language)
	set(MetaLore, o.Lore)
	set(MetaCategory, o.Category)
	set(MetaCategoryRules, o.CategoryRules)
	set(MetaUserName, o.UserName)
	set(MetaUserDescription, o.UserDescription)
	set(MetaMission, o.Mission)
	set(MetaScenario, o.Scenario)
	return md
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTokenRegistry sets the counter used for the history window.
func WithTokenRegistry(r *tokens.Registry) ManagerOption {
	return func(m *Manager) {
		m.tokens = r
	}
}

// WithPersistTimeout bounds each persistence step.
func WithPersistTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.persistTimeout = d
	}
}

// Manager keeps the live sessions, loading them from the store on first use.
type Manager struct {
	characters     storage.CharacterStore
	conversations  storage.ConversationStore
	backend        Backend
	tokens         *tokens.Registry
	logger         *slog.Logger
	persistTimeout time.Duration

	optsMu sync.RWMutex
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager.
func NewManager(chars storage.CharacterStore, convs storage.ConversationStore, backend Backend, opts Options, options ...ManagerOption) *Manager {
	m := &Manager{
		characters:     chars,
		conversations:  convs,
		backend:        backend,
		tokens:         tokens.NewDefaultRegistry(),
		logger:         slog.Default(),
		persistTimeout: defaultPersistTimeout,
		opts:           opts,
		sessions:       make(map[string]*Session),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// SetOptions replaces the turn options. Generations already running keep the
// options they started with.
func (m *Manager) SetOptions(opts Options) {
	m.optsMu.Lock()
	defer m.optsMu.Unlock()
	m.opts = opts
}

func (m *Manager) options() Options {
	m.optsMu.RLock()
	defer m.optsMu.RUnlock()
	return m.opts
}

// Create starts a conversation with a stored character. The character's first
// message, when it has one, opens the transcript.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	char, err := m.characters.GetCharacter(ctx, opts.CharacterID)
	if err != nil {
		return nil, err
	}

	conv := &domain.Conversation{
		ID:          uuid.NewString(),
		CharacterID: char.ID,
		Metadata:    opts.metadata(),
	}
	if err := m.conversations.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s := m.newSession(conv, char, prompt.NewWorldClock())
	s.mu.Lock()
	if g := greeting(char); g != nil {
		s.conv.Messages = append(s.conv.Messages, *g)
	}
	err = s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}

	m.mu.Lock()
	m.sessions[conv.ID] = s
	m.mu.Unlock()

	m.logger.Info("conversation created",
		slog.String("conversation_id", conv.ID),
		slog.String("character_id", char.ID))
	return s, nil
}

// Get returns the session for a conversation, loading it from the store.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	conv, err := m.conversations.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	char, err := m.characters.GetCharacter(ctx, conv.CharacterID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}

	clock := prompt.NewWorldClock()
	restoreClock(clock, conv.Metadata, m.logger)

	loaded := m.newSession(conv, char, clock)
	loaded.stable = len(conv.Messages)

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent Get may have loaded it first.
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	m.sessions[id] = loaded
	return loaded, nil
}

// Delete cancels any running generation and removes the conversation.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Cancel()
	}
	return m.conversations.DeleteConversation(ctx, id)
}

func (m *Manager) newSession(conv *domain.Conversation, char *domain.Character, clock *prompt.WorldClock) *Session {
	if conv.Metadata == nil {
		conv.Metadata = map[string]string{}
	}
	return &Session{m: m, conv: conv, char: char, clock: clock}
}

func restoreClock(clock *prompt.WorldClock, md map[string]string, logger *slog.Logger) {
	now, weather := clock.Snapshot()
	if v, ok := md[MetaClock]; ok {
		if err := now.UnmarshalText([]byte(v)); err != nil {
			logger.Warn("ignoring saved clock", slog.String("error", err.Error()))
		}
	}
	if v, ok := md[MetaWeather]; ok {
		w, err := prompt.ParseWeather(v)
		if err != nil {
			logger.Warn("ignoring saved weather", slog.String("error", err.Error()))
		} else {
			weather = w
		}
	}
	clock.Restore(now, weather)
}
