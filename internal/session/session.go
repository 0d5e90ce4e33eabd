// Package session runs roleplay turns: it owns a conversation's transcript and
// world clock, drives one completion stream at a time and persists the result.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/prompt"
	"github.com/tjfontaine/litetavern/internal/transcript"
)

var (
	// ErrBusy is returned when a generation is already in flight for the conversation.
	ErrBusy = errors.New("a reply is already being generated")

	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNoUserTurn is returned by Regenerate and UndoLastTurn when the
	// transcript has no user message.
	ErrNoUserTurn = errors.New("conversation has no user message")
)

// AdvanceStep is how far AdvanceTime moves the world clock.
const AdvanceStep = 4 * time.Hour

// Turn describes the outcome of one generation.
type Turn struct {
	// Messages are the transcript entries the generation added, in order.
	Messages []domain.Message
	// Reply is the assistant message, nil when nothing was kept.
	Reply *domain.Message
	// Err is the stream or backend failure reported in the transcript.
	Err error
	// Canceled is set when the caller aborted the generation.
	Canceled bool
}

// Observer receives every stream event as it is applied.
type Observer func(domain.StreamEvent)

// Session is one live conversation. All methods are safe for concurrent use;
// at most one generation runs at a time and a second one is rejected with ErrBusy.
type Session struct {
	m *Manager

	mu     sync.Mutex
	conv   *domain.Conversation
	char   *domain.Character
	clock  *prompt.WorldClock
	busy   bool
	cancel context.CancelFunc

	// stable is the length of the transcript prefix known to match the store.
	stable   int
	truncate bool
}

// ID returns the conversation ID.
func (s *Session) ID() string {
	return s.conv.ID
}

// Character returns the character of the conversation.
func (s *Session) Character() *domain.Character {
	return s.char
}

// Busy reports whether a generation is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Snapshot returns a copy of the conversation, including the in-flight reply.
func (s *Session) Snapshot() *domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *s.conv
	out.Messages = append([]domain.Message{}, s.conv.Messages...)
	out.Metadata = s.metadataLocked()
	return &out
}

// Clock returns the current world clock reading.
func (s *Session) Clock() (prompt.GameTime, prompt.Weather) {
	return s.clock.Snapshot()
}

// Prompt returns the system prompt the next turn would be sent with.
func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts := s.m.options()
	return prompt.Assemble(s.char, s.stateLocked(opts), opts.Safety)
}

// Send appends text as a user message, advances the world clock and streams
// the reply into the transcript. observe, when non-nil, sees each event.
//
// Stream failures do not fail Send: they are recorded in the transcript and
// returned in Turn.Err. The new messages are persisted before Send returns,
// even when ctx has been cancelled.
func (s *Session) Send(ctx context.Context, text string, observe Observer) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	user := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
	s.conv.Messages = append(s.conv.Messages, user)
	s.clock.Tick()

	turn := s.generateLocked(ctx, observe)
	turn.Messages = append([]domain.Message{user}, turn.Messages...)
	return turn, nil
}

// Regenerate drops everything after the last user message and streams a new reply.
func (s *Session) Regenerate(ctx context.Context, observe Observer) (*Turn, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	idx := s.lastUserLocked()
	if idx < 0 {
		s.mu.Unlock()
		return nil, ErrNoUserTurn
	}
	s.truncateLocked(idx + 1)

	return s.generateLocked(ctx, observe), nil
}

// UndoLastTurn removes the last user message and everything after it.
func (s *Session) UndoLastTurn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return ErrBusy
	}
	idx := s.lastUserLocked()
	if idx < 0 {
		return ErrNoUserTurn
	}
	s.truncateLocked(idx)
	return s.persistLocked(ctx)
}

// Clear empties the transcript, keeping the character's greeting.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return ErrBusy
	}
	s.truncateLocked(0)
	if g := greeting(s.char); g != nil {
		s.conv.Messages = append(s.conv.Messages, *g)
	}
	return s.persistLocked(ctx)
}

// Cancel aborts the in-flight generation. It reports whether one was running.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// AdvanceTime moves the world clock forward by AdvanceStep.
func (s *Session) AdvanceTime(ctx context.Context) (prompt.GameTime, error) {
	now := s.clock.Advance(AdvanceStep)
	return now, s.saveClock(ctx)
}

// CycleWeather moves the world weather to the next state.
func (s *Session) CycleWeather(ctx context.Context) (prompt.Weather, error) {
	w := s.clock.CycleWeather()
	return w, s.saveClock(ctx)
}

// generateLocked runs one generation for the transcript as it stands. It must
// be called with s.mu held and returns with it released.
func (s *Session) generateLocked(ctx context.Context, observe Observer) *Turn {
	opts := s.m.options()
	logger := s.m.logger.With(slog.String("conversation_id", s.conv.ID))

	ctx, span := otel.Tracer("litetavern/session").Start(ctx, "session.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", s.conv.ID),
		attribute.String("model", opts.Model),
	)

	prefix := prompt.Assemble(s.char, s.stateLocked(opts), opts.Safety)
	window := &prompt.Window{Counter: s.m.tokens, Model: opts.Model, Budget: opts.ContextTokens}
	messages := prompt.BuildMessages(ctx, prefix, s.conv.Messages, opts.Safety, window)

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.busy = true
	s.cancel = cancel
	rec := transcript.Begin(&s.conv.Messages, opts.Model)
	s.mu.Unlock()

	turn := &Turn{}
	start := time.Now()

	stream, err := s.m.backend.Stream(genCtx, opts.Model, messages)
	if err != nil {
		s.mu.Lock()
		if genCtx.Err() != nil {
			rec.Cancel()
			turn.Canceled = true
		} else {
			rec.Fail(err)
			turn.Err = err
		}
		s.mu.Unlock()
		if observe != nil && turn.Err != nil {
			observe(domain.StreamError(err))
		}
	} else {
		s.consume(genCtx, stream, rec, observe, turn)
		stream.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.busy = false
	s.cancel = nil
	turn.Messages = rec.Messages()
	for i := range turn.Messages {
		if turn.Messages[i].Role == domain.RoleAssistant {
			reply := turn.Messages[i]
			turn.Reply = &reply
		}
	}

	if err := s.persistLocked(ctx); err != nil {
		logger.Error("failed to persist turn", slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.Duration("duration", time.Since(start)),
		slog.Int("deltas", rec.Deltas()),
		slog.Bool("canceled", turn.Canceled),
	}
	if turn.Err != nil {
		span.RecordError(turn.Err)
		span.SetStatus(codes.Error, turn.Err.Error())
		logger.Warn("generation failed", append(attrs, slog.String("error", turn.Err.Error()))...)
	} else {
		logger.Info("generation finished", attrs...)
	}
	return turn
}

// consume applies stream events until a terminal event, a closed channel or
// cancellation.
func (s *Session) consume(ctx context.Context, stream EventStream, rec *transcript.Reconciler, observe Observer, turn *Turn) {
	events := stream.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.mu.Lock()
				rec.Cancel()
				s.mu.Unlock()
				turn.Canceled = ctx.Err() != nil
				return
			}
			if observe != nil {
				observe(ev)
			}
			s.mu.Lock()
			finished := rec.Apply(ev)
			s.mu.Unlock()
			if ev.Type == domain.StreamEventError {
				turn.Err = ev.Err
			}
			if finished {
				return
			}
		case <-ctx.Done():
			s.mu.Lock()
			rec.Cancel()
			s.mu.Unlock()
			turn.Canceled = true
			return
		}
	}
}

func (s *Session) lastUserLocked() int {
	for i := len(s.conv.Messages) - 1; i >= 0; i-- {
		if s.conv.Messages[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}

func (s *Session) truncateLocked(n int) {
	if n >= len(s.conv.Messages) {
		return
	}
	s.conv.Messages = s.conv.Messages[:n]
	if n < s.stable {
		s.stable = n
		s.truncate = true
	}
}

// persistLocked writes transcript changes since the last sync with a context
// detached from the caller so an abandoned request still saves its turn.
func (s *Session) persistLocked(ctx context.Context) error {
	store := s.m.conversations
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.m.persistTimeout)
	defer cancel()

	if s.truncate {
		if err := store.TruncateMessages(ctx, s.conv.ID, s.stable); err != nil {
			return err
		}
		s.truncate = false
	}
	for s.stable < len(s.conv.Messages) {
		msg := s.conv.Messages[s.stable]
		if err := store.AddMessage(ctx, s.conv.ID, &msg); err != nil {
			return err
		}
		s.conv.Messages[s.stable].ID = msg.ID
		s.stable++
	}
	return store.UpdateMetadata(ctx, s.conv.ID, s.metadataLocked())
}

func (s *Session) saveClock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.m.persistTimeout)
	defer cancel()
	return s.m.conversations.UpdateMetadata(ctx, s.conv.ID, s.metadataLocked())
}

func (s *Session) metadataLocked() map[string]string {
	md := make(map[string]string, len(s.conv.Metadata)+2)
	for k, v := range s.conv.Metadata {
		md[k] = v
	}
	now, weather := s.clock.Snapshot()
	if b, err := now.MarshalText(); err == nil {
		md[MetaClock] = string(b)
	}
	md[MetaWeather] = weather.String()
	return md
}

func (s *Session) stateLocked(opts Options) prompt.State {
	md := s.conv.Metadata
	state := prompt.State{
		Language:     opts.Language,
		Instructions: opts.Instructions,
		Lore:         md[MetaLore],
		World:        s.clock,
		User: prompt.UserPersona{
			Name:        md[MetaUserName],
			Description: md[MetaUserDescription],
		},
		Mission:  md[MetaMission],
		Scenario: md[MetaScenario],
	}
	if lang := md[MetaLanguage]; lang != "" {
		state.Language = lang
	}
	if name, rules := md[MetaCategory], md[MetaCategoryRules]; name != "" || rules != "" {
		state.Category = &prompt.Category{Name: name, SharedPrompt: rules}
	}
	return state
}

func greeting(char *domain.Character) *domain.Message {
	if char == nil || char.Persona.FirstMessage == "" {
		return nil
	}
	return &domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Content:   char.Persona.FirstMessage,
		Timestamp: time.Now(),
	}
}
