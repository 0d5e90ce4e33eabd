package tavern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/server"
	"github.com/tjfontaine/litetavern/internal/session"
)

// ConversationView is a conversation with its live session state.
type ConversationView struct {
	*domain.Conversation
	Busy    bool   `json:"busy"`
	Time    string `json:"time"`
	Weather string `json:"weather"`
}

// ConversationList is the response for listing conversations.
type ConversationList struct {
	Conversations []*domain.Conversation `json:"conversations"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type PromptResponse struct {
	Prompt string `json:"prompt"`
}

type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

type ClockResponse struct {
	Time    string `json:"time"`
	Weather string `json:"weather"`
}

// StreamChunk is one SSE data frame of a streamed reply.
type StreamChunk struct {
	Content string       `json:"content,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

func viewOf(s *session.Session) ConversationView {
	t, weather := s.Clock()
	return ConversationView{
		Conversation: s.Snapshot(),
		Busy:         s.Busy(),
		Time:         t.String(),
		Weather:      weather.String(),
	}
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "conversation_id", id)
	s, err := a.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return s, true
}

func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req session.CreateOptions
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.CharacterID == "" {
		writeError(w, r, badRequest("character_id is required", nil))
		return
	}

	s, err := a.sessions.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "conversation_id", s.ID())
	writeJSON(w, http.StatusCreated, viewOf(s))
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	convs, err := a.convs.ListConversations(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationList{Conversations: convs})
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (a *API) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePrompt(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, PromptResponse{Prompt: s.Prompt()})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Canceled: s.Cancel()})
}

func (a *API) handleUndo(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := s.UndoLastTurn(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := s.Clear(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (a *API) handleAdvanceTime(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	if _, err := s.AdvanceTime(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clockOf(s))
}

func (a *API) handleCycleWeather(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	if _, err := s.CycleWeather(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clockOf(s))
}

func clockOf(s *session.Session) ClockResponse {
	t, weather := s.Clock()
	return ClockResponse{Time: t.String(), Weather: weather.String()}
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a.relay(w, r, func(ctx context.Context, observe session.Observer) (*session.Turn, error) {
		return s.Send(ctx, req.Content, observe)
	})
}

func (a *API) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	a.relay(w, r, s.Regenerate)
}

// relay runs a generation and forwards its events as server-sent events. The
// response starts with the first event, so errors returned before any event
// (busy, empty message) are still reported as plain JSON errors.
func (a *API) relay(w http.ResponseWriter, r *http.Request, run func(context.Context, session.Observer) (*session.Turn, error)) {
	ew := &eventWriter{w: w, rc: http.NewResponseController(w)}

	turn, err := run(r.Context(), func(ev domain.StreamEvent) {
		switch ev.Type {
		case domain.StreamEventDelta:
			if ev.Text != "" {
				ew.send(StreamChunk{Content: ev.Text})
			}
		case domain.StreamEventError:
			_, errType := classify(ev.Err)
			ew.send(StreamChunk{Error: &ErrorDetail{Type: errType, Message: errorMessage(ev.Err)}})
		}
	})
	if err != nil {
		if !ew.started {
			writeError(w, r, err)
			return
		}
		server.AddError(r.Context(), err)
		return
	}

	if turn.Err != nil {
		server.AddError(r.Context(), turn.Err)
	}
	if turn.Canceled && r.Context().Err() != nil {
		// Client went away; nobody is listening.
		return
	}
	ew.done()

	if turn.Reply != nil {
		a.logger.Debug("reply relayed",
			slog.String("conversation_id", chi.URLParam(r, "id")),
			slog.Int("chars", len(turn.Reply.Content)))
	}
}

func errorMessage(err error) string {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

type eventWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	failed  bool
}

func (e *eventWriter) start() {
	if e.started {
		return
	}
	e.started = true
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	e.w.WriteHeader(http.StatusOK)
}

func (e *eventWriter) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.write(fmt.Sprintf("data: %s\n\n", data))
}

func (e *eventWriter) done() {
	e.write("data: [DONE]\n\n")
}

func (e *eventWriter) write(frame string) {
	e.start()
	if e.failed {
		return
	}
	if _, err := fmt.Fprint(e.w, frame); err != nil {
		e.failed = true
		return
	}
	if err := e.rc.Flush(); err != nil {
		e.failed = true
	}
}
