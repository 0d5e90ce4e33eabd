// Package transcript folds completion stream events into a conversation
// transcript.
package transcript

import (
	"errors"
	"time"

	"github.com/tjfontaine/litetavern/internal/domain"
)

// ErrorPrefix starts the content of system messages that report a failed turn.
const ErrorPrefix = "Error: "

// Reconciler owns the in-flight assistant message of one generation. It is not
// safe for concurrent use; callers serialize access per conversation.
type Reconciler struct {
	messages *[]domain.Message
	index    int
	started  time.Time
	now      func() time.Time
	deltas   int
	content  []byte
	frozen   bool
	appended []domain.Message
}

// Begin appends an empty assistant placeholder to messages and returns the
// reconciler that will fill it.
func Begin(messages *[]domain.Message, model string) *Reconciler {
	return beginAt(messages, model, time.Now)
}

func beginAt(messages *[]domain.Message, model string, now func() time.Time) *Reconciler {
	started := now()
	*messages = append(*messages, domain.Message{
		Role:      domain.RoleAssistant,
		Timestamp: started,
		Model:     model,
	})
	return &Reconciler{
		messages: messages,
		index:    len(*messages) - 1,
		started:  started,
		now:      now,
	}
}

// Apply folds ev into the transcript and reports whether the generation is
// finished. Events after the generation is frozen are ignored.
func (r *Reconciler) Apply(ev domain.StreamEvent) bool {
	if r.frozen {
		return true
	}

	switch ev.Type {
	case domain.StreamEventDelta:
		if ev.Text == "" {
			return false
		}
		r.deltas++
		r.content = append(r.content, ev.Text...)
		(*r.messages)[r.index].Content = string(r.content)
		return false
	case domain.StreamEventDone:
		r.freeze()
		return true
	case domain.StreamEventError:
		r.fail(ev.Err)
		return true
	default:
		return false
	}
}

// Cancel freezes whatever arrived so far without reporting an error. An
// assistant message that received nothing is removed.
func (r *Reconciler) Cancel() {
	if r.frozen {
		return
	}
	if r.deltas == 0 {
		r.dropPlaceholder()
		r.frozen = true
		return
	}
	r.freeze()
}

// Fail ends the generation with err as if an error event had arrived.
func (r *Reconciler) Fail(err error) {
	if r.frozen {
		return
	}
	r.fail(err)
}

// Frozen reports whether the generation has finished.
func (r *Reconciler) Frozen() bool {
	return r.frozen
}

// Deltas returns the number of non-empty deltas applied.
func (r *Reconciler) Deltas() int {
	return r.deltas
}

// Messages returns the messages this generation left in the transcript: the
// assistant reply when it was kept and the error report when there was one.
func (r *Reconciler) Messages() []domain.Message {
	return append([]domain.Message(nil), r.appended...)
}

func (r *Reconciler) freeze() {
	msg := &(*r.messages)[r.index]
	msg.Elapsed = r.now().Sub(r.started)
	r.appended = append(r.appended, *msg)
	r.frozen = true
}

func (r *Reconciler) fail(err error) {
	if r.deltas == 0 {
		r.dropPlaceholder()
	} else {
		r.freeze()
	}
	*r.messages = append(*r.messages, domain.Message{
		Role:      domain.RoleSystem,
		Content:   ErrorPrefix + errorText(err),
		Timestamp: r.now(),
	})
	r.appended = append(r.appended, (*r.messages)[len(*r.messages)-1])
	r.frozen = true
}

func (r *Reconciler) dropPlaceholder() {
	msgs := *r.messages
	*r.messages = append(msgs[:r.index], msgs[r.index+1:]...)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
