package transcript

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tjfontaine/litetavern/internal/api/openai"
	"github.com/tjfontaine/litetavern/internal/domain"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func userTurn(text string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: text}}
}

func TestReconciler_DeltasThenDone(t *testing.T) {
	msgs := userTurn("hi")
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := beginAt(&msgs, "gpt-4o", clock.now)

	if len(msgs) != 2 || msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "" {
		t.Fatalf("Begin() transcript = %+v", msgs)
	}

	for _, text := range []string{"Hel", "", "lo"} {
		if r.Apply(domain.Delta(text)) {
			t.Fatal("Apply(delta) reported finished")
		}
		if len(msgs) != 2 {
			t.Fatalf("delta appended a message: %+v", msgs)
		}
	}
	if msgs[1].Content != "Hello" {
		t.Errorf("Content = %q, want Hello", msgs[1].Content)
	}

	if !r.Apply(domain.Done()) {
		t.Fatal("Apply(done) reported unfinished")
	}
	if msgs[1].Elapsed != time.Second {
		t.Errorf("Elapsed = %v, want 1s", msgs[1].Elapsed)
	}
	if msgs[1].Model != "gpt-4o" {
		t.Errorf("Model = %q", msgs[1].Model)
	}

	// Frozen: later events are ignored.
	r.Apply(domain.Delta("more"))
	if msgs[1].Content != "Hello" {
		t.Errorf("Content after freeze = %q", msgs[1].Content)
	}
	if got := r.Messages(); len(got) != 1 || got[0].Content != "Hello" {
		t.Errorf("Messages() = %+v", got)
	}
}

func TestReconciler_ErrorWithoutDeltas(t *testing.T) {
	msgs := userTurn("hi")
	r := Begin(&msgs, "m")

	r.Apply(domain.StreamError(domain.ErrAPI("quota exceeded")))

	if len(msgs) != 2 {
		t.Fatalf("transcript = %+v, want user + system", msgs)
	}
	if msgs[1].Role != domain.RoleSystem || msgs[1].Content != "Error: quota exceeded" {
		t.Errorf("error message = %+v", msgs[1])
	}
	if got := r.Messages(); len(got) != 1 || got[0].Role != domain.RoleSystem {
		t.Errorf("Messages() = %+v", got)
	}
}

func TestReconciler_ErrorKeepsPartial(t *testing.T) {
	msgs := userTurn("hi")
	r := Begin(&msgs, "m")

	r.Apply(domain.Delta("Once upon"))
	r.Apply(domain.StreamError(domain.ErrStreamInterrupted("stream read failed", io.ErrUnexpectedEOF)))

	if len(msgs) != 3 {
		t.Fatalf("transcript = %+v, want user + partial + system", msgs)
	}
	if msgs[1].Content != "Once upon" {
		t.Errorf("partial = %q", msgs[1].Content)
	}
	if msgs[2].Content != "Error: stream read failed" {
		t.Errorf("error message = %q", msgs[2].Content)
	}
	if len(r.Messages()) != 2 {
		t.Errorf("Messages() = %+v", r.Messages())
	}
}

func TestReconciler_Cancel(t *testing.T) {
	t.Run("with content", func(t *testing.T) {
		msgs := userTurn("hi")
		r := Begin(&msgs, "m")
		r.Apply(domain.Delta("par"))
		r.Cancel()

		if len(msgs) != 2 || msgs[1].Content != "par" {
			t.Errorf("transcript = %+v", msgs)
		}
		if !r.Frozen() {
			t.Error("Frozen() = false")
		}
	})

	t.Run("empty", func(t *testing.T) {
		msgs := userTurn("hi")
		r := Begin(&msgs, "m")
		r.Cancel()
		r.Cancel()

		if len(msgs) != 1 {
			t.Errorf("transcript = %+v, want placeholder dropped", msgs)
		}
		if len(r.Messages()) != 0 {
			t.Errorf("Messages() = %+v", r.Messages())
		}
	})
}

func TestReconciler_Fail(t *testing.T) {
	msgs := userTurn("hi")
	r := Begin(&msgs, "m")
	r.Fail(errors.New("dial tcp: connection refused"))

	if len(msgs) != 2 || msgs[1].Content != "Error: dial tcp: connection refused" {
		t.Errorf("transcript = %+v", msgs)
	}
}

func TestReconciler_FromWire(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	client := openai.NewClient("", openai.WithBaseURL(srv.URL), openai.WithHTTPClient(srv.Client()))
	stream, err := client.StreamChatCompletion(context.Background(), &openai.ChatCompletionRequest{Model: "m"}, nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer stream.Close()

	msgs := userTurn("hello")
	r := Begin(&msgs, "m")
	for ev := range stream.Events() {
		if r.Apply(ev) {
			break
		}
	}

	if !r.Frozen() {
		t.Fatal("stream ended without a terminal event")
	}
	last := msgs[len(msgs)-1]
	if len(msgs) != 2 || last.Role != domain.RoleAssistant || last.Content != "Hi" {
		t.Errorf("transcript = %+v, want one assistant message Hi", msgs)
	}
}
