package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/testutil"
)

func newTestClient(srv *httptest.Server, opts ...ClientOption) *Client {
	opts = append([]ClientOption{
		WithBaseURL(srv.URL + "/v1"),
		WithHTTPClient(srv.Client()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewClient("test-key", opts...)
}

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprint(w, f)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRequest() *ChatCompletionRequest {
	return &ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatCompletionMessage{{Role: "user", Content: "Hello"}},
	}
}

func collect(t *testing.T, s *Stream) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not finish, got %+v", events)
		}
	}
}

func TestStreamChatCompletion_Deltas(t *testing.T) {
	srv := sseServer(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n",
		"data: [DONE]\n\n",
	)

	s, err := newTestClient(srv).StreamChatCompletion(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer s.Close()

	events := collect(t, s)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Text != "Hi" || events[1].Text != " there" {
		t.Errorf("deltas = %q, %q", events[0].Text, events[1].Text)
	}
	if events[2].Type != domain.StreamEventDone {
		t.Errorf("last event = %v, want done", events[2].Type)
	}
}

func TestStreamChatCompletion_SkipsMalformedFrame(t *testing.T) {
	srv := sseServer(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"cont\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n",
	)

	s, err := newTestClient(srv).StreamChatCompletion(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer s.Close()

	var deltas []string
	for _, ev := range collect(t, s) {
		switch ev.Type {
		case domain.StreamEventDelta:
			deltas = append(deltas, ev.Text)
		case domain.StreamEventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if len(deltas) != 2 || deltas[0] != "a" || deltas[1] != "b" {
		t.Errorf("deltas = %q, want [a b]", deltas)
	}
	if s.Skipped() != 1 {
		t.Errorf("Skipped() = %d, want 1", s.Skipped())
	}
}

func TestStreamChatCompletion_IgnoresNonDataLines(t *testing.T) {
	srv := sseServer(t,
		": keep-alive\n",
		"event: message\n",
		"data: {\"choices\":[]}\n\n",
		"data: [DONE]\n",
	)

	s, err := newTestClient(srv).StreamChatCompletion(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer s.Close()

	events := collect(t, s)
	if len(events) != 2 {
		t.Fatalf("got %+v, want empty delta then done", events)
	}
	if events[0].Type != domain.StreamEventDelta || events[0].Text != "" {
		t.Errorf("first event = %+v, want empty delta", events[0])
	}
}

func TestStreamChatCompletion_EOFWithoutDone(t *testing.T) {
	srv := sseServer(t, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n")

	s, err := newTestClient(srv).StreamChatCompletion(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer s.Close()

	events := collect(t, s)
	if len(events) != 2 || events[1].Type != domain.StreamEventDone {
		t.Errorf("events = %+v, want delta then done", events)
	}
}

func TestStreamChatCompletion_ErrorFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"string", `data: {"error":"model overloaded"}` + "\n\n", "model overloaded"},
		{"object", `data: {"error":{"message":"context too long","type":"invalid_request_error"}}` + "\n\n", "context too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := sseServer(t,
				"data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n",
				tt.frame,
				"data: {\"choices\":[{\"delta\":{\"content\":\"never\"}}]}\n\n",
			)

			s, err := newTestClient(srv).StreamChatCompletion(context.Background(), testRequest(), nil)
			if err != nil {
				t.Fatalf("StreamChatCompletion() error = %v", err)
			}
			defer s.Close()

			events := collect(t, s)
			if len(events) != 2 {
				t.Fatalf("events = %+v, want delta then error", events)
			}
			last := events[1]
			if last.Type != domain.StreamEventError {
				t.Fatalf("last event = %v, want error", last.Type)
			}
			var apiErr *domain.APIError
			if !errors.As(last.Err, &apiErr) || apiErr.Type != domain.ErrorTypeAPI {
				t.Fatalf("error = %v, want API error", last.Err)
			}
			if apiErr.Message != tt.want {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.want)
			}
		})
	}
}

func TestStreamChatCompletion_FalsyErrorField(t *testing.T) {
	for _, value := range []string{`""`, `false`, `0`, `null`} {
		t.Run(value, func(t *testing.T) {
			srv := sseServer(t,
				`data: {"error":`+value+`,"choices":[{"delta":{"content":"Hi"}}]}`+"\n\n",
				"data: [DONE]\n\n",
			)

			s, err := newTestClient(srv).StreamChatCompletion(context.Background(), testRequest(), nil)
			if err != nil {
				t.Fatalf("StreamChatCompletion() error = %v", err)
			}
			defer s.Close()

			events := collect(t, s)
			if len(events) != 2 {
				t.Fatalf("events = %+v, want delta then done", events)
			}
			if events[0].Type != domain.StreamEventDelta || events[0].Text != "Hi" {
				t.Errorf("first event = %+v, want delta Hi", events[0])
			}
			if events[1].Type != domain.StreamEventDone {
				t.Errorf("last event = %v, want done", events[1].Type)
			}
		})
	}
}

func TestChatCompletionChunk_HasError(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{``, false},
		{`null`, false},
		{`false`, false},
		{`0`, false},
		{`0.0`, false},
		{`""`, false},
		{`"overloaded"`, true},
		{`true`, true},
		{`1`, true},
		{`{"message":"x"}`, true},
		{`{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			c := &ChatCompletionChunk{Error: json.RawMessage(tt.raw)}
			if got := c.HasError(); got != tt.want {
				t.Errorf("HasError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStreamChatCompletion_StatusErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		want        string
	}{
		{"detail", http.StatusTooManyRequests, "application/json", `{"detail":"Daily quota exceeded"}`, "Daily quota exceeded"},
		{"error string", http.StatusBadRequest, "application/json", `{"error":"bad model"}`, "bad model"},
		{"error object", http.StatusUnauthorized, "application/json", `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`, "Incorrect API key"},
		{"not json", http.StatusBadGateway, "text/html", "<html>upstream down</html>", "Bad Gateway"},
		{"json without message", http.StatusInternalServerError, "application/json", `{"ok":false}`, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			s, err := newTestClient(srv).StreamChatCompletion(context.Background(), testRequest(), nil)
			if s != nil {
				t.Fatal("StreamChatCompletion() returned a stream")
			}
			var apiErr *domain.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("StreamChatCompletion() error = %v, want *domain.APIError", err)
			}
			if apiErr.Message != tt.want {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.want)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
		})
	}
}

func TestStreamChatCompletion_Request(t *testing.T) {
	var (
		got     ChatCompletionRequest
		headers http.Header
		path    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		headers = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s, err := newTestClient(srv).StreamChatCompletion(context.Background(), testRequest(), &RequestOptions{UserID: "user-42"})
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	collect(t, s)
	s.Close()

	if path != "/v1/chat/completions" {
		t.Errorf("path = %q", path)
	}
	if !got.Stream || got.MaxTokens != DefaultMaxTokens || got.Model != "gpt-4o-mini" {
		t.Errorf("request = %+v", got)
	}
	if headers.Get(UserIDHeader) != "user-42" {
		t.Errorf("%s = %q", UserIDHeader, headers.Get(UserIDHeader))
	}
	if headers.Get("Authorization") != "Bearer test-key" {
		t.Errorf("Authorization = %q", headers.Get("Authorization"))
	}
}

func TestStreamChatCompletion_NoAPIKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	s, err := c.StreamChatCompletion(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	collect(t, s)
	s.Close()

	if auth != "" {
		t.Errorf("Authorization = %q, want none", auth)
	}
}

// hangingServer writes one delta and then holds the connection open.
func hangingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_Close(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := hangingServer(t)
	s, err := newTestClient(srv, WithIdleTimeout(0)).StreamChatCompletion(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}

	if ev := <-s.Events(); ev.Text != "Hi" {
		t.Fatalf("first event = %+v", ev)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if ev, ok := <-s.Events(); ok {
		t.Errorf("event after Close: %+v", ev)
	}
	srv.Close()
	srv.Client().CloseIdleConnections()
}

func TestStream_ContextCancel(t *testing.T) {
	srv := hangingServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := newTestClient(srv, WithIdleTimeout(0)).StreamChatCompletion(ctx, testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer s.Close()

	<-s.Events()
	cancel()

	if events := collect(t, s); len(events) != 0 {
		t.Errorf("events after cancel = %+v, want none", events)
	}
}

func TestStream_IdleTimeout(t *testing.T) {
	srv := hangingServer(t)

	s, err := newTestClient(srv, WithIdleTimeout(50*time.Millisecond)).StreamChatCompletion(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer s.Close()

	events := collect(t, s)
	if len(events) != 2 {
		t.Fatalf("events = %+v, want delta then error", events)
	}
	if !domain.IsAPIErrorType(events[1].Err, domain.ErrorTypeStreamInterrupted) {
		t.Errorf("error = %v, want stream interrupted", events[1].Err)
	}
}

func TestStream_IdleTimeoutIgnoresSlowConsumer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, frame := range []string{
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n",
			"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n",
			"data: [DONE]\n\n",
		} {
			io.WriteString(w, frame)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := newTestClient(srv, WithIdleTimeout(50*time.Millisecond)).StreamChatCompletion(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer s.Close()

	// The reader holds the first delta far longer than the idle timeout.
	time.Sleep(200 * time.Millisecond)

	events := collect(t, s)
	if len(events) != 3 {
		t.Fatalf("events = %+v, want two deltas then done", events)
	}
	if events[1].Text != " there" || events[2].Type != domain.StreamEventDone {
		t.Errorf("events = %+v, want delta \" there\" then done", events)
	}
}

func TestStreamChatCompletion_Recorded(t *testing.T) {
	rec := testutil.NewVCRRecorder(t, "chat_stream")
	c := NewClient("test-key",
		WithBaseURL("http://vcr.test/v1"),
		WithHTTPClient(testutil.VCRHTTPClient(rec)),
	)

	req := &ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []ChatCompletionMessage{
			{Role: "system", Content: "You are Eve."},
			{Role: "user", Content: "Hello"},
		},
	}
	s, err := c.StreamChatCompletion(context.Background(), req, &RequestOptions{UserID: "user-42"})
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}
	defer s.Close()

	var content string
	var done bool
	for _, ev := range collect(t, s) {
		switch ev.Type {
		case domain.StreamEventDelta:
			content += ev.Text
		case domain.StreamEventError:
			t.Fatalf("Stream event error: %v", ev.Err)
		case domain.StreamEventDone:
			done = true
		}
	}
	if content != "Hello, traveller." {
		t.Errorf("content = %q", content)
	}
	if !done {
		t.Error("stream did not end with done")
	}

	_, err = c.StreamChatCompletion(context.Background(), testRequest(), &RequestOptions{UserID: "user-quota"})
	if !domain.IsAPIErrorType(err, domain.ErrorTypeAPI) || err.(*domain.APIError).Message != "Daily quota exceeded" {
		t.Errorf("StreamChatCompletion() error = %v, want quota API error", err)
	}
}
