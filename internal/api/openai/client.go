package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/litetavern/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// DefaultIdleTimeout ends a stream that has produced no line for this long.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultMaxTokens is the completion budget used when a request sets none.
	DefaultMaxTokens = 2000

	// UserIDHeader carries the caller identity for quota accounting.
	UserIDHeader = "X-User-Id"

	dataPrefix  = "data: "
	doneMarker  = "[DONE]"
	maxErrorLen = 64 * 1024
)

var (
	errIdleTimeout = errors.New("idle timeout")
	errClosed      = errors.New("stream closed")
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger used for skipped frames.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithIdleTimeout sets how long a stream may go without a line. Zero disables
// the timeout.
func WithIdleTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.idleTimeout = d
	}
}

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	idleTimeout time.Duration
}

// NewClient creates a new client. An empty apiKey sends no Authorization header.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		httpClient:  http.DefaultClient,
		logger:      slog.Default(),
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions contains per-request options.
type RequestOptions struct {
	// UserID is sent in the X-User-Id header.
	UserID string

	// UserAgent overrides the default User-Agent.
	UserAgent string
}

// StreamChatCompletion sends req with streaming enabled and returns the open
// stream. A non-2xx response fails with a *domain.APIError carrying the
// backend's message, or the status text when the body is not JSON.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest, opts *RequestOptions) (*Stream, error) {
	req.Stream = true
	if req.MaxTokens == 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.NewAPIError(domain.ErrorTypeInvalidRequest, "failed to marshal request").WithCause(err)
	}

	streamCtx, cancel := context.WithCancelCause(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel(err)
		return nil, domain.NewAPIError(domain.ErrorTypeInvalidRequest, "failed to create request").WithCause(err)
	}

	c.setHeaders(httpReq, opts)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ErrStreamInterrupted("request failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel(nil)
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorLen))
		return nil, domain.ErrAPI(statusMessage(resp, respBody)).WithStatusCode(resp.StatusCode)
	}

	s := &Stream{
		events: make(chan domain.StreamEvent),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: c.logger,
	}
	go s.read(ctx, streamCtx, resp.Body, c.idleTimeout)
	return s, nil
}

func statusMessage(resp *http.Response, body []byte) string {
	if msg, err := ParseErrorResponse(body); err == nil && msg != "" {
		return msg
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if opts != nil && opts.UserID != "" {
		req.Header.Set(UserIDHeader, opts.UserID)
	}
	if opts != nil && opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	} else {
		req.Header.Set("User-Agent", "litetavern/1.0")
	}
}

// Stream is an open completion stream. Events arrive in wire order and the
// channel closes after a Done or Error event, or silently on cancellation.
type Stream struct {
	events  chan domain.StreamEvent
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	cancel  context.CancelCauseFunc
	skipped atomic.Int64
	logger  *slog.Logger

	// idleTimer is paused while an event waits for the consumer.
	idleTimer *time.Timer
	idle      time.Duration
}

// Events returns the event channel.
func (s *Stream) Events() <-chan domain.StreamEvent {
	return s.events
}

// Skipped returns how many malformed frames were dropped so far.
func (s *Stream) Skipped() int64 {
	return s.skipped.Load()
}

// Close aborts the stream and waits for the reader to release the body. It is
// safe to call more than once and after the stream has ended.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.cancel(errClosed)
	})
	<-s.done
	return nil
}

// emit delivers ev unless the caller has gone away. Time spent waiting on a
// slow consumer does not count toward the idle timeout.
func (s *Stream) emit(parent context.Context, ev domain.StreamEvent) bool {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		defer s.idleTimer.Reset(s.idle)
	}
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	case <-parent.Done():
		return false
	}
}

func (s *Stream) read(parent, streamCtx context.Context, body io.ReadCloser, idle time.Duration) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel(nil)
	defer body.Close()

	if idle > 0 {
		s.idleTimer = time.AfterFunc(idle, func() { s.cancel(errIdleTimeout) })
		s.idle = idle
		defer s.idleTimer.Stop()
		body = &idleReader{ReadCloser: body, timer: s.idleTimer, idle: idle}
	}

	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large chunks
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if data == doneMarker {
			s.emit(parent, domain.Done())
			return
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.skipped.Add(1)
			s.logger.Warn("skipping malformed stream frame",
				slog.String("error", err.Error()),
				slog.Int("length", len(data)))
			continue
		}

		if chunk.HasError() {
			s.emit(parent, domain.StreamError(domain.ErrAPI(errorMessage(chunk.Error))))
			return
		}

		if !s.emit(parent, domain.Delta(chunk.Text())) {
			return
		}
	}

	err := scanner.Err()
	switch cause := context.Cause(streamCtx); {
	case errors.Is(cause, errIdleTimeout):
		s.emit(parent, domain.StreamError(domain.ErrStreamInterrupted(
			fmt.Sprintf("no data received for %s", idle), cause)))
	case streamCtx.Err() != nil:
		// Cancelled by the caller.
	case err != nil:
		s.emit(parent, domain.StreamError(domain.ErrStreamInterrupted("stream read failed", err)))
	default:
		s.emit(parent, domain.Done())
	}
}

// idleReader pushes the idle deadline back whenever bytes arrive.
type idleReader struct {
	io.ReadCloser
	timer *time.Timer
	idle  time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.timer.Reset(r.idle)
	}
	return n, err
}
