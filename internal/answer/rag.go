package answer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultRAGIdleTimeout = 60 * time.Second
	maxRAGLine            = 1 << 20
)

// RAGConfig configures the retrieval backend source.
type RAGConfig struct {
	BaseURL string

	// IdleTimeout aborts a session that produces no data for this long.
	IdleTimeout time.Duration

	HTTPClient *http.Client
}

// RAGSource streams answers from the retrieval backend. The backend replies
// with newline-delimited JSON objects, optionally SSE framed, each carrying
// the accumulated answer in "content".
type RAGSource struct {
	base        *url.URL
	idleTimeout time.Duration
	client      *http.Client
}

// NewRAGSource creates a RAG source.
func NewRAGSource(cfg RAGConfig) (*RAGSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("RAG base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid RAG base URL: %w", err)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultRAGIdleTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &RAGSource{
		base:        base,
		idleTimeout: cfg.IdleTimeout,
		client:      cfg.HTTPClient,
	}, nil
}

// Name returns the source name.
func (s *RAGSource) Name() string {
	return string(KindRAG)
}

type ragRequest struct {
	Question  string `json:"question"`
	Stream    bool   `json:"stream"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type ragEvent struct {
	Content string `json:"content"`
	Error   string `json:"error"`
	Done    bool   `json:"done"`
}

// OpenChat starts a chat completion.
func (s *RAGSource) OpenChat(ctx context.Context, sess Session) (Stream, error) {
	return s.open(ctx, "/api/v1/chats/completions", sess)
}

// OpenAgent starts an agent completion.
func (s *RAGSource) OpenAgent(ctx context.Context, sess Session) (Stream, error) {
	if sess.AgentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrUnknownAgent)
	}
	return s.open(ctx, "/api/v1/agents/"+url.PathEscape(sess.AgentID)+"/completions", sess)
}

func (s *RAGSource) open(ctx context.Context, path string, sess Session) (Stream, error) {
	body, err := json.Marshal(ragRequest{
		Question:  sess.Question,
		Stream:    true,
		SessionID: sess.ConversationContext,
		RequestID: sess.RequestID,
		UserID:    sess.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base.String()+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream")

	st := &ragStream{cancel: cancel, timeout: s.idleTimeout}
	st.timer = time.AfterFunc(s.idleTimeout, st.expire)

	resp, err := s.client.Do(req)
	if err != nil {
		st.timer.Stop()
		cancel()
		if st.idle.Load() {
			return nil, fmt.Errorf("%w: no response within %s", ErrUpstream, s.idleTimeout)
		}
		return nil, fmt.Errorf("failed to reach answer backend: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		st.timer.Stop()
		cancel()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	st.body = resp.Body
	st.scanner = bufio.NewScanner(resp.Body)
	st.scanner.Buffer(make([]byte, 0, 64*1024), maxRAGLine)
	return st, nil
}

type ragStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	timer   *time.Timer
	timeout time.Duration
	idle    atomic.Bool

	fragment string
	err      error
	done     bool
}

func (st *ragStream) expire() {
	st.idle.Store(true)
	st.cancel()
}

func (st *ragStream) Next() bool {
	if st.done {
		return false
	}
	for st.scanner.Scan() {
		st.timer.Reset(st.timeout)

		line := strings.TrimSpace(st.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			line = strings.TrimSpace(data)
		}
		if line == "[DONE]" {
			st.done = true
			return false
		}

		var ev ragEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			st.fail(fmt.Errorf("%w: malformed event: %v", ErrUpstream, err))
			return false
		}
		if ev.Error != "" {
			st.fail(fmt.Errorf("%w: %s", ErrUpstream, ev.Error))
			return false
		}
		if ev.Done {
			st.done = true
			return false
		}
		if ev.Content == "" {
			continue
		}
		st.fragment = ev.Content
		return true
	}

	st.done = true
	if err := st.scanner.Err(); err != nil {
		if st.idle.Load() {
			err = fmt.Errorf("%w: no data for %s", ErrUpstream, st.timeout)
		}
		st.err = err
	}
	return false
}

func (st *ragStream) fail(err error) {
	st.err = err
	st.done = true
}

func (st *ragStream) Fragment() string {
	return st.fragment
}

func (st *ragStream) Err() error {
	return st.err
}

func (st *ragStream) Close() error {
	st.done = true
	st.timer.Stop()
	st.cancel()
	return st.body.Close()
}
