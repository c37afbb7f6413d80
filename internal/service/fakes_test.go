package service_test

import (
	"context"
	"errors"
	"sync"

	"github.com/capitalize-ai/answer-stream/internal/answer"
	"github.com/capitalize-ai/answer-stream/internal/intent"
	"github.com/capitalize-ai/answer-stream/internal/model"
)

// fakeSource replays scripted fragments.
type fakeSource struct {
	mu        sync.Mutex
	fragments []string
	openErr   error
	streamErr error
	block     bool // block after the fragments until the context ends

	opened   int
	sessions []answer.Session
	agent    bool
	streams  []*fakeStream
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) OpenChat(ctx context.Context, sess answer.Session) (answer.Stream, error) {
	return s.open(ctx, sess, false)
}

func (s *fakeSource) OpenAgent(ctx context.Context, sess answer.Session) (answer.Stream, error) {
	return s.open(ctx, sess, true)
}

func (s *fakeSource) open(ctx context.Context, sess answer.Session, agent bool) (answer.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	s.sessions = append(s.sessions, sess)
	s.agent = agent
	if s.openErr != nil {
		return nil, s.openErr
	}
	st := &fakeStream{ctx: ctx, fragments: s.fragments, err: s.streamErr, block: s.block}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *fakeSource) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *fakeSource) LastSession() answer.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[len(s.sessions)-1]
}

type fakeStream struct {
	ctx       context.Context
	fragments []string
	err       error
	block     bool

	nexts    int
	pos      int
	current  string
	finalErr error
	closed   bool
}

func (st *fakeStream) Next() bool {
	st.nexts++
	if st.closed {
		return false
	}
	if err := st.ctx.Err(); err != nil {
		st.finalErr = err
		return false
	}
	if st.pos < len(st.fragments) {
		st.current = st.fragments[st.pos]
		st.pos++
		return true
	}
	if st.block {
		<-st.ctx.Done()
		st.finalErr = st.ctx.Err()
		return false
	}
	st.finalErr = st.err
	return false
}

func (st *fakeStream) Fragment() string { return st.current }
func (st *fakeStream) Err() error       { return st.finalErr }

func (st *fakeStream) Close() error {
	st.closed = true
	return nil
}

// fakeClassifier returns a fixed result.
type fakeClassifier struct {
	res intent.Result
	err error
}

func (c fakeClassifier) Classify(context.Context, string) (intent.Result, error) {
	return c.res, c.err
}

var errBackend = errors.New("backend exploded")

// recorder collects emitted events. onEvent may return an error to
// simulate a consumer that went away.
type recorder struct {
	mu      sync.Mutex
	events  []model.Event
	onEvent func(model.Event) error
}

func (r *recorder) emit(ev model.Event) error {
	if r.onEvent != nil {
		if err := r.onEvent(ev); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

func (r *recorder) deltas() []string {
	var out []string
	for _, ev := range r.all() {
		if d, ok := ev.(model.TextDelta); ok {
			out = append(out, d.Text)
		}
	}
	return out
}

func (r *recorder) segments() []model.Segment {
	var out []model.Segment
	for _, ev := range r.all() {
		if s, ok := ev.(model.Segment); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) done() bool {
	for _, ev := range r.all() {
		if _, ok := ev.(model.Done); ok {
			return true
		}
	}
	return false
}

func (r *recorder) indexOf(match func(model.Event) bool) int {
	for i, ev := range r.all() {
		if match(ev) {
			return i
		}
	}
	return -1
}
