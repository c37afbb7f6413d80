package history

import (
	"context"
	"time"

	"github.com/capitalize-ai/answer-stream/internal/model"
	natsclient "github.com/capitalize-ai/answer-stream/internal/nats"
)

// JetStream is a Store that appends records to a NATS JetStream stream.
type JetStream struct {
	streams *natsclient.StreamManager
	now     func() time.Time
}

// NewJetStream creates the store and ensures the history stream exists.
func NewJetStream(ctx context.Context, streams *natsclient.StreamManager) (*JetStream, error) {
	if err := streams.EnsureStream(ctx); err != nil {
		return nil, err
	}
	return &JetStream{streams: streams, now: time.Now}, nil
}

// Name returns the backend name.
func (s *JetStream) Name() string {
	return "jetstream"
}

// Append publishes a record.
func (s *JetStream) Append(ctx context.Context, rec *model.HistoryRecord) error {
	prepare(rec, s.now)
	seq, err := s.streams.PublishRecord(ctx, rec)
	if err != nil {
		return err
	}
	rec.Sequence = seq
	return nil
}

// List replays the client's subject and keeps the most recent matches.
func (s *JetStream) List(ctx context.Context, q Query) ([]model.HistoryRecord, error) {
	records, err := s.streams.ReadRecords(ctx, q.ClientID, func(rec *model.HistoryRecord) bool {
		return rec.ClientID == q.ClientID && q.matches(rec)
	})
	if err != nil {
		return nil, err
	}
	return tail(records, q.limit()), nil
}

// Close is a no-op; the connection is owned by the caller.
func (s *JetStream) Close() error {
	return nil
}
