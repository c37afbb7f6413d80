package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/answer-stream/internal/model"
)

const (
	// StreamName is the name of the answer history stream.
	StreamName = "ASK_HISTORY"

	// SubjectPrefix is the prefix for all history subjects.
	SubjectPrefix = "history"

	defaultMaxAge = 90 * 24 * time.Hour
	fetchBatch    = 256
)

// StreamManager handles JetStream stream operations for answer history.
type StreamManager struct {
	client *Client
	maxAge time.Duration
}

// NewStreamManager creates a new stream manager. A zero maxAge keeps
// records for 90 days.
func NewStreamManager(client *Client, maxAge time.Duration) *StreamManager {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &StreamManager{client: client, maxAge: maxAge}
}

// EnsureStream ensures the history stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.maxAge,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Answered questions by client",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// SubjectToken makes s safe for use as a single subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// HistorySubject returns the subject for a history record.
func HistorySubject(clientID string, mode model.AnswerMode) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, SubjectToken(clientID), mode)
}

// ClientFilter returns the filter subject for all records of a client.
func ClientFilter(clientID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, SubjectToken(clientID))
}

// PublishRecord publishes a history record to JetStream. The record id is
// used as the message id so retried publishes are deduplicated.
func (m *StreamManager) PublishRecord(ctx context.Context, rec *model.HistoryRecord) (uint64, error) {
	subject := HistorySubject(rec.ClientID, rec.Mode)

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(rec.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish record: %w", err)
	}

	return ack.Sequence, nil
}

// ReadRecords returns every record of a client accepted by keep, oldest first.
func (m *StreamManager) ReadRecords(ctx context.Context, clientID string, keep func(*model.HistoryRecord) bool) ([]model.HistoryRecord, error) {
	consumer, err := m.client.JetStream().CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     ClientFilter(clientID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		_ = m.client.JetStream().DeleteConsumer(context.WithoutCancel(ctx), StreamName, consumer.CachedInfo().Name)
	}()

	var records []model.HistoryRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := consumer.FetchNoWait(fetchBatch)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch records: %w", err)
		}

		n := 0
		var pending uint64
		for msg := range batch.Messages() {
			n++
			meta, metaErr := msg.Metadata()
			if metaErr == nil {
				pending = meta.NumPending
			}
			var rec model.HistoryRecord
			if err := json.Unmarshal(msg.Data(), &rec); err != nil {
				continue
			}
			if metaErr == nil {
				rec.Sequence = meta.Sequence.Stream
			}
			if keep == nil || keep(&rec) {
				records = append(records, rec)
			}
		}

		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, fmt.Errorf("batch error: %w", err)
		}

		done, err := caughtUp(ctx, consumer, n, pending)
		if err != nil {
			return nil, err
		}
		if done {
			return records, nil
		}
	}
}

// caughtUp reports whether the consumer has delivered everything. A short
// batch is not proof of that, so the pending count decides: the last
// message's NumPending, or the consumer info after an empty batch.
func caughtUp(ctx context.Context, consumer jetstream.Consumer, n int, pending uint64) (bool, error) {
	if n > 0 {
		return pending == 0, nil
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read consumer info: %w", err)
	}
	return info.NumPending == 0, nil
}
