// Package history persists answered turns.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/answer-stream/internal/model"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Query selects records for one client, optionally narrowed to a conversation.
type Query struct {
	ClientID            string
	ConversationContext string
	Limit               int
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultLimit
	case q.Limit > maxLimit:
		return maxLimit
	default:
		return q.Limit
	}
}

func (q Query) matches(rec *model.HistoryRecord) bool {
	return q.ConversationContext == "" || rec.ConversationContext == q.ConversationContext
}

// Store persists history records.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Append writes a record. Empty ID and CreatedAt are filled in.
	Append(ctx context.Context, rec *model.HistoryRecord) error

	// List returns the most recent matching records, oldest first.
	List(ctx context.Context, q Query) ([]model.HistoryRecord, error)

	// Close releases backend resources.
	Close() error
}

// prepare fills the server-assigned fields of a record.
func prepare(rec *model.HistoryRecord, now func() time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now().UTC()
	}
}

// tail returns the last n records.
func tail(records []model.HistoryRecord, n int) []model.HistoryRecord {
	if len(records) > n {
		return records[len(records)-n:]
	}
	return records
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records []model.HistoryRecord
	seq     uint64
	now     func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// Name returns the backend name.
func (m *Memory) Name() string {
	return "memory"
}

// Append stores a copy of rec.
func (m *Memory) Append(_ context.Context, rec *model.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepare(rec, m.now)
	m.seq++
	rec.Sequence = m.seq
	m.records = append(m.records, *rec)
	return nil
}

// List returns matching records.
func (m *Memory) List(_ context.Context, q Query) ([]model.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.HistoryRecord
	for i := range m.records {
		if m.records[i].ClientID == q.ClientID && q.matches(&m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	return tail(out, q.limit()), nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
