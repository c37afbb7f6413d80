package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/answer-stream/internal/model"
)

// SQLite is a Store backed by an embedded SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS history (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    request_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    question TEXT NOT NULL,
    answer TEXT NOT NULL,
    mode TEXT NOT NULL,
    conversation_context TEXT,
    agent_id TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_client_seq ON history(client_id, seq);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Name returns the backend name.
func (s *SQLite) Name() string {
	return "sqlite"
}

// Append inserts a record.
func (s *SQLite) Append(ctx context.Context, rec *model.HistoryRecord) error {
	prepare(rec, s.now)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history(id, request_id, client_id, question, answer, mode, conversation_context, agent_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.ClientID, rec.Question, rec.Answer, string(rec.Mode),
		rec.ConversationContext, rec.AgentID, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		rec.Sequence = uint64(seq)
	}
	return nil
}

// List returns the most recent matching records, oldest first.
func (s *SQLite) List(ctx context.Context, q Query) ([]model.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, request_id, client_id, question, answer, mode,
		        COALESCE(conversation_context, ''), COALESCE(agent_id, ''), created_at
		   FROM (
		     SELECT * FROM history
		      WHERE client_id = ? AND (? = '' OR conversation_context = ?)
		      ORDER BY seq DESC
		      LIMIT ?
		   )
		  ORDER BY seq ASC`,
		q.ClientID, q.ConversationContext, q.ConversationContext, q.limit())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []model.HistoryRecord
	for rows.Next() {
		var rec model.HistoryRecord
		var mode, created string
		var seq int64
		if err := rows.Scan(&seq, &rec.ID, &rec.RequestID, &rec.ClientID, &rec.Question, &rec.Answer,
			&mode, &rec.ConversationContext, &rec.AgentID, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = ts
		}
		rec.Mode = model.AnswerMode(mode)
		rec.Sequence = uint64(seq)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
