package model

import "time"

// AnswerMode records which branch of the pipeline produced an answer.
type AnswerMode string

const (
	ModeFastPath AnswerMode = "fast_path"
	ModeCache    AnswerMode = "cache"
	ModeChat     AnswerMode = "chat"
	ModeAgent    AnswerMode = "agent"
)

// HistoryRecord is one persisted question/answer turn.
type HistoryRecord struct {
	ID                  string     `json:"id"`
	RequestID           string     `json:"request_id"`
	ClientID            string     `json:"client_id"`
	Question            string     `json:"question"`
	Answer              string     `json:"answer"`
	Mode                AnswerMode `json:"mode"`
	ConversationContext string     `json:"conversation_context,omitempty"`
	AgentID             string     `json:"agent_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`

	// Sequence is populated on read from stores that assign one.
	Sequence uint64 `json:"sequence,omitempty"`
}
