// Package answer provides the streaming answer sources the orchestrator reads from.
package answer

import (
	"context"
	"errors"
	"fmt"
)

// ErrUpstream marks a failure reported by the answer source itself, as
// opposed to a transport or cancellation error.
var ErrUpstream = errors.New("answer source error")

// ErrUnknownAgent is returned when an agent session names no configured agent.
var ErrUnknownAgent = errors.New("unknown agent")

// Session describes one call to an answer source.
type Session struct {
	RequestID           string
	ClientID            string
	Question            string
	AgentID             string
	ConversationContext string
}

// Stream yields answer fragments. A fragment is either an incremental delta
// or the full answer so far, depending on the source.
type Stream interface {
	// Next advances to the next fragment. It returns false at the end of
	// the stream or on error.
	Next() bool

	// Fragment returns the current fragment.
	Fragment() string

	// Err returns the error that ended the stream, if any.
	Err() error

	// Close releases the upstream session.
	Close() error
}

// Source opens streaming sessions against an answer backend.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// OpenChat starts a plain question/answer session.
	OpenChat(ctx context.Context, s Session) (Stream, error)

	// OpenAgent starts a session against the agent named by s.AgentID.
	OpenAgent(ctx context.Context, s Session) (Stream, error)
}

// Kind is the type of answer source.
type Kind string

const (
	KindRAG       Kind = "rag"
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
)

// Options configures NewSource.
type Options struct {
	RAG       RAGConfig
	OpenAI    LLMConfig
	Anthropic LLMConfig

	// Agents maps agent ids to system prompts for the LLM sources.
	Agents map[string]string
}

// NewSource creates the answer source of the given kind.
func NewSource(kind Kind, opts Options) (Source, error) {
	switch kind {
	case KindRAG, "":
		return NewRAGSource(opts.RAG)
	case KindOpenAI:
		return NewOpenAISource(opts.OpenAI, opts.Agents)
	case KindAnthropic:
		return NewAnthropicSource(opts.Anthropic, opts.Agents)
	default:
		return nil, fmt.Errorf("unsupported answer source %q", kind)
	}
}

// LLMConfig configures a hosted model source.
type LLMConfig struct {
	APIKey    string
	Model     string
	MaxTokens int

	// BaseURL overrides the provider endpoint. Used in tests.
	BaseURL string
}

const defaultMaxTokens = 1024

// systemPrompt resolves the prompt for a session. Chat sessions get the
// default prompt; agent sessions must name a configured agent.
func systemPrompt(agents map[string]string, s Session, agent bool) (string, error) {
	if !agent {
		return defaultSystemPrompt, nil
	}
	prompt, ok := agents[s.AgentID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, s.AgentID)
	}
	return prompt, nil
}

const defaultSystemPrompt = "你是一名展馆讲解助手。请用简洁、口语化的中文回答访客的问题。"
