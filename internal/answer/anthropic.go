package answer

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicModel = "claude-3-5-haiku-20241022"

// AnthropicSource streams answers from the Anthropic messages API.
type AnthropicSource struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	agents    map[string]string
}

// NewAnthropicSource creates a new Anthropic source.
func NewAnthropicSource(cfg LLMConfig, agents map[string]string) (*AnthropicSource, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	return &AnthropicSource{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		agents:    agents,
	}, nil
}

// Name returns the source name.
func (s *AnthropicSource) Name() string {
	return string(KindAnthropic)
}

// OpenChat starts a message stream with the default prompt.
func (s *AnthropicSource) OpenChat(ctx context.Context, sess Session) (Stream, error) {
	return s.open(ctx, sess, false)
}

// OpenAgent starts a message stream with the agent's prompt.
func (s *AnthropicSource) OpenAgent(ctx context.Context, sess Session) (Stream, error) {
	return s.open(ctx, sess, true)
}

func (s *AnthropicSource) open(ctx context.Context, sess Session, agent bool) (Stream, error) {
	prompt, err := systemPrompt(s.agents, sess, agent)
	if err != nil {
		return nil, err
	}

	stream := s.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(s.model)),
		MaxTokens: anthropic.F(int64(s.maxTokens)),
		System:    anthropic.F([]anthropic.TextBlockParam{anthropic.NewTextBlock(prompt)}),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sess.Question)),
		}),
	})

	// Request failures surface through the stream; report them as open errors.
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}

	return &anthropicStream{stream: stream}, nil
}

// anthropicStream yields text deltas from content_block_delta events.
type anthropicStream struct {
	stream   *ssestream.Stream[anthropic.MessageStreamEvent]
	fragment string
}

func (st *anthropicStream) Next() bool {
	for st.stream.Next() {
		switch event := st.stream.Current().AsUnion().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if event.Delta.Text != "" {
				st.fragment = event.Delta.Text
				return true
			}
		case anthropic.MessageStopEvent:
			return false
		}
	}
	return false
}

func (st *anthropicStream) Fragment() string {
	return st.fragment
}

func (st *anthropicStream) Err() error {
	return st.stream.Err()
}

func (st *anthropicStream) Close() error {
	return st.stream.Close()
}
