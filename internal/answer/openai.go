package answer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAISource streams answers from the OpenAI chat completions API.
type OpenAISource struct {
	client    *openai.Client
	model     string
	maxTokens int
	agents    map[string]string
}

// NewOpenAISource creates a new OpenAI source.
func NewOpenAISource(cfg LLMConfig, agents map[string]string) (*OpenAISource, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	return &OpenAISource{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		agents:    agents,
	}, nil
}

// Name returns the source name.
func (s *OpenAISource) Name() string {
	return string(KindOpenAI)
}

// OpenChat starts a chat completion with the default prompt.
func (s *OpenAISource) OpenChat(ctx context.Context, sess Session) (Stream, error) {
	return s.open(ctx, sess, false)
}

// OpenAgent starts a chat completion with the agent's prompt.
func (s *OpenAISource) OpenAgent(ctx context.Context, sess Session) (Stream, error) {
	return s.open(ctx, sess, true)
}

func (s *OpenAISource) open(ctx context.Context, sess Session, agent bool) (Stream, error) {
	prompt, err := systemPrompt(s.agents, sess, agent)
	if err != nil {
		return nil, err
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: sess.Question},
		},
		MaxTokens: s.maxTokens,
		Stream:    true,
		User:      sess.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	return &openAIStream{stream: stream}, nil
}

// openAIStream yields incremental deltas.
type openAIStream struct {
	stream   *openai.ChatCompletionStream
	fragment string
	err      error
	done     bool
}

func (st *openAIStream) Next() bool {
	for !st.done {
		resp, err := st.stream.Recv()
		if errors.Is(err, io.EOF) {
			st.done = true
			return false
		}
		if err != nil {
			st.err = err
			st.done = true
			return false
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		st.fragment = resp.Choices[0].Delta.Content
		return true
	}
	return false
}

func (st *openAIStream) Fragment() string {
	return st.fragment
}

func (st *openAIStream) Err() error {
	return st.err
}

func (st *openAIStream) Close() error {
	st.done = true
	st.stream.Close()
	return nil
}
