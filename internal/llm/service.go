package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/branchpad/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// EmitFunc receives one wire chunk. Returning an error aborts generation.
type EmitFunc func(ctx context.Context, chunk []byte) error

// Provider produces an assistant reply for an ordered history. Chunks are
// handed to emit as they arrive; the return value is the full text once the
// upstream stream has ended.
type Provider interface {
	Generate(ctx context.Context, history []models.Message, emit EmitFunc) (string, error)
}

// Service streams completions through langchaingo's OpenAI-compatible client.
type Service struct {
	llm          llms.Model
	systemPrompt string
	timeout      time.Duration
}

var _ Provider = (*Service)(nil)

type Option func(*options)

type options struct {
	systemPrompt string
	timeout      time.Duration
}

func WithSystemPrompt(prompt string) Option {
	return func(o *options) {
		o.systemPrompt = prompt
	}
}

// WithTimeout bounds a whole generation, including the time spent streaming.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func New(baseURL, token, model string, opts ...Option) (*Service, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return NewWithModel(llm, opts...), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, opts ...Option) *Service {
	o := collect(opts)
	return &Service{llm: model, systemPrompt: o.systemPrompt, timeout: o.timeout}
}

func (s *Service) Generate(ctx context.Context, history []models.Message, emit EmitFunc) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	content := make([]llms.MessageContent, 0, len(history)+1)
	if s.systemPrompt != "" {
		content = append(content, llms.TextParts(schema.ChatMessageTypeSystem, s.systemPrompt))
	}
	for _, msg := range history {
		content = append(content, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}

	var full strings.Builder
	streamed := false
	resp, err := s.llm.GenerateContent(ctx, content,
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed = true
			full.Write(chunk)
			return emit(ctx, EncodeDelta(string(chunk)))
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}

	// Some OpenAI-compatible servers ignore the stream flag and answer in one
	// piece; forward that piece so the client still sees the reply.
	if !streamed && resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
		text := resp.Choices[0].Content
		if err := emit(ctx, EncodeDelta(text)); err != nil {
			return "", err
		}
		return text, nil
	}
	return full.String(), nil
}

func chatMessageType(role models.Role) schema.ChatMessageType {
	if role == models.RoleAssistant {
		return schema.ChatMessageTypeAI
	}
	return schema.ChatMessageTypeHuman
}
