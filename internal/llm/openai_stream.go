package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/RichardoC/branchpad/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// ChatCompletionStreamer is the part of the go-openai client used here.
type ChatCompletionStreamer interface {
	CreateChatCompletionStream(ctx context.Context, req goopenai.ChatCompletionRequest) (*goopenai.ChatCompletionStream, error)
}

// OpenAIService streams completions directly through go-openai.
type OpenAIService struct {
	client       ChatCompletionStreamer
	model        string
	systemPrompt string
	timeout      time.Duration
}

var _ Provider = (*OpenAIService)(nil)

func NewOpenAI(baseURL, token, model string, opts ...Option) *OpenAIService {
	cfg := goopenai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return NewOpenAIWithClient(goopenai.NewClientWithConfig(cfg), model, opts...)
}

// NewOpenAIWithClient streams through an already configured client.
func NewOpenAIWithClient(client ChatCompletionStreamer, model string, opts ...Option) *OpenAIService {
	o := collect(opts)
	return &OpenAIService{
		client:       client,
		model:        model,
		systemPrompt: o.systemPrompt,
		timeout:      o.timeout,
	}
}

func (s *OpenAIService) request(history []models.Message) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(history)+1)
	if s.systemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: s.systemPrompt,
		})
	}
	for _, msg := range history {
		role := goopenai.ChatMessageRoleUser
		if msg.Role == models.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return goopenai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		Stream:   true,
	}
}

func (s *OpenAIService) Generate(ctx context.Context, history []models.Message, emit EmitFunc) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, s.request(history))
	if err != nil {
		return "", fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer stream.Close()

	var message strings.Builder
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return message.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read completion stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		message.WriteString(delta)
		if err := emit(ctx, EncodeDelta(delta)); err != nil {
			return "", err
		}
	}
}
