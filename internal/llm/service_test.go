package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/RichardoC/branchpad/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type fakeModel struct {
	chunks   []string
	final    string
	err      error
	received []llms.MessageContent
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.received = messages
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	for _, c := range m.chunks {
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	content := m.final
	if content == "" {
		content = strings.Join(m.chunks, "")
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func collectEmits(frames *[]string) EmitFunc {
	return func(_ context.Context, chunk []byte) error {
		*frames = append(*frames, string(chunk))
		return nil
	}
}

var history = []models.Message{
	{Role: models.RoleUser, Content: "Tell me a story"},
	{Role: models.RoleAssistant, Content: "Once upon a time"},
	{Role: models.RoleUser, Content: "Continue"},
}

func TestServiceStreamsChunksAndReturnsFullText(t *testing.T) {
	model := &fakeModel{chunks: []string{"Hello", " world"}}
	svc := NewWithModel(model, WithSystemPrompt("be brief"))

	var frames []string
	text, err := svc.Generate(context.Background(), history, collectEmits(&frames))
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, []string{string(EncodeDelta("Hello")), string(EncodeDelta(" world"))}, frames)

	require.Len(t, model.received, 4)
	assert.Equal(t, schema.ChatMessageTypeSystem, model.received[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, model.received[1].Role)
	assert.Equal(t, schema.ChatMessageTypeAI, model.received[2].Role)
}

func TestServiceForwardsUnstreamedReply(t *testing.T) {
	model := &fakeModel{final: "all at once"}
	svc := NewWithModel(model)

	var frames []string
	text, err := svc.Generate(context.Background(), history, collectEmits(&frames))
	require.NoError(t, err)
	assert.Equal(t, "all at once", text)
	assert.Equal(t, []string{string(EncodeDelta("all at once"))}, frames)
}

func TestServiceReturnsUpstreamError(t *testing.T) {
	model := &fakeModel{chunks: []string{"partial"}, err: errors.New("overloaded")}
	svc := NewWithModel(model)

	var frames []string
	_, err := svc.Generate(context.Background(), history, collectEmits(&frames))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Len(t, frames, 1)
}

func TestServiceStopsWhenEmitFails(t *testing.T) {
	model := &fakeModel{chunks: []string{"a", "b", "c"}}
	svc := NewWithModel(model)
	gone := errors.New("client gone")

	calls := 0
	_, err := svc.Generate(context.Background(), history, func(context.Context, []byte) error {
		calls++
		return gone
	})
	require.ErrorIs(t, err, gone)
	assert.Equal(t, 1, calls)
}

func TestEncodeDelta(t *testing.T) {
	assert.Equal(t, "data: {\"type\":\"text\",\"content\":\"a \\\"quote\\\"\\n\"}\n\n", string(EncodeDelta("a \"quote\"\n")))
}

func chunkJSON(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"test","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, content)
}

func TestOpenAIServiceStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Hello", " world"} {
			fmt.Fprintf(w, "data: %s\n\n", chunkJSON(c))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	svc := NewOpenAI(server.URL+"/", "test-token", "test-model")
	var frames []string
	text, err := svc.Generate(context.Background(), history, collectEmits(&frames))
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, []string{string(EncodeDelta("Hello")), string(EncodeDelta(" world"))}, frames)
}

func TestOpenAIServiceReportsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
	}))
	defer server.Close()

	svc := NewOpenAI(server.URL, "test-token", "test-model")
	_, err := svc.Generate(context.Background(), history, collectEmits(new([]string)))
	require.Error(t, err)
}

type recordingStreamer struct {
	req goopenai.ChatCompletionRequest
	err error
}

func (s *recordingStreamer) CreateChatCompletionStream(_ context.Context, req goopenai.ChatCompletionRequest) (*goopenai.ChatCompletionStream, error) {
	s.req = req
	return nil, s.err
}

func TestOpenAIServiceBuildsStreamingRequest(t *testing.T) {
	streamer := &recordingStreamer{err: errors.New("refused")}
	svc := NewOpenAIWithClient(streamer, "test-model", WithSystemPrompt("be brief"))

	var frames []string
	_, err := svc.Generate(context.Background(), history, collectEmits(&frames))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Empty(t, frames)

	req := streamer.req
	assert.True(t, req.Stream)
	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, goopenai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content)
	assert.Equal(t, goopenai.ChatMessageRoleUser, req.Messages[1].Role)
	assert.Equal(t, goopenai.ChatMessageRoleAssistant, req.Messages[2].Role)
	assert.Equal(t, "Continue", req.Messages[3].Content)
}

type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func TestWindow(t *testing.T) {
	assert.Len(t, Window(history, 0), 3)
	assert.Len(t, Window(history, 5), 3)
	got := Window(history, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "Once upon a time", got[0].Content)
}

func TestTrimToBudget(t *testing.T) {
	// Word counts: 4, 4, 1.
	assert.Len(t, TrimToBudget(history, 0, wordCounter{}), 3)
	assert.Len(t, TrimToBudget(history, 100, nil), 3)

	got := TrimToBudget(history, 5, wordCounter{})
	require.Len(t, got, 2)
	assert.Equal(t, "Once upon a time", got[0].Content)

	got = TrimToBudget(history, 9, wordCounter{})
	assert.Len(t, got, 3)

	long := []models.Message{{Role: models.RoleUser, Content: "one two three four five six"}}
	assert.Len(t, TrimToBudget(long, 2, wordCounter{}), 1)
}
