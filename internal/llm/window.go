package llm

import (
	"fmt"

	"github.com/RichardoC/branchpad/internal/models"
	"github.com/pkoukk/tiktoken-go"
)

// Window keeps the most recent limit messages of history. A non-positive
// limit keeps everything.
func Window(history []models.Message, limit int) []models.Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

// TokenCounter estimates how many tokens a text costs the model.
type TokenCounter interface {
	Count(text string) int
}

// TrimToBudget drops messages from the oldest end until the remaining
// history fits budget tokens. The newest message is always kept. A
// non-positive budget or a nil counter disables trimming.
func TrimToBudget(history []models.Message, budget int, counter TokenCounter) []models.Message {
	if budget <= 0 || counter == nil || len(history) == 0 {
		return history
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += counter.Count(history[i].Content)
		if total > budget && i < len(history)-1 {
			break
		}
		start = i
	}
	return history[start:]
}

// TiktokenCounter counts tokens with the BPE encoding of a model, falling
// back to cl100k_base for models tiktoken does not know.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load token encoding: %w", err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
