package window

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/gophertalk/pkg/llm"
)

// Estimator approximates the token cost of text.
type Estimator interface {
	Count(text string) int
}

// CharEstimator is a length-based approximation: roughly four bytes of
// English text per token, rounded up. It is deliberately inexact; budgets
// computed with it are estimates, not guarantees.
type CharEstimator struct {
	// CharsPerToken defaults to 4 when zero.
	CharsPerToken int
}

// Count returns ceil(len(text) / CharsPerToken).
func (e CharEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	return (len(text) + per - 1) / per
}

// TiktokenEstimator counts tokens with a BPE tokenizer. Counts are exact for
// OpenAI models and a close estimate for other vendors.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator selects the tokenizer for model, falling back to
// cl100k_base for unknown models.
func NewTiktokenEstimator(model string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Count returns the token count for text.
func (e *TiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}

// MessageTokens estimates the cost of a message: its content plus the name
// and arguments of each tool call.
func MessageTokens(e Estimator, m llm.Message) int {
	n := e.Count(m.Content)
	for _, tc := range m.ToolCalls {
		n += e.Count(tc.Function.Name)
		n += e.Count(string(tc.Function.Arguments))
	}
	return n
}
