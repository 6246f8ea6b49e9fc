// Package stream folds a chunk stream into an assistant message.
package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/user/gophertalk/pkg/llm"
)

// Outcome is how consumption ended.
type Outcome int

const (
	Completed Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Callbacks are optional hooks invoked during consumption.
type Callbacks struct {
	// OnChunk is called after each chunk has been applied to the message.
	OnChunk func(chunk llm.Chunk)

	// OnComplete is called with the finished message on normal completion.
	OnComplete func(msg llm.Message)

	// OnError is called with the stream error before Consume returns it.
	OnError func(err error)
}

// Result is the message built from a stream and how the stream ended.
type Result struct {
	Message      llm.Message
	Outcome      Outcome
	FinishReason llm.FinishReason
	Usage        *llm.Usage
}

// Consume reads stream until a terminal chunk, an error, or cancellation of
// ctx, building a new assistant message. messageID is used as the message ID
// when non-empty.
//
// Cancellation is checked once per chunk, before pulling the next one: a
// chunk that was already received is applied in full. A cancelled stream
// returns the partial message with Outcome Cancelled and a nil error. A
// stream error is passed to OnError and returned with Outcome Failed.
// The stream is always closed.
func Consume(ctx context.Context, s *llm.ChunkStream, cb Callbacks, messageID string) (Result, error) {
	defer s.Close()

	if messageID == "" {
		messageID = llm.NewMessageID()
	}
	res := Result{
		Message: llm.Message{
			ID:        messageID,
			Role:      llm.RoleAssistant,
			CreatedAt: time.Now(),
		},
	}
	var content strings.Builder

	for {
		if ctx.Err() != nil {
			res.Outcome = Cancelled
			return res, nil
		}

		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Outcome = Failed
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return res, err
		}

		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			res.Message.Content = content.String()
		}
		if chunk.ToolCalls != nil {
			res.Message.ToolCalls = llm.Message{ToolCalls: chunk.ToolCalls}.Clone().ToolCalls
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			res.Usage = &u
		}
		if chunk.FinishReason != "" {
			res.FinishReason = chunk.FinishReason
		}
		if cb.OnChunk != nil {
			cb.OnChunk(chunk)
		}
		if chunk.Terminal() {
			break
		}
	}

	res.Outcome = Completed
	if cb.OnComplete != nil {
		cb.OnComplete(res.Message)
	}
	return res, nil
}
