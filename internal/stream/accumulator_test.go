package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gophertalk/pkg/llm"
	"github.com/user/gophertalk/pkg/llm/openai"
)

func TestConsumeCompletes(t *testing.T) {
	s := llm.NewStaticStream(
		llm.Chunk{Content: "Hel"},
		llm.Chunk{Content: "lo"},
		llm.Chunk{Done: true, FinishReason: llm.FinishStop, Usage: &llm.Usage{TotalTokens: 3}},
	)

	var seen int
	var completed llm.Message
	res, err := Consume(context.Background(), s, Callbacks{
		OnChunk:    func(llm.Chunk) { seen++ },
		OnComplete: func(m llm.Message) { completed = m },
	}, "msg-1")
	require.NoError(t, err)

	assert.Equal(t, Completed, res.Outcome)
	assert.Equal(t, "Hello", res.Message.Content)
	assert.Equal(t, "msg-1", res.Message.ID)
	assert.Equal(t, llm.RoleAssistant, res.Message.Role)
	assert.Equal(t, llm.FinishStop, res.FinishReason)
	assert.Equal(t, 3, res.Usage.TotalTokens)
	assert.Equal(t, 3, seen)
	assert.Equal(t, res.Message, completed)
}

func TestConsumeStopsAtFinishReason(t *testing.T) {
	pulls := 0
	chunks := []llm.Chunk{{Content: "a"}, {FinishReason: llm.FinishLength}, {Content: "never"}}
	s := llm.NewChunkStream(func() (llm.Chunk, error) {
		if pulls >= len(chunks) {
			return llm.Chunk{}, io.EOF
		}
		c := chunks[pulls]
		pulls++
		return c, nil
	}, nil)

	res, err := Consume(context.Background(), s, Callbacks{}, "")
	require.NoError(t, err)
	assert.Equal(t, "a", res.Message.Content)
	assert.Equal(t, llm.FinishLength, res.FinishReason)
	assert.Equal(t, 2, pulls)
	assert.NotEmpty(t, res.Message.ID)
}

func TestConsumeReplacesToolCalls(t *testing.T) {
	first := []llm.ToolCall{{ID: "1", Function: llm.FunctionCall{Name: "a", Arguments: []byte(`{"x"`)}}}
	second := []llm.ToolCall{
		{ID: "1", Function: llm.FunctionCall{Name: "a", Arguments: []byte(`{"x":1}`)}},
		{ID: "2", Function: llm.FunctionCall{Name: "b", Arguments: []byte(`{}`)}},
	}
	s := llm.NewStaticStream(
		llm.Chunk{ToolCalls: first},
		llm.Chunk{ToolCalls: second},
		llm.Chunk{Done: true, FinishReason: llm.FinishToolCalls},
	)

	res, err := Consume(context.Background(), s, Callbacks{}, "")
	require.NoError(t, err)
	require.Len(t, res.Message.ToolCalls, 2)
	assert.Equal(t, `{"x":1}`, string(res.Message.ToolCalls[0].Function.Arguments))

	second[0].Function.Arguments[1] = 'y'
	assert.Equal(t, `{"x":1}`, string(res.Message.ToolCalls[0].Function.Arguments), "tool calls are copied")
}

func TestConsumeCancelBeforeSecondChunk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := llm.NewStaticStream(
		llm.Chunk{Content: "first"},
		llm.Chunk{Content: "second"},
		llm.Chunk{Done: true, FinishReason: llm.FinishStop},
	)

	completed := false
	res, err := Consume(ctx, s, Callbacks{
		OnChunk:    func(llm.Chunk) { cancel() },
		OnComplete: func(llm.Message) { completed = true },
	}, "")
	require.NoError(t, err)
	assert.Equal(t, Cancelled, res.Outcome)
	assert.Equal(t, "first", res.Message.Content)
	assert.False(t, completed)
}

func TestConsumeError(t *testing.T) {
	boom := errors.New("connection reset")
	sent := false
	s := llm.NewChunkStream(func() (llm.Chunk, error) {
		if !sent {
			sent = true
			return llm.Chunk{Content: "partial"}, nil
		}
		return llm.Chunk{}, boom
	}, nil)

	var reported error
	res, err := Consume(context.Background(), s, Callbacks{OnError: func(err error) { reported = err }}, "")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, boom, reported)
	assert.Equal(t, Failed, res.Outcome)
}

func TestConsumeSkipsMalformedLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, "data: {this is not json}\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	s, err := openai.New(nil).Stream(context.Background(), nil, llm.Request{BaseURL: server.URL, Model: "m"})
	require.NoError(t, err)

	var contents []string
	res, err := Consume(context.Background(), s, Callbacks{
		OnChunk: func(c llm.Chunk) {
			if c.Content != "" {
				contents = append(contents, c.Content)
			}
		},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, contents)
	assert.Equal(t, "Hello", res.Message.Content)
	assert.Equal(t, llm.FinishStop, res.FinishReason)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "failed", Failed.String())
}
