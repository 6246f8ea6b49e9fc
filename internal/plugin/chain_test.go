package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gophertalk/pkg/llm"
)

// fakePlugin implements every hook through optional Func fields.
type fakePlugin struct {
	name         string
	beforeSend   func(ctx context.Context, pc Context) (Context, error)
	afterReceive func(ctx context.Context, pc Context, msg llm.Message) (llm.Message, error)
}

func (f *fakePlugin) Name() string { return f.name }

func (f *fakePlugin) BeforeSend(ctx context.Context, pc Context) (Context, error) {
	if f.beforeSend == nil {
		return pc, nil
	}
	return f.beforeSend(ctx, pc)
}

func (f *fakePlugin) AfterReceive(ctx context.Context, pc Context, msg llm.Message) (llm.Message, error) {
	if f.afterReceive == nil {
		return msg, nil
	}
	return f.afterReceive(ctx, pc, msg)
}

// namedOnly implements no hooks.
type namedOnly struct{}

func (namedOnly) Name() string { return "inert" }

func appendNote(note string) func(context.Context, Context) (Context, error) {
	return func(_ context.Context, pc Context) (Context, error) {
		pc.Messages = append(pc.Messages, llm.Message{Role: llm.RoleSystem, Content: note})
		return pc, nil
	}
}

func captureLogs() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestBeforeSendRunsInOrder(t *testing.T) {
	chain := NewChain(nil,
		&fakePlugin{name: "a", beforeSend: appendNote("a")},
		namedOnly{},
		&fakePlugin{name: "b", beforeSend: appendNote("b")},
	)

	out := chain.BeforeSend(context.Background(), Context{})
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "a", out.Messages[0].Content)
	assert.Equal(t, "b", out.Messages[1].Content)
}

func TestBeforeSendIsolatesFailures(t *testing.T) {
	logger, logs := captureLogs()
	chain := NewChain(logger,
		&fakePlugin{name: "a", beforeSend: appendNote("a")},
		&fakePlugin{name: "broken", beforeSend: func(_ context.Context, pc Context) (Context, error) {
			pc.Messages[0].Content = "corrupted"
			return pc, errors.New("boom")
		}},
		&fakePlugin{name: "panics", beforeSend: func(context.Context, Context) (Context, error) {
			panic("kaboom")
		}},
		&fakePlugin{name: "b", beforeSend: appendNote("b")},
	)

	out := chain.BeforeSend(context.Background(), Context{})
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "a", out.Messages[0].Content, "failed hook must not leak its changes")
	assert.Equal(t, "b", out.Messages[1].Content)
	assert.Contains(t, logs.String(), "plugin=broken")
	assert.Contains(t, logs.String(), "panic: kaboom")
}

func TestAfterReceive(t *testing.T) {
	logger, logs := captureLogs()
	chain := NewChain(logger,
		&fakePlugin{name: "upper", afterReceive: func(_ context.Context, _ Context, msg llm.Message) (llm.Message, error) {
			msg.Content += "!"
			return msg, nil
		}},
		&fakePlugin{name: "blanker", afterReceive: func(_ context.Context, _ Context, msg llm.Message) (llm.Message, error) {
			msg.Content = ""
			return msg, nil
		}},
	)

	out := chain.AfterReceive(context.Background(), Context{}, llm.Message{Role: llm.RoleAssistant, Content: "hi"})
	assert.Equal(t, "hi!", out.Content)
	assert.Contains(t, logs.String(), "plugin=blanker")
}

type toolPlugin struct {
	*Toolset
}

type failingTool struct{}

func (failingTool) Name() string                { return "fail" }
func (failingTool) Description() string         { return "always fails" }
func (failingTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (failingTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", errors.New("disk full")
}

func TestChainTools(t *testing.T) {
	logger, logs := captureLogs()
	chain := NewChain(logger,
		toolPlugin{NewToolset("first", &echoTool{})},
		toolPlugin{NewToolset("second", &echoTool{}, failingTool{})},
	)

	tools := chain.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Function.Name)
	assert.Equal(t, "fail", tools[1].Function.Name)
	assert.Contains(t, logs.String(), "duplicate tool name ignored")
}

func TestChainOnToolCall(t *testing.T) {
	logger, _ := captureLogs()
	chain := NewChain(logger, toolPlugin{NewToolset("tools", &echoTool{}, failingTool{})})
	ctx := context.Background()

	got := chain.OnToolCall(ctx, llm.ToolCall{Function: llm.FunctionCall{Name: "echo", Arguments: json.RawMessage(`{"text":"yo"}`)}}, Context{})
	assert.Equal(t, "yo", got)

	got = chain.OnToolCall(ctx, llm.ToolCall{Function: llm.FunctionCall{Name: "fail"}}, Context{})
	assert.Equal(t, "error: disk full", got)

	got = chain.OnToolCall(ctx, llm.ToolCall{Function: llm.FunctionCall{Name: "missing"}}, Context{})
	assert.Equal(t, `error: unknown tool "missing"`, got)
}

func TestNilChain(t *testing.T) {
	var chain *Chain
	pc := Context{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}
	assert.Equal(t, pc, chain.BeforeSend(context.Background(), pc))
	assert.Nil(t, chain.Tools())
	assert.Contains(t, chain.OnToolCall(context.Background(), llm.ToolCall{}, pc), "unknown tool")
}

func TestContextClone(t *testing.T) {
	pc := Context{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
		Metadata: map[string]string{"k": "v"},
	}
	clone := pc.Clone()
	clone.Messages[0].Content = "y"
	clone.Metadata["k"] = "w"
	assert.Equal(t, "x", pc.Messages[0].Content)
	assert.Equal(t, "v", pc.Metadata["k"])
}
