// Package plugin defines the hooks a plugin may implement and the Chain
// that runs them. Every hook is optional: a plugin implements only the
// interfaces it needs. Hook failures are isolated; they are logged and the
// turn continues as if the hook had not run.
package plugin

import (
	"context"
	"maps"

	"github.com/user/gophertalk/pkg/llm"
)

// Plugin is the base interface every plugin satisfies.
type Plugin interface {
	Name() string
}

// BeforeSender rewrites the outgoing composition before it is sent.
type BeforeSender interface {
	Plugin
	BeforeSend(ctx context.Context, pc Context) (Context, error)
}

// AfterReceiver post-processes a completed assistant message.
type AfterReceiver interface {
	Plugin
	AfterReceive(ctx context.Context, pc Context, msg llm.Message) (llm.Message, error)
}

// ToolHandler advertises tools to the model and executes calls to them.
type ToolHandler interface {
	Plugin
	Tools() []llm.Tool
	OnToolCall(ctx context.Context, call llm.ToolCall, pc Context) (string, error)
}

// Context is the value threaded through hooks. Each hook receives its own
// copy and returns the value the next hook sees.
type Context struct {
	SessionID string
	Provider  string
	Messages  []llm.Message
	Tools     []llm.Tool
	Metadata  map[string]string
}

// Clone returns a deep copy of pc.
func (pc Context) Clone() Context {
	out := pc
	if pc.Messages != nil {
		out.Messages = make([]llm.Message, len(pc.Messages))
		for i, m := range pc.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if pc.Tools != nil {
		out.Tools = append([]llm.Tool(nil), pc.Tools...)
	}
	if pc.Metadata != nil {
		out.Metadata = maps.Clone(pc.Metadata)
	}
	return out
}
