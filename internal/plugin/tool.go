package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/user/gophertalk/pkg/llm"
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Toolset is a ToolHandler backed by a set of Tools. Plugins embed or
// return one to expose tools without writing their own dispatch.
type Toolset struct {
	name  string
	tools map[string]Tool
}

// NewToolset creates a toolset plugin with the given name.
func NewToolset(name string, tools ...Tool) *Toolset {
	ts := &Toolset{name: name, tools: make(map[string]Tool)}
	for _, t := range tools {
		ts.Register(t)
	}
	return ts
}

// Name returns the plugin name.
func (ts *Toolset) Name() string { return ts.name }

// Register adds a tool to the set.
func (ts *Toolset) Register(t Tool) {
	ts.tools[t.Name()] = t
}

// Get returns a tool by name.
func (ts *Toolset) Get(name string) (Tool, bool) {
	t, ok := ts.tools[name]
	return t, ok
}

// Names returns the tool names in sorted order.
func (ts *Toolset) Names() []string {
	out := make([]string, 0, len(ts.tools))
	for name := range ts.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Tools converts the registered tools to the LLM provider format, sorted by
// name so requests are stable.
func (ts *Toolset) Tools() []llm.Tool {
	out := make([]llm.Tool, 0, len(ts.tools))
	for _, name := range ts.Names() {
		t := ts.tools[name]
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// OnToolCall executes the named tool.
func (ts *Toolset) OnToolCall(ctx context.Context, call llm.ToolCall, _ Context) (string, error) {
	t, ok := ts.tools[call.Function.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Function.Name)
	}
	args := call.Function.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return t.Execute(ctx, args)
}
