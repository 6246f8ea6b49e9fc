package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/gophertalk/pkg/llm"
)

// Hook names used in PluginError.
const (
	HookBeforeSend   = "before_send"
	HookAfterReceive = "after_receive"
	HookToolCall     = "tool_call"
)

// Chain runs plugin hooks sequentially in registration order.
type Chain struct {
	plugins []Plugin
	logger  *slog.Logger
}

// NewChain creates a chain. A nil logger uses slog.Default().
func NewChain(logger *slog.Logger, plugins ...Plugin) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger}
	for _, p := range plugins {
		c.Add(p)
	}
	return c
}

// Add appends a plugin to the chain.
func (c *Chain) Add(p Plugin) {
	if p != nil {
		c.plugins = append(c.plugins, p)
	}
}

// Plugins returns the registered plugins in order.
func (c *Chain) Plugins() []Plugin {
	if c == nil {
		return nil
	}
	return append([]Plugin(nil), c.plugins...)
}

// BeforeSend threads pc through every BeforeSender. A hook that fails or
// panics is skipped: the next hook sees the value from before it ran.
func (c *Chain) BeforeSend(ctx context.Context, pc Context) Context {
	if c == nil {
		return pc
	}
	for _, p := range c.plugins {
		hook, ok := p.(BeforeSender)
		if !ok {
			continue
		}
		var out Context
		err := guard(func() error {
			var err error
			out, err = hook.BeforeSend(ctx, pc.Clone())
			return err
		})
		if err != nil {
			c.report(p, HookBeforeSend, err)
			continue
		}
		pc = out
	}
	return pc
}

// AfterReceive threads a completed message through every AfterReceiver.
// A hook that fails, panics, or returns an invalid message is skipped.
func (c *Chain) AfterReceive(ctx context.Context, pc Context, msg llm.Message) llm.Message {
	if c == nil {
		return msg
	}
	for _, p := range c.plugins {
		hook, ok := p.(AfterReceiver)
		if !ok {
			continue
		}
		var out llm.Message
		err := guard(func() error {
			var err error
			out, err = hook.AfterReceive(ctx, pc.Clone(), msg.Clone())
			if err != nil {
				return err
			}
			return out.Validate()
		})
		if err != nil {
			c.report(p, HookAfterReceive, err)
			continue
		}
		msg = out
	}
	return msg
}

// Tools returns the tool schemas of every ToolHandler. When two plugins
// advertise the same tool name the first registration wins.
func (c *Chain) Tools() []llm.Tool {
	if c == nil {
		return nil
	}
	var out []llm.Tool
	seen := map[string]string{}
	for _, p := range c.plugins {
		h, ok := p.(ToolHandler)
		if !ok {
			continue
		}
		var tools []llm.Tool
		if err := guard(func() error { tools = h.Tools(); return nil }); err != nil {
			c.report(p, HookToolCall, err)
			continue
		}
		for _, t := range tools {
			if owner, dup := seen[t.Function.Name]; dup {
				c.logger.Warn("duplicate tool name ignored", "tool", t.Function.Name, "plugin", p.Name(), "owner", owner)
				continue
			}
			seen[t.Function.Name] = p.Name()
			out = append(out, t)
		}
	}
	return out
}

// OnToolCall dispatches call to the plugin that advertises its tool and
// returns the result text sent back to the model. Failures become result
// text rather than errors so the model can see them.
func (c *Chain) OnToolCall(ctx context.Context, call llm.ToolCall, pc Context) string {
	handler := c.handlerFor(call.Function.Name)
	if handler == nil {
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name)
	}

	var result string
	err := guard(func() error {
		var err error
		result, err = handler.OnToolCall(ctx, call, pc.Clone())
		return err
	})
	if err != nil {
		c.report(handler, HookToolCall, err)
		return fmt.Sprintf("error: %v", err)
	}
	return result
}

func (c *Chain) handlerFor(tool string) ToolHandler {
	if c == nil {
		return nil
	}
	for _, p := range c.plugins {
		h, ok := p.(ToolHandler)
		if !ok {
			continue
		}
		var tools []llm.Tool
		if guard(func() error { tools = h.Tools(); return nil }) != nil {
			continue
		}
		for _, t := range tools {
			if t.Function.Name == tool {
				return h
			}
		}
	}
	return nil
}

func (c *Chain) report(p Plugin, hook string, err error) {
	pe := &llm.PluginError{Plugin: p.Name(), Hook: hook, Err: err}
	c.logger.Warn("plugin hook failed", "plugin", pe.Plugin, "hook", pe.Hook, "error", pe.Err)
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
