// Package compose builds the message list sent on a turn.
package compose

import (
	"context"
	"strings"

	"github.com/user/gophertalk/internal/plugin"
	"github.com/user/gophertalk/pkg/llm"
)

// SystemlessVendors lists adapters that accept no system role in the
// message array.
var SystemlessVendors = map[string]bool{
	"gemini": true,
}

// Input is what the composer starts from.
type Input struct {
	SessionID    string
	Provider     string
	SystemPrompt string

	// Summary of messages that have left the window; appended to the
	// system message.
	Summary string

	Messages []llm.Message
	Tools    []llm.Tool
}

// Compose prepends a system message when a prompt or summary is set,
// appends the window messages, and threads the result through the plugin
// chain's BeforeSend hooks. A nil chain is allowed.
func Compose(ctx context.Context, in Input, chain *plugin.Chain) plugin.Context {
	pc := plugin.Context{
		SessionID: in.SessionID,
		Provider:  in.Provider,
		Tools:     in.Tools,
		Metadata:  map[string]string{},
	}

	if system := systemContent(in.SystemPrompt, in.Summary); system != "" {
		pc.Messages = append(pc.Messages, llm.Message{
			ID:      "system",
			Role:    llm.RoleSystem,
			Content: system,
		})
	}
	for _, m := range in.Messages {
		pc.Messages = append(pc.Messages, m.Clone())
	}

	return chain.BeforeSend(ctx, pc)
}

func systemContent(prompt, summary string) string {
	if summary == "" {
		return prompt
	}
	note := "Summary of the earlier conversation:\n" + summary
	if prompt == "" {
		return note
	}
	return prompt + "\n\n" + note
}

// FormatForProvider applies the post-composition transform a vendor needs.
// For vendors without a system role, all system contents are joined in
// order and prepended to the first non-system message; the system entries
// are dropped. If every message is a system message the joined content is
// returned as a single system entry. Other vendors get messages unchanged.
func FormatForProvider(messages []llm.Message, vendor string) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	if !SystemlessVendors[vendor] {
		for _, m := range messages {
			out = append(out, m.Clone())
		}
		return out
	}

	var system []string
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		out = append(out, m.Clone())
	}
	if len(system) == 0 {
		return out
	}

	joined := strings.Join(system, "\n\n")
	if len(out) == 0 {
		return []llm.Message{{ID: "system", Role: llm.RoleSystem, Content: joined}}
	}
	if out[0].Content == "" {
		out[0].Content = joined
	} else {
		out[0].Content = joined + "\n\n" + out[0].Content
	}
	return out
}
