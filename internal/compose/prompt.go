package compose

import (
	"fmt"
	"strings"
	"text/template"
)

// DefaultPrompt is the built-in system prompt template used when no custom
// prompt is configured. It uses Go text/template syntax with PromptData
// fields: .SessionID, .Provider, .Model, .Tools
const DefaultPrompt = `You are Gophertalk, a terminal chat assistant.

## Current Context

- Session: {{.SessionID}}
- Model: {{.Provider}}/{{.Model}}
{{- if .Tools}}
- Available tools: {{join .Tools ", "}}
{{- end}}

## Memory

You have persistent memory that survives across sessions.

- When the user says "remember that..." or "don't forget...", use ` + "`memory_save`" + ` to store the fact.
- When the user says "forget...", use ` + "`memory_delete`" + ` to remove it.
- Use ` + "`memory_list`" + ` to check what you currently remember before saving or deleting.
- Keep memories concise. Store facts, not conversations.

## Response Style

- Be concise and direct. Don't pad responses with filler.
- Use markdown formatting when it helps readability.
- For code or command output, use code blocks.
- If a tool call fails, explain what happened and try an alternative approach.
- Don't repeat the user's question back to them. Just answer it.
`

// PromptData is the data available to system prompt templates.
type PromptData struct {
	SessionID string
	Provider  string
	Model     string
	Tools     []string
}

var funcs = template.FuncMap{"join": strings.Join}

// RenderPrompt executes a system prompt template. An empty text renders
// DefaultPrompt.
func RenderPrompt(text string, data PromptData) (string, error) {
	if text == "" {
		text = DefaultPrompt
	}
	tmpl, err := template.New("system").Funcs(funcs).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
