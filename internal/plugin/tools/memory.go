// Package tools holds the built-in plugins: persistent memory, web access
// and a clock.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/gophertalk/internal/plugin"
)

// Memory is a plugin that keeps facts in a markdown bullet list on disk.
// It exposes memory_save, memory_delete and memory_list, and injects the
// stored facts into the system message before each call.
type Memory struct {
	*plugin.Toolset
	path string
	mu   sync.Mutex
}

// NewMemory creates a memory plugin backed by the file at path.
func NewMemory(path string) *Memory {
	m := &Memory{path: path}
	m.Toolset = plugin.NewToolset("memory",
		&memorySave{m: m},
		&memoryDelete{m: m},
		&memoryList{m: m},
	)
	return m
}

// BeforeSend adds the stored facts to the system message.
func (m *Memory) BeforeSend(_ context.Context, pc plugin.Context) (plugin.Context, error) {
	m.mu.Lock()
	entries, err := m.entries()
	m.mu.Unlock()
	if err != nil {
		return pc, err
	}
	if len(entries) == 0 {
		return pc, nil
	}
	pc.Messages = addSystemNote(pc.Messages, "## What you remember\n\n"+strings.Join(entries, "\n"))
	if pc.Metadata == nil {
		pc.Metadata = map[string]string{}
	}
	pc.Metadata["memory_entries"] = fmt.Sprint(len(entries))
	return pc, nil
}

// entries returns the non-empty lines of the memory file. Caller must hold mu.
func (m *Memory) entries() ([]string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memory: %w", err)
	}
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// write replaces the memory file with entries. Caller must hold mu.
func (m *Memory) write(entries []string) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	content := ""
	if len(entries) > 0 {
		content = strings.Join(entries, "\n") + "\n"
	}
	return os.WriteFile(m.path, []byte(content), 0o644)
}

func parseContent(args json.RawMessage) (string, error) {
	var params struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if strings.TrimSpace(params.Content) == "" {
		return "", fmt.Errorf("content is required")
	}
	return strings.TrimSpace(params.Content), nil
}

type memorySave struct{ m *Memory }

func (t *memorySave) Name() string        { return "memory_save" }
func (t *memorySave) Description() string { return "Save a fact or preference to persistent memory" }
func (t *memorySave) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The fact or preference to remember"}
		},
		"required": ["content"]
	}`)
}

func (t *memorySave) Execute(_ context.Context, args json.RawMessage) (string, error) {
	content, err := parseContent(args)
	if err != nil {
		return "", err
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	entries, err := t.m.entries()
	if err != nil {
		return "", err
	}
	line := "- " + content
	for _, l := range entries {
		if strings.TrimSpace(l) == line {
			return "Memory already exists: " + content, nil
		}
	}
	if err := t.m.write(append(entries, line)); err != nil {
		return "", err
	}
	return "Saved: " + content, nil
}

type memoryDelete struct{ m *Memory }

func (t *memoryDelete) Name() string        { return "memory_delete" }
func (t *memoryDelete) Description() string { return "Delete a fact or preference from persistent memory" }
func (t *memoryDelete) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The fact or preference to forget (must match existing entry)"}
		},
		"required": ["content"]
	}`)
}

func (t *memoryDelete) Execute(_ context.Context, args json.RawMessage) (string, error) {
	content, err := parseContent(args)
	if err != nil {
		return "", err
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	entries, err := t.m.entries()
	if err != nil {
		return "", err
	}
	target := "- " + content
	kept := entries[:0]
	found := false
	for _, l := range entries {
		if strings.TrimSpace(l) == target {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	if !found {
		return "Memory not found: " + content, nil
	}
	if err := t.m.write(kept); err != nil {
		return "", err
	}
	return "Deleted: " + content, nil
}

type memoryList struct{ m *Memory }

func (t *memoryList) Name() string        { return "memory_list" }
func (t *memoryList) Description() string { return "List all facts and preferences in persistent memory" }
func (t *memoryList) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *memoryList) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	entries, err := t.m.entries()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No memories stored yet.", nil
	}
	return strings.Join(entries, "\n"), nil
}
