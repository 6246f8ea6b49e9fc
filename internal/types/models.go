package types

import (
	"strings"
	"time"

	"github.com/user/gophertalk/pkg/llm"
)

// Session statuses.
const (
	StatusActive  = "active"
	StatusCleared = "cleared"
)

// SessionIndex is the lightweight per-session record used for listing.
type SessionIndex struct {
	SessionID    SessionID  `json:"session_id"`
	SessionKey   SessionKey `json:"session_key"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Title        string     `json:"title,omitempty"`
	Status       string     `json:"status"`
	MessageCount int        `json:"message_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Session is a full snapshot of a conversation, handed to persistence
// after each completed turn and used to restore a context window.
type Session struct {
	SessionIndex

	SystemPrompt string        `json:"system_prompt,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Pinned       []llm.Message `json:"pinned,omitempty"`
	Messages     []llm.Message `json:"messages"`
}

// TitleFrom derives a short title from the first user message.
func TitleFrom(messages []llm.Message) string {
	for _, m := range messages {
		if m.Role != llm.RoleUser || m.Content == "" {
			continue
		}
		title := strings.Join(strings.Fields(m.Content), " ")
		if r := []rune(title); len(r) > 60 {
			title = string(r[:57]) + "..."
		}
		return title
	}
	return ""
}
