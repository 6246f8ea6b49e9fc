package tools

import "github.com/user/gophertalk/pkg/llm"

// addSystemNote appends note to the leading system message, or inserts a
// system message when there is none. messages is not modified.
func addSystemNote(messages []llm.Message, note string) []llm.Message {
	out := make([]llm.Message, 0, len(messages)+1)
	if len(messages) > 0 && messages[0].Role == llm.RoleSystem {
		first := messages[0]
		if first.Content == "" {
			first.Content = note
		} else {
			first.Content += "\n\n" + note
		}
		out = append(out, first)
		return append(out, messages[1:]...)
	}
	out = append(out, llm.Message{ID: "system", Role: llm.RoleSystem, Content: note})
	return append(out, messages...)
}
