package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/gophertalk/pkg/llm"
)

const summarizePrompt = "Summarise this conversation concisely, preserving key facts and decisions:\n\n"

// compact folds entries that left the window into the running summary with
// a blocking Chat call. It runs only when summarization is enabled and
// failures are logged, leaving the entries queued for the next turn.
func (o *Orchestrator) compact(ctx context.Context, p llm.Provider) {
	if !o.window.Config().Summarize {
		return
	}
	evicted := o.window.Evicted()
	if len(evicted) == 0 {
		return
	}

	summary, err := o.summarize(ctx, p, evicted)
	if err != nil {
		o.logger.Warn("context compaction failed", "session", o.SessionID(), "error", err)
		return
	}
	if existing := o.window.Summary(); existing != "" {
		summary = existing + "\n\n" + summary
	}
	o.window.SetSummary(summary, len(evicted))
	o.logger.Info("context compacted", "session", o.SessionID(), "summarized", len(evicted), "summary_len", len(summary))
}

func (o *Orchestrator) summarize(ctx context.Context, p llm.Provider, messages []llm.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString(summarizePrompt)
	for _, m := range messages {
		switch {
		case m.Content != "":
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		case len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&sb, "%s: called %s\n", m.Role, tc.Function.Name)
			}
		}
	}

	req := o.cfg.LLM.Request()
	var resp *llm.Response
	err := o.retry.Execute(ctx, func() error {
		var err error
		resp, err = p.Chat(ctx, []llm.Message{llm.NewMessage(llm.RoleUser, sb.String())}, req)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summarize: empty summary")
	}
	return summary, nil
}
