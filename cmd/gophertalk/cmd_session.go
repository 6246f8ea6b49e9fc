package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/pkg/llm"
)

var sessionShowRecent int

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd)
	sessionShowCmd.Flags().IntVar(&sessionShowRecent, "recent", 0, "show the last N journaled messages instead of the snapshot")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.store.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tMESSAGES\tMODEL\tUPDATED\tTITLE")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s/%s\t%s\t%s\n",
				s.SessionID,
				s.Status,
				s.MessageCount,
				s.Provider, s.Model,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
				s.Title,
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		id := types.SessionID(args[0])
		if sessionShowRecent > 0 {
			msgs, err := a.store.Recent(ctx, id, sessionShowRecent)
			if err != nil {
				return fmt.Errorf("read recent messages: %w", err)
			}
			printMessages(msgs)
			return nil
		}

		s, err := a.store.LoadSession(ctx, id)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		fmt.Printf("Session %s [%s] %s/%s\n", s.SessionID, s.Status, s.Provider, s.Model)
		if s.Summary != "" {
			fmt.Printf("\nSummary:\n%s\n", s.Summary)
		}
		fmt.Println()
		printMessages(s.Messages)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear a session or all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		if args[0] != "all" {
			if err := clearSession(ctx, a.store, types.SessionID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
			return nil
		}

		list, err := a.store.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		for _, s := range list {
			if err := clearSession(ctx, a.store, s.SessionID); err != nil {
				return err
			}
		}
		fmt.Println("All sessions cleared.")
		return nil
	},
}

// clearSession empties a session's transcript and marks it cleared. The
// journal is kept.
func clearSession(ctx context.Context, store types.Store, id types.SessionID) error {
	s, err := store.LoadSession(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	s.Status = types.StatusCleared
	s.Summary = ""
	s.Messages = nil
	if err := store.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func printMessages(msgs []llm.Message) {
	for _, m := range msgs {
		switch {
		case len(m.ToolCalls) > 0:
			for _, c := range m.ToolCalls {
				fmt.Printf("%s: [call %s %s]\n", m.Role, c.Function.Name, c.Function.Arguments)
			}
		case m.Role == llm.RoleTool:
			fmt.Printf("%s: %s\n", m.Role, truncateLine(m.Content, 200))
		default:
			fmt.Printf("%s: %s\n", m.Role, m.Content)
		}
	}
}

func truncateLine(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
