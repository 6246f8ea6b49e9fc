package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/gophertalk/internal/session"
	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/pkg/llm"
)

var (
	chatSession string
	chatName    string
	chatNew     bool
)

// errQuit ends the REPL without reporting an error.
var errQuit = errors.New("quit")

func init() {
	rootCmd.AddCommand(chatCmd)
	for _, c := range []*cobra.Command{chatCmd, askCmd} {
		c.Flags().StringVar(&chatSession, "session", "", "session ID to resume")
		c.Flags().StringVar(&chatName, "name", "default", "session name to resume or create under")
		c.Flags().BoolVar(&chatNew, "new", false, "start a new session")
	}
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		o, err := a.openSession(ctx, sessionTarget{
			id:    types.SessionID(chatSession),
			key:   types.NewSessionKey("cli", chatName),
			fresh: chatNew,
		})
		if err != nil {
			return err
		}
		defer o.Wait()

		fmt.Fprintf(os.Stdout, "Session %s (%s/%s). Ctrl-C stops a reply, /quit exits.\n",
			o.SessionID(), cfg.LLM.Provider, cfg.LLM.Model)
		return runREPL(ctx, o, os.Stdin, os.Stdout)
	},
}

// runREPL reads lines from in and sends each as a turn. An interrupt while a
// reply streams cancels that reply; an interrupt at the prompt exits.
func runREPL(ctx context.Context, o *session.Orchestrator, in io.Reader, out io.Writer) error {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	g, gctx := errgroup.WithContext(ctx)
	lines := make(chan string)

	// Scan cannot be interrupted, so this goroutine may outlive the REPL.
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-interrupts:
				if !o.Cancel() {
					return errQuit
				}
			}
		}
	})

	g.Go(func() error {
		for {
			fmt.Fprint(out, "> ")
			var line string
			select {
			case <-gctx.Done():
				return nil
			case l, ok := <-lines:
				if !ok {
					fmt.Fprintln(out)
					return errQuit
				}
				line = strings.TrimSpace(l)
			}
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if err := runCommand(gctx, o, line, out); err != nil {
					return err
				}
				continue
			}
			if err := sendTurn(gctx, o, line, out); err != nil {
				fmt.Fprintln(out, "Error:", err)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func runCommand(ctx context.Context, o *session.Orchestrator, line string, out io.Writer) error {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return errQuit
	case "/clear":
		if err := o.Clear(ctx); err != nil {
			fmt.Fprintln(out, "Error:", err)
			return nil
		}
		fmt.Fprintln(out, "Conversation cleared.")
	case "/session":
		fmt.Fprintf(out, "%s (%d messages)\n", o.SessionID(), o.Window().Len())
	case "/summary":
		if s := o.Window().Summary(); s != "" {
			fmt.Fprintln(out, s)
		} else {
			fmt.Fprintln(out, "No summary yet.")
		}
	default:
		fmt.Fprintln(out, "Commands: /session /summary /clear /quit")
	}
	return nil
}

// sendTurn streams one reply to out.
func sendTurn(ctx context.Context, o *session.Orchestrator, text string, out io.Writer) error {
	res, err := o.SendTurn(ctx, text, session.Callbacks{
		OnChunk: func(c llm.Chunk) {
			fmt.Fprint(out, c.Content)
		},
		OnToolResult: func(call llm.ToolCall, _ string) {
			fmt.Fprintf(out, "\n[%s]\n", call.Function.Name)
		},
	})
	fmt.Fprintln(out)
	if errors.Is(err, llm.ErrCancelled) {
		fmt.Fprintln(out, "[cancelled]")
		return nil
	}
	if err != nil {
		return err
	}
	if res.FinishReason == llm.FinishLength {
		fmt.Fprintln(out, "[reply truncated at max tokens]")
	}
	return nil
}
