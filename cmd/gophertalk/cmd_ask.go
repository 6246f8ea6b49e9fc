package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/gophertalk/internal/session"
	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/pkg/llm"
)

var askNoStream bool

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().BoolVar(&askNoStream, "no-stream", false, "wait for the whole reply instead of streaming it")
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Send one message and print the reply",
	Long:  "Send one message and print the reply. With no arguments the message is read from stdin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		text := strings.Join(args, " ")
		if text == "" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			text = string(data)
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("nothing to ask")
		}

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

		out := cmd.OutOrStdout()
		if askNoStream {
			res, err := o.Ask(ctx, text, session.Callbacks{})
			if err != nil {
				return turnError(err)
			}
			fmt.Fprintln(out, res.Message.Content)
			return nil
		}

		_, err = o.SendTurn(ctx, text, session.Callbacks{
			OnChunk: func(c llm.Chunk) { fmt.Fprint(out, c.Content) },
		})
		fmt.Fprintln(out)
		return turnError(err)
	},
}
