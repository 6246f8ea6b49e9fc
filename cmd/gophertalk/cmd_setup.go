package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/gophertalk/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		fmt.Println("Gophertalk Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		runSetup(cfg, os.Stdin, os.Stdout)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// runSetup asks for each setting in turn and updates cfg.
func runSetup(cfg *config.Config, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	ask := func(label, def string) string { return prompt(scanner, out, label, def) }

	provider := ask("LLM provider (openai, anthropic, gemini)", cfg.LLM.Provider)
	if provider != cfg.LLM.Provider {
		cfg.LLM.Provider = provider
		cfg.LLM.BaseURL = ""
		cfg.LLM.Model = ""
	}
	cfg.LLM.BaseURL = ask("LLM base URL (optional)", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = ask("LLM API key", cfg.LLM.APIKey)
	cfg.LLM.Model = ask("LLM model name", cfg.LLM.Model)

	if n, err := strconv.Atoi(ask("Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))); err == nil {
		cfg.LLM.MaxTokens = n
	}

	cfg.Store = ask("Session store (file, sqlite)", cfg.Store)
	cfg.Brave.APIKey = ask("Brave API key (optional)", cfg.Brave.APIKey)
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, out io.Writer, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
