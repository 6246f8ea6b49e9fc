package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(providersCmd)
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the registered LLM providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		for _, name := range newRegistry(http.DefaultClient).Names() {
			marker := " "
			if name == cfg.LLM.Provider {
				marker = "*"
			}
			fmt.Fprintf(os.Stdout, "%s %s\n", marker, name)
		}
		return nil
	},
}
