package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/user/gophertalk/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configUnsetCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values, secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listConfig(cmd.OutOrStdout(), loadConfig())
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value from the file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getConfig(cmd.OutOrStdout(), cfgPath, args[0])
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Numbers and booleans are stored typed; null clears the key.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConfig(cmd.OutOrStdout(), cfgPath, args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Long:  "Clear a configuration value. Sampling parameters fall back to the vendor's default, other keys to the built-in one.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConfig(cmd.OutOrStdout(), cfgPath, args[0], "null")
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), cfgPath)
	},
}

// listConfig prints the effective configuration, environment overrides
// included, one key per line.
func listConfig(out io.Writer, cfg *config.Config) error {
	values, err := config.ListValues(cfg, true)
	if err != nil {
		return fmt.Errorf("list config: %w", err)
	}
	for _, k := range config.SortedKeys(values) {
		v := values[k]
		if v == nil {
			v = "(unset)"
		}
		fmt.Fprintf(out, "%s = %v\n", k, v)
	}
	return nil
}

func getConfig(out io.Writer, path, key string) error {
	val, err := config.GetValue(path, key)
	if err != nil {
		return err
	}
	if config.IsSecretKey(key) {
		val = config.MaskSecrets(map[string]any{key: val})[key]
	}
	if val == nil {
		val = "(unset)"
	}
	fmt.Fprintln(out, val)
	return nil
}

// setConfig writes key to the file. Only keys already present are accepted,
// so a typo cannot add a setting nothing reads.
func setConfig(out io.Writer, path, key, value string) error {
	if _, err := config.GetValue(path, key); err != nil {
		return err
	}
	if err := config.SetValue(path, key, value); err != nil {
		return err
	}
	switch {
	case value == "null":
		fmt.Fprintf(out, "Cleared %s\n", key)
	case config.IsSecretKey(key):
		fmt.Fprintf(out, "Set %s = ***\n", key)
	default:
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
	}
	return nil
}
