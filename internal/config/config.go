// Package config loads the gophertalk configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/user/gophertalk/internal/window"
	"github.com/user/gophertalk/pkg/llm"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxToolRounds int    `json:"max_tool_rounds"`

	// Store selects the persistence backend: "file" or "sqlite".
	Store string `json:"store"`

	// SystemPrompt is a text/template; empty uses the built-in prompt.
	SystemPrompt string `json:"system_prompt"`

	LLM struct {
		Provider  string `json:"provider"`
		BaseURL   string `json:"base_url"`
		APIKey    string `json:"api_key"`
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		// Null leaves the parameter to the vendor.
		Temperature *float64 `json:"temperature"`
		TopP        *float64 `json:"top_p"`
	} `json:"llm"`
	Window struct {
		MaxMessages      int    `json:"max_messages"`
		MaxTokens        int    `json:"max_tokens"`
		Summarize        bool   `json:"summarize"`
		LockSystemPrompt bool   `json:"lock_system_prompt"`
		Estimator        string `json:"estimator"`
	} `json:"window"`
	Retry struct {
		MaxAttempts    int `json:"max_attempts"`
		InitialDelayMS int `json:"initial_delay_ms"`
	} `json:"retry"`
	Plugins struct {
		Memory bool `json:"memory"`
		Web    bool `json:"web"`
		Clock  bool `json:"clock"`
	} `json:"plugins"`
	Brave struct {
		APIKey string `json:"api_key"`
	} `json:"brave"`
}

// DefaultPath returns ~/.gophertalk/config.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".gophertalk", "config.json")
}

// defaultModels is the model used when none is configured.
var defaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5",
	"gemini":    "gemini-2.5-flash",
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		DataDir:       filepath.Join(home, ".gophertalk"),
		LogLevel:      "info",
		MaxToolRounds: 10,
		Store:         "file",
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = defaultModels["openai"]
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = llm.Float(0.7)

	w := window.DefaultConfig()
	cfg.Window.MaxMessages = w.MaxMessages
	cfg.Window.MaxTokens = w.MaxTokens
	cfg.Window.Summarize = w.Summarize
	cfg.Window.LockSystemPrompt = w.LockSystemPrompt
	cfg.Window.Estimator = "chars"

	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelayMS = 1000

	cfg.Plugins.Memory = true
	cfg.Plugins.Web = true
	cfg.Plugins.Clock = true
	return cfg
}

// Load reads the config file at path, writing defaults if it does not exist.
// The file may contain comments and trailing commas. A .env file in the
// working directory is loaded next, then environment variables override
// file values.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides file values from the environment (highest precedence).
// The API key variable is picked by provider.
func (c *Config) applyEnv() {
	if v := os.Getenv("GOPHERTALK_PROVIDER"); v != "" && v != c.LLM.Provider {
		c.LLM.Provider = v
		c.LLM.BaseURL = ""
		if m, ok := defaultModels[v]; ok {
			c.LLM.Model = m
		}
	}
	if v := os.Getenv("GOPHERTALK_MODEL"); v != "" {
		c.LLM.Model = v
	}

	switch c.LLM.Provider {
	case "openai":
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			c.LLM.APIKey = v
		}
		if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
			c.LLM.BaseURL = v
		}
	case "anthropic":
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			c.LLM.APIKey = v
		}
	case "gemini":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			c.LLM.APIKey = v
		}
	}

	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		c.Brave.APIKey = v
	}
}

// LLMConfig returns the per-call settings for the configured provider.
func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		BaseURL:     c.LLM.BaseURL,
		APIKey:      c.LLM.APIKey,
		Model:       c.LLM.Model,
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: c.LLM.Temperature,
		TopP:        c.LLM.TopP,
	}
}

// WindowConfig returns the context window settings.
func (c *Config) WindowConfig() window.Config {
	return window.Config{
		MaxMessages:      c.Window.MaxMessages,
		MaxTokens:        c.Window.MaxTokens,
		Summarize:        c.Window.Summarize,
		LockSystemPrompt: c.Window.LockSystemPrompt,
	}
}

// RetryPolicy returns the policy for opening provider calls.
func (c *Config) RetryPolicy() *llm.RetryPolicy {
	p := llm.DefaultRetryPolicy()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialDelayMS > 0 {
		p.InitialDelay = time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
	}
	return p
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	switch c.Store {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store must be \"file\" or \"sqlite\", got %q", c.Store))
	}
	switch c.Window.Estimator {
	case "", "chars", "tiktoken":
	default:
		errs = append(errs, fmt.Errorf("window.estimator must be \"chars\" or \"tiktoken\", got %q", c.Window.Estimator))
	}
	return errors.Join(errs...)
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map via its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as a flat map with dot-separated keys, masking
// secrets when mask is true.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw reads the config file as a flat map, keeping keys the Config
// struct does not know about.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Flatten(m), nil
}

// GetValue returns the value stored in the file under a dot-separated key.
// The file is created with defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := Save(path, defaults()); err != nil {
			return nil, err
		}
	}
	flat, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key in an existing config
// file. Values that parse as JSON (numbers, booleans) are stored typed;
// anything else is stored as a string. Comments in the file are not kept.
func SetValue(path, key, value string) error {
	flat, err := readRaw(path)
	if err != nil {
		return err
	}

	var typed any
	if err := json.Unmarshal([]byte(value), &typed); err != nil || isContainer(typed) {
		typed = value
	}
	flat[key] = typed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
