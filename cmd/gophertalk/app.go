package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/user/gophertalk/internal/compose"
	"github.com/user/gophertalk/internal/config"
	"github.com/user/gophertalk/internal/plugin"
	"github.com/user/gophertalk/internal/plugin/tools"
	"github.com/user/gophertalk/internal/session"
	"github.com/user/gophertalk/internal/state"
	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/internal/window"
	"github.com/user/gophertalk/pkg/llm"
	"github.com/user/gophertalk/pkg/llm/anthropic"
	"github.com/user/gophertalk/pkg/llm/gemini"
	"github.com/user/gophertalk/pkg/llm/openai"
)

var defaultSessionKey = types.NewSessionKey("cli", "default")

// app holds the collaborators shared by every command.
type app struct {
	cfg       *config.Config
	registry  *llm.Registry
	store     types.Store
	chain     *plugin.Chain
	estimator window.Estimator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		registry:  newRegistry(newHTTPClient()),
		store:     store,
		chain:     newChain(cfg),
		estimator: newEstimator(cfg),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// newHTTPClient bounds connecting and waiting for response headers only. A
// streamed body may take as long as the reply does; the turn's context ends it.
func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 2 * time.Minute
	return &http.Client{Transport: transport}
}

func newRegistry(client *http.Client) *llm.Registry {
	return llm.NewRegistry(
		openai.New(client),
		anthropic.New(client),
		gemini.New(client),
	)
}

func openStore(ctx context.Context, cfg *config.Config) (types.Store, error) {
	switch cfg.Store {
	case "sqlite":
		s, err := state.OpenSQLite(ctx, filepath.Join(cfg.DataDir, "gophertalk.db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return state.NewFileStore(cfg.DataDir), nil
	}
}

func newChain(cfg *config.Config) *plugin.Chain {
	chain := plugin.NewChain(slog.Default())
	if cfg.Plugins.Clock {
		chain.Add(tools.NewClock(time.Local))
	}
	if cfg.Plugins.Memory {
		chain.Add(tools.NewMemory(filepath.Join(cfg.DataDir, "memory.md")))
	}
	if cfg.Plugins.Web {
		chain.Add(tools.NewWeb(nil, cfg.Brave.APIKey))
	}
	return chain
}

func newEstimator(cfg *config.Config) window.Estimator {
	if cfg.Window.Estimator == "tiktoken" {
		e, err := window.NewTiktokenEstimator(cfg.LLM.Model)
		if err == nil {
			return e
		}
		slog.Warn("tiktoken unavailable, counting characters", "model", cfg.LLM.Model, "error", err)
	}
	return window.CharEstimator{}
}

// sessionTarget picks which session a command works on.
type sessionTarget struct {
	id    types.SessionID
	key   types.SessionKey
	fresh bool
}

// resolve returns the session the target names: the given ID, a new session
// under key, or the newest active session under key.
func (a *app) resolve(ctx context.Context, t sessionTarget) (types.SessionID, error) {
	if t.key == "" {
		t.key = defaultSessionKey
	}
	switch {
	case t.id != "":
		if _, err := a.store.Get(ctx, t.id); err != nil {
			return "", err
		}
		return t.id, nil
	case t.fresh:
		return a.store.Create(ctx, t.key, a.cfg.LLM.Provider, a.cfg.LLM.Model)
	default:
		return a.store.ResolveOrCreate(ctx, t.key, a.cfg.LLM.Provider, a.cfg.LLM.Model)
	}
}

// openSession loads a session into a new orchestrator.
func (a *app) openSession(ctx context.Context, t sessionTarget) (*session.Orchestrator, error) {
	id, err := a.resolve(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	saved, err := a.store.LoadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if saved.Status == types.StatusCleared {
		saved.Status = types.StatusActive
	}

	win := window.New(a.cfg.WindowConfig(), window.WithEstimator(a.estimator))
	o := session.New(a.registry, win, session.Config{
		Provider:      a.cfg.LLM.Provider,
		LLM:           a.cfg.LLMConfig(),
		MaxToolRounds: a.cfg.MaxToolRounds,
	},
		session.WithChain(a.chain),
		session.WithPersister(a.store, saved.SessionIndex),
		session.WithRetry(a.cfg.RetryPolicy()),
		session.WithLogger(slog.Default().With("session", id)),
	)
	if err := o.Restore(saved); err != nil {
		return nil, err
	}

	if win.SystemPrompt() == "" {
		prompt, err := compose.RenderPrompt(a.cfg.SystemPrompt, compose.PromptData{
			SessionID: string(id),
			Provider:  a.cfg.LLM.Provider,
			Model:     a.cfg.LLM.Model,
			Tools:     toolNames(a.chain),
		})
		if err != nil {
			return nil, err
		}
		win.SetSystemPrompt(prompt)
	}

	slog.Debug("session opened", "session", id, "messages", win.Len(), "provider", a.cfg.LLM.Provider)
	return o, nil
}

func toolNames(chain *plugin.Chain) []string {
	var names []string
	for _, t := range chain.Tools() {
		names = append(names, t.Function.Name)
	}
	return names
}

// turnError turns a cancelled turn into a nil error for display.
func turnError(err error) error {
	if errors.Is(err, llm.ErrCancelled) {
		return nil
	}
	return err
}
