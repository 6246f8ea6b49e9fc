// Package session sequences user turns: it composes the outgoing context,
// streams the reply through a provider adapter, runs tool rounds, and hands
// completed transcripts to a persistence collaborator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/user/gophertalk/internal/compose"
	"github.com/user/gophertalk/internal/plugin"
	"github.com/user/gophertalk/internal/stream"
	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/internal/window"
	"github.com/user/gophertalk/pkg/llm"
)

// ErrTurnInFlight is returned by SendTurn and Ask while another turn runs.
var ErrTurnInFlight = errors.New("session: a turn is already in flight")

// ErrMaxToolRounds is returned when the model keeps requesting tools past
// the configured number of rounds.
var ErrMaxToolRounds = errors.New("session: max tool rounds exceeded")

const maxToolResult = 16000

// Config selects the adapter and request parameters for every turn.
type Config struct {
	Provider      string
	LLM           llm.Config
	MaxToolRounds int
}

// Callbacks are optional per-turn hooks.
type Callbacks struct {
	// OnChunk receives every streamed chunk, across all tool rounds.
	OnChunk func(chunk llm.Chunk)

	// OnToolResult is called after each tool call is dispatched.
	OnToolResult func(call llm.ToolCall, result string)

	// OnError receives the error that fails a turn.
	OnError func(err error)
}

// TurnResult describes a finished turn.
type TurnResult struct {
	// Message is the final assistant message. For a cancelled turn it holds
	// the partial content and is not part of the transcript.
	Message      llm.Message
	Outcome      stream.Outcome
	FinishReason llm.FinishReason
	Usage        llm.Usage
	ToolRounds   int
}

// Orchestrator owns one context window and runs at most one turn at a time.
type Orchestrator struct {
	registry  *llm.Registry
	window    *window.Window
	chain     *plugin.Chain
	persister types.Persister
	retry     *llm.RetryPolicy
	logger    *slog.Logger
	cfg       Config
	turn      *semaphore.Weighted
	saves     sync.WaitGroup

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	index  types.SessionIndex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithChain sets the plugin chain.
func WithChain(c *plugin.Chain) Option {
	return func(o *Orchestrator) { o.chain = c }
}

// WithPersister sets the persistence collaborator and the session the
// transcript is saved under.
func WithPersister(p types.Persister, index types.SessionIndex) Option {
	return func(o *Orchestrator) {
		o.persister = p
		o.index = index
	}
}

// WithRetry sets the policy used when opening a call.
func WithRetry(p *llm.RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator over win using adapters from registry.
func New(registry *llm.Registry, win *window.Window, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 10
	}
	o := &Orchestrator{
		registry: registry,
		window:   win,
		cfg:      cfg,
		retry:    &llm.RetryPolicy{MaxAttempts: 1},
		logger:   slog.Default(),
		turn:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Window returns the orchestrator's context window.
func (o *Orchestrator) Window() *window.Window { return o.window }

// SessionID returns the ID transcripts are saved under.
func (o *Orchestrator) SessionID() types.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.index.SessionID
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// Cancel requests cooperative cancellation of the streaming turn. It has no
// effect in any other state and reports whether a cancel was requested.
// Tool calls run while the turn is still streaming, so a cancel accepted
// there stops the turn before its next provider call.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Streaming || o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// SendTurn appends a user message and runs one streamed turn to completion.
//
// The user message stays in the window whatever the outcome, so a retry
// resends the same context. Assistant and tool messages are appended only
// when the turn completes. A cancelled turn returns the partial message with
// llm.ErrCancelled; a failed turn returns the error after passing it to
// cb.OnError.
func (o *Orchestrator) SendTurn(ctx context.Context, text string, cb Callbacks) (*TurnResult, error) {
	return o.run(ctx, text, cb, true)
}

// Ask is SendTurn over the provider's blocking Chat call. OnChunk, if set,
// receives the whole reply as one terminal chunk.
func (o *Orchestrator) Ask(ctx context.Context, text string, cb Callbacks) (*TurnResult, error) {
	return o.run(ctx, text, cb, false)
}

func (o *Orchestrator) run(ctx context.Context, text string, cb Callbacks, streaming bool) (*TurnResult, error) {
	if !o.turn.TryAcquire(1) {
		return nil, ErrTurnInFlight
	}
	defer o.turn.Release(1)
	defer o.setState(Idle)

	user := llm.NewMessage(llm.RoleUser, text)
	if err := o.window.Append(user); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	provider, err := o.registry.Resolve(o.cfg.Provider)
	if err != nil {
		return nil, o.fail(cb, err)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
	}()

	result := &TurnResult{}
	var pending []llm.Message

	for round := 0; ; round++ {
		// A cancel accepted while tools ran ends the turn before the next call.
		if turnCtx.Err() != nil {
			return o.cancelled(result)
		}
		o.setState(Composing)
		pc := o.compose(ctx, provider.Name(), pending)
		req := o.cfg.LLM.Request()
		req.Tools = pc.Tools
		messages := compose.FormatForProvider(pc.Messages, provider.Name())

		var res stream.Result
		if streaming {
			res, err = o.consume(ctx, turnCtx, provider, messages, req, cb)
		} else {
			res, err = o.chat(turnCtx, provider, messages, req, cb)
		}
		result.Message = res.Message
		result.FinishReason = res.FinishReason
		addUsage(&result.Usage, res.Usage)

		if res.Outcome == stream.Cancelled || (err != nil && turnCtx.Err() != nil) {
			return o.cancelled(result)
		}
		if err != nil {
			return result, o.fail(cb, err)
		}

		msg := o.chain.AfterReceive(ctx, pc, res.Message)
		result.Message = msg

		if len(msg.ToolCalls) == 0 {
			if err := msg.Validate(); err != nil {
				return result, o.fail(cb, &llm.MalformedResponseError{Provider: provider.Name(), Reason: "empty response", Err: err})
			}
			pending = append(pending, msg)
			break
		}

		if round >= o.cfg.MaxToolRounds {
			return result, o.fail(cb, fmt.Errorf("%w (%d)", ErrMaxToolRounds, o.cfg.MaxToolRounds))
		}
		pending = append(pending, msg)
		pending = append(pending, o.runTools(turnCtx, msg.ToolCalls, pc, cb)...)
		result.ToolRounds++
	}

	if err := o.window.AppendMany(pending); err != nil {
		return result, o.fail(cb, fmt.Errorf("append reply: %w", err))
	}
	result.Outcome = stream.Completed
	o.setState(Completed)

	o.compact(ctx, provider)
	o.persist(ctx, append([]llm.Message{user}, pending...))
	return result, nil
}

// consume opens a call with ctx and consumes it under turnCtx, so a Cancel
// is observed between chunks rather than by aborting a network read.
func (o *Orchestrator) consume(ctx, turnCtx context.Context, p llm.Provider, messages []llm.Message, req llm.Request, cb Callbacks) (stream.Result, error) {
	s, err := o.open(ctx, p, messages, req)
	if err != nil {
		return stream.Result{Outcome: stream.Failed}, err
	}
	o.setState(Streaming)
	res, err := stream.Consume(turnCtx, s, stream.Callbacks{OnChunk: cb.OnChunk}, "")
	if err != nil {
		return res, fmt.Errorf("stream %s: %w", p.Name(), err)
	}
	return res, nil
}

// chat runs a blocking call under turnCtx; Cancel aborts it.
func (o *Orchestrator) chat(turnCtx context.Context, p llm.Provider, messages []llm.Message, req llm.Request, cb Callbacks) (stream.Result, error) {
	o.setState(Streaming)
	var resp *llm.Response
	err := o.retry.Execute(turnCtx, func() error {
		var err error
		resp, err = p.Chat(turnCtx, messages, req)
		return err
	})
	if err != nil {
		return stream.Result{Outcome: stream.Failed}, fmt.Errorf("%s chat: %w", p.Name(), err)
	}

	msg := llm.NewMessage(llm.RoleAssistant, resp.Content)
	if len(resp.ToolCalls) > 0 {
		msg.ToolCalls = llm.Message{ToolCalls: resp.ToolCalls}.Clone().ToolCalls
	}
	usage := resp.Usage
	if cb.OnChunk != nil {
		cb.OnChunk(llm.Chunk{Content: resp.Content, ToolCalls: msg.ToolCalls, Usage: &usage, FinishReason: resp.FinishReason, Done: true})
	}
	return stream.Result{Message: msg, Outcome: stream.Completed, FinishReason: resp.FinishReason, Usage: &usage}, nil
}

// compose builds the plugin context for the next call. pending holds the
// messages produced earlier in this turn, which are not yet in the window.
func (o *Orchestrator) compose(ctx context.Context, vendor string, pending []llm.Message) plugin.Context {
	sub := o.window.SendableSubset()
	return compose.Compose(ctx, compose.Input{
		SessionID:    string(o.SessionID()),
		Provider:     vendor,
		SystemPrompt: sub.SystemPrompt,
		Summary:      sub.Summary,
		Messages:     append(sub.Messages, pending...),
		Tools:        o.chain.Tools(),
	}, o.chain)
}

// open starts a streamed call, retrying only the open itself.
func (o *Orchestrator) open(ctx context.Context, p llm.Provider, messages []llm.Message, req llm.Request) (*llm.ChunkStream, error) {
	var s *llm.ChunkStream
	err := o.retry.Execute(ctx, func() error {
		var err error
		s, err = p.Stream(ctx, messages, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", p.Name(), err)
	}
	return s, nil
}

// runTools dispatches each call to the plugin owning the tool and returns
// the tool result messages in call order.
func (o *Orchestrator) runTools(ctx context.Context, calls []llm.ToolCall, pc plugin.Context, cb Callbacks) []llm.Message {
	out := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		result := o.chain.OnToolCall(ctx, call, pc)
		if result == "" {
			result = "(no output)"
		}
		if len(result) > maxToolResult {
			result = truncate(result, maxToolResult) + "\n[truncated]"
		}
		o.logger.Debug("tool call", "tool", call.Function.Name, "call_id", call.ID, "result_len", len(result))
		if cb.OnToolResult != nil {
			cb.OnToolResult(call, result)
		}
		msg := llm.NewMessage(llm.RoleTool, result)
		msg.ToolCallID = call.ID
		out = append(out, msg)
	}
	return out
}

func (o *Orchestrator) cancelled(result *TurnResult) (*TurnResult, error) {
	o.setState(Cancelled)
	result.Outcome = stream.Cancelled
	return result, llm.ErrCancelled
}

func (o *Orchestrator) fail(cb Callbacks, err error) error {
	o.setState(Failed)
	o.logger.Warn("turn failed", "session", o.SessionID(), "error", err)
	if cb.OnError != nil {
		cb.OnError(err)
	}
	return err
}

// persist hands the turn to the persistence collaborator. SaveRecent runs
// in the background; SaveSession is awaited. Failures are logged only.
func (o *Orchestrator) persist(ctx context.Context, turn []llm.Message) {
	if o.persister == nil {
		return
	}
	id := o.SessionID()
	saveCtx := context.WithoutCancel(ctx)

	o.saves.Add(1)
	go func() {
		defer o.saves.Done()
		if err := o.persister.SaveRecent(saveCtx, id, turn); err != nil {
			o.logger.Warn("save recent messages failed", "session", id, "error", err)
		}
	}()

	if err := o.persister.SaveSession(saveCtx, o.Snapshot()); err != nil {
		o.logger.Warn("save session failed", "session", id, "error", err)
	}
}

// Wait blocks until background saves have finished.
func (o *Orchestrator) Wait() {
	o.saves.Wait()
}

// Snapshot returns the session as it would be persisted now.
func (o *Orchestrator) Snapshot() *types.Session {
	o.mu.Lock()
	index := o.index
	o.mu.Unlock()
	if index.Provider == "" {
		index.Provider = o.cfg.Provider
	}
	if index.Model == "" {
		index.Model = o.cfg.LLM.Model
	}
	return &types.Session{
		SessionIndex: index,
		SystemPrompt: o.window.SystemPrompt(),
		Summary:      o.window.Summary(),
		Pinned:       o.window.Pinned(),
		Messages:     o.window.All(),
	}
}

// Restore loads a persisted snapshot into the window.
func (o *Orchestrator) Restore(s *types.Session) error {
	if s.SystemPrompt != "" {
		o.window.SetSystemPrompt(s.SystemPrompt)
	}
	if len(s.Pinned) > 0 {
		o.window.Pin(s.Pinned)
	}
	if err := o.window.AppendMany(s.Messages); err != nil {
		return fmt.Errorf("restore session %s: %w", s.SessionID, err)
	}
	// Entries pushed out while restoring are already covered by the summary.
	o.window.SetSummary(s.Summary, len(o.window.Evicted()))

	o.mu.Lock()
	o.index = s.SessionIndex
	o.mu.Unlock()
	return nil
}

// Clear empties the transcript and saves the cleared session.
func (o *Orchestrator) Clear(ctx context.Context) error {
	if !o.turn.TryAcquire(1) {
		return ErrTurnInFlight
	}
	defer o.turn.Release(1)

	o.window.Clear()
	if o.persister == nil {
		return nil
	}
	return o.persister.SaveSession(ctx, o.Snapshot())
}

func addUsage(total *llm.Usage, u *llm.Usage) {
	if u == nil {
		return
	}
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.TotalTokens += u.TotalTokens
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
