// Package window maintains the conversation transcript and selects the
// subset of it that is sent on each turn.
//
// The transcript is an append-only log. A message-count ceiling moves the
// start of the active window forward as messages are appended; entries
// before it stay in the log (All) but are no longer sendable. Pinned
// messages live outside the log and are always sent. Token-budget trimming
// happens at selection time in SendableSubset.
package window

import (
	"fmt"
	"sync"

	"github.com/user/gophertalk/pkg/llm"
)

// Config holds the window limits.
type Config struct {
	// MaxMessages caps the number of recent transcript entries that are
	// sendable. Zero means no cap.
	MaxMessages int

	// MaxTokens is the estimated token budget for the sendable subset,
	// including the system prompt and summary. Zero means no budget.
	MaxTokens int

	// Summarize queues entries pushed out by MaxMessages for summarization.
	Summarize bool

	// LockSystemPrompt makes the first SetSystemPrompt call win.
	LockSystemPrompt bool
}

// DefaultConfig returns the defaults used when no config is given.
func DefaultConfig() Config {
	return Config{
		MaxMessages:      50,
		MaxTokens:        16000,
		LockSystemPrompt: true,
	}
}

// Subset is the result of SendableSubset.
type Subset struct {
	SystemPrompt string
	Summary      string
	Messages     []llm.Message
}

// Window is the context window of one session.
type Window struct {
	mu        sync.RWMutex
	cfg       Config
	estimator Estimator

	log    []llm.Message
	start  int
	pinned []llm.Message

	systemPrompt string
	systemSet    bool

	summary string
	evicted []llm.Message
}

// Option configures a Window.
type Option func(*Window)

// WithEstimator replaces the default CharEstimator.
func WithEstimator(e Estimator) Option {
	return func(w *Window) {
		if e != nil {
			w.estimator = e
		}
	}
}

// New creates an empty window.
func New(cfg Config, opts ...Option) *Window {
	w := &Window{cfg: cfg, estimator: CharEstimator{}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Config returns the window limits.
func (w *Window) Config() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// SetSystemPrompt sets the system prompt. With the lock enabled only the
// first call has an effect. It reports whether the prompt was applied.
func (w *Window) SetSystemPrompt(text string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cfg.LockSystemPrompt && w.systemSet {
		return false
	}
	w.systemPrompt = text
	w.systemSet = true
	return true
}

// SystemPrompt returns the current system prompt.
func (w *Window) SystemPrompt() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.systemPrompt
}

// Pin replaces the pinned set.
func (w *Window) Pin(messages []llm.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pinned = cloneAll(messages)
}

// Pinned returns a copy of the pinned set.
func (w *Window) Pinned() []llm.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneAll(w.pinned)
}

// Append adds a message to the transcript and re-applies the message-count
// ceiling. Messages that violate the data model are rejected.
func (w *Window) Append(msg llm.Message) error {
	return w.AppendMany([]llm.Message{msg})
}

// AppendMany appends messages in order. Either all are appended or, if any
// is invalid, none are.
func (w *Window) AppendMany(messages []llm.Message) error {
	for i, msg := range messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("append message %d: %w", i, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = llm.NewMessageID()
		}
		w.log = append(w.log, msg.Clone())
	}
	w.applyCeiling()
	return nil
}

// applyCeiling advances the active window start so that at most
// MaxMessages transcript entries remain sendable.
func (w *Window) applyCeiling() {
	if w.cfg.MaxMessages <= 0 {
		return
	}
	newStart := len(w.log) - w.cfg.MaxMessages
	if newStart <= w.start {
		return
	}
	if w.cfg.Summarize {
		pinned := w.pinnedIDs()
		for _, msg := range w.log[w.start:newStart] {
			if _, ok := pinned[msg.ID]; !ok {
				w.evicted = append(w.evicted, msg)
			}
		}
	}
	w.start = newStart
}

// SendableSubset selects what to send on the next turn: pinned messages
// followed by the active transcript entries (pinned wins over a transcript
// entry with the same ID), trimmed to the token budget.
//
// Trimming keeps every pinned message, then walks the transcript entries
// from newest to oldest and stops at the first one that does not fit. If no
// transcript entry fits, the newest one is kept anyway, even when it alone
// exceeds the budget.
func (w *Window) SendableSubset() Subset {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := Subset{SystemPrompt: w.systemPrompt, Summary: w.summary}

	pinned := w.pinnedIDs()
	var recent []llm.Message
	for _, msg := range w.log[w.start:] {
		if _, ok := pinned[msg.ID]; ok {
			continue
		}
		recent = append(recent, msg)
	}

	if w.cfg.MaxTokens > 0 {
		recent = w.trim(recent)
	}

	out.Messages = make([]llm.Message, 0, len(w.pinned)+len(recent))
	out.Messages = append(out.Messages, cloneAll(w.pinned)...)
	out.Messages = append(out.Messages, cloneAll(recent)...)
	return out
}

func (w *Window) trim(recent []llm.Message) []llm.Message {
	remaining := w.cfg.MaxTokens
	remaining -= w.estimator.Count(w.systemPrompt)
	remaining -= w.estimator.Count(w.summary)
	for _, msg := range w.pinned {
		remaining -= MessageTokens(w.estimator, msg)
	}

	used := 0
	cut := len(recent)
	for i := len(recent) - 1; i >= 0; i-- {
		cost := MessageTokens(w.estimator, recent[i])
		if used+cost > remaining {
			break
		}
		used += cost
		cut = i
	}
	if cut == len(recent) && len(recent) > 0 {
		cut = len(recent) - 1
	}
	return recent[cut:]
}

// All returns a copy of the full transcript in insertion order.
func (w *Window) All() []llm.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneAll(w.log)
}

// Len returns the number of transcript entries.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.log)
}

// Clear empties the transcript and any summary. The system prompt and the
// pinned set are kept.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.log = nil
	w.start = 0
	w.summary = ""
	w.evicted = nil
}

// Summary returns the running summary of evicted entries.
func (w *Window) Summary() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.summary
}

// Evicted returns the entries waiting to be folded into the summary.
func (w *Window) Evicted() []llm.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneAll(w.evicted)
}

// SetSummary stores a new running summary that covers the first n queued
// evicted entries, and removes them from the queue.
func (w *Window) SetSummary(summary string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summary = summary
	if n > len(w.evicted) {
		n = len(w.evicted)
	}
	if n > 0 {
		w.evicted = append([]llm.Message(nil), w.evicted[n:]...)
	}
}

func (w *Window) pinnedIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(w.pinned))
	for _, msg := range w.pinned {
		if msg.ID != "" {
			ids[msg.ID] = struct{}{}
		}
	}
	return ids
}

func cloneAll(messages []llm.Message) []llm.Message {
	if messages == nil {
		return nil
	}
	out := make([]llm.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg.Clone()
	}
	return out
}
