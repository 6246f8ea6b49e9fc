package window

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gophertalk/pkg/llm"
)

func msg(id string, role llm.Role, content string) llm.Message {
	return llm.Message{ID: id, Role: role, Content: content}
}

func ids(messages []llm.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestAppendPreservesTranscript(t *testing.T) {
	w := New(Config{MaxMessages: 2})
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(msg(fmt.Sprint(i), llm.RoleUser, "m")))
	}

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, ids(w.All()))
	assert.Equal(t, 5, w.Len())
	assert.Equal(t, []string{"3", "4"}, ids(w.SendableSubset().Messages))
}

func TestAppendDoesNotDedupTranscript(t *testing.T) {
	w := New(Config{})
	require.NoError(t, w.Append(msg("same", llm.RoleUser, "a")))
	require.NoError(t, w.Append(msg("same", llm.RoleUser, "b")))
	assert.Len(t, w.All(), 2)
}

func TestAppendAssignsMissingID(t *testing.T) {
	w := New(Config{})
	require.NoError(t, w.Append(llm.Message{Role: llm.RoleUser, Content: "hi"}))
	assert.NotEmpty(t, w.All()[0].ID)
}

func TestAppendRejectsInvalid(t *testing.T) {
	w := New(Config{})
	err := w.AppendMany([]llm.Message{
		msg("1", llm.RoleUser, "ok"),
		msg("2", llm.RoleAssistant, ""),
	})
	require.ErrorIs(t, err, llm.ErrInvalidMessage)
	assert.Zero(t, w.Len(), "no message is appended when one is invalid")
}

func TestSetSystemPromptLock(t *testing.T) {
	locked := New(Config{LockSystemPrompt: true})
	assert.True(t, locked.SetSystemPrompt("first"))
	assert.False(t, locked.SetSystemPrompt("second"))
	assert.Equal(t, "first", locked.SystemPrompt())

	unlocked := New(Config{LockSystemPrompt: false})
	unlocked.SetSystemPrompt("first")
	unlocked.SetSystemPrompt("second")
	assert.Equal(t, "second", unlocked.SystemPrompt())
}

func TestPinReplacesAndWinsOverTranscript(t *testing.T) {
	w := New(Config{MaxMessages: 10})
	w.Pin([]llm.Message{msg("p1", llm.RoleUser, "old pin")})
	w.Pin([]llm.Message{msg("p2", llm.RoleUser, "pinned")})
	require.NoError(t, w.Append(msg("a", llm.RoleUser, "a")))
	require.NoError(t, w.Append(msg("p2", llm.RoleUser, "transcript copy")))
	require.NoError(t, w.Append(msg("b", llm.RoleAssistant, "b")))

	got := w.SendableSubset().Messages
	assert.Equal(t, []string{"p2", "a", "b"}, ids(got))
	assert.Equal(t, "pinned", got[0].Content)
	assert.Len(t, w.Pinned(), 1)
}

func TestPinnedExemptFromCeiling(t *testing.T) {
	w := New(Config{MaxMessages: 1})
	w.Pin([]llm.Message{msg("p1", llm.RoleUser, "x"), msg("p2", llm.RoleUser, "y")})
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(msg(fmt.Sprint(i), llm.RoleUser, "m")))
	}
	assert.Equal(t, []string{"p1", "p2", "2"}, ids(w.SendableSubset().Messages))
}

func TestTokenTrimmingNewestFirst(t *testing.T) {
	// Each message costs 2 tokens with the default estimator.
	w := New(Config{MaxTokens: 5})
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Append(msg(fmt.Sprint(i), llm.RoleUser, "12345678")))
	}
	assert.Equal(t, []string{"2", "3"}, ids(w.SendableSubset().Messages))
}

func TestTokenTrimmingStopsAtFirstMisfit(t *testing.T) {
	w := New(Config{MaxTokens: 10})
	require.NoError(t, w.Append(msg("small-old", llm.RoleUser, "1234")))
	require.NoError(t, w.Append(msg("huge", llm.RoleUser, strings.Repeat("x", 100))))
	require.NoError(t, w.Append(msg("newest", llm.RoleUser, "1234")))

	assert.Equal(t, []string{"newest"}, ids(w.SendableSubset().Messages))
}

func TestTokenTrimmingKeepsNewestWhenNothingFits(t *testing.T) {
	w := New(Config{MaxTokens: 1})
	require.NoError(t, w.Append(msg("a", llm.RoleUser, strings.Repeat("x", 400))))
	require.NoError(t, w.Append(msg("b", llm.RoleUser, strings.Repeat("x", 400))))

	assert.Equal(t, []string{"b"}, ids(w.SendableSubset().Messages))
}

func TestTokenTrimmingCountsSystemAndPinned(t *testing.T) {
	w := New(Config{MaxTokens: 6, LockSystemPrompt: true})
	w.SetSystemPrompt("12345678")                                 // 2 tokens
	w.Pin([]llm.Message{msg("p", llm.RoleUser, "12345678")})      // 2 tokens
	require.NoError(t, w.Append(msg("a", llm.RoleUser, "1234")))  // 1 token
	require.NoError(t, w.Append(msg("b", llm.RoleUser, "12345"))) // 2 tokens

	sub := w.SendableSubset()
	assert.Equal(t, "12345678", sub.SystemPrompt)
	assert.Equal(t, []string{"p", "b"}, ids(sub.Messages))
}

func TestClearKeepsPromptAndPins(t *testing.T) {
	w := New(Config{MaxMessages: 1, Summarize: true, LockSystemPrompt: true})
	w.SetSystemPrompt("sys")
	w.Pin([]llm.Message{msg("p", llm.RoleUser, "pinned")})
	require.NoError(t, w.Append(msg("a", llm.RoleUser, "a")))
	require.NoError(t, w.Append(msg("b", llm.RoleUser, "b")))
	w.SetSummary("summary", 0)

	w.Clear()
	assert.Zero(t, w.Len())
	assert.Empty(t, w.Evicted())
	assert.Empty(t, w.Summary())
	assert.Equal(t, "sys", w.SystemPrompt())
	assert.Equal(t, []string{"p"}, ids(w.SendableSubset().Messages))

	require.NoError(t, w.Append(msg("c", llm.RoleUser, "c")))
	assert.Equal(t, []string{"p", "c"}, ids(w.SendableSubset().Messages))
}

func TestSummarizeQueuesEvicted(t *testing.T) {
	w := New(Config{MaxMessages: 2, Summarize: true})
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(msg(fmt.Sprint(i), llm.RoleUser, "m")))
	}
	assert.Equal(t, []string{"0", "1", "2"}, ids(w.Evicted()))

	w.SetSummary("first three", 2)
	assert.Equal(t, "first three", w.Summary())
	assert.Equal(t, []string{"2"}, ids(w.Evicted()))
	assert.Equal(t, "first three", w.SendableSubset().Summary)
}

func TestNoEvictionQueueWithoutSummarize(t *testing.T) {
	w := New(Config{MaxMessages: 1})
	require.NoError(t, w.Append(msg("a", llm.RoleUser, "a")))
	require.NoError(t, w.Append(msg("b", llm.RoleUser, "b")))
	assert.Empty(t, w.Evicted())
}

func TestSendableSubsetReturnsCopies(t *testing.T) {
	w := New(Config{})
	require.NoError(t, w.Append(msg("a", llm.RoleUser, "original")))
	sub := w.SendableSubset()
	sub.Messages[0].Content = "mutated"
	assert.Equal(t, "original", w.All()[0].Content)
}

func TestWindowProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		cfg := Config{
			MaxMessages: rng.Intn(6),
			MaxTokens:   rng.Intn(20),
		}
		w := New(cfg)

		var pins []llm.Message
		for i := 0; i < rng.Intn(3); i++ {
			pins = append(pins, msg(fmt.Sprintf("pin-%d", i), llm.RoleUser, strings.Repeat("p", rng.Intn(30)+1)))
		}
		w.Pin(pins)

		n := rng.Intn(15)
		for i := 0; i < n; i++ {
			require.NoError(t, w.Append(msg(fmt.Sprintf("m-%d", i), llm.RoleUser, strings.Repeat("x", rng.Intn(40)+1))))
		}

		all := w.All()
		require.Len(t, all, n)
		for i, m := range all {
			require.Equal(t, fmt.Sprintf("m-%d", i), m.ID)
		}

		got := w.SendableSubset().Messages
		nonPinned := 0
		for _, m := range got {
			if !strings.HasPrefix(m.ID, "pin-") {
				nonPinned++
			}
		}
		require.Equal(t, ids(pins), ids(got[:len(pins)]), "pinned messages lead the subset")
		if cfg.MaxMessages > 0 {
			require.LessOrEqual(t, nonPinned, cfg.MaxMessages)
		}
		if n > 0 {
			require.NotEmpty(t, got)
			require.Equal(t, all[n-1].ID, got[len(got)-1].ID, "newest message is always sent")
		}
	}
}

func TestCharEstimator(t *testing.T) {
	e := CharEstimator{}
	assert.Equal(t, 0, e.Count(""))
	assert.Equal(t, 1, e.Count("abc"))
	assert.Equal(t, 1, e.Count("abcd"))
	assert.Equal(t, 2, e.Count("abcde"))
	assert.Equal(t, 5, CharEstimator{CharsPerToken: 1}.Count("abcde"))
}

func TestMessageTokensCountsToolCalls(t *testing.T) {
	m := llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
		Function: llm.FunctionCall{Name: "abcd", Arguments: []byte(`{"a":1}`)},
	}}}
	assert.Equal(t, 3, MessageTokens(CharEstimator{}, m))
}

func TestTiktokenEstimator(t *testing.T) {
	e, err := NewTiktokenEstimator("gpt-4")
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	assert.Zero(t, e.Count(""))
	assert.Positive(t, e.Count("hello world"))

	w := New(Config{MaxTokens: 100}, WithEstimator(e))
	require.NoError(t, w.Append(msg("a", llm.RoleUser, "hello")))
	assert.Len(t, w.SendableSubset().Messages, 1)
}
