package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/pkg/llm"
)

func backends(t *testing.T) map[string]types.Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "gophertalk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]types.Store{
		"file":   NewFileStore(t.TempDir()),
		"sqlite": sqlite,
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := store.ResolveOrCreate(ctx, types.NewSessionKey("cli", "default"), "openai", "gpt-4o")
			require.NoError(t, err)

			idx, err := store.Get(ctx, id)
			require.NoError(t, err)

			call := llm.ToolCall{ID: "c1", Type: "function", Function: llm.FunctionCall{Name: "read_url", Arguments: json.RawMessage(`{"url":"x"}`)}}
			session := &types.Session{
				SessionIndex: *idx,
				SystemPrompt: "be brief",
				Summary:      "earlier stuff",
				Pinned:       []llm.Message{{ID: "p1", Role: llm.RoleUser, Content: "pinned"}},
				Messages: []llm.Message{
					{ID: "1", Role: llm.RoleUser, Content: "fetch the page please"},
					{ID: "2", Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
					{ID: "3", Role: llm.RoleTool, Content: "page", ToolCallID: "c1"},
					{ID: "4", Role: llm.RoleAssistant, Content: "done"},
				},
			}
			require.NoError(t, store.SaveSession(ctx, session))

			loaded, err := store.LoadSession(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "be brief", loaded.SystemPrompt)
			assert.Equal(t, "earlier stuff", loaded.Summary)
			require.Len(t, loaded.Pinned, 1)
			require.Len(t, loaded.Messages, 4)
			assert.Equal(t, "c1", loaded.Messages[2].ToolCallID)
			assert.JSONEq(t, `{"url":"x"}`, string(loaded.Messages[1].ToolCalls[0].Function.Arguments))
			assert.Equal(t, 4, loaded.MessageCount)
			assert.Equal(t, "fetch the page please", loaded.Title)

			// A second save replaces the transcript.
			session.Messages = session.Messages[:1]
			require.NoError(t, store.SaveSession(ctx, session))
			loaded, err = store.LoadSession(ctx, id)
			require.NoError(t, err)
			assert.Len(t, loaded.Messages, 1)

			idx, err = store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 1, idx.MessageCount)
		})
	}
}

func TestStoreLoadWithoutSnapshot(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := store.Create(ctx, "cli:new", "gemini", "m")
			require.NoError(t, err)

			loaded, err := store.LoadSession(ctx, id)
			require.NoError(t, err)
			assert.Empty(t, loaded.Messages)
			assert.Equal(t, "gemini", loaded.Provider)
		})
	}
}

func TestStoreRecent(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := store.Create(ctx, "cli:default", "openai", "m")
			require.NoError(t, err)

			require.NoError(t, store.SaveRecent(ctx, id, []llm.Message{
				{ID: "1", Role: llm.RoleUser, Content: "a"},
				{ID: "2", Role: llm.RoleAssistant, Content: "b"},
			}))
			require.NoError(t, store.SaveRecent(ctx, id, []llm.Message{{ID: "3", Role: llm.RoleUser, Content: "c"}}))

			recent, err := store.Recent(ctx, id, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "2", recent[0].ID)
			assert.Equal(t, "3", recent[1].ID)

			all, err := store.Recent(ctx, id, 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestStoreSaveUnknownSession(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.SaveSession(context.Background(), &types.Session{
				SessionIndex: types.SessionIndex{SessionID: "nope"},
			})
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestStoreFailedSaveKeepsIndex(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := store.Create(ctx, types.NewSessionKey("cli", "default"), "anthropic", "claude")
			require.NoError(t, err)
			before, err := store.Get(ctx, id)
			require.NoError(t, err)

			bad := llm.ToolCall{ID: "c1", Type: "function", Function: llm.FunctionCall{Name: "memory_list", Arguments: json.RawMessage{}}}
			err = store.SaveSession(ctx, &types.Session{
				SessionIndex: *before,
				Messages: []llm.Message{
					{ID: "1", Role: llm.RoleUser, Content: "what do you remember"},
					{ID: "2", Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{bad}},
				},
			})
			require.Error(t, err)

			after, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 0, after.MessageCount)
			assert.Equal(t, before.UpdatedAt.Unix(), after.UpdatedAt.Unix())

			loaded, err := store.LoadSession(ctx, id)
			require.NoError(t, err)
			assert.Empty(t, loaded.Messages)
		})
	}
}

func TestStoreResolveOrCreate(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := types.NewSessionKey("cli", "work")
			a, err := store.ResolveOrCreate(ctx, key, "openai", "m")
			require.NoError(t, err)
			b, err := store.ResolveOrCreate(ctx, key, "openai", "m")
			require.NoError(t, err)
			assert.Equal(t, a, b)

			other, err := store.ResolveOrCreate(ctx, types.NewSessionKey("cli", "home"), "openai", "m")
			require.NoError(t, err)
			assert.NotEqual(t, a, other)

			list, err := store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}
