package state

import (
	"context"
	"testing"

	"github.com/user/gophertalk/internal/types"
	"github.com/user/gophertalk/pkg/llm"
)

func TestJournal(t *testing.T) {
	dir := t.TempDir()
	journal := NewJournal(dir)
	ctx := context.Background()

	sessionID := types.NewSessionID()

	// Test append
	first := []llm.Message{
		llm.NewMessage(llm.RoleUser, "hello"),
		llm.NewMessage(llm.RoleAssistant, "hi there"),
	}
	if err := journal.Append(ctx, sessionID, first); err != nil {
		t.Fatal(err)
	}
	if err := journal.Append(ctx, sessionID, []llm.Message{llm.NewMessage(llm.RoleUser, "again")}); err != nil {
		t.Fatal(err)
	}

	// Test tail
	entries, err := journal.Tail(ctx, sessionID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq != 2 || entries[1].Seq != 3 {
		t.Errorf("expected seq 2,3, got %d,%d", entries[0].Seq, entries[1].Seq)
	}
	if entries[1].Message.Content != "again" {
		t.Errorf("expected last message 'again', got %q", entries[1].Message.Content)
	}

	all, err := journal.Tail(ctx, sessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 entries with no limit, got %d", len(all))
	}

	// Test count
	count, err := journal.Count(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
}

func TestJournalEmpty(t *testing.T) {
	journal := NewJournal(t.TempDir())
	ctx := context.Background()
	id := types.NewSessionID()

	entries, err := journal.Tail(ctx, id, 10)
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Errorf("expected no entries, got %d", len(entries))
	}
	if err := journal.Append(ctx, id, nil); err != nil {
		t.Fatal(err)
	}
	if count, _ := journal.Count(ctx, id); count != 0 {
		t.Errorf("expected count 0, got %d", count)
	}
}
