package sessions

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestGetOrCreateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := models.SessionKey("cli", "conv-1")
	sess, err := store.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess.Key != key {
		t.Errorf("key: got %q want %q", sess.Key, key)
	}

	if err := store.Append(ctx, key, models.ChatMessage{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, key, models.ChatMessage{Role: models.RoleAssistant, Content: "hello"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	history, err := store.History(ctx, key)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length: got %d want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("unexpected roles: %+v", history)
	}
}

func TestPersistenceAcrossStores(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Append(ctx, "cli:c", models.ChatMessage{Role: models.RoleUser, Content: "persisted"}); err != nil {
		t.Fatal(err)
	}

	second, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	history, err := second.History(ctx, "cli:c")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Content != "persisted" {
		t.Errorf("unexpected history: %+v", history)
	}

	keys, err := second.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "cli:c" {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestConcurrentAppends(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Append(ctx, "cli:conc", models.ChatMessage{Role: models.RoleUser, Content: "x"})
		}()
	}
	wg.Wait()

	history, err := store.History(ctx, "cli:conc")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 20 {
		t.Errorf("history length: got %d want 20", len(history))
	}
}

func TestRepairTranscriptOrphanedCalls(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleUser, Content: "list files"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "a", Name: "exec"},
			{ID: "b", Name: "exec"},
		}},
		{Role: models.RoleTool, ToolCallID: "a", Name: "exec", Content: "ok"},
		// result for "b" lost
		{Role: models.RoleAssistant, Content: "done"},
	}

	repaired := RepairTranscript(msgs)
	if len(repaired) != 5 {
		t.Fatalf("length: got %d want 5", len(repaired))
	}
	if repaired[3].Role != models.RoleTool || repaired[3].ToolCallID != "b" {
		t.Errorf("expected synthetic result for call b, got %+v", repaired[3])
	}
}

func TestRepairTranscriptNoOp(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}
	repaired := RepairTranscript(msgs)
	if len(repaired) != 2 {
		t.Errorf("length: got %d want 2", len(repaired))
	}
}
