package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func newTestSearcher(t *testing.T, now time.Time) (*Searcher, *Store, *VectorIndex) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir, WithStoreNow(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	vectors, err := LoadVectorIndex(filepath.Join(dir, "vectors.json"))
	if err != nil {
		t.Fatal(err)
	}
	s := NewSearcher(store, vectors, NewHashEmbedder(64), DefaultSearchConfig(),
		WithSearcherNow(func() time.Time { return now }))
	return s, store, vectors
}

func TestRememberIndexesVector(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, _, vectors := newTestSearcher(t, now)

	e, err := s.Remember(context.Background(), &models.MemoryEntry{
		Content: "kubernetes cluster upgrade scheduled for friday",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := vectors.Get(e.ID); !ok {
		t.Error("vector not indexed")
	}
}

func TestSearchRanksRelevantFirst(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, _, _ := newTestSearcher(t, now)
	ctx := context.Background()

	target, err := s.Remember(ctx, &models.MemoryEntry{
		Content:   "deploy pipeline for the billing service uses blue green rollout",
		Timestamp: now.Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Remember(ctx, &models.MemoryEntry{
		Content:   "grocery list apples oranges bananas",
		Timestamp: now.Add(-24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "billing service deploy pipeline", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Entry.ID != target.ID {
		t.Errorf("top hit: got %q want %q", results[0].Entry.ID, target.ID)
	}
	if results[0].KeywordScore <= 0 {
		t.Error("keyword signal missing on matching entry")
	}
}

func TestSearchRecordsAccess(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, store, _ := newTestSearcher(t, now)
	ctx := context.Background()

	e, err := s.Remember(ctx, &models.MemoryEntry{Content: "remember the database password rotation"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Search(ctx, "database password", 3); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount != 1 {
		t.Errorf("access count: got %d", got.AccessCount)
	}
}

func TestRecencyBreaksTies(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, _, _ := newTestSearcher(t, now)
	ctx := context.Background()

	old, err := s.Remember(ctx, &models.MemoryEntry{
		Content:   "standup notes for project atlas",
		Timestamp: now.Add(-60 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := s.Remember(ctx, &models.MemoryEntry{
		Content:   "standup notes for project atlas",
		Timestamp: now.Add(-1 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "standup notes atlas", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results: got %d", len(results))
	}
	if results[0].Entry.ID != fresh.ID || results[1].Entry.ID != old.ID {
		t.Errorf("order: got [%q %q]", results[0].Entry.ID, results[1].Entry.ID)
	}
	if results[0].RecencyScore <= results[1].RecencyScore {
		t.Error("recency should favor the newer entry")
	}
}

func TestSearchSurvivesEmbedderFailure(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	store, err := NewStore(dir, WithStoreNow(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	vectors, err := LoadVectorIndex(filepath.Join(dir, "vectors.json"))
	if err != nil {
		t.Fatal(err)
	}
	s := NewSearcher(store, vectors, failingEmbedder{}, DefaultSearchConfig(),
		WithSearcherNow(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := s.Remember(ctx, &models.MemoryEntry{Content: "keyword only entry about redis caching"}); err != nil {
		t.Fatal(err)
	}
	results, err := s.Search(ctx, "redis caching", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("keyword fallback results: got %d", len(results))
	}
	if results[0].VectorScore != 0 {
		t.Errorf("vector score without embeddings: got %v", results[0].VectorScore)
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(128)
	a, _ := e.Embed(context.Background(), "consistent input text")
	b, _ := e.Embed(context.Background(), "consistent input text")
	c, _ := e.Embed(context.Background(), "completely different words here")

	if cosine(a, b) < 0.999 {
		t.Error("identical text should embed identically")
	}
	if cosine(a, c) > 0.5 {
		t.Errorf("unrelated text too similar: %v", cosine(a, c))
	}
}

func TestChainEmbedderFallsThrough(t *testing.T) {
	chain := NewChainEmbedder(nil, failingEmbedder{}, NewHashEmbedder(32))
	vec, err := chain.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 32 {
		t.Errorf("dimension: got %d", len(vec))
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Name() string   { return "failing" }
func (failingEmbedder) Dimension() int { return 8 }
func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, context.DeadlineExceeded
}
