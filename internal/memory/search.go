package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// SearchConfig weights the three ranking signals.
type SearchConfig struct {
	VectorWeight  float64
	KeywordWeight float64
	RecencyWeight float64
	RecencyDays   int

	// VectorThreshold is the minimum cosine score a record needs to be a
	// candidate at all.
	VectorThreshold float64
}

// DefaultSearchConfig returns the standard 0.6/0.3/0.1 weighting with a
// 30-day recency horizon.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		VectorWeight:    0.6,
		KeywordWeight:   0.3,
		RecencyWeight:   0.1,
		RecencyDays:     30,
		VectorThreshold: 0.1,
	}
}

// SearchResult is one ranked hit with the per-signal breakdown.
type SearchResult struct {
	Entry        models.MemoryEntry
	Score        float64
	VectorScore  float64
	KeywordScore float64
	RecencyScore float64
}

// Searcher ranks memories by blending semantic similarity, keyword
// overlap, and recency.
type Searcher struct {
	store    *Store
	vectors  *VectorIndex
	embedder Embedder
	cfg      SearchConfig
	logger   *slog.Logger
	now      func() time.Time
}

// SearcherOption configures a Searcher.
type SearcherOption func(*Searcher)

// WithSearcherLogger sets the logger.
func WithSearcherLogger(logger *slog.Logger) SearcherOption {
	return func(s *Searcher) { s.logger = logger }
}

// WithSearcherNow overrides the clock, for tests.
func WithSearcherNow(now func() time.Time) SearcherOption {
	return func(s *Searcher) { s.now = now }
}

// NewSearcher wires a searcher over a store, a vector index, and an
// embedder.
func NewSearcher(store *Store, vectors *VectorIndex, embedder Embedder, cfg SearchConfig, opts ...SearcherOption) *Searcher {
	if cfg.VectorWeight == 0 && cfg.KeywordWeight == 0 && cfg.RecencyWeight == 0 {
		cfg = DefaultSearchConfig()
	}
	if cfg.RecencyDays <= 0 {
		cfg.RecencyDays = 30
	}
	s := &Searcher{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Remember embeds and indexes a new entry in one step.
func (s *Searcher) Remember(ctx context.Context, entry *models.MemoryEntry) (*models.MemoryEntry, error) {
	saved, err := s.store.Append(entry)
	if err != nil {
		return nil, err
	}
	vec, err := s.embedder.Embed(ctx, saved.Content)
	if err != nil {
		// Entry is durable either way; it just won't rank semantically.
		s.logger.Warn("failed to embed memory entry", "id", saved.ID, "error", err)
		return saved, nil
	}
	if err := s.vectors.Add(saved.ID, vec, *saved); err != nil {
		s.logger.Warn("failed to index memory vector", "id", saved.ID, "error", err)
		return saved, nil
	}
	if err := s.vectors.Save(); err != nil {
		s.logger.Warn("failed to persist vector index", "error", err)
	}
	return saved, nil
}

// Search returns the topK entries for the query, best first. Every hit
// has its access recorded for the evolution engine.
func (s *Searcher) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}

	all, err := s.store.All()
	if err != nil {
		return nil, err
	}

	// Candidate pool: vector top-2k united with keyword top-2k.
	vecScores := s.vectorScores(ctx, query, 2*topK)
	kwScores := keywordScores(query, all, 2*topK)

	byID := make(map[string]*models.MemoryEntry, len(all))
	for _, e := range all {
		byID[e.ID] = e
	}
	candidates := make(map[string]bool, len(vecScores)+len(kwScores))
	for id := range vecScores {
		candidates[id] = true
	}
	for id := range kwScores {
		candidates[id] = true
	}

	now := s.now()
	var results []SearchResult
	for id := range candidates {
		e, ok := byID[id]
		if !ok {
			continue
		}
		vec := vecScores[id]
		kw := kwScores[id]
		rec := recencyScore(e.Timestamp, now, s.cfg.RecencyDays)
		results = append(results, SearchResult{
			Entry:        *e,
			Score:        s.cfg.VectorWeight*vec + s.cfg.KeywordWeight*kw + s.cfg.RecencyWeight*rec,
			VectorScore:  vec,
			KeywordScore: kw,
			RecencyScore: rec,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}

	for _, r := range results {
		s.store.RecordAccess(r.Entry.ID)
	}
	return results, nil
}

func (s *Searcher) vectorScores(ctx context.Context, query string, topK int) map[string]float64 {
	scores := make(map[string]float64)
	if s.vectors == nil || s.embedder == nil {
		return scores
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, keyword-only search", "error", err)
		return scores
	}
	for _, hit := range s.vectors.Search(qvec, topK, s.cfg.VectorThreshold) {
		scores[hit.Entry.ID] = hit.Score
	}
	return scores
}

// keywordScores is term-frequency weighting over the query terms with a
// bonus when the whole phrase appears verbatim.
func keywordScores(query string, entries []*models.MemoryEntry, topK int) map[string]float64 {
	terms := tokenize(query)
	if len(terms) == 0 {
		return map[string]float64{}
	}
	phrase := strings.ToLower(strings.TrimSpace(query))

	type scored struct {
		id    string
		score float64
	}
	var hits []scored
	for _, e := range entries {
		content := strings.ToLower(e.Content)
		words := tokenize(content)
		if len(words) == 0 {
			continue
		}
		freq := make(map[string]int, len(words))
		for _, w := range words {
			freq[w]++
		}
		var score float64
		matched := 0
		for _, term := range terms {
			if n := freq[term]; n > 0 {
				matched++
				score += float64(n) / float64(len(words))
			}
		}
		if matched == 0 {
			continue
		}
		// Coverage of query terms dominates raw term frequency.
		score = float64(matched)/float64(len(terms)) + score
		if len(terms) > 1 && strings.Contains(content, phrase) {
			score += 0.5
		}
		for _, tag := range e.Tags {
			for _, term := range terms {
				if tag == term {
					score += 0.1
				}
			}
		}
		hits = append(hits, scored{id: e.ID, score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	// Normalize so the keyword signal is comparable to cosine scores.
	max := hits[0].score
	for _, h := range hits {
		if max > 0 {
			out[h.id] = h.score / max
		} else {
			out[h.id] = 0
		}
	}
	return out
}

// recencyScore decays exponentially with age, reaching ~1/e at
// recencyDays.
func recencyScore(ts, now time.Time, recencyDays int) float64 {
	if ts.IsZero() {
		return 0
	}
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	horizon := time.Duration(recencyDays) * 24 * time.Hour
	return math.Exp(-float64(age) / float64(horizon))
}
