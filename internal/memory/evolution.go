package memory

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// EvolutionConfig tunes the lifecycle cycle.
type EvolutionConfig struct {
	// Promotion: entries accessed at least PromotionThreshold times in
	// the trailing PromotionWindow gain PromotionBoost.
	PromotionThreshold int
	PromotionWindow    time.Duration
	PromotionBoost     float64

	// Decay: entries untouched for longer than DecayAfter lose
	// DecayStep from their promotion score.
	DecayAfter time.Duration
	DecayStep  float64

	// Archival: entries with effective importance below ImportanceFloor
	// archive after ShortInactivity; everything else after
	// LongInactivity.
	ImportanceFloor float64
	ShortInactivity time.Duration
	LongInactivity  time.Duration

	// Cross-reference: entries sharing MinSharedTags tags are linked;
	// if SimilarityLink > 0, vector similarity above it also links.
	MinSharedTags  int
	SimilarityLink float64

	// Consolidation: pairs with vector similarity above MergeThreshold
	// merge into the longer entry. Zero disables consolidation.
	MergeThreshold float64
}

// DefaultEvolutionConfig returns the standard lifecycle tuning.
func DefaultEvolutionConfig() EvolutionConfig {
	return EvolutionConfig{
		PromotionThreshold: 3,
		PromotionWindow:    7 * 24 * time.Hour,
		PromotionBoost:     0.1,
		DecayAfter:         14 * 24 * time.Hour,
		DecayStep:          0.05,
		ImportanceFloor:    0.3,
		ShortInactivity:    30 * 24 * time.Hour,
		LongInactivity:     90 * 24 * time.Hour,
		MinSharedTags:      2,
		SimilarityLink:     0,
		MergeThreshold:     0.92,
	}
}

// EvolutionReport lists what a cycle changed (or, under dry run, would
// change).
type EvolutionReport struct {
	Promoted     []string `json:"promoted,omitempty"`
	Decayed      []string `json:"decayed,omitempty"`
	Archived     []string `json:"archived,omitempty"`
	CrossLinked  [][2]string `json:"cross_linked,omitempty"`
	Consolidated [][2]string `json:"consolidated,omitempty"` // [kept, merged-away]
	DryRun       bool     `json:"dry_run"`
}

// Changed reports whether the cycle touched anything.
func (r *EvolutionReport) Changed() bool {
	return len(r.Promoted)+len(r.Decayed)+len(r.Archived)+
		len(r.CrossLinked)+len(r.Consolidated) > 0
}

// Evolution runs the periodic memory lifecycle over a store.
type Evolution struct {
	store   *Store
	vectors *VectorIndex
	cfg     EvolutionConfig
	logger  *slog.Logger
	now     func() time.Time
}

// EvolutionOption configures an Evolution.
type EvolutionOption func(*Evolution)

// WithEvolutionLogger sets the logger.
func WithEvolutionLogger(logger *slog.Logger) EvolutionOption {
	return func(e *Evolution) { e.logger = logger }
}

// WithEvolutionNow overrides the clock, for tests.
func WithEvolutionNow(now func() time.Time) EvolutionOption {
	return func(e *Evolution) { e.now = now }
}

// NewEvolution builds the lifecycle engine. vectors may be nil, which
// disables similarity linking and consolidation.
func NewEvolution(store *Store, vectors *VectorIndex, cfg EvolutionConfig, opts ...EvolutionOption) *Evolution {
	if cfg.PromotionThreshold == 0 {
		cfg = DefaultEvolutionConfig()
	}
	e := &Evolution{
		store:   store,
		vectors: vectors,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cycle runs one full pass: promotion, decay, archival,
// cross-reference, consolidation. Idempotent when nothing qualifies.
// With dryRun the report lists would-change ids and nothing is written.
func (e *Evolution) Cycle(dryRun bool) (*EvolutionReport, error) {
	report := &EvolutionReport{DryRun: dryRun}
	now := e.now()

	entries, err := e.store.All()
	if err != nil {
		return nil, err
	}
	idx := e.store.Index()

	e.promote(entries, idx, now, dryRun, report)
	e.decay(entries, idx, now, dryRun, report)

	survivors := e.archiveStale(entries, now, dryRun, report)
	e.crossReference(survivors, idx, dryRun, report)
	e.consolidate(survivors, idx, dryRun, report)

	if !dryRun && report.Changed() {
		if err := idx.save(); err != nil {
			return nil, err
		}
		if e.vectors != nil && len(report.Consolidated)+len(report.Archived) > 0 {
			if err := e.vectors.Save(); err != nil {
				e.logger.Warn("failed to persist vector index", "error", err)
			}
		}
		e.logger.Info("memory evolution cycle complete",
			"promoted", len(report.Promoted),
			"decayed", len(report.Decayed),
			"archived", len(report.Archived),
			"cross_linked", len(report.CrossLinked),
			"consolidated", len(report.Consolidated))
	}
	return report, nil
}

func (e *Evolution) promote(entries []*models.MemoryEntry, idx *evolutionIndex, now time.Time, dryRun bool, report *EvolutionReport) {
	cutoff := now.Add(-e.cfg.PromotionWindow)
	for _, entry := range entries {
		if idx.accessesSince(entry.ID, cutoff) < e.cfg.PromotionThreshold {
			continue
		}
		rec := idx.record(entry.ID)
		if rec.PromotionScore >= 1 {
			continue
		}
		report.Promoted = append(report.Promoted, entry.ID)
		if dryRun {
			continue
		}
		rec.PromotionScore += e.cfg.PromotionBoost
		if rec.PromotionScore > 1 {
			rec.PromotionScore = 1
		}
	}
}

func (e *Evolution) decay(entries []*models.MemoryEntry, idx *evolutionIndex, now time.Time, dryRun bool, report *EvolutionReport) {
	cutoff := now.Add(-e.cfg.DecayAfter)
	for _, entry := range entries {
		rec := idx.Records[entry.ID]
		last := entry.Timestamp
		if rec != nil && !rec.LastAccess.IsZero() {
			last = rec.LastAccess
		}
		if !last.Before(cutoff) {
			continue
		}
		if rec != nil && rec.PromotionScore <= -0.5 {
			continue
		}
		report.Decayed = append(report.Decayed, entry.ID)
		if dryRun {
			continue
		}
		rec = idx.record(entry.ID)
		rec.PromotionScore -= e.cfg.DecayStep
		if rec.PromotionScore < -0.5 {
			rec.PromotionScore = -0.5
		}
	}
}

// archiveStale archives inactive entries and returns the survivors.
func (e *Evolution) archiveStale(entries []*models.MemoryEntry, now time.Time, dryRun bool, report *EvolutionReport) []*models.MemoryEntry {
	var survivors []*models.MemoryEntry
	for _, entry := range entries {
		window := e.cfg.LongInactivity
		if entry.EffectiveImportance() < e.cfg.ImportanceFloor {
			window = e.cfg.ShortInactivity
		}
		last := entry.Timestamp
		if !entry.LastAccess.IsZero() && entry.LastAccess.After(last) {
			last = entry.LastAccess
		}
		if now.Sub(last) <= window {
			survivors = append(survivors, entry)
			continue
		}
		report.Archived = append(report.Archived, entry.ID)
		if dryRun {
			continue
		}
		if err := e.store.Archive(entry.ID); err != nil {
			e.logger.Warn("failed to archive memory entry", "id", entry.ID, "error", err)
			survivors = append(survivors, entry)
			continue
		}
		if e.vectors != nil {
			e.vectors.Remove(entry.ID)
		}
	}
	return survivors
}

func (e *Evolution) crossReference(entries []*models.MemoryEntry, idx *evolutionIndex, dryRun bool, report *EvolutionReport) {
	linked := func(a, b string) bool {
		rec := idx.Records[a]
		if rec == nil {
			return false
		}
		for _, id := range rec.CrossRefs {
			if id == b {
				return true
			}
		}
		return false
	}

	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			a, b := entries[i], entries[j]
			if linked(a.ID, b.ID) {
				continue
			}
			related := a.SharedTags(b) >= e.cfg.MinSharedTags
			if !related && e.cfg.SimilarityLink > 0 && e.vectors != nil {
				if sim, ok := e.vectors.Similarity(a.ID, b.ID); ok && sim >= e.cfg.SimilarityLink {
					related = true
				}
			}
			if !related {
				continue
			}
			report.CrossLinked = append(report.CrossLinked, [2]string{a.ID, b.ID})
			if dryRun {
				continue
			}
			idx.addCrossRef(a.ID, b.ID)
			idx.addCrossRef(b.ID, a.ID)
		}
	}
}

func (e *Evolution) consolidate(entries []*models.MemoryEntry, idx *evolutionIndex, dryRun bool, report *EvolutionReport) {
	if e.cfg.MergeThreshold <= 0 || e.vectors == nil {
		return
	}

	merged := map[string]bool{}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			a, b := entries[i], entries[j]
			if merged[a.ID] || merged[b.ID] {
				continue
			}
			sim, ok := e.vectors.Similarity(a.ID, b.ID)
			if !ok || sim < e.cfg.MergeThreshold {
				continue
			}
			keep, drop := a, b
			if len(b.Content) > len(a.Content) {
				keep, drop = b, a
			}
			merged[drop.ID] = true
			report.Consolidated = append(report.Consolidated, [2]string{keep.ID, drop.ID})
			if dryRun {
				continue
			}

			// Transfer the merged entry's access history onto the kept
			// one, then archive it.
			keepRec := idx.record(keep.ID)
			if dropRec := idx.Records[drop.ID]; dropRec != nil {
				keepRec.AccessCount += dropRec.AccessCount
				if dropRec.LastAccess.After(keepRec.LastAccess) {
					keepRec.LastAccess = dropRec.LastAccess
				}
			}
			idx.addCrossRef(keep.ID, drop.ID)
			if err := e.store.Archive(drop.ID); err != nil {
				e.logger.Warn("failed to archive consolidated entry", "id", drop.ID, "error", err)
				continue
			}
			e.vectors.Remove(drop.ID)
		}
	}
}
