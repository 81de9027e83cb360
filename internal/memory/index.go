package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// annotation is the persisted evolution record for one entry.
type annotation struct {
	AccessCount    int       `json:"access_count,omitempty"`
	LastAccess     time.Time `json:"last_access,omitzero"`
	PromotionScore float64   `json:"promotion_score,omitempty"`
	DecayRate      float64   `json:"decay_rate,omitempty"`
	CrossRefs      []string  `json:"cross_refs,omitempty"`
	Archived       bool      `json:"archived,omitempty"`

	// AccessWindow holds recent access times for the promotion window.
	AccessWindow []time.Time `json:"access_window,omitempty"`
}

// evolutionIndex is the side-table (index.json) keyed by entry id. The
// markdown files stay append-only; everything mutable lives here.
type evolutionIndex struct {
	path    string
	Records map[string]*annotation `json:"records"`
}

func loadEvolutionIndex(path string) (*evolutionIndex, error) {
	idx := &evolutionIndex{path: path, Records: make(map[string]*annotation)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("memory: read index: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("memory: parse index: %w", err)
	}
	if idx.Records == nil {
		idx.Records = make(map[string]*annotation)
	}
	return idx, nil
}

func (x *evolutionIndex) save() error {
	data, err := json.MarshalIndent(x, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal index: %w", err)
	}
	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write index: %w", err)
	}
	return os.Rename(tmp, x.path)
}

func (x *evolutionIndex) record(id string) *annotation {
	a := x.Records[id]
	if a == nil {
		a = &annotation{}
		x.Records[id] = a
	}
	return a
}

// apply copies the annotations onto a parsed entry.
func (x *evolutionIndex) apply(e *models.MemoryEntry) {
	a := x.Records[e.ID]
	if a == nil {
		return
	}
	e.AccessCount = a.AccessCount
	e.LastAccess = a.LastAccess
	e.PromotionScore = a.PromotionScore
	e.DecayRate = a.DecayRate
	e.CrossRefs = append([]string(nil), a.CrossRefs...)
	e.Archived = a.Archived
}

func (x *evolutionIndex) recordAccess(id string, now time.Time) {
	a := x.record(id)
	a.AccessCount++
	a.LastAccess = now
	a.AccessWindow = append(a.AccessWindow, now)
	// Keep the window bounded; promotion only looks at the trailing
	// period anyway.
	if len(a.AccessWindow) > 64 {
		a.AccessWindow = a.AccessWindow[len(a.AccessWindow)-64:]
	}
}

// accessesSince counts accesses in the trailing window.
func (x *evolutionIndex) accessesSince(id string, cutoff time.Time) int {
	a := x.Records[id]
	if a == nil {
		return 0
	}
	n := 0
	for _, t := range a.AccessWindow {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

func (x *evolutionIndex) setArchived(id string) {
	x.record(id).Archived = true
}

func (x *evolutionIndex) remove(id string) {
	delete(x.Records, id)
}

// addCrossRef links a to b one-way, without duplicates.
func (x *evolutionIndex) addCrossRef(a, b string) {
	rec := x.record(a)
	for _, id := range rec.CrossRefs {
		if id == b {
			return
		}
	}
	rec.CrossRefs = append(rec.CrossRefs, b)
}
