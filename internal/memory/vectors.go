package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// vectorRecord pairs an embedding with a snapshot of its entry so
// search results do not require re-reading the markdown files.
type vectorRecord struct {
	Vector []float32          `json:"vector"`
	Entry  models.MemoryEntry `json:"entry"`
}

// VectorIndex is the persistent id -> vector mapping (vectors.json).
// A record exists iff its entry exists; Store deletions must call
// Remove.
type VectorIndex struct {
	path string

	mu      sync.RWMutex
	Dim     int                      `json:"dimension"`
	Records map[string]*vectorRecord `json:"records"`
	Updated time.Time                `json:"updated_at"`
}

// VectorHit is one search result.
type VectorHit struct {
	Entry models.MemoryEntry
	Score float64
}

// LoadVectorIndex opens or creates vectors.json.
func LoadVectorIndex(path string) (*VectorIndex, error) {
	idx := &VectorIndex{path: path, Records: make(map[string]*vectorRecord)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("memory: read vectors: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("memory: parse vectors: %w", err)
	}
	if idx.Records == nil {
		idx.Records = make(map[string]*vectorRecord)
	}
	return idx, nil
}

// Add inserts or replaces a record. The first record fixes the
// dimension; mismatched vectors are rejected.
func (v *VectorIndex) Add(id string, vector []float32, entry models.MemoryEntry) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Dim == 0 {
		v.Dim = len(vector)
	}
	if len(vector) != v.Dim {
		return fmt.Errorf("memory: vector dimension %d, index expects %d", len(vector), v.Dim)
	}
	v.Records[id] = &vectorRecord{Vector: vector, Entry: entry}
	return nil
}

// Remove drops a record; no-op for unknown ids.
func (v *VectorIndex) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.Records, id)
}

// Get returns the stored vector for an id.
func (v *VectorIndex) Get(id string) ([]float32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.Records[id]
	if !ok {
		return nil, false
	}
	return rec.Vector, true
}

// Len returns the record count.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.Records)
}

// Search scores every record by cosine similarity and returns the topK
// above the threshold, best first.
func (v *VectorIndex) Search(query []float32, topK int, threshold float64) []VectorHit {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var hits []VectorHit
	for _, rec := range v.Records {
		if rec.Entry.Archived {
			continue
		}
		score := cosine(query, rec.Vector)
		if score < threshold {
			continue
		}
		hits = append(hits, VectorHit{Entry: rec.Entry, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Similarity returns the cosine similarity between two stored entries.
func (v *VectorIndex) Similarity(a, b string) (float64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ra, ok := v.Records[a]
	if !ok {
		return 0, false
	}
	rb, ok := v.Records[b]
	if !ok {
		return 0, false
	}
	return cosine(ra.Vector, rb.Vector), true
}

// Save persists the index.
func (v *VectorIndex) Save() error {
	v.mu.Lock()
	v.Updated = time.Now().UTC()
	data, err := json.Marshal(v)
	v.mu.Unlock()
	if err != nil {
		return fmt.Errorf("memory: marshal vectors: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write vectors: %w", err)
	}
	return os.Rename(tmp, v.path)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
