package models

import "time"

// MemorySource identifies where a memory entry came from.
type MemorySource string

const (
	MemoryDaily    MemorySource = "daily"
	MemoryLongTerm MemorySource = "long_term"
	MemorySession  MemorySource = "session"
)

// MemoryEntry is one durable memory with its evolution annotations.
// The evolution fields are write-owned by the evolution engine; readers see
// eventually-consistent values.
type MemoryEntry struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Source     MemorySource      `json:"source"`
	Timestamp  time.Time         `json:"timestamp"`
	Tags       []string          `json:"tags,omitempty"`
	Importance float64           `json:"importance"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// Evolution annotations.
	AccessCount    int       `json:"access_count,omitempty"`
	LastAccess     time.Time `json:"last_access,omitempty"`
	PromotionScore float64   `json:"promotion_score,omitempty"`
	DecayRate      float64   `json:"decay_rate,omitempty"`
	CrossRefs      []string  `json:"cross_refs,omitempty"`
	Archived       bool      `json:"archived,omitempty"`
}

// EffectiveImportance combines base importance with the promotion score.
func (e *MemoryEntry) EffectiveImportance() float64 {
	return e.Importance + e.PromotionScore
}

// HasTag reports whether the entry carries the given tag.
func (e *MemoryEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SharedTags counts tags present on both entries.
func (e *MemoryEntry) SharedTags(other *MemoryEntry) int {
	if other == nil {
		return 0
	}
	n := 0
	for _, t := range e.Tags {
		if other.HasTag(t) {
			n++
		}
	}
	return n
}
