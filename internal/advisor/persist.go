package advisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

const statsFileVersion = 1

// statsFile snapshots the stats map to a single JSON document.
type statsFile struct {
	path string
}

type statsDocument struct {
	Version   int                               `json:"version"`
	UpdatedAt time.Time                         `json:"updated_at"`
	Stats     map[string]*models.ToolUsageStats `json:"stats"`
}

func (f *statsFile) load() (map[string]*models.ToolUsageStats, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("advisor: read stats: %w", err)
	}
	var doc statsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("advisor: parse stats: %w", err)
	}
	return doc.Stats, nil
}

func (f *statsFile) save(stats map[string]*models.ToolUsageStats, now time.Time) error {
	doc := statsDocument{Version: statsFileVersion, UpdatedAt: now, Stats: stats}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("advisor: marshal stats: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("advisor: create dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("advisor: write stats: %w", err)
	}
	return os.Rename(tmp, f.path)
}
