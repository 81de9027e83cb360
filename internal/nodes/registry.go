package nodes

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// registryDocument is the on-disk shape of the node registry.
type registryDocument struct {
	Nodes     []*models.NodeInfo `json:"nodes"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// loadRegistry reads the node registry file. Connection state does not
// survive restart; anything recorded as connected comes back paired.
func loadRegistry(path string) (map[string]*models.NodeInfo, error) {
	nodes := make(map[string]*models.NodeInfo)
	if path == "" {
		return nodes, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nodes, nil
		}
		return nil, fmt.Errorf("nodes: read registry: %w", err)
	}
	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("nodes: parse registry: %w", err)
	}
	for _, n := range doc.Nodes {
		if n == nil || n.ID == "" {
			continue
		}
		if n.Status == models.NodeConnected || n.Status == models.NodeDisconnected {
			n.Status = models.NodePaired
		}
		nodes[n.ID] = n
	}
	return nodes, nil
}

// saveRegistry persists the registry atomically.
func saveRegistry(path string, nodes map[string]*models.NodeInfo, now time.Time) error {
	if path == "" {
		return nil
	}
	doc := registryDocument{UpdatedAt: now.UTC()}
	for _, n := range nodes {
		doc.Nodes = append(doc.Nodes, n)
	}
	sort.Slice(doc.Nodes, func(i, j int) bool { return doc.Nodes[i].ID < doc.Nodes[j].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("nodes: marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("nodes: create registry dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("nodes: write registry: %w", err)
	}
	return os.Rename(tmp, path)
}
