// Package memory is the durable memory layer: markdown-file entries,
// an embedding vector index, hybrid semantic/keyword/recency search,
// and a lifecycle engine that promotes, decays, archives, and
// consolidates entries.
package memory

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	longTermFile = "MEMORY.md"
	archiveDir   = "archive"
	dailyLayout  = "2006-01-02"

	defaultDailyImportance    = 0.5
	defaultLongTermImportance = 0.8
)

// Entry headers look like "## 2025-06-01T12:00:00Z id=<uuid>".
var headerRe = regexp.MustCompile(`^## (\S+) id=(\S+)\s*$`)

var (
	hashtagRe  = regexp.MustCompile(`#([a-zA-Z0-9_\-]+)`)
	wikiLinkRe = regexp.MustCompile(`\[\[([^\]]+)\]\]`)
)

// Store keeps entries as header-delimited sections in per-day markdown
// files plus one long-term file, with evolution annotations in a JSON
// side-table.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	index *evolutionIndex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithStoreNow overrides the clock, for tests.
func WithStoreNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore opens (creating if needed) a memory directory.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("memory: root directory is empty")
	}
	if err := os.MkdirAll(filepath.Join(root, archiveDir), 0o755); err != nil {
		return nil, fmt.Errorf("memory: create root: %w", err)
	}
	s := &Store{root: root, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	idx, err := loadEvolutionIndex(filepath.Join(root, "index.json"))
	if err != nil {
		return nil, err
	}
	s.index = idx
	return s, nil
}

// Append writes a new entry to its backing file and returns it with an
// assigned id and parsed tags.
func (s *Store) Append(entry *models.MemoryEntry) (*models.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	if entry.Source == "" {
		entry.Source = models.MemoryDaily
	}
	if entry.Importance == 0 {
		if entry.Source == models.MemoryLongTerm {
			entry.Importance = defaultLongTermImportance
		} else {
			entry.Importance = defaultDailyImportance
		}
	}
	entry.Tags = mergeTags(entry.Tags, extractTags(entry.Content))

	path := s.fileFor(entry)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	defer f.Close()

	section := fmt.Sprintf("\n## %s id=%s\n%s\n",
		entry.Timestamp.Format(time.RFC3339), entry.ID, strings.TrimSpace(entry.Content))
	if _, err := f.WriteString(section); err != nil {
		return nil, fmt.Errorf("memory: append %s: %w", path, err)
	}
	return entry, nil
}

// SaveSummary stores a compaction summary as a daily entry tagged with
// its session. Wired as the context guard's summary callback.
func (s *Store) SaveSummary(sessionKey, summary string) {
	_, err := s.Append(&models.MemoryEntry{
		Content: summary,
		Source:  models.MemorySession,
		Tags:    []string{"summary"},
		Metadata: map[string]string{
			"session": sessionKey,
		},
	})
	if err != nil {
		s.logger.Warn("failed to persist compaction summary", "error", err)
	}
}

// All returns every non-archived entry with evolution annotations
// applied.
func (s *Store) All() ([]*models.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allLocked()
}

func (s *Store) allLocked() ([]*models.MemoryEntry, error) {
	var out []*models.MemoryEntry

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		source := models.MemoryDaily
		if name == longTermFile {
			source = models.MemoryLongTerm
		}
		parsed, err := parseFile(filepath.Join(s.root, name), source)
		if err != nil {
			s.logger.Warn("skipping unreadable memory file", "file", name, "error", err)
			continue
		}
		out = append(out, parsed...)
	}

	filtered := out[:0]
	for _, e := range out {
		s.index.apply(e)
		if !e.Archived {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})
	return filtered, nil
}

// Get returns one entry by id, archived or not.
func (s *Store) Get(id string) (*models.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allLocked()
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("memory: entry %s not found", id)
}

// RecordAccess bumps the access counters consumed by evolution.
func (s *Store) RecordAccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.recordAccess(id, s.now())
	if err := s.index.save(); err != nil {
		s.logger.Warn("failed to persist memory index", "error", err)
	}
}

// Archive marks an entry archived and moves its section into the
// archive directory.
func (s *Store) Archive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archiveLocked(id)
}

func (s *Store) archiveLocked(id string) error {
	entry, path, err := s.locate(id)
	if err != nil {
		return err
	}
	if err := s.removeSection(path, id); err != nil {
		return err
	}

	archivePath := filepath.Join(s.root, archiveDir, s.now().UTC().Format(dailyLayout)+".md")
	f, err := os.OpenFile(archivePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open archive: %w", err)
	}
	defer f.Close()
	section := fmt.Sprintf("\n## %s id=%s\n%s\n",
		entry.Timestamp.Format(time.RFC3339), entry.ID, strings.TrimSpace(entry.Content))
	if _, err := f.WriteString(section); err != nil {
		return fmt.Errorf("memory: write archive: %w", err)
	}

	s.index.setArchived(id)
	return s.index.save()
}

// Delete removes an entry section and its index record entirely.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, path, err := s.locate(id)
	if err != nil {
		return err
	}
	if err := s.removeSection(path, id); err != nil {
		return err
	}
	s.index.remove(id)
	return s.index.save()
}

// Index exposes the evolution side-table to the evolution engine.
func (s *Store) Index() *evolutionIndex { return s.index }

func (s *Store) fileFor(entry *models.MemoryEntry) string {
	if entry.Source == models.MemoryLongTerm {
		return filepath.Join(s.root, longTermFile)
	}
	return filepath.Join(s.root, entry.Timestamp.Format(dailyLayout)+".md")
}

// locate finds the file currently holding the entry.
func (s *Store) locate(id string) (*models.MemoryEntry, string, error) {
	files, err := os.ReadDir(s.root)
	if err != nil {
		return nil, "", fmt.Errorf("memory: list: %w", err)
	}
	for _, de := range files {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		source := models.MemoryDaily
		if name == longTermFile {
			source = models.MemoryLongTerm
		}
		path := filepath.Join(s.root, name)
		parsed, err := parseFile(path, source)
		if err != nil {
			continue
		}
		for _, e := range parsed {
			if e.ID == id {
				return e, path, nil
			}
		}
	}
	return nil, "", fmt.Errorf("memory: entry %s not found", id)
}

// removeSection rewrites a file without the named entry's section.
func (s *Store) removeSection(path, id string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("memory: read %s: %w", path, err)
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(string(data), "\n") {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			skipping = m[2] == id
		}
		if !skipping {
			kept = append(kept, line)
		}
	}
	out := strings.TrimRight(strings.Join(kept, "\n"), "\n") + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0o644); err != nil {
		return fmt.Errorf("memory: rewrite %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// parseFile extracts header-delimited sections into entries.
func parseFile(path string, source models.MemorySource) ([]*models.MemoryEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*models.MemoryEntry
	var current *models.MemoryEntry
	var body strings.Builder

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(body.String())
		current.Tags = extractTags(current.Content)
		entries = append(entries, current)
		current = nil
		body.Reset()
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if m := headerRe.FindStringSubmatch(line); m != nil {
			flush()
			ts, err := time.Parse(time.RFC3339, m[1])
			if err != nil {
				ts = time.Time{}
			}
			importance := defaultDailyImportance
			if source == models.MemoryLongTerm {
				importance = defaultLongTermImportance
			}
			current = &models.MemoryEntry{
				ID:         m[2],
				Source:     source,
				Timestamp:  ts,
				Importance: importance,
			}
			continue
		}
		if current != nil {
			body.WriteString(line)
			body.WriteString("\n")
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// extractTags collects #hashtag and [[wiki-link]] tags from content.
func extractTags(content string) []string {
	seen := map[string]bool{}
	var tags []string
	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	for _, m := range hashtagRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, m := range wikiLinkRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	return tags
}

func mergeTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
