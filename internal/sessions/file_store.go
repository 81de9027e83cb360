package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// FileStore keeps one JSON snapshot file per session key under a root
// directory. Snapshots are written atomically (temp file + rename).
type FileStore struct {
	root   string
	locker *locker

	mu    sync.RWMutex
	cache map[string]*models.Session
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("sessions: root directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create root: %w", err)
	}
	return &FileStore{
		root:   root,
		locker: newLocker(),
		cache:  make(map[string]*models.Session),
	}, nil
}

// GetOrCreate returns the session for the key, loading from disk on first
// access and creating it if absent.
func (s *FileStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	unlock := s.locker.Lock(key)
	defer unlock()

	if sess := s.cached(key); sess != nil {
		return cloneSession(sess), nil
	}

	sess, err := s.load(key)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		now := time.Now().UTC()
		sess = &models.Session{Key: key, CreatedAt: now, UpdatedAt: now}
		if err := s.write(sess); err != nil {
			return nil, err
		}
	}
	sess.Messages = RepairTranscript(sess.Messages)

	s.mu.Lock()
	s.cache[key] = sess
	s.mu.Unlock()
	return cloneSession(sess), nil
}

// Append adds one turn and snapshots the session atomically.
func (s *FileStore) Append(ctx context.Context, key string, msg models.ChatMessage) error {
	unlock := s.locker.Lock(key)
	defer unlock()

	sess := s.cached(key)
	if sess == nil {
		loaded, err := s.load(key)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			now := time.Now().UTC()
			loaded = &models.Session{Key: key, CreatedAt: now, UpdatedAt: now}
		}
		sess = loaded
		s.mu.Lock()
		s.cache[key] = sess
		s.mu.Unlock()
	}

	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = time.Now().UTC()
	return s.write(sess)
}

// History returns a copy of the message sequence for the key.
func (s *FileStore) History(ctx context.Context, key string) ([]models.ChatMessage, error) {
	sess, err := s.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// Replace swaps the full message sequence, used after compaction.
func (s *FileStore) Replace(ctx context.Context, key string, msgs []models.ChatMessage) error {
	unlock := s.locker.Lock(key)
	defer unlock()

	sess := s.cached(key)
	if sess == nil {
		loaded, err := s.load(key)
		if err != nil {
			return err
		}
		sess = loaded
		s.mu.Lock()
		s.cache[key] = sess
		s.mu.Unlock()
	}
	sess.Messages = append([]models.ChatMessage(nil), msgs...)
	sess.UpdatedAt = time.Now().UTC()
	return s.write(sess)
}

// List returns every session key with a snapshot on disk.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, name))
		if err != nil {
			continue
		}
		var sess models.Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.Key == "" {
			continue
		}
		keys = append(keys, sess.Key)
	}
	return keys, nil
}

func (s *FileStore) cached(key string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[key]
}

func (s *FileStore) load(key string) (*models.Session, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("sessions: parse %s: %w", key, err)
	}
	if sess.Key == "" {
		sess.Key = key
	}
	return &sess, nil
}

func (s *FileStore) write(sess *models.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: marshal %s: %w", sess.Key, err)
	}
	path := s.path(sess.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sessions: write %s: %w", sess.Key, err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, sanitizeKey(key)+".json")
}

func cloneSession(sess *models.Session) *models.Session {
	out := *sess
	out.Messages = append([]models.ChatMessage(nil), sess.Messages...)
	return &out
}

// sanitizeKey maps a session key to a safe filename.
func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
