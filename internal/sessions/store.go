// Package sessions persists per-conversation message history, one snapshot
// file per session key. Writes are serialized per key; readers may observe a
// stale but internally consistent snapshot.
package sessions

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// Store provides session persistence.
type Store interface {
	// GetOrCreate returns the session for the key, creating it if absent.
	GetOrCreate(ctx context.Context, key string) (*models.Session, error)

	// Append adds one turn and snapshots the session.
	Append(ctx context.Context, key string, msg models.ChatMessage) error

	// History returns the LLM-shaped message sequence for the key.
	History(ctx context.Context, key string) ([]models.ChatMessage, error)

	// Replace swaps the full message sequence (used after compaction).
	Replace(ctx context.Context, key string, msgs []models.ChatMessage) error

	// List returns all known session keys.
	List(ctx context.Context) ([]string, error)
}
