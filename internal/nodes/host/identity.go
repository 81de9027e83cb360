package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Identity is the host's persistent connection identity.
type Identity struct {
	NodeID      string    `json:"node_id"`
	DisplayName string    `json:"display_name"`
	GatewayURL  string    `json:"gateway_url"`
	Token       string    `json:"token"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LoadIdentity reads the identity file, minting a node id on first run.
func LoadIdentity(path, displayName, gatewayURL, token string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("host: parse identity: %w", err)
		}
		// Explicit settings win over the stored copy.
		if displayName != "" {
			id.DisplayName = displayName
		}
		if gatewayURL != "" {
			id.GatewayURL = gatewayURL
		}
		if token != "" {
			id.Token = token
		}
		return &id, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("host: read identity: %w", err)
	}

	id := &Identity{
		NodeID:      uuid.NewString(),
		DisplayName: displayName,
		GatewayURL:  gatewayURL,
		Token:       token,
	}
	if err := SaveIdentity(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

// SaveIdentity persists the identity atomically with tight permissions;
// the file carries the connection token.
func SaveIdentity(path string, id *Identity) error {
	id.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("host: marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("host: create identity dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("host: write identity: %w", err)
	}
	return os.Rename(tmp, path)
}
