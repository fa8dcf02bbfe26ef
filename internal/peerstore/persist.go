package peerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/logging"
	"github.com/hoshizora-mesh/filemesh/internal/security"
)

// snapshot is the encrypted on-disk peer cache, generalizing peers.go's
// PeerSnapshot/exportPeersSnapshot to the PeerIdentity record.
type snapshot struct {
	Version int            `json:"version"`
	SelfID  string         `json:"selfId"`
	Created time.Time      `json:"created"`
	Peers   []PeerIdentity `json:"peers"`
}

// SaveEncrypted seals the current peer list under key (the node derives it
// from its own signing key with security.DeriveKey's HKDF), mirroring
// peers_autosave.go's savePeersOnce.
func (s *Store) SaveEncrypted(path string, selfID string, key []byte) error {
	snap := snapshot{Version: 1, SelfID: selfID, Created: time.Now().UTC(), Peers: s.List()}
	if len(snap.Peers) == 0 {
		return nil
	}
	plain, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal peer snapshot: %w", err)
	}
	ct, err := security.EncryptChunk(key, plain)
	if err != nil {
		return err
	}
	return os.WriteFile(path, ct, 0o600)
}

// LoadEncrypted restores peers from a snapshot written by SaveEncrypted,
// merging into the existing store the way peers_autosave.go's
// loadPeersOnStart merges into the live PeerStore. A missing file is not an
// error: first run on a fresh node has none.
func (s *Store) LoadEncrypted(path string, key []byte) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	plain, err := security.DecryptChunk(key, data)
	if err != nil {
		return 0, fmt.Errorf("decrypt peer snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return 0, fmt.Errorf("unmarshal peer snapshot: %w", err)
	}
	for _, p := range snap.Peers {
		s.Upsert(p)
	}
	return len(snap.Peers), nil
}

// RunAutoSave periodically persists the peer list until ctx is cancelled,
// matching peers_autosave.go's startAutoSavePeersLoop cadence of an
// immediate save followed by a steady interval.
func (s *Store) RunAutoSave(ctx context.Context, path, selfID string, key []byte, interval time.Duration, log *logging.Logger) {
	save := func() {
		if err := s.SaveEncrypted(path, selfID, key); err != nil {
			log.Printf("autosave failed: %v", err)
		}
	}
	save()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			save()
		}
	}
}
