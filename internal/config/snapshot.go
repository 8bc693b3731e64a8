package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SnapshotEntry is one line of the snapshot index, newest first.
type SnapshotEntry struct {
	File      string    `json:"file"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
}

const snapshotIndexFile = "index.json"

// SaveSnapshot writes an immutable JSON copy of the config under
// dir/snapshots and prepends an index entry. When the newest snapshot
// already has the same canonical hash, nothing is written and the
// existing entry is returned.
func SaveSnapshot(dir string, cfg *Config) (*SnapshotEntry, error) {
	snapDir := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	h, err := cfg.Hash()
	if err != nil {
		return nil, err
	}
	hash := fmt.Sprintf("%016x", h)

	index, err := LoadSnapshotIndex(dir)
	if err != nil {
		return nil, err
	}
	if len(index) > 0 && index[0].Hash == hash {
		return &index[0], nil
	}

	now := time.Now().UTC()
	entry := SnapshotEntry{
		File:      fmt.Sprintf("%s-%s.json", now.Format("20060102T150405"), hash[:8]),
		Hash:      hash,
		CreatedAt: now,
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	// Snapshots are immutable once written.
	if err := os.WriteFile(filepath.Join(snapDir, entry.File), raw, 0o400); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	index = append([]SnapshotEntry{entry}, index...)
	rawIndex, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(snapDir, snapshotIndexFile), rawIndex, 0o600); err != nil {
		return nil, fmt.Errorf("write snapshot index: %w", err)
	}
	return &entry, nil
}

// LoadSnapshotIndex reads the snapshot index, newest first. A missing
// index yields an empty list.
func LoadSnapshotIndex(dir string) ([]SnapshotEntry, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "snapshots", snapshotIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot index: %w", err)
	}
	var index []SnapshotEntry
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("parse snapshot index: %w", err)
	}
	return index, nil
}

// LoadSnapshot reads one snapshot file by index entry.
func LoadSnapshot(dir string, entry *SnapshotEntry) (*Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "snapshots", entry.File))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &cfg, nil
}
