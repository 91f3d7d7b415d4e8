package storage

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"exec_core/internal/ledger"
)

// SnapshotManager saves and loads ledger snapshots as JSON files named
// snapshot_<seq>_<unix>.json. Recovery loads the newest snapshot and replays
// the fill journal past its seq.
type SnapshotManager struct {
	dir string
}

// NewSnapshotManager creates a new snapshot manager.
// dir: directory to store snapshot files.
func NewSnapshotManager(dir string) *SnapshotManager {
	return &SnapshotManager{dir: dir}
}

// Save writes a snapshot to disk atomically (temp file + rename).
func (sm *SnapshotManager) Save(snap ledger.Snapshot) (string, error) {
	if err := os.MkdirAll(sm.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	filename := fmt.Sprintf("snapshot_%d_%d.json", snap.Seq, snap.TakenAt.Unix())
	path := filepath.Join(sm.dir, filename)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit snapshot: %w", err)
	}

	slog.Info("Snapshot saved",
		slog.Uint64("seq", snap.Seq),
		slog.Int("positions", len(snap.Positions)),
		slog.String("path", path))
	return path, nil
}

type snapFile struct {
	path string
	seq  uint64
	ts   int64
}

func (sm *SnapshotManager) list() ([]snapFile, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		return nil, err
	}
	var files []snapFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var f snapFile
		if _, err := fmt.Sscanf(entry.Name(), "snapshot_%d_%d.json", &f.seq, &f.ts); err != nil {
			continue
		}
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		f.path = filepath.Join(sm.dir, entry.Name())
		files = append(files, f)
	}
	// newest first
	slices.SortFunc(files, func(a, b snapFile) int {
		if c := cmp.Compare(b.seq, a.seq); c != 0 {
			return c
		}
		return cmp.Compare(b.ts, a.ts)
	})
	return files, nil
}

// LoadLatest loads the snapshot with the highest seq.
// Returns nil if no snapshot exists.
func (sm *SnapshotManager) LoadLatest() (*ledger.Snapshot, error) {
	files, err := sm.list()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	latest := files[0].path
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap ledger.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	slog.Info("Snapshot loaded",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", latest))
	return &snap, nil
}

// Cleanup removes old snapshots, keeping only the latest N.
func (sm *SnapshotManager) Cleanup(keepCount int) error {
	files, err := sm.list()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(files) <= keepCount {
		return nil
	}
	for _, f := range files[keepCount:] {
		if err := os.Remove(f.path); err != nil {
			slog.Warn("Failed to remove old snapshot", slog.String("path", f.path), slog.Any("error", err))
		} else {
			slog.Info("Removed old snapshot", slog.String("path", f.path))
		}
	}
	return nil
}
