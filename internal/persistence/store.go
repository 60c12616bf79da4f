package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/solstice-trading/scalper-engine/internal/brain"
	"go.uber.org/zap"
)

// MaxBackups is the backup-chain depth (.bak1..MaxBackups), unchanged from
// the original's MAX_BACKUPS=3.
const MaxBackups = 3

// Store owns the on-disk Brain snapshot at Path plus its backup chain, an
// IO lock serializing concurrent save/load calls, and an in-memory fallback
// payload used when the disk is unavailable. A Store is constructed once and
// held by the Supervisor (spec §9: no module-level singletons).
type Store struct {
	Path   string
	logger *zap.Logger

	mu               sync.Mutex
	memoryFallback   map[string]any
	diskFailed       bool
}

// NewStore returns a Store rooted at path (e.g. "~/.scalper.brain.lz4",
// already expanded by the caller).
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{Path: path, logger: logger}
}

func (st *Store) backupPath(n int) string {
	return fmt.Sprintf("%s.bak%d", st.Path, n)
}

// Save persists state to disk atomically. When the disk has previously
// failed, Save becomes a no-op (memory-fallback only) unless force is true,
// matching the original's disk-failed short-circuit.
func (st *Store) Save(s *brain.State, force bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	payload := toPayload(s, s.Version, time.Now().Unix(), map[string]any{"app": "scalper-engine"})

	if st.diskFailed && !force {
		st.memoryFallback = payload
		return nil
	}

	if err := st.atomicWrite(payload); err != nil {
		st.diskFailed = true
		st.memoryFallback = payload
		if st.logger != nil {
			st.logger.Warn("brain save failed, holding in-memory fallback", zap.Error(err))
		}
		return err
	}

	st.diskFailed = false
	st.memoryFallback = nil
	return nil
}

func (st *Store) atomicWrite(payload map[string]any) error {
	data, err := packEnvelope(payload)
	if err != nil {
		return err
	}

	tmp := st.Path + ".tmp"
	if err := writeFileFsync(tmp, data); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}

	if err := st.rotateBackups(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rotate backups: %w", err)
	}

	// main -> .bak1
	if _, err := os.Stat(st.Path); err == nil {
		if err := os.Rename(st.Path, st.backupPath(1)); err != nil {
			// rollback: nothing renamed yet beyond this point, tmp is
			// removed so no partial state is left behind.
			os.Remove(tmp)
			return fmt.Errorf("rotate main to bak1: %w", err)
		}
	}

	if err := os.Rename(tmp, st.Path); err != nil {
		// rollback: bak1 -> main, delete tmp
		if _, statErr := os.Stat(st.backupPath(1)); statErr == nil {
			os.Rename(st.backupPath(1), st.Path)
		}
		os.Remove(tmp)
		return fmt.Errorf("rename tmp to main: %w", err)
	}

	fsyncDirBestEffort(filepath.Dir(st.Path))
	return nil
}

// rotateBackups shifts .bak(N-1)->.bakN down to .bak1, dropping the oldest.
func (st *Store) rotateBackups() error {
	for n := MaxBackups; n >= 2; n-- {
		src := st.backupPath(n - 1)
		dst := st.backupPath(n)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load tries main then each backup in order, verifying the checksum and that
// the version is in brain.AcceptedVersions. An accepted older version is
// decoded by the same field mapping as the current one and keeps the Version
// it was saved with; no version-specific migration is applied. On a
// successful load from a backup, it re-saves main with force=true to heal
// forward.
func (st *Store) Load() (*brain.State, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.memoryFallback != nil {
		s, _, err := fromPayload(st.memoryFallback)
		if err == nil {
			return s, nil
		}
	}

	candidates := []string{st.Path}
	for n := 1; n <= MaxBackups; n++ {
		candidates = append(candidates, st.backupPath(n))
	}

	for i, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		payload, err := unpackEnvelope(data)
		if err != nil {
			if st.logger != nil {
				st.logger.Warn("brain candidate failed checksum/decode", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		version := int64Of(payload["v"])
		if !brain.AcceptedVersions[int(version)] {
			if st.logger != nil {
				st.logger.Warn("brain candidate has unsupported version", zap.String("path", path), zap.Int64("version", version))
			}
			continue
		}
		s, _, err := fromPayload(payload)
		if err != nil {
			continue
		}

		if i != 0 {
			if st.logger != nil {
				st.logger.Info("healing brain forward from backup", zap.String("path", path))
			}
			healed := toPayload(s, s.Version, time.Now().Unix(), map[string]any{"app": "scalper-engine", "healed_from": path})
			if err := st.atomicWrite(healed); err != nil && st.logger != nil {
				st.logger.Warn("heal-forward write failed", zap.Error(err))
			}
		}
		return s, nil
	}

	return nil, fmt.Errorf("persistence: no loadable snapshot at %s or its backups", st.Path)
}

// DiskFailed reports whether the last Save attempt failed and is currently
// operating memory-fallback-only.
func (st *Store) DiskFailed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.diskFailed
}
