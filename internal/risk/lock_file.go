package risk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// FileLocker implements Locker with a per-key flock.Flock file lock plus a
// sidecar ".info" file recording {instance_id, timestamp} for stale
// detection and forced release, matching the original FileLockManager.
type FileLocker struct {
	dir        string
	instanceID string
	staleAfter time.Duration
	logger     *zap.Logger

	locks map[string]*flock.Flock
}

// NewFileLocker constructs a FileLocker rooted at dir (created if absent).
func NewFileLocker(dir, instanceID string, staleAfter time.Duration, logger *zap.Logger) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("risk: create lock dir: %w", err)
	}
	return &FileLocker{dir: dir, instanceID: instanceID, staleAfter: staleAfter, logger: logger, locks: map[string]*flock.Flock{}}, nil
}

func (f *FileLocker) lockPath(key string) string  { return filepath.Join(f.dir, key+".lock") }
func (f *FileLocker) infoPath(key string) string  { return filepath.Join(f.dir, key+".info") }

func (f *FileLocker) Acquire(ctx context.Context, key string) (bool, error) {
	fl := flock.New(f.lockPath(key))
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return false, fmt.Errorf("risk: file lock acquire %s: %w", key, err)
	}
	if !ok {
		if f.forceReleaseIfStale(key) {
			ok, err = fl.TryLockContext(ctx, 50*time.Millisecond)
			if err != nil {
				return false, err
			}
		}
		if !ok {
			return false, nil
		}
	}

	f.locks[key] = fl
	f.writeInfo(key)
	return true, nil
}

func (f *FileLocker) Release(ctx context.Context, key string) error {
	fl, ok := f.locks[key]
	if !ok {
		return nil
	}
	delete(f.locks, key)
	os.Remove(f.infoPath(key))
	return fl.Unlock()
}

func (f *FileLocker) Refresh(ctx context.Context, key string) error {
	if _, ok := f.locks[key]; !ok {
		return fmt.Errorf("risk: refresh of unheld lock %s", key)
	}
	f.writeInfo(key)
	return nil
}

func (f *FileLocker) writeInfo(key string) {
	content := fmt.Sprintf("%s\n%d", f.instanceID, time.Now().Unix())
	_ = os.WriteFile(f.infoPath(key), []byte(content), 0o644)
}

// forceReleaseIfStale reads the sidecar info file and removes the lock file
// out from under a dead holder if its last refresh is older than
// staleAfter, matching the original's stale-lock force-release.
func (f *FileLocker) forceReleaseIfStale(key string) bool {
	data, err := os.ReadFile(f.infoPath(key))
	if err != nil {
		return false
	}
	instance, ts, ok := parseInstanceInfo(string(data))
	if !ok {
		return false
	}
	age := time.Since(time.Unix(ts, 0))
	if !isStale(age, f.staleAfter) {
		return false
	}
	if f.logger != nil {
		f.logger.Warn("force-releasing stale lock", zap.String("key", key), zap.String("prior_instance", instance), zap.Duration("age", age))
	}
	os.Remove(f.lockPath(key))
	os.Remove(f.infoPath(key))
	return true
}
