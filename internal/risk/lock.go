package risk

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Locker guards single-writer execution of a trading loop across instances.
// Ported from original_source/eclipse_scalper/execution/distributed_lock.py's
// FileLockManager/RedisLockManager dual backend.
type Locker interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	Refresh(ctx context.Context, key string) error
}

// InstanceID returns "{app}_{hostname}_{pid}", matching _get_instance_id()
// in the original so operators can tell which process holds a lock.
func InstanceID(app string) string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s_%s_%d", app, host, os.Getpid())
}

func isStale(age time.Duration, staleAfter time.Duration) bool {
	return age > staleAfter
}

func parseInstanceInfo(content string) (instance string, ts int64, ok bool) {
	lines := strings.SplitN(strings.TrimSpace(content), "\n", 2)
	if len(lines) < 2 {
		return "", 0, false
	}
	t, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return lines[0], t, true
}
