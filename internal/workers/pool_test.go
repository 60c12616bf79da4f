package workers

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPool(t *testing.T, numWorkers int) *Pool {
	t.Helper()
	cfg := DefaultPoolConfig("test")
	cfg.NumWorkers = numWorkers
	cfg.QueueSize = 16
	cfg.JobTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestPoolRunsEntryJobForEverySymbol(t *testing.T) {
	p := testPool(t, 4)

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	wg.Add(len(symbols))

	for _, sym := range symbols {
		sym := sym
		require.NoError(t, p.Submit(EntryJob{
			Symbol: sym,
			Run: func() error {
				defer wg.Done()
				mu.Lock()
				seen[sym] = true
				mu.Unlock()
				return nil
			},
		}))
	}

	wg.Wait()
	assert.Len(t, seen, len(symbols))
	for _, sym := range symbols {
		assert.True(t, seen[sym], "expected %s to have been evaluated", sym)
	}
}

func TestPoolSubmitFailsWhenStopped(t *testing.T) {
	cfg := DefaultPoolConfig("stopped")
	p := NewPool(zap.NewNop(), cfg)
	// never Start()'d
	err := p.Submit(EntryJob{Symbol: "BTCUSDT", Run: func() error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := testPool(t, 1)

	var ran int32
	done := make(chan struct{})
	require.NoError(t, p.Submit(EntryJob{
		Symbol: "BTCUSDT",
		Run: func() error {
			panic("synthetic panic from entry evaluation")
		},
	}))
	require.NoError(t, p.Submit(EntryJob{
		Symbol: "ETHUSDT",
		Run: func() error {
			atomic.StoreInt32(&ran, 1)
			close(done)
			return nil
		},
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover from panic and continue processing jobs")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestPoolQueueFullReturnsError(t *testing.T) {
	cfg := DefaultPoolConfig("full")
	cfg.NumWorkers = 1
	cfg.QueueSize = 1
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	require.NoError(t, p.Submit(EntryJob{Run: func() error { <-block; return nil }}))

	var lastErr error
	for i := 0; i < 8; i++ {
		if err := p.Submit(EntryJob{Run: func() error { return nil }}); err != nil {
			lastErr = err
			break
		}
	}
	close(block)
	assert.ErrorIs(t, lastErr, ErrQueueFull)
}
