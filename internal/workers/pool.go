// Package workers provides the bounded goroutine pool the Supervisor uses
// to fan entry-candidate evaluation out across the configured symbol
// universe concurrently instead of one at a time. Grounded on the teacher's
// internal/workers/pool.go worker-goroutine/panic-recovery idiom, narrowed
// from a general-purpose task/pipeline library down to the one job shape
// this engine actually submits: one EntryJob per symbol per poll tick.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/solstice-trading/scalper-engine/internal/metrics"
)

// EntryJob is one symbol's entry-candidate evaluation, submitted to the
// pool for concurrent fan-out across the entry loop's symbol universe.
type EntryJob struct {
	Symbol string
	Run    func() error
}

// Pool manages a bounded set of worker goroutines draining a queue of
// EntryJobs.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig
	reg    *metrics.Registry // nil-safe: optional instrumentation

	queue chan EntryJob
	wg    sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name            string        // pool name for logging
	NumWorkers      int           // number of worker goroutines
	QueueSize       int           // size of the job queue
	JobTimeout      time.Duration // timeout for a single entry evaluation
	ShutdownTimeout time.Duration // timeout for graceful shutdown
	PanicRecovery   bool          // recover worker goroutines from panics
}

// DefaultPoolConfig sizes the pool for an I/O-bound fan-out: each job
// mostly waits on the Data Oracle's cached reads and, on entry, one
// exchange order submission, so oversubscribing NumCPU is the right
// tradeoff over a CPU-bound 1:1 sizing.
func DefaultPoolConfig(name string) *PoolConfig {
	numCPU := runtime.NumCPU()
	return &PoolConfig{
		Name:            name,
		NumWorkers:      numCPU * 2,
		QueueSize:       256, // one entry loop tick submits at most len(Config.Symbols) jobs
		JobTimeout:      10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		PanicRecovery:   true,
	}
}

// worker drains the pool's queue.
type worker struct {
	id     int
	pool   *Pool
	logger *zap.Logger
}

// NewPool creates a new worker pool.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger: logger,
		config: config,
		queue:  make(chan EntryJob, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetMetrics attaches the Prometheus registry used to report queue depth,
// job latency, and recovered panics. Nil-safe if never called.
func (p *Pool) SetMetrics(reg *metrics.Registry) { p.reg = reg }

// Start launches the configured number of worker goroutines.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return // already running
	}

	p.logger.Info("starting entry pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	p.wg.Add(p.config.NumWorkers)
	for i := 0; i < p.config.NumWorkers; i++ {
		w := &worker{id: i, pool: p, logger: p.logger.With(zap.Int("worker_id", i))}
		go w.run()
	}
}

func (w *worker) run() {
	defer w.pool.wg.Done()

	for {
		select {
		case <-w.pool.ctx.Done():
			return
		case job, ok := <-w.pool.queue:
			if !ok {
				return
			}
			if w.pool.reg != nil {
				w.pool.reg.EntryPoolQueueDepth.Set(float64(len(w.pool.queue)))
			}
			w.executeJob(job)
		}
	}
}

// executeJob runs one EntryJob with a bounded timeout and panic recovery.
func (w *worker) executeJob(job EntryJob) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.JobTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if w.pool.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					if w.pool.reg != nil {
						w.pool.reg.EntryPoolPanics.Inc()
					}
					w.logger.Error("entry job recovered from panic",
						zap.String("symbol", job.Symbol), zap.Any("panic", r))
					err = &PanicError{Recovered: r}
				}
				done <- err
			}()
		}
		err = job.Run()
		if !w.pool.config.PanicRecovery {
			done <- err
		}
	}()

	select {
	case err := <-done:
		if w.pool.reg != nil {
			w.pool.reg.EntryPoolJobDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			w.logger.Debug("entry job failed", zap.String("symbol", job.Symbol), zap.Error(err))
		}
	case <-ctx.Done():
		w.logger.Warn("entry job timed out",
			zap.String("symbol", job.Symbol), zap.Duration("timeout", w.pool.config.JobTimeout))
	}
}

// Submit enqueues job, returning ErrQueueFull rather than blocking the
// caller when the queue is saturated.
func (p *Pool) Submit(job EntryJob) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.queue <- job:
		if p.reg != nil {
			p.reg.EntryPoolQueueDepth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc wraps fn as an unlabeled EntryJob, for callers without a
// per-symbol job (e.g. an inline fallback path).
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(EntryJob{Run: fn})
}

// Stop cancels all workers and waits up to Config.ShutdownTimeout for them
// to drain.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil // already stopped
	}

	p.logger.Info("stopping entry pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("entry pool stopped gracefully", zap.String("name", p.config.Name))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("entry pool shutdown timed out",
			zap.String("name", p.config.Name), zap.Duration("timeout", p.config.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// QueueLength returns the current number of queued jobs.
func (p *Pool) QueueLength() int { return len(p.queue) }

// IsRunning reports whether the pool is currently accepting jobs.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "entry pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "entry pool queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "entry pool shutdown timed out"}
)

// PoolError represents a pool-level error.
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic from an entry job.
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string { return "panic recovered" }
