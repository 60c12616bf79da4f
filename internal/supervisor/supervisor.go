// Package supervisor owns the task lifecycle for every long-running
// component — the Data Oracle pull loop, the WebSocket Stream Manager, the
// Entry Engine poll loop, the Position Manager tick loop, and the Risk
// Governor's periodic checks — under a single context and an ordered
// shutdown sequence. Grounded on the teacher's cmd/server/main.go
// composition root (signal-driven shutdown, explicit stop ordering) and
// internal/workers/pool.go (panic-recovered task goroutines).
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solstice-trading/scalper-engine/internal/api"
	"github.com/solstice-trading/scalper-engine/internal/brain"
	"github.com/solstice-trading/scalper-engine/internal/canon"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/solstice-trading/scalper-engine/internal/entry"
	"github.com/solstice-trading/scalper-engine/internal/metrics"
	"github.com/solstice-trading/scalper-engine/internal/persistence"
	"github.com/solstice-trading/scalper-engine/internal/position"
	"github.com/solstice-trading/scalper-engine/internal/risk"
	"github.com/solstice-trading/scalper-engine/internal/workers"
	"github.com/solstice-trading/scalper-engine/internal/wsstream"
)

// Supervisor runs one goroutine per role and coordinates their shutdown.
// It does not own business logic; each role is a thin loop calling into its
// already-wired component (Oracle, Entry Engine, Position Manager, ...).
type Supervisor struct {
	cfg    *config.Config
	logger *zap.Logger

	oracle   *data.Oracle
	stream   *wsstream.Manager
	entryEng *entry.Engine
	posMgr   *position.Manager
	governor *risk.Governor
	actor    *brain.Actor
	store    *persistence.Store
	metrics  *metrics.Registry // nil-safe: optional instrumentation
	api      *api.Server       // nil-safe: event broadcast is optional
	pool     *workers.Pool     // evaluates entry candidates across symbols concurrently

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Supervisor from its already-wired collaborators. stream
// may be nil if no live websocket feed is needed (e.g. a paper backtest
// driven purely by the Data Oracle's REST pull loop), and apiSrv may be nil
// to run with no status/event surface at all.
func New(cfg *config.Config, logger *zap.Logger, oracle *data.Oracle, stream *wsstream.Manager, entryEng *entry.Engine, posMgr *position.Manager, governor *risk.Governor, actor *brain.Actor, store *persistence.Store, reg *metrics.Registry, apiSrv *api.Server) *Supervisor {
	pool := workers.NewPool(logger.Named("entry_pool"), workers.DefaultPoolConfig("entry"))
	pool.SetMetrics(reg)
	return &Supervisor{
		cfg: cfg, logger: logger.Named("supervisor"),
		oracle: oracle, stream: stream, entryEng: entryEng, posMgr: posMgr,
		governor: governor, actor: actor, store: store, metrics: reg, api: apiSrv,
		pool: pool,
	}
}

// Start launches every role's goroutine under a derived, cancellable
// context and returns immediately. Call Shutdown to stop them in order.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel

	s.pool.Start()
	s.spawn("brain_actor", func(ctx context.Context) { s.actor.Run(ctx) })
	s.spawn("data_oracle", func(ctx context.Context) { s.oracle.Run(ctx) })
	if s.stream != nil {
		s.spawn("ws_stream", func(ctx context.Context) { s.stream.Run(ctx) })
	}
	s.spawn("entry_loop", s.entryLoop)
	s.spawn("position_loop", s.positionLoop)
	s.spawn("risk_loop", s.riskLoop)
	s.spawn("persistence_loop", s.persistenceLoop)

	s.logger.Info("supervisor started", zap.Int("symbols", len(s.cfg.Symbols)))
}

// spawn runs fn in its own goroutine, recovering from panics so one role's
// crash doesn't take down the process (workers/pool.go's recovery idiom).
func (s *Supervisor) spawn(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("role panicked", zap.String("role", name), zap.Any("panic", r))
			}
		}()
		fn(s.ctx)
	}()
}

func (s *Supervisor) entryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.EntryPollSec * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.governor.Heartbeat.Beat(risk.ComponentEntryLoop)
			s.governor.Heartbeat.Beat(risk.ComponentSignalLoop)
			for _, sym := range s.cfg.Symbols {
				sym := sym
				err := s.pool.Submit(workers.EntryJob{
					Symbol: sym,
					Run: func() error {
						d := s.entryEng.Consider(ctx, canon.Symbol(sym), time.Now().Unix())
						if d.Entered {
							s.logger.Info("entered position", zap.String("symbol", d.Symbol), zap.String("side", string(d.Side)))
							if s.api != nil {
								s.api.Broadcast(api.Event{Type: "entry", Payload: d})
							}
						}
						return nil
					},
				})
				if err != nil {
					s.logger.Warn("entry pool submit failed, evaluating inline", zap.String("symbol", sym), zap.Error(err))
					d := s.entryEng.Consider(ctx, canon.Symbol(sym), time.Now().Unix())
					if d.Entered {
						s.logger.Info("entered position", zap.String("symbol", d.Symbol), zap.String("side", string(d.Side)))
					}
				}
			}
		}
	}
}

func (s *Supervisor) positionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.PositionTickSec * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcomes := s.posMgr.Tick(ctx, time.Now().Unix())
			for _, o := range outcomes {
				if o.Action != "none" {
					s.logger.Info("position transition", zap.String("symbol", o.Symbol), zap.String("action", o.Action), zap.Float64("rr", o.RR))
					if s.api != nil {
						s.api.Broadcast(api.Event{Type: "position", Payload: o})
					}
				}
			}
			if err := s.posMgr.Reconcile(ctx, time.Now().Unix()); err != nil {
				s.logger.Warn("position reconcile failed", zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) riskLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.GuardianIntervalSec * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.governor.Heartbeat.Beat(risk.ComponentGuardian)
			s.governor.Heartbeat.Beat(risk.ComponentDataLoop)
			wasTripped := s.governor.IsTripped()
			s.governor.CheckHeartbeats()
			inPositions := map[string]bool{}
			_ = s.actor.Do(ctx, func(st *brain.State) {
				for k := range st.Positions {
					inPositions[k] = true
				}
			})
			stale := s.oracle.StaleReport(inPositions)
			s.governor.CheckDataStaleness(stale, time.Since(startTime).Seconds())
			s.governor.CheckAPIErrorRate(s.oracle.APIErrorReport(s.cfg.KillMinReqWindow))
			_ = s.actor.Do(ctx, func(st *brain.State) {
				s.governor.RecordEquity(st.CurrentEquity)
				s.governor.CheckDailyLoss(st.DailyPnL, st.StartOfDayEquity)
				if s.metrics != nil {
					eq, _ := st.CurrentEquity.Float64()
					s.metrics.Equity.Set(eq)
					s.metrics.OpenPositions.Set(float64(len(st.Positions)))
				}
			})
			if nowTripped := s.governor.IsTripped(); nowTripped && !wasTripped && s.api != nil {
				s.api.Broadcast(api.Event{Type: "risk", Payload: s.governor.History()})
			}
			if s.metrics != nil {
				for _, h := range s.governor.Heartbeat.CheckHealth() {
					v := 0.0
					if h.Stale {
						v = 1.0
					}
					s.metrics.HeartbeatStale.WithLabelValues(h.Name).Set(v)
				}
			}
		}
	}
}

func (s *Supervisor) persistenceLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := s.actor.Snapshot(ctx)
			if err != nil {
				s.logger.Warn("brain snapshot for persistence failed", zap.Error(err))
				continue
			}
			if err := s.store.Save(snap, false); err != nil {
				s.logger.Warn("brain save failed", zap.Error(err))
			}
		}
	}
}

var startTime = time.Now()

// Shutdown cancels every role's context and waits up to
// Config.TaskShutdownTimeout for them to return, then force-saves the Brain
// one last time.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Info("supervisor shutting down")
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.pool.Stop(); err != nil {
		s.logger.Warn("entry pool shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.TaskShutdownTimeout):
		s.logger.Warn("supervisor shutdown timed out waiting for roles")
	}

	snap, err := s.actor.Snapshot(context.Background())
	if err != nil {
		return err
	}
	return s.store.Save(snap, true)
}
