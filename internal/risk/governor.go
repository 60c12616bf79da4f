package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/solstice-trading/scalper-engine/internal/metrics"
	"go.uber.org/zap"
)

// TripReason names a kill-switch trip condition.
type TripReason string

const (
	TripDataStale     TripReason = "data_stale"
	TripAPIErrorRate  TripReason = "api_error_rate"
	TripEquityDD      TripReason = "equity_drawdown"
	TripVelocityDD    TripReason = "drawdown_velocity"
	TripDailyLoss     TripReason = "daily_loss_limit"
	TripHeartbeat     TripReason = "heartbeat_critical"
	TripManual        TripReason = "manual"
)

// TripRecord is one kill-switch activation event.
type TripRecord struct {
	Reason TripReason
	TS     int64
	Detail string
}

// Governor owns the kill switch, its trip history, the heartbeat monitor,
// and the distributed lock. The Entry Engine checks IsTripped before every
// entry, so a tripped Governor blocks new entries while open positions keep
// being managed. ShouldEscalateToFlat reports the escalation condition; the
// Governor closes no positions itself, and nothing in the engine flattens
// positions when that condition holds.
type Governor struct {
	cfg    *config.Config
	logger *zap.Logger

	Heartbeat *HeartbeatMonitor
	Lock      Locker
	metrics   *metrics.Registry // nil-safe: set via SetMetrics, optional

	mu           sync.Mutex
	tripped      bool
	tripReason   TripReason
	trippedAt    time.Time
	history      []TripRecord
	equityPeak   decimal.Decimal
	equitySamples []equitySample
}

type equitySample struct {
	ts     time.Time
	equity decimal.Decimal
}

// NewGovernor constructs a Governor. lock may be nil when
// DistributedLockEnabled is false.
func NewGovernor(cfg *config.Config, logger *zap.Logger, lock Locker) *Governor {
	hb := NewHeartbeatMonitor(cfg.HeartbeatAlertAfterMiss, logger)
	hb.RegisterComponent(ComponentGuardian, time.Duration(cfg.GuardianIntervalSec*float64(time.Second)))
	hb.RegisterComponent(ComponentDataLoop, time.Duration(cfg.DataLoopIntervalSec*float64(time.Second)))
	hb.RegisterComponent(ComponentEntryLoop, time.Duration(cfg.EntryLoopIntervalSec*float64(time.Second)))
	hb.RegisterComponent(ComponentSignalLoop, time.Duration(cfg.SignalLoopIntervalSec*float64(time.Second)))

	return &Governor{cfg: cfg, logger: logger, Heartbeat: hb, Lock: lock}
}

// SetMetrics attaches a metrics.Registry so trips are counted. Optional —
// a Governor with no registry attached simply skips instrumentation.
func (g *Governor) SetMetrics(reg *metrics.Registry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = reg
}

// IsTripped reports whether entries are currently blocked.
func (g *Governor) IsTripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.tripped {
		return false
	}
	if time.Since(g.trippedAt).Seconds() > g.cfg.KillSwitchCooldownSec {
		g.tripped = false
		return false
	}
	return true
}

// Trip activates the kill switch with reason/detail, recording history
// bounded at KillSwitchTripHistoryMax (oldest-drop).
func (g *Governor) Trip(reason TripReason, detail string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripLocked(reason, detail)
}

func (g *Governor) tripLocked(reason TripReason, detail string) {
	g.tripped = true
	g.trippedAt = time.Now()
	g.history = append(g.history, TripRecord{Reason: reason, TS: g.trippedAt.Unix(), Detail: detail})
	if n := len(g.history); n > g.cfg.KillSwitchTripHistoryMax {
		g.history = g.history[n-g.cfg.KillSwitchTripHistoryMax:]
	}
	if g.logger != nil {
		g.logger.Error("kill switch tripped", zap.String("reason", string(reason)), zap.String("detail", detail))
	}
	if g.metrics != nil {
		g.metrics.KillSwitchTrips.WithLabelValues(string(reason)).Inc()
	}
}

// ShouldEscalateToFlat reports whether the trip history within
// KillEscalateWindowSec now holds at least KillEscalateFlatAfterTrips
// entries, the condition for forcing an emergency flatten of all positions
// rather than merely pausing new entries.
func (g *Governor) ShouldEscalateToFlat() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(g.cfg.KillEscalateWindowSec) * time.Second).Unix()
	count := 0
	for _, t := range g.history {
		if t.TS >= cutoff {
			count++
		}
	}
	return count >= g.cfg.KillEscalateFlatAfterTrips
}

// History returns a copy of the trip history.
func (g *Governor) History() []TripRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TripRecord, len(g.history))
	copy(out, g.history)
	return out
}

// CheckDataStaleness trips the switch if the Data Oracle's stale report is
// non-empty and the engine is past its boot grace period.
func (g *Governor) CheckDataStaleness(stale []data.StaleEntry, uptimeSec float64) {
	if uptimeSec < g.cfg.KillDataBootGraceSec {
		return
	}
	if len(stale) == 0 {
		return
	}
	g.Trip(TripDataStale, stale[0].Field+" stale on "+stale[0].Key)
}

// CheckHeartbeats trips the switch if any monitored component has escalated
// to critical.
func (g *Governor) CheckHeartbeats() {
	if g.Heartbeat.AnyCritical() {
		g.Trip(TripHeartbeat, "a monitored component missed its heartbeat past the alert threshold")
	}
}

// RecordEquity feeds an equity sample into the drawdown/velocity checks and
// trips the switch on session-peak drawdown or fast-moving drawdown
// velocity, matching the original risk governor's dual drawdown guards.
func (g *Governor) RecordEquity(equity decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.equityPeak.IsZero() || equity.GreaterThan(g.equityPeak) {
		g.equityPeak = equity
	}
	now := time.Now()
	g.equitySamples = append(g.equitySamples, equitySample{ts: now, equity: equity})
	cutoff := now.Add(-time.Duration(g.cfg.VelocityMinutes) * time.Minute)
	trimmed := g.equitySamples[:0]
	for _, s := range g.equitySamples {
		if s.ts.After(cutoff) {
			trimmed = append(trimmed, s)
		}
	}
	g.equitySamples = trimmed

	if g.equityPeak.IsPositive() {
		ddPct, _ := g.equityPeak.Sub(equity).Div(g.equityPeak).Float64()
		if ddPct >= g.cfg.SessionEquityPeakProtectionPct {
			g.tripLocked(TripEquityDD, "session equity drawdown past peak-protection threshold")
		}
	}

	if len(g.equitySamples) > 1 {
		oldest := g.equitySamples[0].equity
		if oldest.IsPositive() {
			veloPct, _ := oldest.Sub(equity).Div(oldest).Float64()
			if veloPct >= g.cfg.VelocityDrawdownPct {
				g.tripLocked(TripVelocityDD, "drawdown velocity past threshold within the lookback window")
			}
		}
	}
}

// CheckAPIErrorRate trips the switch if any symbol's Data Oracle pull loop
// shows a consecutive-failure burst past KillMaxAPIErrorBurst, or an error
// rate past KillMaxAPIErrorRate computed over at least KillMinReqWindow
// recent requests (spec §4.10).
func (g *Governor) CheckAPIErrorRate(stats []data.APIErrorStat) {
	for _, s := range stats {
		if s.FailStreak > int64(g.cfg.KillMaxAPIErrorBurst) {
			g.Trip(TripAPIErrorRate, fmt.Sprintf("%s: %d consecutive API errors", s.Key, s.FailStreak))
			return
		}
		if s.Requests >= g.cfg.KillMinReqWindow && s.ErrorRate > g.cfg.KillMaxAPIErrorRate {
			g.Trip(TripAPIErrorRate, fmt.Sprintf("%s: API error rate %.0f%% over last %d requests", s.Key, s.ErrorRate*100, s.Requests))
			return
		}
	}
}

// CheckDailyLoss trips the switch if dailyPnL/startOfDayEquity breaches
// -DailyLossLimitPct.
func (g *Governor) CheckDailyLoss(dailyPnL, startOfDayEquity decimal.Decimal) {
	if startOfDayEquity.IsZero() || !startOfDayEquity.IsPositive() {
		return
	}
	lossPct, _ := dailyPnL.Neg().Div(startOfDayEquity).Float64()
	if lossPct >= g.cfg.DailyLossLimitPct {
		g.Trip(TripDailyLoss, "daily loss limit breached")
	}
}
