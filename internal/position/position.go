// Package position implements the Position Manager: per-tick mark-to-market
// evaluation of every open position, applying breakeven moves, trailing
// stops, time-based exits, and RR-based partial/full closes, then
// reconciling the Brain's view against the exchange's own fill reports.
// Grounded on the teacher's internal/execution/order_manager.go
// (ManagedOrder lifecycle, linked stop/take-profit IDs) generalized from
// order bookkeeping to position-state transitions.
package position

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solstice-trading/scalper-engine/internal/brain"
	"github.com/solstice-trading/scalper-engine/internal/canon"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/solstice-trading/scalper-engine/internal/exchange"
	"github.com/solstice-trading/scalper-engine/internal/metrics"
)

// Outcome records what Tick did with one symbol, for logging/metrics.
type Outcome struct {
	Symbol  string
	Action  string // "none", "breakeven", "trail", "tp1", "tp2", "time_exit", "stop_exit"
	RR      float64
	PnL     decimal.Decimal
}

// Manager evaluates and transitions every open position on each tick. It is
// driven by the Supervisor's position loop (Config.PositionTickSec) and
// holds no goroutines of its own.
type Manager struct {
	cfg      *config.Config
	logger   *zap.Logger
	oracle   *data.Oracle
	actor    *brain.Actor
	exchange exchange.Adapter
	metrics  *metrics.Registry // nil-safe: metrics are optional instrumentation
}

// New constructs a Manager from its already-wired collaborators. reg may be
// nil to run without metrics instrumentation (e.g. in tests).
func New(cfg *config.Config, logger *zap.Logger, oracle *data.Oracle, actor *brain.Actor, adapter exchange.Adapter, reg *metrics.Registry) *Manager {
	return &Manager{cfg: cfg, logger: logger.Named("position"), oracle: oracle, actor: actor, exchange: adapter, metrics: reg}
}

// Tick evaluates every currently open position and applies whatever
// transition (breakeven/trailing/exit) its current RR and hold time call
// for. nowTS is Unix seconds, supplied by the caller for testability.
func (m *Manager) Tick(ctx context.Context, nowTS int64) []Outcome {
	var symbols []string
	_ = m.actor.Do(ctx, func(s *brain.State) {
		symbols = make([]string, 0, len(s.Positions))
		for k := range s.Positions {
			symbols = append(symbols, k)
		}
	})

	outcomes := make([]Outcome, 0, len(symbols))
	for _, k := range symbols {
		o := m.tickOne(ctx, k, nowTS)
		if m.metrics != nil && o.Action != "none" {
			m.metrics.PositionActions.WithLabelValues(o.Symbol, o.Action).Inc()
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (m *Manager) tickOne(ctx context.Context, k string, nowTS int64) Outcome {
	k = canon.Symbol(k)
	out := Outcome{Symbol: k, Action: "none"}

	price, ok := m.oracle.GetPrice(k, true)
	if !ok || !price.IsPositive() {
		return out
	}

	var pos brain.Position
	var found bool
	_ = m.actor.Do(ctx, func(s *brain.State) {
		p, exists := s.Positions[k]
		if !exists {
			return
		}
		pos = *p
		found = true
	})
	if !found {
		return out
	}

	rr := computeRR(pos, price)
	out.RR = rr

	ta := analyzeHoldTime(m.cfg, pos.EntryTS, nowTS)
	if ta.ShouldExit {
		pnl := m.closePosition(ctx, k, &pos, price, "time_exit", nowTS)
		out.Action = "time_exit"
		out.PnL = pnl
		return out
	}

	if rr >= m.cfg.TP2RRMult {
		pnl := m.closePosition(ctx, k, &pos, price, "tp2", nowTS)
		out.Action = "tp2"
		out.PnL = pnl
		return out
	}

	if rr >= m.cfg.TP1RRMult && !pos.TP1Filled {
		pnl := m.partialClose(ctx, k, &pos, price, m.cfg.TP1CloseFraction, nowTS)
		out.Action = "tp1"
		out.PnL = pnl
		return out
	}

	if !pos.BreakevenMoved && rr >= 1.0 {
		m.moveToBreakeven(ctx, k, &pos, nowTS)
		out.Action = "breakeven"
	}

	if rr >= m.cfg.TrailingActivationRR {
		if m.updateTrailingStop(ctx, k, &pos, price, nowTS) {
			if out.Action == "none" {
				out.Action = "trail"
			}
		}
	}

	if m.hitStop(pos, price) {
		pnl := m.closePosition(ctx, k, &pos, price, "stop_exit", nowTS)
		out.Action = "stop_exit"
		out.PnL = pnl
	}

	return out
}

// computeRR expresses unrealized profit in units of the position's ATR
// (stored in price terms at entry), the risk-reward multiple the exit
// ladder is keyed on.
func computeRR(pos brain.Position, price decimal.Decimal) float64 {
	if pos.ATR <= 0 {
		return 0
	}
	entry, _ := pos.EntryPrice.Float64()
	cur, _ := price.Float64()
	var favorable float64
	if pos.Side == "long" {
		favorable = cur - entry
	} else {
		favorable = entry - cur
	}
	return favorable / pos.ATR
}

// moveToBreakeven tightens the stop to entry ± a small buffer once RR
// reaches 1.0. The position already carries a hard stop from entry
// (entry.placeHardStop's StopATRMult distance), so this only replaces it
// when breakeven is actually tighter — it must never loosen protection.
func (m *Manager) moveToBreakeven(ctx context.Context, k string, pos *brain.Position, nowTS int64) {
	buffer := pos.ATR * m.cfg.BreakevenBufferATRMult
	stop := pos.EntryPrice
	if pos.Side == "long" {
		stop = stop.Add(decimal.NewFromFloat(buffer))
	} else {
		stop = stop.Sub(decimal.NewFromFloat(buffer))
	}

	tighter := func(current decimal.Decimal) bool {
		if current.IsZero() {
			return true
		}
		if pos.Side == "long" {
			return stop.GreaterThan(current)
		}
		return stop.LessThan(current)
	}

	moved := false
	_ = m.actor.Do(ctx, func(s *brain.State) {
		p, ok := s.Positions[k]
		if !ok {
			return
		}
		p.BreakevenMoved = true
		p.LastBreakevenMove = nowTS
		if tighter(p.TrailingStopPrice) {
			p.TrailingStopPrice = stop
			moved = true
		}
	})
	pos.BreakevenMoved = true
	if moved {
		pos.TrailingStopPrice = stop
	}
}

// updateTrailingStop ratchets the trailing stop toward price when the new
// candidate stop is tighter than what's already locked in. Callback
// distance scales with realized volatility, per the vol_mult clamp.
func (m *Manager) updateTrailingStop(ctx context.Context, k string, pos *brain.Position, price decimal.Decimal, nowTS int64) bool {
	atrPct := 0.0
	if p, _ := pos.EntryPrice.Float64(); p > 0 {
		atrPct = pos.ATR / p
	}
	volMult := atrPct / m.cfg.TrailingATRReferencePct
	if volMult < m.cfg.TrailingVolMultMin {
		volMult = m.cfg.TrailingVolMultMin
	}
	if volMult > m.cfg.TrailingVolMultMax {
		volMult = m.cfg.TrailingVolMultMax
	}
	callbackPct := m.cfg.TrailingBaseCallbackPct * volMult

	curF, _ := price.Float64()
	candidate := curF * (1 - callbackPct)
	if pos.Side == "short" {
		candidate = curF * (1 + callbackPct)
	}
	candidateDec := decimal.NewFromFloat(candidate)

	moved := false
	_ = m.actor.Do(ctx, func(s *brain.State) {
		p, ok := s.Positions[k]
		if !ok {
			return
		}
		p.TrailingActive = true
		if p.Side == "long" {
			if p.TrailingStopPrice.IsZero() || candidateDec.GreaterThan(p.TrailingStopPrice) {
				p.TrailingStopPrice = candidateDec
				moved = true
			}
		} else {
			if p.TrailingStopPrice.IsZero() || candidateDec.LessThan(p.TrailingStopPrice) {
				p.TrailingStopPrice = candidateDec
				moved = true
			}
		}
	})

	if moved {
		// MFE as a fraction of entry price: rr * ATR is the favorable move.
		mfePct := 0.0
		if entryF, _ := pos.EntryPrice.Float64(); entryF > 0 {
			mfePct = computeRR(*pos, price) * pos.ATR / entryF
		}
		_ = m.actor.Do(ctx, func(s *brain.State) {
			s.RecordTrailingOrder(k, "", mfePct)
		})
		pos.TrailingActive = true
		pos.TrailingStopPrice = candidateDec
	}
	return moved
}

func (m *Manager) hitStop(pos brain.Position, price decimal.Decimal) bool {
	if pos.TrailingStopPrice.IsZero() {
		return false
	}
	if pos.Side == "long" {
		return price.LessThanOrEqual(pos.TrailingStopPrice)
	}
	return price.GreaterThanOrEqual(pos.TrailingStopPrice)
}

// partialClose reduces the position by fraction at market and marks TP1 as
// filled so the ladder only fires once.
func (m *Manager) partialClose(ctx context.Context, k string, pos *brain.Position, price decimal.Decimal, fraction float64, nowTS int64) decimal.Decimal {
	closeQty := pos.Size.Mul(decimal.NewFromFloat(fraction))
	if closeQty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	result, err := m.submitExit(ctx, k, pos, closeQty, true)
	if err != nil {
		m.logger.Warn("tp1 partial close failed", zap.String("symbol", k), zap.Error(err))
		return decimal.Zero
	}

	pnl := realizedPnL(*pos, price, closeQty)
	_ = m.actor.Do(ctx, func(s *brain.State) {
		p, ok := s.Positions[k]
		if !ok {
			return
		}
		p.Size = p.Size.Sub(result.FilledQty)
		p.TP1Filled = true
		if pnl.IsPositive() {
			s.MarkWin(k, pnl)
		} else {
			s.MarkLoss(k, pnl, m.cfg.ConsecutiveLossBlacklistCount, hoursToDuration(m.cfg.SymbolBlacklistDurationHours), nowTS)
		}
	})
	return pnl
}

// closePosition fully exits the position and records its realized PnL and
// exit time, blacklisting the symbol after enough consecutive losses.
func (m *Manager) closePosition(ctx context.Context, k string, pos *brain.Position, price decimal.Decimal, reason string, nowTS int64) decimal.Decimal {
	result, err := m.submitExit(ctx, k, pos, pos.Size, true)
	if err != nil {
		m.logger.Warn("position close failed", zap.String("symbol", k), zap.String("reason", reason), zap.Error(err))
		return decimal.Zero
	}

	fillPrice := result.FilledPrice
	if fillPrice.IsZero() {
		fillPrice = price
	}
	pnl := realizedPnL(*pos, fillPrice, pos.Size)

	_ = m.actor.Do(ctx, func(s *brain.State) {
		if pnl.IsPositive() {
			s.MarkWin(k, pnl)
		} else {
			s.MarkLoss(k, pnl, m.cfg.ConsecutiveLossBlacklistCount, hoursToDuration(m.cfg.SymbolBlacklistDurationHours), nowTS)
		}
		s.ClosePosition(k)
		s.LastExitTime[k] = nowTS
		if result.OrderID != "" {
			s.RecordKnownExitOrderID(result.OrderID)
		}
	})

	if pos.HardStopOrderID != "" {
		if err := m.exchange.CancelOrder(ctx, k, pos.HardStopOrderID); err != nil {
			m.logger.Warn("hard stop order cancel failed after software close, it may still be resting",
				zap.String("symbol", k), zap.String("order_id", pos.HardStopOrderID), zap.Error(err))
		}
	}

	m.logger.Info("position closed",
		zap.String("symbol", k),
		zap.String("reason", reason),
		zap.String("pnl", pnl.String()),
	)
	return pnl
}

// submitExit places a reduce-only market order against the position's
// opposite side.
func (m *Manager) submitExit(ctx context.Context, k string, pos *brain.Position, qty decimal.Decimal, reduceOnly bool) (exchange.OrderResult, error) {
	side := exchange.SideSell
	if pos.Side == "short" {
		side = exchange.SideBuy
	}
	req := exchange.OrderRequest{
		Symbol:     k,
		Side:       side,
		Type:       exchange.OrderMarket,
		Quantity:   qty,
		ReduceOnly: reduceOnly,
	}
	return m.exchange.CreateOrder(ctx, req)
}

func realizedPnL(pos brain.Position, exitPrice decimal.Decimal, qty decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(pos.EntryPrice)
	if pos.Side == "short" {
		diff = pos.EntryPrice.Sub(exitPrice)
	}
	return diff.Mul(qty)
}
