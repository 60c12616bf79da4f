// Package entry implements the Entry Engine: the gate sequence, position
// sizing, slippage precheck, and order submission that turn a strategy
// Evaluation into an open Position. Grounded on the teacher's
// internal/execution/executor.go Execute/validateSignal/calculateQuantity
// flow, generalized to this domain's multi-gate entry pipeline.
package entry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solstice-trading/scalper-engine/internal/brain"
	"github.com/solstice-trading/scalper-engine/internal/canon"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/solstice-trading/scalper-engine/internal/exchange"
	"github.com/solstice-trading/scalper-engine/internal/metrics"
	"github.com/solstice-trading/scalper-engine/internal/orderflow"
	"github.com/solstice-trading/scalper-engine/internal/risk"
	"github.com/solstice-trading/scalper-engine/internal/strategy"
)

// Decision records why a symbol was or wasn't entered, for logging/metrics.
type Decision struct {
	Symbol     string
	Entered    bool
	Rejected   string // gate name that rejected, empty when Entered
	Side       strategy.Side
	Evaluation strategy.Evaluation
}

// Engine runs the gate sequence and order submission for one symbol per
// call to Consider. It holds no per-symbol goroutines of its own; the
// Supervisor's entry loop drives it on a fixed interval (Config.EntryPollSec).
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	oracle    *data.Oracle
	flow      *orderflow.Analyzer
	evaluator *strategy.Evaluator
	governor  *risk.Governor
	actor     *brain.Actor
	exchange  exchange.Adapter
	metrics   *metrics.Registry // nil-safe: metrics are optional instrumentation

	gapMu       sync.Mutex
	lastAttempt map[string]int64 // per-symbol last Consider call, for EntryPerSymbolGapSec
}

// New constructs an Engine from its already-wired collaborators. reg may be
// nil to run without metrics instrumentation (e.g. in tests).
func New(cfg *config.Config, logger *zap.Logger, oracle *data.Oracle, flow *orderflow.Analyzer, evaluator *strategy.Evaluator, governor *risk.Governor, actor *brain.Actor, adapter exchange.Adapter, reg *metrics.Registry) *Engine {
	return &Engine{cfg: cfg, logger: logger.Named("entry"), oracle: oracle, flow: flow, evaluator: evaluator, governor: governor, actor: actor, exchange: adapter, metrics: reg, lastAttempt: map[string]int64{}}
}

// checkPerSymbolGap enforces EntryPerSymbolGapSec: the minimum spacing
// between two Consider calls for the same symbol, tracked locally in the
// Engine rather than in the shared Brain state since it guards against
// rapid repeat evaluation of one symbol (e.g. overlapping poll ticks),
// not against re-entering after a real exit (that's SymbolCooldownMinutes,
// keyed off Brain.LastExitTime).
func (e *Engine) checkPerSymbolGap(k string, nowTS int64) bool {
	e.gapMu.Lock()
	defer e.gapMu.Unlock()
	last, ok := e.lastAttempt[k]
	e.lastAttempt[k] = nowTS
	if !ok {
		return false
	}
	return float64(nowTS-last) < e.cfg.EntryPerSymbolGapSec
}

// Consider runs the full gate sequence for symbol k and, if every gate
// passes, submits an order and records the fill in the Brain. nowTS is Unix
// seconds, supplied by the caller so this stays testable without wall-clock
// access.
func (e *Engine) Consider(ctx context.Context, k string, nowTS int64) Decision {
	k = canon.Symbol(k)
	d := Decision{Symbol: k}
	if e.metrics != nil {
		defer func() { e.metrics.EntryDecisions.WithLabelValues(k, d.Rejected).Inc() }()
	}

	if e.governor.IsTripped() {
		d.Rejected = "kill_switch"
		return d
	}

	if e.checkPerSymbolGap(k, nowTS) {
		d.Rejected = "entry_gap"
		return d
	}

	var blacklisted, cooldownActive, atCap, tooHot bool
	var openCount int
	var correlatedHeat float64
	snapErr := e.actor.Do(ctx, func(s *brain.State) {
		blacklisted = s.IsBlacklisted(k, nowTS)
		if last, ok := s.LastExitTime[k]; ok {
			gap := float64(nowTS - last)
			if gap < e.cfg.SymbolCooldownMinutes*60 || gap < e.cfg.EntryLocalCooldownSec {
				cooldownActive = true
			}
		}
		openCount = len(s.Positions)
		atCap = openCount >= e.cfg.MaxConcurrentPositions

		var totalNotional decimal.Decimal
		for sym, pos := range s.Positions {
			notional := pos.Size.Mul(pos.EntryPrice)
			totalNotional = totalNotional.Add(notional)
			if sym != k && sharePrefix(sym, k) {
				f, _ := notional.Float64()
				correlatedHeat += f
			}
		}
		if s.CurrentEquity.IsPositive() {
			heat, _ := totalNotional.Div(s.CurrentEquity).Float64()
			if heat >= e.cfg.MaxPortfolioHeat {
				tooHot = true
			}
			corrHeat := correlatedHeat
			if eq, _ := s.CurrentEquity.Float64(); eq > 0 && corrHeat/eq >= e.cfg.CorrelationHeatCap {
				tooHot = true
			}
		}
	})
	if snapErr != nil {
		d.Rejected = "brain_unavailable"
		return d
	}
	if blacklisted {
		d.Rejected = "blacklisted"
		return d
	}
	if cooldownActive {
		d.Rejected = "cooldown"
		return d
	}
	if atCap {
		d.Rejected = "max_concurrent_positions"
		return d
	}
	if tooHot {
		d.Rejected = "portfolio_heat"
		return d
	}

	bars, fresh := e.oracle.GetCandles(k, "1m", true)
	if !fresh || len(bars) < 60 {
		d.Rejected = "insufficient_history"
		return d
	}

	flowSignal := e.flow.GetOrderFlowSignal(k)
	eval, ok := e.evaluator.Evaluate(bars, flowSignal.Score)
	if !ok {
		d.Rejected = "insufficient_history"
		return d
	}
	d.Evaluation = eval
	d.Side = eval.Side

	if eval.Side == strategy.SideFlat {
		d.Rejected = "no_directional_signal"
		return d
	}

	f, ok := strategy.ComputeTechnicalFeatures(bars)
	if !ok {
		d.Rejected = "insufficient_history"
		return d
	}

	minConf := e.cfg.EntryMinConfidence
	if f.ATR50Pct >= e.cfg.HighVolATRPctThreshold {
		minConf = e.cfg.EntryMinConfidenceHighVol
	}
	if eval.Confidence < minConf {
		d.Rejected = "below_confidence_threshold"
		return d
	}

	if f.ATRPct < e.cfg.MinATRPctForEntry {
		d.Rejected = "atr_floor"
		return d
	}

	funding, haveFunding := e.oracle.GetFundingRate(k)
	if haveFunding {
		if eval.Side == strategy.SideLong && funding.Rate > e.cfg.MaxFundingLong {
			d.Rejected = "funding_filter"
			return d
		}
		if eval.Side == strategy.SideShort && funding.Rate < e.cfg.MinFundingShort {
			d.Rejected = "funding_filter"
			return d
		}
	}

	price, havePrice := e.oracle.GetPrice(k, false)
	if !havePrice || !price.IsPositive() {
		d.Rejected = "no_price"
		return d
	}

	book, haveBook := e.oracle.GetOrderBook(k)
	if !haveBook {
		d.Rejected = "no_orderbook"
		return d
	}
	notional := e.cfg.FixedNotionalUSDT
	isBuy := eval.Side == strategy.SideLong
	ok, slip := ShouldEnterAtMarket(book, isBuy, notional, e.cfg.SlippageMaxPct, e.cfg.SlippageOrderbookDepth)
	if e.metrics != nil {
		e.metrics.SlippagePct.Observe(slip.SlippagePct)
	}
	if !ok {
		d.Rejected = "slippage_precheck"
		return d
	}

	qty, marginUSDT := e.sizeOrder(price)
	if marginUSDT < e.cfg.MinMarginUSDT || notional < e.cfg.MinNotionalUSDT {
		d.Rejected = "below_min_size"
		return d
	}

	result, err := e.submitWithRetry(ctx, k, isBuy, qty)
	if err != nil {
		e.logger.Warn("entry order submission failed after retries", zap.String("symbol", k), zap.Error(err))
		d.Rejected = "order_failed"
		return d
	}

	side := "long"
	if !isBuy {
		side = "short"
	}
	fillPrice := result.FilledPrice
	if fillPrice.IsZero() {
		fillPrice = price
	}
	fillPriceF, _ := fillPrice.Float64()
	atr := f.ATRPct * fillPriceF
	stopPrice := hardStopPrice(side, fillPriceF, atr, e.cfg.StopATRMult, e.cfg.MaxStopPct)

	hardStopOrderID := e.placeHardStop(ctx, k, side, result.FilledQty, stopPrice)

	_ = e.actor.Do(ctx, func(s *brain.State) {
		s.ApplyFill(k, brain.Position{
			Symbol:            k,
			Side:              side,
			Size:              result.FilledQty,
			EntryPrice:        fillPrice,
			ATR:               atr,
			Leverage:          e.cfg.DefaultLeverage,
			Confidence:        eval.Confidence,
			HardStopOrderID:   hardStopOrderID,
			TrailingStopPrice: decimal.NewFromFloat(stopPrice),
		}, nowTS)
		s.RecordEntryConfidence(k, eval.Confidence)
	})

	e.logger.Info("entry filled",
		zap.String("symbol", k),
		zap.String("side", side),
		zap.String("qty", result.FilledQty.String()),
		zap.String("price", fillPrice.String()),
		zap.Float64("confidence", eval.Confidence),
		zap.Float64("slippage_pct", slip.SlippagePct),
		zap.Float64("hard_stop_price", stopPrice),
	)

	d.Entered = true
	return d
}

// hardStopPrice places the initial protective stop at entry ± StopATRMult
// ATR, clamped so it never sits further than MaxStopPct of entry price away
// — a single large ATR reading (a thin/illiquid symbol, a news spike)
// should never translate into an unbounded stop distance.
func hardStopPrice(side string, entry, atr, stopATRMult, maxStopPct float64) float64 {
	dist := atr * stopATRMult
	if maxDist := entry * maxStopPct; dist > maxDist {
		dist = maxDist
	}
	if side == "long" {
		return entry - dist
	}
	return entry + dist
}

// placeHardStop submits a reduce-only stop-market order at stopPrice on the
// opposite side of the fill. Submission failure never blocks the entry
// itself — the Position Manager's own TrailingStopPrice check still
// protects the position even with no working exchange order behind it —
// but it is logged loudly since a missing exchange-side stop is a real gap
// in downside protection during any window the engine is unavailable.
func (e *Engine) placeHardStop(ctx context.Context, k, entrySide string, qty decimal.Decimal, stopPrice float64) string {
	exitSide := exchange.SideSell
	if entrySide == "short" {
		exitSide = exchange.SideBuy
	}
	req := exchange.OrderRequest{
		Symbol:     k,
		Side:       exitSide,
		Type:       exchange.OrderStop,
		Quantity:   qty,
		Price:      decimal.NewFromFloat(stopPrice),
		ReduceOnly: true,
		ClientID:   uuid.NewString(),
	}
	result, err := e.exchange.CreateOrder(ctx, req)
	if err != nil {
		e.logger.Error("hard stop order placement failed, position is unprotected on the exchange",
			zap.String("symbol", k), zap.Float64("stop_price", stopPrice), zap.Error(err))
		return ""
	}
	return result.OrderID
}

// sizeOrder computes quantity from FixedNotionalUSDT/price, returning the
// quantity and the margin that notional would require at DefaultLeverage.
func (e *Engine) sizeOrder(price decimal.Decimal) (decimal.Decimal, float64) {
	notional := decimal.NewFromFloat(e.cfg.FixedNotionalUSDT)
	qty := notional.Div(price)
	margin := e.cfg.FixedNotionalUSDT / e.cfg.DefaultLeverage
	return qty, margin
}

// submitWithRetry places a market order, retrying up to EntryRouterRetries
// times with a fixed sleep between attempts, mirroring the teacher's
// Execute retry loop in internal/execution/executor.go.
func (e *Engine) submitWithRetry(ctx context.Context, k string, isBuy bool, qty decimal.Decimal) (exchange.OrderResult, error) {
	side := exchange.SideBuy
	if !isBuy {
		side = exchange.SideSell
	}
	req := exchange.OrderRequest{
		Symbol:   k,
		Side:     side,
		Type:     exchange.OrderMarket,
		Quantity: qty,
		ClientID: uuid.NewString(),
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.EntryRouterRetries; attempt++ {
		result, err := e.exchange.CreateOrder(ctx, req)
		if err == nil {
			return result, nil
		}
		var rej *exchange.RejectionError
		if errors.As(err, &rej) {
			// A hard rejection (bad notional, invalid leverage, ...) won't
			// succeed on retry; surface it immediately instead of burning
			// the remaining attempts.
			e.logger.Error("order rejected by exchange", zap.String("symbol", k), zap.String("reason", rej.Reason))
			return exchange.OrderResult{}, rej
		}
		lastErr = err
		e.logger.Warn("order placement failed, retrying",
			zap.String("symbol", k), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return exchange.OrderResult{}, ctx.Err()
		case <-time.After(time.Duration(e.cfg.OrderRetrySleepSec * float64(time.Second))):
		}
	}
	return exchange.OrderResult{}, fmt.Errorf("entry: order placement failed after %d attempts: %w", e.cfg.EntryRouterRetries+1, lastErr)
}

// sharePrefix is a crude same-asset-family correlation proxy (e.g. BTCUSDT
// vs BTCUSDC): two quote-normalized symbols sharing a 3-character base
// prefix are treated as correlated for portfolio heat purposes.
func sharePrefix(a, b string) bool {
	a, b = canon.Symbol(a), canon.Symbol(b)
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	return a[:3] == b[:3]
}
