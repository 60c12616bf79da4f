// Package data implements the Data Oracle: the single authoritative cache of
// market data (OHLCV at three timeframes, top-of-book price, order book,
// funding) that every other component reads through, never reaching out to
// the exchange directly. Adapted from the teacher's market_data.go ingestion
// shape and store.go's RWMutex cache pattern, generalized per
// original_source/eclipse_scalper/data/cache.py's staleness/backoff/telemetry
// design (MAX_CANDLES, base_intervals, fail_streak/last_error).
package data

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/canon"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"go.uber.org/zap"
)

// Exchange is the subset of exchange capability the Data Oracle's pull loop
// needs. Satisfied structurally by internal/exchange implementations.
type Exchange interface {
	FetchOHLCV(ctx context.Context, rawSymbol, interval string, limit int) ([]Candle, error)
	FetchTicker(ctx context.Context, rawSymbol string) (Ticker, error)
	FetchFundingRate(ctx context.Context, rawSymbol string) (FundingSnapshot, error)
}

type symState struct {
	mu sync.RWMutex

	raw string // exchange-native symbol string for K

	ring1m  *candleRing
	ring5m  *candleRing
	ring15m *candleRing

	price Ticker
	book  OrderBook
	trades []Trade

	funding        FundingSnapshot
	fundingHistory []FundingSnapshot

	lastPollWall  time.Time
	lastPollMono  time.Time
	gapCount      int64
	successCount  int64
	failCount     int64
	failStreak    int64
	lastError     string
	outcomes      []bool // recent pull-loop results, newest last, bounded at maxOutcomeHistory
}

// maxOutcomeHistory bounds the per-symbol outcome ring used to compute the
// API-error-rate kill-switch input; comfortably larger than any realistic
// KillMinReqWindow.
const maxOutcomeHistory = 200

// Oracle is the Data Oracle: per-symbol ring caches plus a pull loop that
// polls REST for OHLCV/ticker/funding with adaptive backoff, healed by
// push updates arriving from the WebSocket Stream Manager.
type Oracle struct {
	cfg    *config.Config
	ex     Exchange
	logger *zap.Logger

	mu   sync.RWMutex
	syms map[string]*symState

	inPosition func(k string) bool
}

// NewOracle constructs an Oracle for the given canonical symbols, bootstrapped
// against rawSymbols (K -> exchange-native string, e.g. "BTCUSDT" ->
// "BTCUSDT" or an exchange-specific perp ticker).
func NewOracle(cfg *config.Config, ex Exchange, logger *zap.Logger, rawSymbols map[string]string, inPosition func(string) bool) *Oracle {
	o := &Oracle{cfg: cfg, ex: ex, logger: logger, syms: map[string]*symState{}, inPosition: inPosition}
	for _, sym := range cfg.Symbols {
		k := canon.Symbol(sym)
		raw := rawSymbols[k]
		if raw == "" {
			raw = k
		}
		o.syms[k] = &symState{
			raw:     raw,
			ring1m:  newCandleRing(cfg.MaxCandles),
			ring5m:  newCandleRing(cfg.MaxCandles),
			ring15m: newCandleRing(cfg.MaxCandles),
		}
	}
	return o
}

func (o *Oracle) state(k string) (*symState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.syms[canon.Symbol(k)]
	return s, ok
}

// --- push path: WebSocket Stream Manager handlers ---

func (o *Oracle) UpdateFromWSTicker(k string, t Ticker) {
	s, ok := o.state(k)
	if !ok {
		return
	}
	s.mu.Lock()
	s.price = t
	s.mu.Unlock()
}

func (o *Oracle) UpdateFromWSOHLCV(k, interval string, c Candle) {
	s, ok := o.state(k)
	if !ok {
		return
	}
	s.mu.Lock()
	o.ringFor(s, interval).upsert(c)
	s.mu.Unlock()
}

func (o *Oracle) UpdateFromWSOrderBook(k string, b OrderBook) {
	s, ok := o.state(k)
	if !ok {
		return
	}
	s.mu.Lock()
	s.book = b
	s.mu.Unlock()
}

func (o *Oracle) UpdateFromWSTrades(k string, trades []Trade) {
	s, ok := o.state(k)
	if !ok {
		return
	}
	s.mu.Lock()
	s.trades = append(s.trades, trades...)
	if n := len(s.trades); n > 2000 {
		s.trades = s.trades[n-2000:]
	}
	s.mu.Unlock()
}

func (o *Oracle) ringFor(s *symState, interval string) *candleRing {
	switch interval {
	case "5m":
		return s.ring5m
	case "15m":
		return s.ring15m
	default:
		return s.ring1m
	}
}

// --- pull path: REST backfill with adaptive backoff and gap-heal ---

// Run drives the pull loop for every tracked symbol until ctx is cancelled,
// one goroutine per symbol (mirrors the teacher's per-symbol worker
// convention in workers/pool.go).
func (o *Oracle) Run(ctx context.Context) {
	var wg sync.WaitGroup
	o.mu.RLock()
	keys := make([]string, 0, len(o.syms))
	for k := range o.syms {
		keys = append(keys, k)
	}
	o.mu.RUnlock()

	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			o.pullLoop(ctx, k)
		}(k)
	}
	wg.Wait()
}

func (o *Oracle) pullLoop(ctx context.Context, k string) {
	s, ok := o.state(k)
	if !ok {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := o.pullOnce(ctx, k, s)

		s.mu.Lock()
		if err != nil {
			s.failCount++
			s.failStreak++
			s.lastError = err.Error()
			s.outcomes = append(s.outcomes, false)
			if o.logger != nil {
				o.logger.Warn("data oracle pull failed", zap.String("symbol", k), zap.Error(err), zap.Int64("fail_streak", s.failStreak))
			}
		} else {
			s.successCount++
			s.failStreak = 0
			s.lastError = ""
			s.outcomes = append(s.outcomes, true)
		}
		if n := len(s.outcomes); n > maxOutcomeHistory {
			s.outcomes = s.outcomes[n-maxOutcomeHistory:]
		}
		failStreak := s.failStreak
		s.mu.Unlock()

		sleep := o.backoffFor(k, failStreak)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// backoffFor implements sleep = base_interval * mult * (1+0.35*fail_streak),
// where mult is 0.7 when a position is open on k (poll faster) or 1.8 when
// idle, capped at OHLCVStaleSec1m so a starved symbol never backs off past
// its own staleness threshold.
func (o *Oracle) backoffFor(k string, failStreak int64) time.Duration {
	base := o.cfg.BaseIntervalSec1m
	mult := 1.8
	if o.inPosition != nil && o.inPosition(k) {
		mult = 0.7
	}
	sleep := base * mult * (1 + 0.35*float64(failStreak))
	if cap := o.cfg.OHLCVStaleSec1m; sleep > cap {
		sleep = cap
	}
	return time.Duration(sleep * float64(time.Second))
}

func (o *Oracle) pullOnce(ctx context.Context, k string, s *symState) error {
	s.mu.RLock()
	raw := s.raw
	s.mu.RUnlock()

	rctx, cancel := context.WithTimeout(ctx, o.cfg.ExchangeRESTTimeout)
	defer cancel()

	ticker, err := o.ex.FetchTicker(rctx, raw)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}

	bars, err := o.ex.FetchOHLCV(rctx, raw, "1m", 5)
	if err != nil {
		return fmt.Errorf("ohlcv: %w", err)
	}

	funding, err := o.ex.FetchFundingRate(rctx, raw)
	if err != nil {
		return fmt.Errorf("funding: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	s.price = ticker
	for _, b := range bars {
		s.ring1m.upsert(b)
	}
	o.healGap(s)
	s.ring5m = &candleRing{bars: resample(s.ring1m.snapshot(), 300, 60), cap: o.cfg.MaxCandles}
	s.ring15m = &candleRing{bars: resample(s.ring1m.snapshot(), 900, 120), cap: o.cfg.MaxCandles}
	s.funding = funding
	s.fundingHistory = append(s.fundingHistory, funding)
	if n := len(s.fundingHistory); n > 12 {
		s.fundingHistory = s.fundingHistory[n-12:]
	}
	s.lastPollWall = now
	s.lastPollMono = now
	s.mu.Unlock()
	return nil
}

// healGap detects a gap in the 1m ring (the last two bars more than
// GapHealThresholdMult times the 60s bar interval apart) and counts it in
// gapCount. It does not fetch any bars to fill the gap.
func (o *Oracle) healGap(s *symState) {
	bars := s.ring1m.snapshot()
	if len(bars) < 2 {
		return
	}
	last := bars[len(bars)-1]
	prev := bars[len(bars)-2]
	gap := last.TS - prev.TS
	expected := int64(60) // 1m bar interval, seconds
	if gap > int64(float64(expected)*o.cfg.GapHealThresholdMult) {
		s.gapCount++
	}
}

// --- read API ---

// GetPrice returns the ticker's last price while the ticker is within its
// staleness threshold (PriceStaleSecInPosition when inPosition, otherwise
// PriceStaleSecIdle). Past that threshold it returns the mid of the same
// ticker's bid and ask, which is not age-checked on its own; it returns
// (0, false) only when that ticker carries no bid/ask, whether or not a
// position is open.
func (o *Oracle) GetPrice(k string, inPosition bool) (decimal.Decimal, bool) {
	s, ok := o.state(k)
	if !ok {
		return decimal.Zero, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	age := time.Since(time.Unix(s.price.TS, 0)).Seconds()
	threshold := o.cfg.PriceStaleSecIdle
	if inPosition {
		threshold = o.cfg.PriceStaleSecInPosition
	}
	if age <= threshold && !s.price.Price.IsZero() {
		return s.price.Price, true
	}
	if !s.price.Bid.IsZero() && !s.price.Ask.IsZero() {
		mid := s.price.Bid.Add(s.price.Ask).Div(decimal.NewFromInt(2))
		return mid, true
	}
	if inPosition {
		return decimal.Zero, false
	}
	return decimal.Zero, false
}

// GetCandles returns a defensive copy of the cached bars for interval
// ("1m"/"5m"/"15m"). requireFresh rejects (nil, false) if the newest bar is
// older than the timeframe's staleness threshold.
func (o *Oracle) GetCandles(k, interval string, requireFresh bool) ([]Candle, bool) {
	s, ok := o.state(k)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring := o.ringFor(s, interval)
	bars := ring.snapshot()
	if len(bars) == 0 {
		return nil, false
	}
	if requireFresh {
		last, _ := ring.last()
		if time.Since(time.Unix(last.TS, 0)).Seconds() > o.staleThreshold(interval) {
			return nil, false
		}
	}
	return bars, true
}

func (o *Oracle) staleThreshold(interval string) float64 {
	switch interval {
	case "5m":
		return o.cfg.OHLCVStaleSec5m
	case "15m":
		return o.cfg.OHLCVStaleSec15m
	default:
		return o.cfg.OHLCVStaleSec1m
	}
}

// GetOrderBook returns the last-known book snapshot for k.
func (o *Oracle) GetOrderBook(k string) (OrderBook, bool) {
	s, ok := o.state(k)
	if !ok {
		return OrderBook{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book, true
}

// GetTrades returns the recent trade tape for k.
func (o *Oracle) GetTrades(k string) ([]Trade, bool) {
	s, ok := o.state(k)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Trade, len(s.trades))
	copy(out, s.trades)
	return out, true
}

// GetFundingRate returns the latest funding snapshot for k.
func (o *Oracle) GetFundingRate(k string) (FundingSnapshot, bool) {
	s, ok := o.state(k)
	if !ok {
		return FundingSnapshot{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.funding, true
}

// StaleReport enumerates every symbol/field currently past its staleness
// threshold, for the Risk Governor's data-staleness kill-switch input.
func (o *Oracle) StaleReport(inPositions map[string]bool) []StaleEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []StaleEntry
	now := time.Now()
	for k, s := range o.syms {
		s.mu.RLock()
		priceAge := now.Sub(time.Unix(s.price.TS, 0)).Seconds()
		priceMax := o.cfg.PriceStaleSecIdle
		if inPositions[k] {
			priceMax = o.cfg.PriceStaleSecInPosition
		}
		if priceAge > priceMax {
			out = append(out, StaleEntry{Key: k, Field: "price", AgeSec: priceAge, MaxAgeSec: priceMax})
		}
		if last, ok := s.ring1m.last(); ok {
			age := now.Sub(time.Unix(last.TS, 0)).Seconds()
			if age > o.cfg.OHLCVStaleSec1m {
				out = append(out, StaleEntry{Key: k, Field: "ohlcv_1m", AgeSec: age, MaxAgeSec: o.cfg.OHLCVStaleSec1m})
			}
		} else {
			out = append(out, StaleEntry{Key: k, Field: "ohlcv_1m", AgeSec: math.Inf(1), MaxAgeSec: o.cfg.OHLCVStaleSec1m})
		}
		s.mu.RUnlock()
	}
	return out
}

// FailStreak returns the current consecutive-failure count for k's pull
// loop, used by the Risk Governor's API-error-rate kill-switch condition.
func (o *Oracle) FailStreak(k string) int64 {
	s, ok := o.state(k)
	if !ok {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failStreak
}

// LastError returns the most recent pull error string for k, or "".
func (o *Oracle) LastError(k string) string {
	s, ok := o.state(k)
	if !ok {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// APIErrorStat summarizes one symbol's recent pull-loop request outcomes.
type APIErrorStat struct {
	Key        string
	FailStreak int64
	ErrorRate  float64 // errors/requests over the last window requests
	Requests   int     // number of requests ErrorRate was computed over
}

// APIErrorReport returns per-symbol API error stats over the last window
// pull-loop requests, the input to the Risk Governor's API-error-rate
// kill-switch condition (spec §4.10: error rate over KILL_MIN_REQ_WINDOW
// requests, or a consecutive-failure burst).
func (o *Oracle) APIErrorReport(window int) []APIErrorStat {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]APIErrorStat, 0, len(o.syms))
	for k, s := range o.syms {
		s.mu.RLock()
		recent := s.outcomes
		if len(recent) > window {
			recent = recent[len(recent)-window:]
		}
		errs := 0
		for _, ok := range recent {
			if !ok {
				errs++
			}
		}
		rate := 0.0
		if len(recent) > 0 {
			rate = float64(errs) / float64(len(recent))
		}
		out = append(out, APIErrorStat{Key: k, FailStreak: s.failStreak, ErrorRate: rate, Requests: len(recent)})
		s.mu.RUnlock()
	}
	return out
}
