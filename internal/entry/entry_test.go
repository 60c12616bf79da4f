package entry

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solstice-trading/scalper-engine/internal/brain"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/solstice-trading/scalper-engine/internal/exchange/paper"
	"github.com/solstice-trading/scalper-engine/internal/orderflow"
	"github.com/solstice-trading/scalper-engine/internal/risk"
	"github.com/solstice-trading/scalper-engine/internal/strategy"
)

type noopExchange struct{}

func (noopExchange) FetchOHLCV(ctx context.Context, rawSymbol, interval string, limit int) ([]data.Candle, error) {
	return nil, nil
}
func (noopExchange) FetchTicker(ctx context.Context, rawSymbol string) (data.Ticker, error) {
	return data.Ticker{}, nil
}
func (noopExchange) FetchFundingRate(ctx context.Context, rawSymbol string) (data.FundingSnapshot, error) {
	return data.FundingSnapshot{}, nil
}

// uptrendBars produces n ascending 1m bars ending at "now" so GetCandles'
// freshness check passes.
func uptrendBars(n int, start float64) []data.Candle {
	bars := make([]data.Candle, n)
	price := start
	nowMinute := time.Now().Unix() / 60 * 60
	for i := 0; i < n; i++ {
		price *= 1.001
		bars[i] = data.Candle{
			TS:     nowMinute - int64(n-1-i)*60,
			Open:   decimal.NewFromFloat(price * 0.999),
			High:   decimal.NewFromFloat(price * 1.001),
			Low:    decimal.NewFromFloat(price * 0.998),
			Close:  decimal.NewFromFloat(price),
			Volume: decimal.NewFromFloat(100),
		}
	}
	return bars
}

type harness struct {
	cfg     *config.Config
	oracle  *data.Oracle
	flow    *orderflow.Analyzer
	eval    *strategy.Evaluator
	gov     *risk.Governor
	actor   *brain.Actor
	adapter *paper.Adapter
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.EntryMinConfidence = 0.01
	cfg.EntryMinConfidenceHighVol = 0.01
	cfg.MinATRPctForEntry = 0
	cfg.FixedNotionalUSDT = 100
	cfg.MinNotionalUSDT = 5
	cfg.MinMarginUSDT = 1
	cfg.DefaultLeverage = 3
	cfg.SlippageMaxPct = 0.5
	cfg.MaxConcurrentPositions = 5

	oracle := data.NewOracle(cfg, noopExchange{}, nil, nil, func(string) bool { return false })
	bars := uptrendBars(250, 100)
	for _, b := range bars {
		oracle.UpdateFromWSOHLCV("BTCUSDT", "1m", b)
	}
	last := bars[len(bars)-1].Close
	oracle.UpdateFromWSTicker("BTCUSDT", data.Ticker{Price: last, Bid: last, Ask: last, TS: time.Now().Unix()})
	oracle.UpdateFromWSOrderBook("BTCUSDT", data.OrderBook{
		Bids: []data.BookLevel{{Price: last, Size: decimal.NewFromInt(10)}},
		Asks: []data.BookLevel{{Price: last, Size: decimal.NewFromInt(10)}},
	})

	flow := orderflow.NewAnalyzer(cfg)
	ev := strategy.NewEvaluator(cfg, strategy.NopPredictor{})
	gov := risk.NewGovernor(cfg, nil, nil)
	actor := brain.NewActor(brain.New())
	go actor.Run(context.Background())

	adapter := paper.New(oracle, decimal.NewFromInt(10000), decimal.NewFromFloat(0.0005))

	h := &harness{cfg: cfg, oracle: oracle, flow: flow, eval: ev, gov: gov, actor: actor, adapter: adapter}
	h.engine = New(cfg, zap.NewNop(), oracle, flow, ev, gov, actor, adapter, nil)
	return h
}

func TestEngineEntersOnCleanUptrend(t *testing.T) {
	h := newHarness(t)
	d := h.engine.Consider(context.Background(), "BTCUSDT", time.Now().Unix())
	require.True(t, d.Entered, "rejected at gate: %s", d.Rejected)
	assert.Equal(t, strategy.SideLong, d.Side)

	var openCount int
	_ = h.actor.Do(context.Background(), func(s *brain.State) {
		openCount = len(s.Positions)
	})
	assert.Equal(t, 1, openCount)
}

// TestEngineFillPlacesHardStop covers spec §4.8's downside-protection
// requirement: a fresh fill must carry a non-zero stop immediately, not
// only once breakeven/trailing activates at RR>=1.0.
func TestEngineFillPlacesHardStop(t *testing.T) {
	h := newHarness(t)
	h.cfg.StopATRMult = 1.5
	h.cfg.MaxStopPct = 0.03

	d := h.engine.Consider(context.Background(), "BTCUSDT", time.Now().Unix())
	require.True(t, d.Entered, "rejected at gate: %s", d.Rejected)

	var pos brain.Position
	_ = h.actor.Do(context.Background(), func(s *brain.State) {
		pos = *s.Positions["BTCUSDT"]
	})

	require.NotEmpty(t, pos.HardStopOrderID, "fill must place a resting exchange stop order")
	require.False(t, pos.TrailingStopPrice.IsZero(), "fill must seed an initial stop price")

	entryF, _ := pos.EntryPrice.Float64()
	stopF, _ := pos.TrailingStopPrice.Float64()
	dist := entryF - stopF // long: stop sits below entry
	assert.Greater(t, dist, 0.0)
	maxDist := entryF * h.cfg.MaxStopPct
	assert.LessOrEqual(t, dist, maxDist+1e-9, "stop distance must be clamped to MaxStopPct")
}

func TestHardStopPriceClampsToMaxStopPct(t *testing.T) {
	// ATR-implied distance (20) exceeds MaxStopPct's cap (1% of 100 = 1),
	// so the clamp must win.
	stop := hardStopPrice("long", 100, 20, 1.5, 0.01)
	assert.InDelta(t, 99.0, stop, 1e-9)

	stop = hardStopPrice("short", 100, 20, 1.5, 0.01)
	assert.InDelta(t, 101.0, stop, 1e-9)
}

func TestHardStopPriceUsesATRDistanceWhenWithinCap(t *testing.T) {
	stop := hardStopPrice("long", 100, 1, 1.5, 0.5)
	assert.InDelta(t, 98.5, stop, 1e-9)
}

// TestEngineCooldownBoundaryAfterExit covers spec §8 scenario 1 exactly:
// after an exit at t0, entry must still be rejected one second before
// SymbolCooldownMinutes elapses and allowed one second after.
func TestEngineCooldownBoundaryAfterExit(t *testing.T) {
	h := newHarness(t)
	h.cfg.EntryPerSymbolGapSec = 0 // isolate the post-exit cooldown from the per-symbol-gap gate
	h.cfg.SymbolCooldownMinutes = 20
	t0 := time.Now().Unix()
	_ = h.actor.Do(context.Background(), func(s *brain.State) {
		s.LastExitTime["BTCUSDT"] = t0
	})

	justBefore := t0 + int64(h.cfg.SymbolCooldownMinutes*60) - 1
	d := h.engine.Consider(context.Background(), "BTCUSDT", justBefore)
	assert.False(t, d.Entered)
	assert.Equal(t, "cooldown", d.Rejected)

	justAfter := t0 + int64(h.cfg.SymbolCooldownMinutes*60) + 1
	d = h.engine.Consider(context.Background(), "BTCUSDT", justAfter)
	require.True(t, d.Entered, "rejected at gate: %s", d.Rejected)
}

func TestEngineRejectsWithinPerSymbolGap(t *testing.T) {
	h := newHarness(t)
	h.cfg.EntryPerSymbolGapSec = 60
	now := time.Now().Unix()

	d := h.engine.Consider(context.Background(), "BTCUSDT", now)
	require.True(t, d.Entered, "rejected at gate: %s", d.Rejected)

	d = h.engine.Consider(context.Background(), "BTCUSDT", now+1)
	assert.False(t, d.Entered)
	assert.Equal(t, "entry_gap", d.Rejected)
}

func TestEngineRejectsWhenKillSwitchTripped(t *testing.T) {
	h := newHarness(t)
	h.gov.Trip(risk.TripManual, "test")
	d := h.engine.Consider(context.Background(), "BTCUSDT", time.Now().Unix())
	assert.False(t, d.Entered)
	assert.Equal(t, "kill_switch", d.Rejected)
}

func TestEngineRejectsWhenBlacklisted(t *testing.T) {
	h := newHarness(t)
	now := time.Now().Unix()
	_ = h.actor.Do(context.Background(), func(s *brain.State) {
		s.BlacklistSymbol("BTCUSDT", time.Hour, "test", now)
	})
	d := h.engine.Consider(context.Background(), "BTCUSDT", now)
	assert.False(t, d.Entered)
	assert.Equal(t, "blacklisted", d.Rejected)
}

func TestEngineRejectsAtConcurrentPositionCap(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxConcurrentPositions = 1
	now := time.Now().Unix()
	_ = h.actor.Do(context.Background(), func(s *brain.State) {
		s.ApplyFill("ETHUSDT", brain.Position{Side: "long", Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)}, now)
	})
	d := h.engine.Consider(context.Background(), "BTCUSDT", now)
	assert.False(t, d.Entered)
	assert.Equal(t, "max_concurrent_positions", d.Rejected)
}

func TestEngineRejectsBelowConfidenceThreshold(t *testing.T) {
	h := newHarness(t)
	h.cfg.EntryMinConfidence = 0.999
	h.cfg.EntryMinConfidenceHighVol = 0.999
	d := h.engine.Consider(context.Background(), "BTCUSDT", time.Now().Unix())
	assert.False(t, d.Entered)
	assert.Equal(t, "below_confidence_threshold", d.Rejected)
}
