package position

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

type harness struct {
	cfg     *config.Config
	oracle  *data.Oracle
	actor   *brain.Actor
	adapter *paper.Adapter
	manager *Manager
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	oracle := data.NewOracle(cfg, noopExchange{}, nil, nil, func(string) bool { return true })
	actor := brain.NewActor(brain.New())
	go actor.Run(context.Background())
	adapter := paper.New(oracle, decimal.NewFromInt(10000), decimal.NewFromFloat(0.0005))

	h := &harness{cfg: cfg, oracle: oracle, actor: actor, adapter: adapter}
	h.manager = New(cfg, zap.NewNop(), oracle, actor, adapter, nil)
	return h
}

func setPrice(h *harness, symbol string, price decimal.Decimal) {
	h.oracle.UpdateFromWSTicker(symbol, data.Ticker{Price: price, Bid: price, Ask: price, TS: time.Now().Unix()})
}

func seedPosition(t *testing.T, h *harness, pos brain.Position, nowTS int64) {
	t.Helper()
	err := h.actor.Do(context.Background(), func(s *brain.State) {
		s.ApplyFill(pos.Symbol, pos, nowTS)
	})
	require.NoError(t, err)
}

func testCfg() *config.Config {
	c := config.Default()
	c.BreakevenBufferATRMult = 0.1
	c.TrailingActivationRR = 1.3
	c.TrailingATRReferencePct = 0.01
	c.TrailingVolMultMin = 0.5
	c.TrailingVolMultMax = 2.0
	c.TrailingBaseCallbackPct = 0.004
	c.TP1RRMult = 1.0
	c.TP2RRMult = 2.0
	c.TP1CloseFraction = 0.5
	c.MaxHoldingMinutes = 240
	c.TimeExitWarningMinutes = 180
	c.TimeDecayStartPct = 0.5
	c.ConsecutiveLossBlacklistCount = 3
	c.SymbolBlacklistDurationHours = 4
	return c
}

func TestManagerMovesToBreakevenAtRR1(t *testing.T) {
	cfg := testCfg()
	h := newHarness(t, cfg)
	now := time.Now().Unix()

	entry := decimal.NewFromInt(100)
	seedPosition(t, h, brain.Position{
		Symbol: "BTCUSDT", Side: "long", Size: decimal.NewFromInt(1),
		EntryPrice: entry, ATR: 1.0, EntryTS: now,
		TP1Filled: true, // TP1 also triggers at rr 1.0 and is checked first
	}, now)

	// rr = 1.0 exactly: (101-100)/1.0 = 1.0
	setPrice(h, "BTCUSDT", decimal.NewFromInt(101))

	outcomes := h.manager.Tick(context.Background(), now)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "breakeven", outcomes[0].Action)

	var pos *brain.Position
	_ = h.actor.Do(context.Background(), func(s *brain.State) {
		pos = s.Positions["BTCUSDT"]
	})
	require.NotNil(t, pos)
	assert.True(t, pos.BreakevenMoved)
}

func TestManagerPartialClosesAtTP1(t *testing.T) {
	cfg := testCfg()
	cfg.TrailingActivationRR = 999 // keep trailing out of the way for this case
	h := newHarness(t, cfg)
	now := time.Now().Unix()

	entry := decimal.NewFromInt(100)
	seedPosition(t, h, brain.Position{
		Symbol: "BTCUSDT", Side: "long", Size: decimal.NewFromInt(2),
		EntryPrice: entry, ATR: 1.0, EntryTS: now,
	}, now)
	setPrice(h, "BTCUSDT", decimal.NewFromInt(101))

	outcomes := h.manager.Tick(context.Background(), now)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "tp1", outcomes[0].Action)
	assert.True(t, outcomes[0].PnL.IsPositive())

	var pos *brain.Position
	_ = h.actor.Do(context.Background(), func(s *brain.State) {
		pos = s.Positions["BTCUSDT"]
	})
	require.NotNil(t, pos)
	assert.True(t, pos.TP1Filled)
	assert.True(t, pos.Size.LessThan(decimal.NewFromInt(2)))
}

func TestManagerClosesAtTP2(t *testing.T) {
	cfg := testCfg()
	h := newHarness(t, cfg)
	now := time.Now().Unix()

	entry := decimal.NewFromInt(100)
	seedPosition(t, h, brain.Position{
		Symbol: "BTCUSDT", Side: "long", Size: decimal.NewFromInt(1),
		EntryPrice: entry, ATR: 1.0, EntryTS: now, TP1Filled: true,
	}, now)
	setPrice(h, "BTCUSDT", decimal.NewFromInt(102))

	outcomes := h.manager.Tick(context.Background(), now)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "tp2", outcomes[0].Action)

	var openCount int
	_ = h.actor.Do(context.Background(), func(s *brain.State) {
		openCount = len(s.Positions)
	})
	assert.Equal(t, 0, openCount)
}

func TestManagerTimeExitsStalePosition(t *testing.T) {
	cfg := testCfg()
	cfg.MaxHoldingMinutes = 1
	h := newHarness(t, cfg)
	now := time.Now().Unix()
	entryTS := now - int64(5*60) // 5 minutes ago, past the 1-minute max

	entry := decimal.NewFromInt(100)
	seedPosition(t, h, brain.Position{
		Symbol: "BTCUSDT", Side: "long", Size: decimal.NewFromInt(1),
		EntryPrice: entry, ATR: 1.0, EntryTS: entryTS,
	}, entryTS)
	setPrice(h, "BTCUSDT", decimal.NewFromInt(100)) // flat price, time is the trigger

	outcomes := h.manager.Tick(context.Background(), now)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "time_exit", outcomes[0].Action)
}

func TestManagerHitsTrailingStop(t *testing.T) {
	cfg := testCfg()
	h := newHarness(t, cfg)
	now := time.Now().Unix()

	entry := decimal.NewFromInt(100)
	seedPosition(t, h, brain.Position{
		Symbol: "BTCUSDT", Side: "long", Size: decimal.NewFromInt(1),
		EntryPrice: entry, ATR: 1.0, EntryTS: now,
		TrailingActive: true, TrailingStopPrice: decimal.NewFromInt(102), TP1Filled: true,
	}, now)
	// price below the already-set trailing stop, but below TP2 RR too
	setPrice(h, "BTCUSDT", decimal.NewFromFloat(101.5))

	outcomes := h.manager.Tick(context.Background(), now)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "stop_exit", outcomes[0].Action)
}

func TestReconcileDropsPositionClosedOnExchange(t *testing.T) {
	cfg := testCfg()
	h := newHarness(t, cfg)
	now := time.Now().Unix()

	seedPosition(t, h, brain.Position{
		Symbol: "BTCUSDT", Side: "long", Size: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(100), ATR: 1.0, EntryTS: now,
	}, now)
	// paper adapter never opened this position, so FetchPositions returns empty.

	err := h.manager.Reconcile(context.Background(), now)
	require.NoError(t, err)

	var openCount int
	_ = h.actor.Do(context.Background(), func(s *brain.State) {
		openCount = len(s.Positions)
	})
	assert.Equal(t, 0, openCount)
}
