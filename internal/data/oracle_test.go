package data

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	bars    []Candle
	ticker  Ticker
	funding FundingSnapshot
	err     error
}

func (f *fakeExchange) FetchOHLCV(ctx context.Context, raw, interval string, limit int) ([]Candle, error) {
	return f.bars, f.err
}
func (f *fakeExchange) FetchTicker(ctx context.Context, raw string) (Ticker, error) {
	return f.ticker, f.err
}
func (f *fakeExchange) FetchFundingRate(ctx context.Context, raw string) (FundingSnapshot, error) {
	return f.funding, f.err
}

func testOracle(ex Exchange) *Oracle {
	cfg := config.Default()
	cfg.Symbols = []string{"BTCUSDT"}
	return NewOracle(cfg, ex, nil, map[string]string{"BTCUSDT": "BTCUSDT"}, func(string) bool { return false })
}

func TestPullOnceStoresTickerAndBars(t *testing.T) {
	now := time.Now().Unix()
	ex := &fakeExchange{
		ticker: Ticker{Price: decimal.NewFromInt(100), Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(101), TS: now},
		bars: []Candle{
			{TS: now - 60, Open: decimal.NewFromInt(99), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(98), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(10)},
		},
		funding: FundingSnapshot{Rate: 0.0001, TS: now},
	}
	o := testOracle(ex)
	s, ok := o.state("BTCUSDT")
	require.True(t, ok)
	require.NoError(t, o.pullOnce(context.Background(), "BTCUSDT", s))

	price, ok := o.GetPrice("BTCUSDT", false)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(100)))

	bars, ok := o.GetCandles("BTCUSDT", "1m", false)
	require.True(t, ok)
	assert.Len(t, bars, 1)
}

func TestGetPriceFallsBackToMidWhenStale(t *testing.T) {
	stale := time.Now().Add(-1 * time.Hour).Unix()
	ex := &fakeExchange{ticker: Ticker{Price: decimal.NewFromInt(100), Bid: decimal.NewFromInt(98), Ask: decimal.NewFromInt(102), TS: stale}}
	o := testOracle(ex)
	s, _ := o.state("BTCUSDT")
	s.mu.Lock()
	s.price = ex.ticker
	s.mu.Unlock()

	price, ok := o.GetPrice("BTCUSDT", false)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(100)), "mid of 98/102 should be 100")
}

func TestAPIErrorReportComputesRateOverWindow(t *testing.T) {
	ex := &fakeExchange{err: assert.AnError}
	o := testOracle(ex)
	s, ok := o.state("BTCUSDT")
	require.True(t, ok)

	for i := 0; i < 4; i++ {
		require.Error(t, o.pullOnce(context.Background(), "BTCUSDT", s))
		s.mu.Lock()
		s.failStreak++
		s.outcomes = append(s.outcomes, false)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.outcomes = append(s.outcomes, true, true, true, true, true, true)
	s.mu.Unlock()

	stats := o.APIErrorReport(10)
	require.Len(t, stats, 1)
	assert.Equal(t, "BTCUSDT", stats[0].Key)
	assert.Equal(t, 10, stats[0].Requests)
	assert.InDelta(t, 0.4, stats[0].ErrorRate, 1e-9)
}

func TestAPIErrorReportWindowCapsToRecentRequests(t *testing.T) {
	o := testOracle(&fakeExchange{})
	s, ok := o.state("BTCUSDT")
	require.True(t, ok)

	s.mu.Lock()
	for i := 0; i < 5; i++ {
		s.outcomes = append(s.outcomes, false)
	}
	for i := 0; i < 5; i++ {
		s.outcomes = append(s.outcomes, true)
	}
	s.mu.Unlock()

	stats := o.APIErrorReport(5)
	require.Len(t, stats, 1)
	assert.Equal(t, 5, stats[0].Requests)
	assert.InDelta(t, 0.0, stats[0].ErrorRate, 1e-9, "window must only cover the newest 5 (all successes)")
}

func TestCandleRingUpsertReplacesInProgressBar(t *testing.T) {
	r := newCandleRing(10)
	r.upsert(Candle{TS: 100, Open: decimal.NewFromInt(1), High: decimal.NewFromInt(2), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1)})
	r.upsert(Candle{TS: 100, Open: decimal.NewFromInt(1), High: decimal.NewFromInt(3), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(2), Volume: decimal.NewFromInt(2)})
	bars := r.snapshot()
	require.Len(t, bars, 1)
	assert.True(t, bars[0].High.Equal(decimal.NewFromInt(3)))
}

func TestCandleRingRejectsInvalidBar(t *testing.T) {
	r := newCandleRing(10)
	r.upsert(Candle{TS: 100, Open: decimal.NewFromInt(5), High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1)})
	assert.Len(t, r.snapshot(), 0)
}

func TestResampleKeepsTrailingBucketAtMinimumCoverage(t *testing.T) {
	one := []Candle{
		{TS: 0, Open: decimal.NewFromInt(1), High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1)},
		{TS: 60, Open: decimal.NewFromInt(1), High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1)},
		{TS: 300, Open: decimal.NewFromInt(1), High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1)},
	}
	out := resample(one, 300, 60)
	require.Len(t, out, 2) // trailing bucket covers exactly 60s, meets the minimum and is kept
}
