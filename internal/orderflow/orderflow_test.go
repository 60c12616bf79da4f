package orderflow

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/stretchr/testify/assert"
)

func testCfg() *config.Config {
	c := config.Default()
	c.Symbols = []string{"BTCUSDT"}
	return c
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestCalculateOrderImbalanceAllBidsIsPositiveOne(t *testing.T) {
	a := NewAnalyzer(testCfg())
	a.UpdateOrderBook("BTCUSDT", 10, data.OrderBook{
		Bids: []data.BookLevel{{Price: dec(100), Size: dec(10)}},
		Asks: []data.BookLevel{},
		TS:   time.Now().Unix(),
	})
	assert.InDelta(t, 1.0, a.CalculateOrderImbalance("BTCUSDT"), 1e-9)
}

func TestCVDSignalRequiresMinimumHistory(t *testing.T) {
	a := NewAnalyzer(testCfg())
	for i := 0; i < 5; i++ {
		a.UpdateTrades("BTCUSDT", []data.Trade{{Price: dec(100), Size: dec(1), IsBuy: true, TS: time.Now().Unix()}})
	}
	assert.Equal(t, 0.0, a.CalculateCVDSignal("BTCUSDT"))

	for i := 0; i < 10; i++ {
		a.UpdateTrades("BTCUSDT", []data.Trade{{Price: dec(100), Size: dec(1), IsBuy: true, TS: time.Now().Unix()}})
	}
	assert.NotEqual(t, 0.0, a.CalculateCVDSignal("BTCUSDT"))
}

func TestDetectAbsorptionRequiresMinimumTrades(t *testing.T) {
	a := NewAnalyzer(testCfg())
	for i := 0; i < 19; i++ {
		a.UpdateTrades("BTCUSDT", []data.Trade{{Price: dec(100), Size: dec(1), IsBuy: true, TS: time.Now().Unix()}})
	}
	assert.Equal(t, "", a.DetectAbsorption("BTCUSDT"))
}

func TestDetectAbsorptionBidSideOnDominantSellVolumeInTightRange(t *testing.T) {
	a := NewAnalyzer(testCfg())
	for i := 0; i < 25; i++ {
		a.UpdateTrades("BTCUSDT", []data.Trade{{Price: dec(100), Size: dec(5), IsBuy: false, TS: time.Now().Unix()}})
	}
	assert.Equal(t, "bid", a.DetectAbsorption("BTCUSDT"))
}

func TestGetOrderFlowSignalStaleWithNoBook(t *testing.T) {
	a := NewAnalyzer(testCfg())
	sig := a.GetOrderFlowSignal("BTCUSDT")
	assert.True(t, sig.Stale)
	assert.Equal(t, BiasNeutral, sig.Bias)
}
