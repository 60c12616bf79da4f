package entry

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookWithAsks(prices ...float64) data.OrderBook {
	levels := make([]data.BookLevel, len(prices))
	for i, p := range prices {
		levels[i] = data.BookLevel{Price: decimal.NewFromFloat(p), Size: decimal.NewFromFloat(1)}
	}
	return data.OrderBook{
		Bids: []data.BookLevel{{Price: decimal.NewFromFloat(prices[0] - 0.5), Size: decimal.NewFromFloat(1)}},
		Asks: levels,
	}
}

func TestEstimateSlippageWalksMultipleLevels(t *testing.T) {
	book := bookWithAsks(100, 100.5, 101)
	est, err := EstimateSlippage(book, true, 150, 10)
	require.NoError(t, err)
	assert.True(t, est.Fillable)
	assert.True(t, est.EffectivePrice.GreaterThan(decimal.NewFromInt(100)))
}

func TestEstimateSlippageUnfillableWhenNotionalExceedsDepth(t *testing.T) {
	book := bookWithAsks(100)
	book.Asks[0].Size = decimal.NewFromFloat(0.1)
	est, err := EstimateSlippage(book, true, 1000, 10)
	require.NoError(t, err)
	assert.False(t, est.Fillable)
}

func TestShouldEnterAtMarketRejectsExcessiveSlippage(t *testing.T) {
	book := bookWithAsks(100, 110, 130)
	ok, _ := ShouldEnterAtMarket(book, true, 300, 0.01, 10)
	assert.False(t, ok)
}

func TestCalculateOptimalOrderSizeStaysWithinSlippageBudget(t *testing.T) {
	book := bookWithAsks(100, 100.1, 100.2, 105, 110)
	size := CalculateOptimalOrderSize(book, true, 1000, 0.02, 10)
	est, err := EstimateSlippage(book, true, size, 10)
	require.NoError(t, err)
	if size > 0 {
		assert.LessOrEqual(t, est.SlippagePct, 0.02+1e-6)
	}
}
