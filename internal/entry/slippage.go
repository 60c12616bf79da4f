package entry

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/data"
)

// SlippageEstimate is the result of walking the order book for a prospective
// fill, ported from original_source/eclipse_scalper/execution/
// slippage_estimator.py's SlippageEstimate dataclass.
type SlippageEstimate struct {
	EffectivePrice   decimal.Decimal
	SlippagePct      float64
	MarketImpactPct  float64
	Fillable         bool
	FilledBase       decimal.Decimal
}

// EstimateSlippage walks asks (buy) or bids (sell) up to depth levels,
// accumulating notional until notionalUSDT is filled, and returns the
// volume-weighted effective price plus slippage/impact relative to the best
// and mid prices.
func EstimateSlippage(book data.OrderBook, isBuy bool, notionalUSDT float64, depth int) (SlippageEstimate, error) {
	levels := book.Asks
	if !isBuy {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return SlippageEstimate{}, fmt.Errorf("risk: empty book side for slippage estimate")
	}
	if len(levels) > depth {
		levels = levels[:depth]
	}

	best, _ := levels[0].Price.Float64()
	var bidBest, askBest float64
	if len(book.Bids) > 0 {
		bidBest, _ = book.Bids[0].Price.Float64()
	}
	if len(book.Asks) > 0 {
		askBest, _ = book.Asks[0].Price.Float64()
	}
	mid := best
	if bidBest > 0 && askBest > 0 {
		mid = (bidBest + askBest) / 2
	}

	var totalCost, totalBase, remaining float64
	remaining = notionalUSDT
	for _, l := range levels {
		price, _ := l.Price.Float64()
		size, _ := l.Size.Float64()
		levelNotional := price * size
		if levelNotional >= remaining {
			baseFilled := remaining / price
			totalCost += remaining
			totalBase += baseFilled
			remaining = 0
			break
		}
		totalCost += levelNotional
		totalBase += size
		remaining -= levelNotional
	}

	fillable := remaining <= 1e-9
	if totalBase == 0 {
		return SlippageEstimate{Fillable: false}, nil
	}

	effective := totalCost / totalBase
	var slippagePct float64
	if mid > 0 {
		if isBuy {
			slippagePct = (effective - mid) / mid
		} else {
			slippagePct = (mid - effective) / mid
		}
	}
	var impactPct float64
	if best > 0 {
		impactPct = absF((effective - best) / best)
	}

	return SlippageEstimate{
		EffectivePrice:  decimal.NewFromFloat(effective),
		SlippagePct:     slippagePct,
		MarketImpactPct: impactPct,
		Fillable:        fillable,
		FilledBase:      decimal.NewFromFloat(totalBase),
	}, nil
}

// ShouldEnterAtMarket reports whether a market entry of notionalUSDT clears
// the maxAcceptableSlippagePct gate.
func ShouldEnterAtMarket(book data.OrderBook, isBuy bool, notionalUSDT, maxAcceptableSlippagePct float64, depth int) (bool, SlippageEstimate) {
	est, err := EstimateSlippage(book, isBuy, notionalUSDT, depth)
	if err != nil || !est.Fillable {
		return false, est
	}
	return est.SlippagePct <= maxAcceptableSlippagePct, est
}

// CalculateOptimalOrderSize binary-searches (20 iterations, matching the
// original) for the largest notional fillable at or under
// maxAcceptableSlippagePct, bounded by [0, maxNotionalUSDT].
func CalculateOptimalOrderSize(book data.OrderBook, isBuy bool, maxNotionalUSDT, maxAcceptableSlippagePct float64, depth int) float64 {
	lo, hi := 0.0, maxNotionalUSDT
	best := 0.0
	for i := 0; i < 20; i++ {
		mid := (lo + hi) / 2
		est, err := EstimateSlippage(book, isBuy, mid, depth)
		if err == nil && est.Fillable && est.SlippagePct <= maxAcceptableSlippagePct {
			best = mid
			lo = mid
		} else {
			hi = mid
		}
		if hi-lo < 1.0 { // $1 precision, matching the original
			break
		}
	}
	return best
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
