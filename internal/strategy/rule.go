package strategy

import "github.com/solstice-trading/scalper-engine/internal/canon"

// Side is the directional read of a rule evaluation.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// RuleResult is the rule engine's confidence score and implied side, the
// spec's Open Question on confidence resolved as an explicit testable
// function (SPEC_FULL.md §9) rather than an opaque blend of ad hoc factors.
type RuleResult struct {
	Confidence float64 // 0..1
	Side       Side
}

// RuleConfidence scores a feature vector plus an order-flow bias into a
// confidence in [0,1] and an implied side. Weights were chosen to give
// momentum/RSI/trend agreement the largest share, order flow a meaningful
// tie-breaker, and volatility/session features a damping role — mirrors the
// original rule_engine's additive scoring shape without carrying over its
// specific magic constants (none were resolvable from the distillation).
func RuleConfidence(f Features, orderFlowScore float64) RuleResult {
	var bullish, bearish float64

	if f.Momentum > 0 {
		bullish += minF(f.Momentum*20, 1)
	} else {
		bearish += minF(-f.Momentum*20, 1)
	}

	if f.RSI14Norm > 0 {
		bullish += f.RSI14Norm
	} else {
		bearish += -f.RSI14Norm
	}

	if f.TrendSlope > 0 {
		bullish += minF(f.TrendSlope*50, 1)
	} else {
		bearish += minF(-f.TrendSlope*50, 1)
	}

	if f.EMA200Dist > 0 {
		bullish += minF(f.EMA200Dist*5, 1)
	} else {
		bearish += minF(-f.EMA200Dist*5, 1)
	}

	if orderFlowScore > 0 {
		bullish += orderFlowScore
	} else {
		bearish += -orderFlowScore
	}

	trendStrength := canon.Clip(f.ADX14/40, 0, 1)

	total := bullish + bearish
	if total == 0 {
		return RuleResult{Confidence: 0, Side: SideFlat}
	}

	side := SideLong
	dominant := bullish
	if bearish > bullish {
		side = SideShort
		dominant = bearish
	}

	agreement := dominant / total // 0.5 (no agreement) .. 1.0 (full agreement)
	raw := (agreement - 0.5) * 2  // rescale to 0..1
	confidence := canon.Clip(raw*(0.6+0.4*trendStrength), 0, 1)

	if !f.InActiveSession {
		confidence *= 0.85
	}

	return RuleResult{Confidence: confidence, Side: side}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
