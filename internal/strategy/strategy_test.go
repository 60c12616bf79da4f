package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uptrendBars(n int, start float64) []data.Candle {
	bars := make([]data.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		price *= 1.001
		o := price * 0.999
		c := price
		h := price * 1.001
		l := price * 0.998
		bars[i] = data.Candle{
			TS:     int64(i * 60),
			Open:   decimal.NewFromFloat(o),
			High:   decimal.NewFromFloat(h),
			Low:    decimal.NewFromFloat(l),
			Close:  decimal.NewFromFloat(c),
			Volume: decimal.NewFromFloat(100),
		}
	}
	return bars
}

func TestComputeTechnicalFeaturesNeedsMinHistory(t *testing.T) {
	_, ok := ComputeTechnicalFeatures(uptrendBars(10, 100))
	assert.False(t, ok)
}

func TestComputeTechnicalFeaturesOnUptrend(t *testing.T) {
	f, ok := ComputeTechnicalFeatures(uptrendBars(250, 100))
	require.True(t, ok)
	assert.Greater(t, f.Momentum, 0.0)
	assert.Greater(t, f.TrendSlope, 0.0)
}

func TestRuleConfidenceBullishOnStrongUptrend(t *testing.T) {
	f, ok := ComputeTechnicalFeatures(uptrendBars(250, 100))
	require.True(t, ok)
	res := RuleConfidence(f, 0.5)
	assert.Equal(t, SideLong, res.Side)
	assert.Greater(t, res.Confidence, 0.0)
}

func TestEnsembleFallsBackToRuleWithoutTrainedPredictor(t *testing.T) {
	cfg := config.Default()
	ev := NewEvaluator(cfg, NopPredictor{})
	eval, ok := ev.Evaluate(uptrendBars(250, 100), 0.3)
	require.True(t, ok)
	assert.False(t, eval.MLUsed)
	assert.Equal(t, SideLong, eval.Side)
}

func TestOnlinePredictorUntrainedBelowMinSamples(t *testing.T) {
	p := NewOnlinePredictor(100, 10)
	assert.False(t, p.IsTrained())
	for i := 0; i < 50; i++ {
		p.RecordOutcome(Features{Momentum: 0.01}, true)
	}
	assert.False(t, p.IsTrained())
}
