// Package strategy computes technical features from candle history and
// turns them into an entry confidence score, with an optional pluggable ML
// filter blended in. Grounded on original_source/eclipse_scalper/strategies/
// ml_features.py (feature set) and rule_engine-style scoring used throughout
// the original's signal_loop, re-expressed as pure functions over
// []data.Candle instead of pandas DataFrames, in the teacher's
// interface-driven Strategy style (internal/strategy/strategy.go, deleted
// during adaptation — its multi-strategy registry had no equivalent in a
// single-system scalper and is replaced by this fixed pipeline).
package strategy

import (
	"math"

	"github.com/solstice-trading/scalper-engine/internal/canon"
	"github.com/solstice-trading/scalper-engine/internal/data"
)

// Features is the fixed feature vector computed from one symbol's recent
// candle history, consumed by both the rule-based scorer and any Predictor.
type Features struct {
	Momentum        float64
	RSI14           float64
	RSI14Norm       float64 // (RSI-50)/50, in [-1,1]
	StochK          float64
	StochD          float64
	ADX14           float64
	BollWidth       float64
	BollPosition    float64 // 0=lower band, 1=upper band
	ATRPct          float64
	ATR50Pct        float64 // 50-bar average ATR%, for high-vol gating
	VolumeZ         float64 // clipped [-3,3]
	EMA200Dist      float64 // clipped +/-0.10
	VWAPDist        float64
	TrendSlope      float64
	BodyRatio       float64
	UpperWickRatio  float64
	LowerWickRatio  float64
	TimeOfDaySin    float64
	TimeOfDayCos    float64
	InActiveSession bool
}

// ComputeTechnicalFeatures derives Features from bars (oldest first, 1m
// resolution expected but tolerant of any uniform timeframe). Returns false
// with fewer than 60 bars; EMA200Dist is computed only from 200 bars on and
// stays 0 below that.
func ComputeTechnicalFeatures(bars []data.Candle) (Features, bool) {
	n := len(bars)
	if n < 60 {
		return Features{}, false
	}

	closes := closesOf(bars)
	highs := highsOf(bars)
	lows := lowsOf(bars)
	vols := volumesOf(bars)

	f := Features{}
	f.Momentum = pctChange(closes, 10)
	f.RSI14 = rsi(closes, 14)
	f.RSI14Norm = (f.RSI14 - 50) / 50
	f.StochK, f.StochD = stochastic(highs, lows, closes, 14, 3)
	f.ADX14 = adx(highs, lows, closes, 14)

	upper, lower, mid := bollinger(closes, 20, 2.0)
	if mid != 0 {
		f.BollWidth = (upper - lower) / mid
	}
	if upper != lower {
		f.BollPosition = canon.Clip((closes[n-1]-lower)/(upper-lower), 0, 1)
	}

	atr := atrSeries(highs, lows, closes, 14)
	if len(atr) > 0 && closes[n-1] != 0 {
		f.ATRPct = atr[len(atr)-1] / closes[n-1]
	}
	f.ATR50Pct = averageATRPct(atr, closes, 50)

	f.VolumeZ = canon.Clip(zScore(vols, 50), -3, 3)

	if n >= 200 {
		ema200 := ema(closes, 200)
		if ema200 != 0 {
			f.EMA200Dist = canon.Clip((closes[n-1]-ema200)/ema200, -0.10, 0.10)
		}
	}

	vwap := vwapOf(bars, 50)
	if vwap != 0 {
		f.VWAPDist = (closes[n-1] - vwap) / vwap
	}

	f.TrendSlope = slope(closes, 20)

	last := bars[n-1]
	f.BodyRatio, f.UpperWickRatio, f.LowerWickRatio = candleRatios(last)

	sessionFlag, sinT, cosT := sessionOf(last.TS)
	f.InActiveSession = sessionFlag
	f.TimeOfDaySin = sinT
	f.TimeOfDayCos = cosT

	return f, true
}

func closesOf(bars []data.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}
func highsOf(bars []data.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.High.Float64()
	}
	return out
}
func lowsOf(bars []data.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Low.Float64()
	}
	return out
}
func volumesOf(bars []data.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Volume.Float64()
	}
	return out
}

func pctChange(closes []float64, lookback int) float64 {
	n := len(closes)
	if n <= lookback || closes[n-1-lookback] == 0 {
		return 0
	}
	return (closes[n-1] - closes[n-1-lookback]) / closes[n-1-lookback]
}

func rsi(closes []float64, period int) float64 {
	n := len(closes)
	if n <= period {
		return 50
	}
	var gain, loss float64
	for i := n - period; i < n; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if gain+loss == 0 {
		return 50
	}
	if loss == 0 {
		return 100
	}
	rs := (gain / float64(period)) / (loss / float64(period))
	return 100 - 100/(1+rs)
}

func stochastic(highs, lows, closes []float64, period, smooth int) (k, d float64) {
	n := len(closes)
	if n < period {
		return 50, 50
	}
	ks := make([]float64, 0, smooth)
	for s := 0; s < smooth && n-1-s >= period-1; s++ {
		idx := n - 1 - s
		hh, ll := highs[idx-period+1], lows[idx-period+1]
		for i := idx - period + 1; i <= idx; i++ {
			if highs[i] > hh {
				hh = highs[i]
			}
			if lows[i] < ll {
				ll = lows[i]
			}
		}
		if hh == ll {
			ks = append(ks, 50)
			continue
		}
		ks = append(ks, 100*(closes[idx]-ll)/(hh-ll))
	}
	if len(ks) == 0 {
		return 50, 50
	}
	k = ks[0]
	d = mean(ks)
	return k, d
}

func adx(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n <= period+1 {
		return 0
	}
	var plusDM, minusDM, tr []float64
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		pdm, mdm := 0.0, 0.0
		if up > down && up > 0 {
			pdm = up
		}
		if down > up && down > 0 {
			mdm = down
		}
		plusDM = append(plusDM, pdm)
		minusDM = append(minusDM, mdm)
		tr = append(tr, trueRange(highs[i], lows[i], closes[i-1]))
	}
	atrv := wilder(tr, period)
	pdiV := wilder(plusDM, period)
	mdiV := wilder(minusDM, period)
	if atrv == 0 {
		return 0
	}
	pdi := 100 * pdiV / atrv
	mdi := 100 * mdiV / atrv
	if pdi+mdi == 0 {
		return 0
	}
	return 100 * math.Abs(pdi-mdi) / (pdi + mdi)
}

func wilder(series []float64, period int) float64 {
	n := len(series)
	if n < period {
		return mean(series)
	}
	v := 0.0
	for i := n - period; i < n; i++ {
		v += series[i]
	}
	return v / float64(period)
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

func bollinger(closes []float64, period int, mult float64) (upper, lower, mid float64) {
	n := len(closes)
	if n < period {
		return 0, 0, 0
	}
	window := closes[n-period:]
	mid = mean(window)
	sd := stdDev(window, mid)
	return mid + mult*sd, mid - mult*sd, mid
}

func atrSeries(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if n <= period {
		return nil
	}
	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		trs = append(trs, trueRange(highs[i], lows[i], closes[i-1]))
	}
	out := make([]float64, 0, len(trs)-period+1)
	for i := period; i <= len(trs); i++ {
		out = append(out, mean(trs[i-period:i]))
	}
	return out
}

func averageATRPct(atr, closes []float64, window int) float64 {
	if len(atr) == 0 {
		return 0
	}
	n := len(atr)
	start := 0
	if n > window {
		start = n - window
	}
	var sum float64
	var count int
	offset := len(closes) - n
	for i := start; i < n; i++ {
		price := closes[offset+i]
		if price != 0 {
			sum += atr[i] / price
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func zScore(vals []float64, window int) float64 {
	n := len(vals)
	if n < 2 {
		return 0
	}
	start := 0
	if n > window {
		start = n - window
	}
	sample := vals[start:]
	m := mean(sample)
	sd := stdDev(sample, m)
	if sd == 0 {
		return 0
	}
	return (vals[n-1] - m) / sd
}

func ema(vals []float64, period int) float64 {
	n := len(vals)
	if n == 0 {
		return 0
	}
	if n < period {
		return mean(vals)
	}
	k := 2.0 / float64(period+1)
	e := mean(vals[:period])
	for i := period; i < n; i++ {
		e = vals[i]*k + e*(1-k)
	}
	return e
}

func vwapOf(bars []data.Candle, window int) float64 {
	n := len(bars)
	start := 0
	if n > window {
		start = n - window
	}
	var pv, v float64
	for _, b := range bars[start:] {
		price, _ := b.Close.Float64()
		vol, _ := b.Volume.Float64()
		pv += price * vol
		v += vol
	}
	if v == 0 {
		return 0
	}
	return pv / v
}

func slope(closes []float64, window int) float64 {
	n := len(closes)
	if n < window {
		window = n
	}
	if window < 2 {
		return 0
	}
	sample := closes[n-window:]
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range sample {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	nf := float64(len(sample))
	denom := nf*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	m := (nf*sumXY - sumX*sumY) / denom
	if mean(sample) == 0 {
		return 0
	}
	return m / mean(sample) // normalized slope, fraction of price per bar
}

func candleRatios(c data.Candle) (body, upperWick, lowerWick float64) {
	o, _ := c.Open.Float64()
	h, _ := c.High.Float64()
	l, _ := c.Low.Float64()
	cl, _ := c.Close.Float64()
	rng := h - l
	if rng == 0 {
		return 0, 0, 0
	}
	body = math.Abs(cl-o) / rng
	top := math.Max(o, cl)
	bottom := math.Min(o, cl)
	upperWick = (h - top) / rng
	lowerWick = (bottom - l) / rng
	return
}

func sessionOf(ts int64) (active bool, sin, cos float64) {
	secondsOfDay := ts % 86400
	theta := 2 * math.Pi * float64(secondsOfDay) / 86400
	hour := secondsOfDay / 3600
	active = hour >= 7 && hour < 20 // rough overlap of EU+US session hours, UTC
	return active, math.Sin(theta), math.Cos(theta)
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func stdDev(v []float64, m float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		d := x - m
		s += d * d
	}
	return math.Sqrt(s / float64(len(v)))
}
