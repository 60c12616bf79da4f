package strategy

import "math"

// Prediction is an ML filter's read on a feature vector.
type Prediction struct {
	Confidence float64 // 0..1
	Side       Side
}

// Predictor is the pluggable ML filter interface. Grounded on
// original_source/eclipse_scalper/strategies/ml_predictor.py's
// predict/is_trained/record_outcome contract, generalized so the engine can
// run with no ML backend at all (NopPredictor) without special-casing the
// ensemble blend.
type Predictor interface {
	IsTrained() bool
	Predict(f Features) (Prediction, error)
	RecordOutcome(f Features, profitable bool)
	SampleCount() int
}

// NopPredictor is a Predictor that never trains and is always excluded from
// the ensemble blend (IsTrained reports false). It is the default when no
// ML backend is configured, so Evaluate degrades to pure rule confidence.
type NopPredictor struct{}

func (NopPredictor) IsTrained() bool                      { return false }
func (NopPredictor) Predict(Features) (Prediction, error) { return Prediction{}, nil }
func (NopPredictor) RecordOutcome(Features, bool)         {}
func (NopPredictor) SampleCount() int                     { return 0 }

// OnlinePredictor is a minimal logistic-regression-style online learner:
// enough to exercise the retrain-gating contract
// (MinSamplesForTraining/RetrainInterval) without depending on an external
// ML runtime the ecosystem pack doesn't provide a Go binding for.
type OnlinePredictor struct {
	weights      []float64
	bias         float64
	samples      int
	sinceRetrain int
	minSamples   int
	retrainEvery int
	lr           float64
}

// NewOnlinePredictor constructs an OnlinePredictor gated by minSamples
// (no predictions trusted before this many RecordOutcome calls) and
// retrainEvery (re-fit after this many new samples accumulate).
func NewOnlinePredictor(minSamples, retrainEvery int) *OnlinePredictor {
	return &OnlinePredictor{
		weights:      make([]float64, featureVectorLen),
		minSamples:   minSamples,
		retrainEvery: retrainEvery,
		lr:           0.01,
	}
}

const featureVectorLen = 10

func vectorOf(f Features) []float64 {
	return []float64{
		f.Momentum, f.RSI14Norm, f.StochK / 100, f.ADX14 / 100,
		f.BollPosition, f.ATRPct, f.VolumeZ / 3, f.EMA200Dist * 10,
		f.TrendSlope * 50, f.VWAPDist,
	}
}

func (p *OnlinePredictor) IsTrained() bool {
	return p.samples >= p.minSamples
}

func (p *OnlinePredictor) SampleCount() int { return p.samples }

func (p *OnlinePredictor) Predict(f Features) (Prediction, error) {
	if !p.IsTrained() {
		return Prediction{}, nil
	}
	x := vectorOf(f)
	z := p.bias
	for i, w := range p.weights {
		z += w * x[i]
	}
	prob := sigmoid(z)
	side := SideLong
	conf := prob
	if prob < 0.5 {
		side = SideShort
		conf = 1 - prob
	}
	return Prediction{Confidence: conf, Side: side}, nil
}

// RecordOutcome performs a single online gradient step toward the observed
// label (1=profitable/long-favoring, 0=not), gated by retrainEvery so the
// model doesn't thrash on every single trade outcome.
func (p *OnlinePredictor) RecordOutcome(f Features, profitable bool) {
	p.samples++
	p.sinceRetrain++
	if p.sinceRetrain < p.retrainEvery {
		return
	}
	p.sinceRetrain = 0

	x := vectorOf(f)
	y := 0.0
	if profitable {
		y = 1.0
	}
	z := p.bias
	for i, w := range p.weights {
		z += w * x[i]
	}
	pred := sigmoid(z)
	errTerm := y - pred
	for i := range p.weights {
		p.weights[i] += p.lr * errTerm * x[i]
	}
	p.bias += p.lr * errTerm
}

func sigmoid(z float64) float64 {
	if z > 30 {
		return 1
	}
	if z < -30 {
		return 0
	}
	return 1 / (1 + math.Exp(-z))
}
