package strategy

import (
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
)

// Evaluation is the final entry signal handed to the Entry Engine.
type Evaluation struct {
	Confidence float64
	Side       Side
	RuleConf   float64
	MLConf     float64
	MLUsed     bool
}

// Evaluator wires feature extraction, the rule engine, and an optional
// Predictor into the ensemble blend
// confidence = (1-w)*rule_confidence + w*ml_confidence, gated by
// ml_confidence >= MLMinConfidence and ml/rule agreeing on side (disagreement
// falls back to rule-only, since a blend across opposite sides is
// meaningless).
type Evaluator struct {
	cfg       *config.Config
	predictor Predictor
}

// NewEvaluator constructs an Evaluator. Pass NopPredictor{} to run rule-only.
func NewEvaluator(cfg *config.Config, predictor Predictor) *Evaluator {
	if predictor == nil {
		predictor = NopPredictor{}
	}
	return &Evaluator{cfg: cfg, predictor: predictor}
}

// Evaluate scores bars against the configured order-flow bias (0 if not
// available) and returns the blended Evaluation. ok is false when there's
// insufficient history to compute features.
func (e *Evaluator) Evaluate(bars []data.Candle, orderFlowScore float64) (Evaluation, bool) {
	f, ok := ComputeTechnicalFeatures(bars)
	if !ok {
		return Evaluation{}, false
	}

	rule := RuleConfidence(f, orderFlowScore)
	eval := Evaluation{Confidence: rule.Confidence, Side: rule.Side, RuleConf: rule.Confidence}

	if !e.predictor.IsTrained() {
		return eval, true
	}
	pred, err := e.predictor.Predict(f)
	if err != nil || pred.Confidence < e.cfg.MLMinConfidence {
		return eval, true
	}
	eval.MLConf = pred.Confidence
	if pred.Side != rule.Side {
		// ML and rule disagree on direction: a blended confidence across
		// opposing sides is meaningless, so stay rule-only.
		return eval, true
	}

	w := e.cfg.EnsembleWeight
	eval.Confidence = (1-w)*rule.Confidence + w*pred.Confidence
	eval.MLUsed = true
	return eval, true
}

// RecordOutcome feeds a closed trade's feature snapshot and profitability
// back into the predictor for online retraining.
func (e *Evaluator) RecordOutcome(bars []data.Candle, profitable bool) {
	f, ok := ComputeTechnicalFeatures(bars)
	if !ok {
		return
	}
	e.predictor.RecordOutcome(f, profitable)
}
