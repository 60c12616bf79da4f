package position

import "github.com/solstice-trading/scalper-engine/internal/config"

// TimeAnalysis summarizes how long a position has been held against its
// configured holding limits. Grounded on time_exit.py's get_full_time_analysis.
type TimeAnalysis struct {
	ShouldExit       bool
	ShouldWarn       bool
	TimeHeldMinutes  float64
	TimeRemainingMin float64
	DecayFactor      float64
}

// analyzeHoldTime computes the time-based exit state for a position entered
// at entryTS (unix seconds), evaluated at nowTS.
func analyzeHoldTime(cfg *config.Config, entryTS, nowTS int64) TimeAnalysis {
	maxMin := cfg.MaxHoldingMinutes
	if entryTS <= 0 {
		return TimeAnalysis{TimeRemainingMin: maxMin, DecayFactor: 1.0}
	}

	heldMin := float64(nowTS-entryTS) / 60.0
	remainingMin := maxMin - heldMin
	if remainingMin < 0 {
		remainingMin = 0
	}

	decay := timeDecayFactor(cfg, heldMin)
	shouldExit := heldMin >= maxMin
	shouldWarn := heldMin >= cfg.TimeExitWarningMinutes && !shouldExit

	return TimeAnalysis{
		ShouldExit:       shouldExit,
		ShouldWarn:       shouldWarn,
		TimeHeldMinutes:  heldMin,
		TimeRemainingMin: remainingMin,
		DecayFactor:      decay,
	}
}

// timeDecayFactor returns 1.0 until TimeDecayStartPct of MaxHoldingMinutes
// has elapsed, then decays linearly to 0.0 at MaxHoldingMinutes.
func timeDecayFactor(cfg *config.Config, heldMin float64) float64 {
	maxMin := cfg.MaxHoldingMinutes
	decayStartMin := maxMin * cfg.TimeDecayStartPct
	if heldMin <= decayStartMin {
		return 1.0
	}

	decayDuration := maxMin - decayStartMin
	if decayDuration <= 0 {
		return 1.0
	}

	timeInDecay := heldMin - decayStartMin
	factor := 1.0 - (timeInDecay / decayDuration)
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	return factor
}
