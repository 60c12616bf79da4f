package brain

import (
	"sort"

	"github.com/solstice-trading/scalper-engine/internal/canon"
)

// canonMapsInPlace re-keys every symbol-keyed map in s to its canonical form,
// merging any collisions that result (e.g. both "BTC/USDT:USDT" and
// "BTCUSDT" present) according to the field-specific policy documented in
// SPEC_FULL.md §4.2:
//   - counters/expiries: merge by max
//   - positions: keep the entry with the greatest entry_ts
//   - entry watches: keep the entry with the greatest created_ts
//   - dict-valued perf: shallow merge, accumulate counters, newer overrides
//     scalar fields (SymbolPerformance.LastTrailTS is itself a timestamp, so
//     "newer" is well-defined there)
//   - reason strings / funding snapshot / confidence history: these fields
//     carry no per-entry write-order or timestamp of their own, so a true
//     prefer-newer policy isn't reconstructable from the map alone. Go map
//     iteration order is randomized, so picking "whichever raw key the range
//     visits last" would make the merge outcome nondeterministic across runs
//     on the rare canonicalization collision. Instead these iterate raw keys
//     in sorted order, so the same input always produces the same output —
//     deterministic, but an arbitrary (lexicographically-last-key) tiebreak
//     rather than a genuine temporal "newest wins".
func canonMapsInPlace(s *State) {
	s.Positions = mergePositions(s.Positions)
	s.Blacklist = mergeMaxInt64(s.Blacklist)
	s.BlacklistReason = mergeStringPreferLast(s.BlacklistReason)
	s.ConsecutiveLosses = mergeMaxInt64(s.ConsecutiveLosses)
	s.LastExitTime = mergeMaxInt64(s.LastExitTime)
	s.SymbolPerformance = mergeSymbolPerformance(s.SymbolPerformance)
	s.EntryConfidenceHistory = mergeFloatSlicePreferLast(s.EntryConfidenceHistory)
	s.FundingRateSnapshot = mergeFloatPreferLast(s.FundingRateSnapshot)
	s.EntryWatches = mergeEntryWatches(s.EntryWatches)
}

func mergePositions(in map[string]*Position) map[string]*Position {
	out := make(map[string]*Position, len(in))
	for rawK, p := range in {
		k := canon.Symbol(rawK)
		if existing, ok := out[k]; ok {
			if p.EntryTS > existing.EntryTS {
				out[k] = p
			}
			continue
		}
		out[k] = p
	}
	return out
}

func mergeMaxInt64(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for rawK, v := range in {
		k := canon.Symbol(rawK)
		if existing, ok := out[k]; !ok || v > existing {
			out[k] = v
		}
	}
	return out
}

// sortedRawKeys returns in's keys in ascending order, so callers that must
// resolve canonicalization collisions deterministically can iterate a fixed
// order instead of relying on Go's randomized map iteration.
func sortedRawKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mergeStringPreferLast(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for _, rawK := range sortedRawKeys(in) {
		out[canon.Symbol(rawK)] = in[rawK]
	}
	return out
}

func mergeFloatPreferLast(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for _, rawK := range sortedRawKeys(in) {
		out[canon.Symbol(rawK)] = in[rawK]
	}
	return out
}

func mergeFloatSlicePreferLast(in map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(in))
	for _, rawK := range sortedRawKeys(in) {
		out[canon.Symbol(rawK)] = in[rawK]
	}
	return out
}

func mergeSymbolPerformance(in map[string]*SymbolPerformance) map[string]*SymbolPerformance {
	out := make(map[string]*SymbolPerformance, len(in))
	for rawK, v := range in {
		k := canon.Symbol(rawK)
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		// Shallow dict merge, newer (greater LastTrailTS) overrides
		// non-zero fields; PnL/wins/losses accumulate since they are
		// additive counters duplicated only by canonicalization collisions,
		// never by legitimate concurrent writers.
		newer, older := v, existing
		if existing.LastTrailTS > v.LastTrailTS {
			newer, older = existing, v
		}
		merged := &SymbolPerformance{
			PnL:             existing.PnL.Add(v.PnL),
			Wins:            existing.Wins + v.Wins,
			Losses:          existing.Losses + v.Losses,
			MFEPct:          maxFloat(existing.MFEPct, v.MFEPct),
			TrailingOrderID: newer.TrailingOrderID,
			LastTrailTS:     maxInt64(existing.LastTrailTS, v.LastTrailTS),
		}
		if len(merged.TrailingOrderID) == 0 {
			merged.TrailingOrderID = older.TrailingOrderID
		}
		out[k] = merged
	}
	return out
}

func mergeEntryWatches(in map[string]*EntryWatch) map[string]*EntryWatch {
	out := make(map[string]*EntryWatch, len(in))
	for rawK, v := range in {
		k := canon.Symbol(rawK)
		if existing, ok := out[k]; ok {
			if v.CreatedTS >= existing.CreatedTS {
				out[k] = v
			}
			continue
		}
		out[k] = v
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
