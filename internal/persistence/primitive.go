package persistence

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/brain"
)

// toPayload coerces a brain.State into the map[string]any primitive tree
// persisted on disk: decimals become strings, the known-exit-id set becomes
// a sorted list, everything else is plain msgpack-native. This mirrors
// _to_primitive_safe / _state_to_payload in the original persistence.py —
// Go's msgpack encoder needs concrete exported fields, not free-form
// getattr probing, so the conversion is written out explicitly rather than
// reflected.
func toPayload(s *brain.State, version int64, timestamp int64, meta map[string]any) map[string]any {
	positions := map[string]any{}
	for k, p := range s.Positions {
		positions[k] = map[string]any{
			"symbol":              p.Symbol,
			"side":                p.Side,
			"size":                p.Size.String(),
			"entry_price":         p.EntryPrice.String(),
			"atr":                 p.ATR,
			"leverage":            p.Leverage,
			"entry_ts":            p.EntryTS,
			"hard_stop_order_id":  p.HardStopOrderID,
			"trailing_active":     p.TrailingActive,
			"breakeven_moved":     p.BreakevenMoved,
			"confidence":          p.Confidence,
			"last_breakeven_move": p.LastBreakevenMove,
			"tp1_filled":          p.TP1Filled,
			"trailing_stop_price": p.TrailingStopPrice.String(),
			"mfe_pct":             p.MaxFavorableExcursionPct,
		}
	}

	perf := map[string]any{}
	for k, p := range s.SymbolPerformance {
		perf[k] = map[string]any{
			"pnl":                p.PnL.String(),
			"wins":               p.Wins,
			"losses":             p.Losses,
			"mfe_pct":            p.MFEPct,
			"trailing_order_ids": append([]string(nil), p.TrailingOrderID...),
			"last_trail_ts":      p.LastTrailTS,
		}
	}

	watches := map[string]any{}
	for k, w := range s.EntryWatches {
		watches[k] = map[string]any{
			"created_ts": w.CreatedTS,
			"symbol_any": w.SymbolAny,
			"meta":       w.Meta,
		}
	}

	entryConfHist := map[string]any{}
	for k, v := range s.EntryConfidenceHistory {
		entryConfHist[k] = append([]float64(nil), v...)
	}

	streak := make([]map[string]any, 0, len(s.StreakHistory))
	for _, e := range s.StreakHistory {
		streak = append(streak, map[string]any{"date": e.Date, "n": e.N, "pnl": e.PnL})
	}

	state := map[string]any{
		"current_equity":            s.CurrentEquity.String(),
		"peak_equity":               s.PeakEquity.String(),
		"peak_equity_ts":            s.PeakEquityTS,
		"daily_pnl":                 s.DailyPnL.String(),
		"start_of_day_equity":       s.StartOfDayEquity.String(),
		"current_day":               s.CurrentDay,
		"total_trades":              s.TotalTrades,
		"total_wins":                s.TotalWins,
		"win_streak":                s.WinStreak,
		"positions":                 positions,
		"blacklist":                 copyInt64Map(s.Blacklist),
		"blacklist_reason":          copyStringMap(s.BlacklistReason),
		"consecutive_losses":        copyInt64Map(s.ConsecutiveLosses),
		"last_exit_time":            copyInt64Map(s.LastExitTime),
		"symbol_performance":        perf,
		"entry_confidence_history":  entryConfHist,
		"funding_rate_snapshot":     copyFloatMap(s.FundingRateSnapshot),
		"entry_watches":             watches,
		"known_exit_order_ids":      s.KnownExitOrderIDsSorted(),
		"streak_history":            streak,
		"win_rate":                  s.WinRate,
		"current_drawdown_pct":      s.CurrentDrawdownPct,
		"max_drawdown":              s.MaxDrawdown,
	}

	return map[string]any{
		"v":         version,
		"timestamp": timestamp,
		"meta":      meta,
		"state":     state,
	}
}

// fromPayload reconstructs a brain.State from the primitive tree produced by
// toPayload. Unknown/missing fields fall back to zero values rather than
// erroring, matching the "coerce to default" validation policy (spec §7).
func fromPayload(payload map[string]any) (*brain.State, int64, error) {
	stateRaw, _ := payload["state"].(map[string]any)
	if stateRaw == nil {
		// msgpack round-trips map[string]any as map[string]interface{} with
		// possibly different concrete map types depending on the decoder;
		// handle both.
		if m, ok := payload["state"].(map[interface{}]interface{}); ok {
			stateRaw = normalizeMap(m)
		}
	}
	if stateRaw == nil {
		return nil, 0, fmt.Errorf("persistence: payload missing state")
	}

	s := brain.New()
	s.CurrentEquity = decStr(stateRaw["current_equity"])
	s.PeakEquity = decStr(stateRaw["peak_equity"])
	s.PeakEquityTS = int64Of(stateRaw["peak_equity_ts"])
	s.DailyPnL = decStr(stateRaw["daily_pnl"])
	s.StartOfDayEquity = decStr(stateRaw["start_of_day_equity"])
	s.CurrentDay, _ = stateRaw["current_day"].(string)
	s.TotalTrades = int64Of(stateRaw["total_trades"])
	s.TotalWins = int64Of(stateRaw["total_wins"])
	s.WinStreak = int64Of(stateRaw["win_streak"])

	s.Positions = positionsFrom(asMap(stateRaw["positions"]))
	s.Blacklist = int64MapFrom(asMap(stateRaw["blacklist"]))
	s.BlacklistReason = stringMapFrom(asMap(stateRaw["blacklist_reason"]))
	s.ConsecutiveLosses = int64MapFrom(asMap(stateRaw["consecutive_losses"]))
	s.LastExitTime = int64MapFrom(asMap(stateRaw["last_exit_time"]))
	s.SymbolPerformance = perfFrom(asMap(stateRaw["symbol_performance"]))
	s.EntryConfidenceHistory = floatSliceMapFrom(asMap(stateRaw["entry_confidence_history"]))
	s.FundingRateSnapshot = floatMapFrom(asMap(stateRaw["funding_rate_snapshot"]))
	s.EntryWatches = watchesFrom(asMap(stateRaw["entry_watches"]))

	if ids, ok := stateRaw["known_exit_order_ids"].([]any); ok {
		strs := make([]string, 0, len(ids))
		for _, v := range ids {
			if str, ok := v.(string); ok {
				strs = append(strs, str)
			}
		}
		s.RestoreKnownExitOrderIDs(strs)
	}

	version := int64Of(payload["v"])
	s.Version = version
	s.Validate()
	s.RecomputeDerived()
	return s, version, nil
}

func decStr(v any) decimal.Decimal {
	str, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(str)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func int64Of(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[interface{}]interface{}:
		return normalizeMap(m)
	default:
		return map[string]any{}
	}
}

func normalizeMap(m map[interface{}]interface{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if ks, ok := k.(string); ok {
			out[ks] = v
		}
	}
	return out
}

func copyInt64Map(in map[string]int64) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloatMap(in map[string]float64) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func int64MapFrom(in map[string]any) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = int64Of(v)
	}
	return out
}

func stringMapFrom(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func floatMapFrom(in map[string]any) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}

func floatSliceMapFrom(in map[string]any) map[string][]float64 {
	out := make(map[string][]float64, len(in))
	for k, v := range in {
		if arr, ok := v.([]any); ok {
			fs := make([]float64, 0, len(arr))
			for _, e := range arr {
				if f, ok := e.(float64); ok {
					fs = append(fs, f)
				}
			}
			out[k] = fs
		}
	}
	return out
}

func positionsFrom(in map[string]any) map[string]*brain.Position {
	out := make(map[string]*brain.Position, len(in))
	for k, v := range in {
		m := asMap(v)
		out[k] = &brain.Position{
			Symbol:            k,
			Side:              strOf(m["side"]),
			Size:              decStr(m["size"]),
			EntryPrice:        decStr(m["entry_price"]),
			ATR:               floatOf(m["atr"]),
			Leverage:          floatOf(m["leverage"]),
			EntryTS:           int64Of(m["entry_ts"]),
			HardStopOrderID:   strOf(m["hard_stop_order_id"]),
			TrailingActive:    boolOf(m["trailing_active"]),
			BreakevenMoved:    boolOf(m["breakeven_moved"]),
			Confidence:        floatOf(m["confidence"]),
			LastBreakevenMove: int64Of(m["last_breakeven_move"]),
			TP1Filled:         boolOf(m["tp1_filled"]),
			TrailingStopPrice: decStr(m["trailing_stop_price"]),
			MaxFavorableExcursionPct: floatOf(m["mfe_pct"]),
		}
	}
	return out
}

func perfFrom(in map[string]any) map[string]*brain.SymbolPerformance {
	out := make(map[string]*brain.SymbolPerformance, len(in))
	for k, v := range in {
		m := asMap(v)
		ids := []string{}
		if arr, ok := m["trailing_order_ids"].([]any); ok {
			for _, e := range arr {
				if s, ok := e.(string); ok {
					ids = append(ids, s)
				}
			}
		}
		out[k] = &brain.SymbolPerformance{
			PnL:             decStr(m["pnl"]),
			Wins:            int64Of(m["wins"]),
			Losses:          int64Of(m["losses"]),
			MFEPct:          floatOf(m["mfe_pct"]),
			TrailingOrderID: ids,
			LastTrailTS:     int64Of(m["last_trail_ts"]),
		}
	}
	return out
}

func watchesFrom(in map[string]any) map[string]*brain.EntryWatch {
	out := make(map[string]*brain.EntryWatch, len(in))
	for k, v := range in {
		m := asMap(v)
		meta, _ := m["meta"].(map[string]any)
		out[k] = &brain.EntryWatch{
			CreatedTS: int64Of(m["created_ts"]),
			SymbolAny: strOf(m["symbol_any"]),
			Meta:      meta,
		}
	}
	return out
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func floatOf(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	default:
		return 0
	}
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}
