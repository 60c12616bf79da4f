// Package brain implements the engine's authoritative in-process state: the
// single aggregate tracking equity, positions, blacklists, streaks and
// watches that every other component consults through the Actor (actor.go).
package brain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solstice-trading/scalper-engine/internal/canon"
)

// Bounded-collection caps, carried forward unchanged from the brain this
// engine was modeled on.
const (
	KnownExitIDsCap        = 50_000
	EntryConfHistoryCap    = 200
	TrailingIDsCap         = 20
	EntryWatchesCap        = 500
	SchemaVersion          = 3
	SymbolCooldownDefault  = 30 * time.Minute
	ConsecutiveLossDefault = 3
)

// AcceptedVersions is the opaque set of schema versions this build can load
// and migrate forward from. Version strings/ints outside this set are
// rejected by persistence (see internal/persistence).
var AcceptedVersions = map[int]bool{1: true, 2: true, 3: true}

// Position is a single open perpetual-futures position, owned exclusively by
// the Brain and mutated only through Entry Engine fills and Position
// Manager transitions.
type Position struct {
	Symbol            string          `msgpack:"symbol"`
	Side              string          `msgpack:"side"` // "long" | "short"
	Size              decimal.Decimal `msgpack:"size"` // always >= 0, absolute
	EntryPrice        decimal.Decimal `msgpack:"entry_price"`
	ATR               float64         `msgpack:"atr"`
	Leverage          float64         `msgpack:"leverage"`
	EntryTS           int64           `msgpack:"entry_ts"`
	HardStopOrderID   string          `msgpack:"hard_stop_order_id,omitempty"`
	TrailingActive    bool            `msgpack:"trailing_active"`
	BreakevenMoved    bool            `msgpack:"breakeven_moved"`
	Confidence        float64         `msgpack:"confidence"`
	LastBreakevenMove int64           `msgpack:"last_breakeven_move"`
	TP1Filled         bool            `msgpack:"tp1_filled"`
	TrailingStopPrice decimal.Decimal `msgpack:"trailing_stop_price"`
	MaxFavorableExcursionPct float64  `msgpack:"mfe_pct"`
}

// validate enforces structural invariants on a single position, reporting
// whether it had to correct anything so the owning State.validate() can log
// the violation rather than silently swallow it.
func (p *Position) validate() bool {
	corrected := false
	if p.Size.IsNegative() {
		p.Size = p.Size.Abs()
		corrected = true
	}
	if p.Side != "long" && p.Side != "short" {
		p.Side = "long"
		corrected = true
	}
	if fixed := canon.SafeFloatNonNeg(p.ATR, 0); fixed != p.ATR {
		p.ATR, corrected = fixed, true
	}
	if p.Leverage < 1 {
		p.Leverage = 1
		corrected = true
	}
	if fixed := canon.Clip(canon.SafeFloat(p.Confidence, 0), 0, 1); fixed != p.Confidence {
		p.Confidence, corrected = fixed, true
	}
	if fixed := canon.SafeFloatNonNeg(p.MaxFavorableExcursionPct, 0); fixed != p.MaxFavorableExcursionPct {
		p.MaxFavorableExcursionPct, corrected = fixed, true
	}
	if p.TrailingStopPrice.IsNegative() {
		p.TrailingStopPrice = decimal.Zero
		corrected = true
	}
	return corrected
}

// SymbolPerformance tracks running per-symbol trade statistics and the
// trailing stop order IDs currently outstanding for that symbol.
type SymbolPerformance struct {
	PnL             decimal.Decimal `msgpack:"pnl"`
	Wins            int64           `msgpack:"wins"`
	Losses          int64           `msgpack:"losses"`
	MFEPct          float64         `msgpack:"mfe_pct"`
	TrailingOrderID []string        `msgpack:"trailing_order_ids"`
	LastTrailTS     int64           `msgpack:"last_trail_ts"`
}

// EntryWatch records a symbol under speculative pre-entry observation.
type EntryWatch struct {
	CreatedTS int64          `msgpack:"created_ts"`
	SymbolAny string         `msgpack:"symbol_any"`
	Meta      map[string]any `msgpack:"meta,omitempty"`
}

// StreakEntry is one daily row in the win/loss streak history.
type StreakEntry struct {
	Date string  `msgpack:"date"` // ISO date
	N    int     `msgpack:"n"`
	PnL  float64 `msgpack:"pnl"`
}

// State is the authoritative aggregate. All fields are exported for the
// persistence package's primitive-coercion pass; callers outside this
// package and internal/persistence must go through an Actor (actor.go).
type State struct {
	Version int64 `msgpack:"v"`

	CurrentEquity     decimal.Decimal `msgpack:"current_equity"`
	PeakEquity        decimal.Decimal `msgpack:"peak_equity"`
	PeakEquityTS      int64           `msgpack:"peak_equity_ts"`
	DailyPnL          decimal.Decimal `msgpack:"daily_pnl"`
	StartOfDayEquity  decimal.Decimal `msgpack:"start_of_day_equity"`
	CurrentDay        string          `msgpack:"current_day"`

	TotalTrades int64 `msgpack:"total_trades"`
	TotalWins   int64 `msgpack:"total_wins"`
	WinStreak   int64 `msgpack:"win_streak"`

	Positions              map[string]*Position          `msgpack:"positions"`
	Blacklist              map[string]int64               `msgpack:"blacklist"`
	BlacklistReason        map[string]string              `msgpack:"blacklist_reason"`
	ConsecutiveLosses      map[string]int64               `msgpack:"consecutive_losses"`
	LastExitTime           map[string]int64               `msgpack:"last_exit_time"`
	SymbolPerformance      map[string]*SymbolPerformance   `msgpack:"symbol_performance"`
	EntryConfidenceHistory map[string][]float64            `msgpack:"entry_confidence_history"`
	FundingRateSnapshot    map[string]float64              `msgpack:"funding_rate_snapshot"`
	EntryWatches           map[string]*EntryWatch          `msgpack:"entry_watches"`

	knownExitOrderIDs map[string]struct{} // set, order tracked by exitIDOrder
	exitIDOrder       []string            // FIFO order for trimming

	StreakHistory []StreakEntry `msgpack:"streak_history"`

	// Derived, recomputed after every mutation — never set directly.
	WinRate            float64 `msgpack:"win_rate"`
	CurrentDrawdownPct float64 `msgpack:"current_drawdown_pct"`
	MaxDrawdown         float64 `msgpack:"max_drawdown"`

	logger *zap.Logger // optional, unexported: not persisted
}

// New returns an empty, already-valid State.
func New() *State {
	s := &State{
		Version:                SchemaVersion,
		CurrentEquity:          decimal.Zero,
		PeakEquity:             decimal.Zero,
		DailyPnL:               decimal.Zero,
		StartOfDayEquity:       decimal.Zero,
		Positions:              map[string]*Position{},
		Blacklist:              map[string]int64{},
		BlacklistReason:        map[string]string{},
		ConsecutiveLosses:      map[string]int64{},
		LastExitTime:           map[string]int64{},
		SymbolPerformance:      map[string]*SymbolPerformance{},
		EntryConfidenceHistory: map[string][]float64{},
		FundingRateSnapshot:    map[string]float64{},
		EntryWatches:           map[string]*EntryWatch{},
		knownExitOrderIDs:      map[string]struct{}{},
	}
	s.validate()
	s.recomputeDerived()
	return s
}

// ApplyFill records a newly confirmed entry fill as an open Position.
func (s *State) ApplyFill(k string, pos Position, nowTS int64) {
	k = canon.Symbol(k)
	pos.Symbol = k
	if pos.EntryTS == 0 {
		pos.EntryTS = nowTS
	}
	s.Positions[k] = &pos
	s.validate()
	s.recomputeDerived()
}

// ClosePosition removes a position from the authoritative map. Callers must
// have already recorded realized PnL via MarkLoss/record-equity paths.
func (s *State) ClosePosition(k string) {
	k = canon.Symbol(k)
	delete(s.Positions, k)
	s.validate()
	s.recomputeDerived()
}

// MarkLoss increments loss counters for symbol k, resets the win streak, and
// optionally blacklists the symbol once the consecutive-loss threshold is
// reached (the caller supplies the threshold and duration from Config).
func (s *State) MarkLoss(k string, pnl decimal.Decimal, blacklistAfter int64, blacklistDuration time.Duration, nowTS int64) {
	k = canon.Symbol(k)
	s.TotalTrades++
	s.WinStreak = 0
	s.ConsecutiveLosses[k] = s.ConsecutiveLosses[k] + 1
	perf := s.symbolPerf(k)
	perf.Losses++
	perf.PnL = perf.PnL.Add(pnl)
	if blacklistAfter > 0 && s.ConsecutiveLosses[k] >= blacklistAfter {
		s.Blacklist[k] = nowTS + int64(blacklistDuration.Seconds())
		s.BlacklistReason[k] = fmt.Sprintf("consecutive_losses>=%d", blacklistAfter)
	}
	s.validate()
	s.recomputeDerived()
}

// MarkWin increments win counters for symbol k and clears its consecutive
// loss streak.
func (s *State) MarkWin(k string, pnl decimal.Decimal) {
	k = canon.Symbol(k)
	s.TotalTrades++
	s.TotalWins++
	s.WinStreak++
	s.ConsecutiveLosses[k] = 0
	perf := s.symbolPerf(k)
	perf.Wins++
	perf.PnL = perf.PnL.Add(pnl)
	s.validate()
	s.recomputeDerived()
}

func (s *State) symbolPerf(k string) *SymbolPerformance {
	p, ok := s.SymbolPerformance[k]
	if !ok {
		p = &SymbolPerformance{PnL: decimal.Zero}
		s.SymbolPerformance[k] = p
	}
	return p
}

// BlacklistSymbol adds/extends a blacklist entry for k, expiring at now+ttl.
func (s *State) BlacklistSymbol(k string, ttl time.Duration, reason string, nowTS int64) {
	k = canon.Symbol(k)
	expiry := nowTS + int64(ttl.Seconds())
	if cur, ok := s.Blacklist[k]; ok && cur > expiry {
		expiry = cur
	}
	s.Blacklist[k] = expiry
	s.BlacklistReason[k] = reason
	s.validate()
	s.recomputeDerived()
}

// ExpireBlacklist drops every blacklist entry whose expiry has passed.
func (s *State) ExpireBlacklist(nowTS int64) {
	for k, exp := range s.Blacklist {
		if exp <= nowTS {
			delete(s.Blacklist, k)
			delete(s.BlacklistReason, k)
		}
	}
	s.validate()
	s.recomputeDerived()
}

// IsBlacklisted reports whether k is currently blacklisted as of nowTS.
func (s *State) IsBlacklisted(k string, nowTS int64) bool {
	exp, ok := s.Blacklist[canon.Symbol(k)]
	return ok && exp > nowTS
}

// RecordEquity updates current/peak equity and rolls the daily PnL window
// forward when the calendar day (derived from ts) changes.
func (s *State) RecordEquity(equity decimal.Decimal, ts int64) {
	day := time.Unix(ts, 0).UTC().Format("2006-01-02")
	if s.CurrentDay == "" {
		s.CurrentDay = day
		s.StartOfDayEquity = equity
	} else if day != s.CurrentDay {
		s.CurrentDay = day
		s.StartOfDayEquity = equity
		s.DailyPnL = decimal.Zero
	}
	s.CurrentEquity = equity
	if equity.GreaterThan(s.PeakEquity) {
		s.PeakEquity = equity
		s.PeakEquityTS = ts
	}
	s.DailyPnL = equity.Sub(s.StartOfDayEquity)
	s.validate()
	s.recomputeDerived()
}

// RecordStreak appends a daily streak-history row.
func (s *State) RecordStreak(date string, n int, pnl float64) {
	s.StreakHistory = append(s.StreakHistory, StreakEntry{Date: date, N: n, PnL: pnl})
	s.validate()
	s.recomputeDerived()
}

// RecordEntryConfidence appends a confidence sample for k, keeping only the
// newest EntryConfHistoryCap values.
func (s *State) RecordEntryConfidence(k string, conf float64) {
	k = canon.Symbol(k)
	hist := append(s.EntryConfidenceHistory[k], canon.Clip(conf, 0, 1))
	if len(hist) > EntryConfHistoryCap {
		hist = hist[len(hist)-EntryConfHistoryCap:]
	}
	s.EntryConfidenceHistory[k] = hist
}

// RecordTrailingOrder appends orderID to k's trailing-order history and
// records a new MFE sample, trimming to TrailingIDsCap oldest-drop.
func (s *State) RecordTrailingOrder(k string, orderID string, mfePct float64) {
	k = canon.Symbol(k)
	perf := s.symbolPerf(k)
	perf.TrailingOrderID = append(perf.TrailingOrderID, orderID)
	if n := len(perf.TrailingOrderID); n > TrailingIDsCap {
		perf.TrailingOrderID = perf.TrailingOrderID[n-TrailingIDsCap:]
	}
	if mfePct > perf.MFEPct {
		perf.MFEPct = mfePct
	}
	perf.LastTrailTS = time.Now().Unix()
}

// RecordKnownExitOrderID registers an exit order ID as seen, trimming the
// oldest entries once the cap is exceeded (FIFO).
func (s *State) RecordKnownExitOrderID(id string) {
	if s.knownExitOrderIDs == nil {
		s.knownExitOrderIDs = map[string]struct{}{}
	}
	if _, ok := s.knownExitOrderIDs[id]; ok {
		return
	}
	s.knownExitOrderIDs[id] = struct{}{}
	s.exitIDOrder = append(s.exitIDOrder, id)
	for len(s.exitIDOrder) > KnownExitIDsCap {
		oldest := s.exitIDOrder[0]
		s.exitIDOrder = s.exitIDOrder[1:]
		delete(s.knownExitOrderIDs, oldest)
	}
}

// IsKnownExitOrderID reports whether id has already been processed as an
// exit fill, making reconciliation idempotent.
func (s *State) IsKnownExitOrderID(id string) bool {
	_, ok := s.knownExitOrderIDs[id]
	return ok
}

// KnownExitOrderIDsSorted returns the known-exit-id set as a sorted slice,
// used by persistence to serialize sets as sorted lists (spec §6).
func (s *State) KnownExitOrderIDsSorted() []string {
	out := make([]string, 0, len(s.knownExitOrderIDs))
	for id := range s.knownExitOrderIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RestoreKnownExitOrderIDs replaces the known-exit-id set (used by
// persistence on load), preserving at most KnownExitIDsCap entries in the
// order given (assumed already FIFO-ordered oldest-first).
func (s *State) RestoreKnownExitOrderIDs(ids []string) {
	if len(ids) > KnownExitIDsCap {
		ids = ids[len(ids)-KnownExitIDsCap:]
	}
	s.knownExitOrderIDs = make(map[string]struct{}, len(ids))
	s.exitIDOrder = append([]string(nil), ids...)
	for _, id := range ids {
		s.knownExitOrderIDs[id] = struct{}{}
	}
}

// BoundHistory enforces every bounded-collection cap; called from validate
// but also exposed so callers can trim after a bulk merge.
func (s *State) BoundHistory() {
	for k, hist := range s.EntryConfidenceHistory {
		if len(hist) > EntryConfHistoryCap {
			s.EntryConfidenceHistory[k] = hist[len(hist)-EntryConfHistoryCap:]
		}
	}
	for k, perf := range s.SymbolPerformance {
		if len(perf.TrailingOrderID) > TrailingIDsCap {
			perf.TrailingOrderID = perf.TrailingOrderID[len(perf.TrailingOrderID)-TrailingIDsCap:]
		}
		s.SymbolPerformance[k] = perf
	}
	if len(s.EntryWatches) > EntryWatchesCap {
		// Keep the EntryWatchesCap newest by CreatedTS (newest-keep policy).
		type kv struct {
			k string
			w *EntryWatch
		}
		all := make([]kv, 0, len(s.EntryWatches))
		for k, w := range s.EntryWatches {
			all = append(all, kv{k, w})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].w.CreatedTS > all[j].w.CreatedTS })
		keep := map[string]*EntryWatch{}
		for i := 0; i < EntryWatchesCap && i < len(all); i++ {
			keep[all[i].k] = all[i].w
		}
		s.EntryWatches = keep
	}
	if len(s.exitIDOrder) > KnownExitIDsCap {
		drop := len(s.exitIDOrder) - KnownExitIDsCap
		for _, id := range s.exitIDOrder[:drop] {
			delete(s.knownExitOrderIDs, id)
		}
		s.exitIDOrder = s.exitIDOrder[drop:]
	}
}

// validate enforces every structural invariant, correcting rather than
// rejecting bad data (invariant violations are corrected in place and
// logged at error level, never propagated as a hard failure).
func (s *State) validate() {
	canonMapsInPlace(s)
	corrected := false
	for k, p := range s.Positions {
		if p.Size.IsZero() {
			delete(s.Positions, k)
			corrected = true
			continue
		}
		if p.validate() {
			corrected = true
		}
		p.Symbol = k
	}
	if s.TotalWins > s.TotalTrades {
		s.TotalWins = s.TotalTrades
		corrected = true
	}
	if s.TotalWins < 0 {
		s.TotalWins = 0
		corrected = true
	}
	if s.TotalTrades < 0 {
		s.TotalTrades = 0
		corrected = true
	}
	if s.CurrentEquity.IsPositive() && s.PeakEquity.LessThan(s.CurrentEquity) {
		s.PeakEquity = s.CurrentEquity
	}
	s.BoundHistory()
	if corrected && s.logger != nil {
		s.logger.Error("state invariant violation corrected", zap.Bool("critical", true))
	}
}

// SetLogger attaches a logger used to report invariant corrections. Safe to
// call once after construction; nil-safe if never called.
func (s *State) SetLogger(logger *zap.Logger) { s.logger = logger }

// recomputeDerived refreshes win_rate / drawdown figures from primary
// fields; always called within the same mutation as validate().
func (s *State) recomputeDerived() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.TotalWins) / float64(s.TotalTrades)
	} else {
		s.WinRate = 0
	}
	if s.PeakEquity.IsPositive() {
		diff := s.PeakEquity.Sub(s.CurrentEquity)
		if diff.IsNegative() {
			diff = decimal.Zero
		}
		pct, _ := diff.Div(s.PeakEquity).Float64()
		s.CurrentDrawdownPct = canon.Clip(pct, 0, 1)
	} else {
		s.CurrentDrawdownPct = 0
	}
	if s.CurrentDrawdownPct > s.MaxDrawdown {
		s.MaxDrawdown = s.CurrentDrawdownPct
	}
}

// Validate exposes the private validation pass for callers constructing a
// State outside of the mutation API (e.g. persistence after a load/merge).
func (s *State) Validate() { s.validate() }

// RecomputeDerived exposes the private derived-metrics pass.
func (s *State) RecomputeDerived() { s.recomputeDerived() }
