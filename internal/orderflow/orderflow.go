// Package orderflow analyzes order book imbalance, cumulative volume delta,
// and absorption to produce a composite directional signal. Ported from
// original_source/eclipse_scalper/strategies/order_flow.py's
// OrderFlowAnalyzer, re-expressed over the Data Oracle's types instead of
// the original's pandas-backed state.
package orderflow

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/canon"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
)

// Bias is the directional read of the composite order-flow signal.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// Signal is the result of a single order-flow evaluation.
type Signal struct {
	Score          float64 // composite, in [-1, 1]
	Bias           Bias
	Imbalance      float64
	WeightedImb    float64
	CVDSignal      float64
	AbsorptionSide string // "bid" | "ask" | ""
	Stale          bool
}

type symFlow struct {
	lastBids []data.BookLevel
	lastAsks []data.BookLevel
	lastBookTS int64

	recentTrades []data.Trade // ring, capped at 500

	cvd        float64
	cvdHistory []float64 // ring, capped at cvd_window

	largeBuys  []data.Trade // ring, capped at 50
	largeSells []data.Trade // ring, capped at 50
}

// Analyzer tracks per-symbol order flow state and computes signals from it.
type Analyzer struct {
	cfg  *config.Config
	syms map[string]*symFlow
}

// NewAnalyzer constructs an Analyzer for the given canonical symbols.
func NewAnalyzer(cfg *config.Config) *Analyzer {
	a := &Analyzer{cfg: cfg, syms: map[string]*symFlow{}}
	for _, sym := range cfg.Symbols {
		a.syms[canon.Symbol(sym)] = &symFlow{}
	}
	return a
}

func (a *Analyzer) sym(k string) *symFlow {
	ck := canon.Symbol(k)
	s, ok := a.syms[ck]
	if !ok {
		s = &symFlow{}
		a.syms[ck] = s
	}
	return s
}

// UpdateOrderBook records the latest book snapshot for k.
func (a *Analyzer) UpdateOrderBook(k string, depth int, b data.OrderBook) {
	s := a.sym(k)
	bids := b.Bids
	asks := b.Asks
	if len(bids) > depth {
		bids = bids[:depth]
	}
	if len(asks) > depth {
		asks = asks[:depth]
	}
	s.lastBids = bids
	s.lastAsks = asks
	s.lastBookTS = b.TS
}

// UpdateTrades folds new trades into the trade tape, CVD accumulator, and
// large-order rings.
func (a *Analyzer) UpdateTrades(k string, trades []data.Trade) {
	s := a.sym(k)
	for _, t := range trades {
		s.recentTrades = append(s.recentTrades, t)
		delta := toFloat(t.Size)
		if t.IsBuy {
			s.cvd += delta
		} else {
			s.cvd -= delta
		}
		notional := toFloat(t.Price) * toFloat(t.Size)
		if notional >= a.cfg.LargeOrderThresholdUSDT {
			if t.IsBuy {
				s.largeBuys = append(s.largeBuys, t)
				if len(s.largeBuys) > 50 {
					s.largeBuys = s.largeBuys[len(s.largeBuys)-50:]
				}
			} else {
				s.largeSells = append(s.largeSells, t)
				if len(s.largeSells) > 50 {
					s.largeSells = s.largeSells[len(s.largeSells)-50:]
				}
			}
		}
	}
	if n := len(s.recentTrades); n > 500 {
		s.recentTrades = s.recentTrades[n-500:]
	}
	s.cvdHistory = append(s.cvdHistory, s.cvd)
	if n := len(s.cvdHistory); n > a.cfg.OrderFlowCVDWindow {
		s.cvdHistory = s.cvdHistory[n-a.cfg.OrderFlowCVDWindow:]
	}
}

// CalculateOrderImbalance returns (Σbid_vol - Σask_vol) / Σtotal over the
// last-known book.
func (a *Analyzer) CalculateOrderImbalance(k string) float64 {
	s := a.sym(k)
	var bidVol, askVol float64
	for _, l := range s.lastBids {
		bidVol += toFloat(l.Size)
	}
	for _, l := range s.lastAsks {
		askVol += toFloat(l.Size)
	}
	total := bidVol + askVol
	if total == 0 {
		return 0
	}
	return (bidVol - askVol) / total
}

// CalculateWeightedImbalance weights each level by 1/(1+100*|price-mid|/mid).
func (a *Analyzer) CalculateWeightedImbalance(k string) float64 {
	s := a.sym(k)
	if len(s.lastBids) == 0 || len(s.lastAsks) == 0 {
		return 0
	}
	mid := (toFloat(s.lastBids[0].Price) + toFloat(s.lastAsks[0].Price)) / 2
	if mid == 0 {
		return 0
	}

	var wBid, wAsk float64
	for _, l := range s.lastBids {
		w := 1.0 / (1.0 + 100.0*math.Abs(toFloat(l.Price)-mid)/mid)
		wBid += toFloat(l.Size) * w
	}
	for _, l := range s.lastAsks {
		w := 1.0 / (1.0 + 100.0*math.Abs(toFloat(l.Price)-mid)/mid)
		wAsk += toFloat(l.Size) * w
	}
	total := wBid + wAsk
	if total == 0 {
		return 0
	}
	return (wBid - wAsk) / total
}

// CalculateCVD returns the running cumulative volume delta for k.
func (a *Analyzer) CalculateCVD(k string) float64 {
	return a.sym(k).cvd
}

// CalculateCVDSignal clips cvd_delta/cvd_range to [-1,1]; requires at least
// 10 history samples, else returns 0 (matches the original's min-sample
// guard).
func (a *Analyzer) CalculateCVDSignal(k string) float64 {
	s := a.sym(k)
	if len(s.cvdHistory) < 10 {
		return 0
	}
	first := s.cvdHistory[0]
	last := s.cvdHistory[len(s.cvdHistory)-1]
	delta := last - first

	lo, hi := s.cvdHistory[0], s.cvdHistory[0]
	for _, v := range s.cvdHistory {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	rng := hi - lo
	if rng == 0 {
		return 0
	}
	return canon.Clip(delta/rng, -1, 1)
}

// DetectLargeOrders returns how many large buy and large sell trades are
// currently held in k's large-order rings; it does not judge which side
// dominates.
func (a *Analyzer) DetectLargeOrders(k string) (buyCount, sellCount int) {
	s := a.sym(k)
	return len(s.largeBuys), len(s.largeSells)
}

// DetectAbsorption requires >=20 trades (evaluated over the most recent 50),
// a price range under 0.2%, and one side's volume share at or above
// AbsorptionThreshold. Returns "" when absorption isn't detected.
func (a *Analyzer) DetectAbsorption(k string) string {
	s := a.sym(k)
	window := s.recentTrades
	if len(window) > 50 {
		window = window[len(window)-50:]
	}
	if len(window) < 20 {
		return ""
	}

	lo, hi := toFloat(window[0].Price), toFloat(window[0].Price)
	var buyVol, sellVol float64
	for _, t := range window {
		p := toFloat(t.Price)
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
		if t.IsBuy {
			buyVol += toFloat(t.Size)
		} else {
			sellVol += toFloat(t.Size)
		}
	}
	if lo == 0 {
		return ""
	}
	priceRangePct := (hi - lo) / lo
	if priceRangePct >= 0.002 {
		return ""
	}
	total := buyVol + sellVol
	if total == 0 {
		return ""
	}
	if buyVol/total >= a.cfg.AbsorptionThreshold {
		return "ask" // buyers absorbing ask-side supply without price follow-through
	}
	if sellVol/total >= a.cfg.AbsorptionThreshold {
		return "bid"
	}
	return ""
}

// GetOrderFlowSignal computes the composite score
// 0.3*imbalance + 0.3*weighted_imbalance + 0.4*cvd_signal, +/-0.2 modifier
// on absorption, and returns NEUTRAL/(0, NEUTRAL) when the book is stale.
func (a *Analyzer) GetOrderFlowSignal(k string) Signal {
	s := a.sym(k)
	age := time.Since(time.Unix(s.lastBookTS, 0)).Seconds()
	if s.lastBookTS == 0 || age > a.cfg.OrderFlowStaleThresholdSec {
		return Signal{Stale: true, Bias: BiasNeutral}
	}

	imb := a.CalculateOrderImbalance(k)
	wImb := a.CalculateWeightedImbalance(k)
	cvdSig := a.CalculateCVDSignal(k)

	score := 0.3*imb + 0.3*wImb + 0.4*cvdSig

	absorptionSide := a.DetectAbsorption(k)
	switch absorptionSide {
	case "bid":
		score += 0.2
	case "ask":
		score -= 0.2
	}
	score = canon.Clip(score, -1, 1)

	bias := BiasNeutral
	if score >= a.cfg.OrderFlowImbalanceThreshold {
		bias = BiasBullish
	} else if score <= -a.cfg.OrderFlowImbalanceThreshold {
		bias = BiasBearish
	}

	return Signal{
		Score:          score,
		Bias:           bias,
		Imbalance:      imb,
		WeightedImb:    wImb,
		CVDSignal:      cvdSig,
		AbsorptionSide: absorptionSide,
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
