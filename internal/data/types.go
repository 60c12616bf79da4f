package data

import "github.com/shopspring/decimal"

// Candle is one OHLCV bar for a canonical symbol key and timeframe.
type Candle struct {
	TS     int64 // bar open time, unix seconds
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// valid reports whether the OHLC relationship is internally consistent,
// adapted from the quality-validator's OHLC-error check into a gate run on
// every live bar before it enters a ring (rather than a post-hoc batch
// report over historical data).
func (c Candle) valid() bool {
	if c.Volume.IsNegative() {
		return false
	}
	if c.High.LessThan(c.Low) {
		return false
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return false
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return false
	}
	return true
}

// Ticker is the latest trade price plus top-of-book quotes for a symbol.
type Ticker struct {
	Price decimal.Decimal
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	TS    int64
}

// BookLevel is a single price/size level of an order book side.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a depth snapshot for a symbol.
type OrderBook struct {
	Bids []BookLevel
	Asks []BookLevel
	TS   int64
}

// Trade is a single executed trade tape entry.
type Trade struct {
	Price  decimal.Decimal
	Size   decimal.Decimal
	IsBuy  bool
	TS     int64
}

// FundingSnapshot is the most recent perpetual funding rate for a symbol.
type FundingSnapshot struct {
	Rate float64
	TS   int64
}

// StaleEntry describes one symbol/field that has aged past its threshold.
type StaleEntry struct {
	Key      string
	Field    string
	AgeSec   float64
	MaxAgeSec float64
}
