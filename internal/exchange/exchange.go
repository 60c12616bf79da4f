// Package exchange defines the Adapter interface every concrete exchange
// connector implements, plus the order/position/balance types shared by
// them. Grounded on the teacher's execution package's exchange-adapter
// seam (internal/execution/executor.go took a nil adapter wired via env) and
// generalized to a first-class interface per spec §6.
package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/data"
)

// OrderSide is a directional order side.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType distinguishes market from stop/limit orders.
type OrderType string

const (
	OrderMarket   OrderType = "market"
	OrderLimit    OrderType = "limit"
	OrderStop     OrderType = "stop_market"
	OrderTakeProfit OrderType = "take_profit_market"
)

// OrderRequest is a single order submission.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal // limit/stop trigger price; zero for market
	ReduceOnly bool
	ClientID   string
}

// OrderResult is the exchange's acknowledgement of an order submission.
type OrderResult struct {
	OrderID       string
	Status        string // "filled", "new", "rejected", ...
	FilledQty     decimal.Decimal
	FilledPrice   decimal.Decimal
	Timestamp     int64
}

// Balance is available/total margin balance in the account's quote asset.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Total     decimal.Decimal
}

// ExchangePosition mirrors the exchange's own view of an open position, used
// by the Position Manager's reconciliation pass.
type ExchangePosition struct {
	Symbol     string
	Side       string // "long" | "short"
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// RejectionError surfaces an exchange's hard rejection of an order (bad
// notional, invalid leverage, insufficient margin, ...) as soon as the
// exchange returns it. Submission loops stop retrying on it, unlike the
// transient I/O and rate-limit errors they retry.
type RejectionError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("exchange rejected order for %s: %s: %v", e.Symbol, e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Adapter is the exchange capability surface the engine depends on. Both
// internal/exchange/binance and internal/exchange/paper implement it.
type Adapter interface {
	LoadMarkets(ctx context.Context) error
	FetchOHLCV(ctx context.Context, rawSymbol, interval string, limit int) ([]data.Candle, error)
	FetchTicker(ctx context.Context, rawSymbol string) (data.Ticker, error)
	FetchOrderBook(ctx context.Context, rawSymbol string, depth int) (data.OrderBook, error)
	FetchFundingRate(ctx context.Context, rawSymbol string) (data.FundingSnapshot, error)
	FetchBalance(ctx context.Context) (Balance, error)
	FetchPositions(ctx context.Context) ([]ExchangePosition, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, rawSymbol, orderID string) error
	Close() error
}
