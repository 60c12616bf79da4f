// Package paper implements exchange.Adapter as a simulated fill engine over
// real market data supplied by the Data Oracle, adapted from the teacher's
// execution.Executor paper-trading mode (ExecutorConfig.PaperTrading,
// execution/executor.go) into a standalone Adapter instead of an executor
// flag, so paper and live trading share the identical call path above this
// seam.
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/canon"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/solstice-trading/scalper-engine/internal/exchange"
)

// PriceSource supplies live prices the simulator fills against, so paper
// trading sees the same market the strategy does. Satisfied by *data.Oracle.
type PriceSource interface {
	GetPrice(k string, inPosition bool) (decimal.Decimal, bool)
	GetCandles(k, interval string, requireFresh bool) ([]data.Candle, bool)
}

type simPosition struct {
	side string
	size decimal.Decimal
	entry decimal.Decimal
}

// Adapter simulates order fills at the current Data Oracle price with a
// fixed slippage haircut, tracking a simple in-memory balance and position
// book. It never calls a real exchange.
type Adapter struct {
	prices PriceSource

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*simPosition
	slippage  decimal.Decimal
}

// New constructs a paper Adapter seeded with startingBalance (quote asset
// units) and a fixed per-fill slippage haircut (e.g. 0.0005 for 5bps).
func New(prices PriceSource, startingBalance decimal.Decimal, slippage decimal.Decimal) *Adapter {
	return &Adapter{
		prices:    prices,
		balance:   startingBalance,
		positions: map[string]*simPosition{},
		slippage:  slippage,
	}
}

func (a *Adapter) LoadMarkets(ctx context.Context) error { return nil }

func (a *Adapter) FetchOHLCV(ctx context.Context, rawSymbol, interval string, limit int) ([]data.Candle, error) {
	bars, ok := a.prices.GetCandles(rawSymbol, interval, false)
	if !ok {
		return nil, fmt.Errorf("paper: no cached candles for %s", rawSymbol)
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, rawSymbol string) (data.Ticker, error) {
	price, ok := a.prices.GetPrice(rawSymbol, a.hasPosition(rawSymbol))
	if !ok {
		return data.Ticker{}, fmt.Errorf("paper: no cached price for %s", rawSymbol)
	}
	return data.Ticker{Price: price, Bid: price, Ask: price}, nil
}

func (a *Adapter) FetchOrderBook(ctx context.Context, rawSymbol string, depth int) (data.OrderBook, error) {
	price, ok := a.prices.GetPrice(rawSymbol, a.hasPosition(rawSymbol))
	if !ok {
		return data.OrderBook{}, fmt.Errorf("paper: no cached price for %s", rawSymbol)
	}
	unit := decimal.NewFromFloat(1.0)
	return data.OrderBook{
		Bids: []data.BookLevel{{Price: price, Size: unit}},
		Asks: []data.BookLevel{{Price: price, Size: unit}},
	}, nil
}

func (a *Adapter) FetchFundingRate(ctx context.Context, rawSymbol string) (data.FundingSnapshot, error) {
	return data.FundingSnapshot{}, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return exchange.Balance{Asset: "USDT", Available: a.balance, Total: a.balance}, nil
}

func (a *Adapter) FetchPositions(ctx context.Context) ([]exchange.ExchangePosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]exchange.ExchangePosition, 0, len(a.positions))
	for sym, p := range a.positions {
		out = append(out, exchange.ExchangePosition{Symbol: sym, Side: p.side, Size: p.size, EntryPrice: p.entry})
	}
	return out, nil
}

func (a *Adapter) hasPosition(rawSymbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.positions[canon.Symbol(rawSymbol)]
	return ok
}

func (a *Adapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	k := canon.Symbol(req.Symbol)

	// Stop/take-profit orders rest rather than fill immediately: the
	// simulator has no background price-crossing trigger, so a resting
	// order behaves exactly like it does in production between
	// position.Manager ticks — a backstop the software-side exit loop
	// normally beats to the close, never auto-filled by this adapter.
	if req.Type == exchange.OrderStop || req.Type == exchange.OrderTakeProfit {
		return exchange.OrderResult{OrderID: uuid.NewString(), Status: "new"}, nil
	}

	price, ok := a.prices.GetPrice(k, true)
	if !ok {
		return exchange.OrderResult{}, fmt.Errorf("paper: cannot fill %s, no price available", k)
	}

	haircut := decimal.NewFromInt(1)
	if req.Side == exchange.SideBuy {
		haircut = haircut.Add(a.slippage)
	} else {
		haircut = haircut.Sub(a.slippage)
	}
	fillPrice := price.Mul(haircut)

	a.mu.Lock()
	defer a.mu.Unlock()

	pos, exists := a.positions[k]
	if req.ReduceOnly || exists {
		if exists {
			if req.Quantity.GreaterThanOrEqual(pos.size) {
				delete(a.positions, k)
			} else {
				pos.size = pos.size.Sub(req.Quantity)
			}
		}
	} else {
		side := "long"
		if req.Side == exchange.SideSell {
			side = "short"
		}
		a.positions[k] = &simPosition{side: side, size: req.Quantity, entry: fillPrice}
	}

	return exchange.OrderResult{
		OrderID:     uuid.NewString(),
		Status:      "filled",
		FilledQty:   req.Quantity,
		FilledPrice: fillPrice,
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, rawSymbol, orderID string) error { return nil }

func (a *Adapter) Close() error { return nil }
