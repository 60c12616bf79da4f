// Package binance implements exchange.Adapter over Binance USDⓈ-M futures,
// grounded on the poorman-SynapseStrike example repo's use of
// github.com/adshao/go-binance/v2 as the concrete Binance client library.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/solstice-trading/scalper-engine/internal/exchange"
)

// hardRejectionCodes are Binance error codes that will never succeed on
// retry (bad notional, invalid quantity precision, insufficient margin,
// ...), distinct from rate-limit/transient codes the retry loop already
// absorbs.
var hardRejectionCodes = map[int64]bool{
	-1013: true, // filter failure (LOT_SIZE, MIN_NOTIONAL, ...)
	-2010: true, // new order rejected
	-2018: true, // insufficient balance
	-2019: true, // margin insufficient
	-4003: true, // quantity less than or equal to zero
	-4164: true, // order's notional must be no smaller than the minimum
}

func classifyOrderError(symbol string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && hardRejectionCodes[apiErr.Code] {
		return &exchange.RejectionError{Symbol: symbol, Reason: apiErr.Message, Err: err}
	}
	return fmt.Errorf("binance create order: %w", err)
}

// Client wraps a futures.Client to satisfy exchange.Adapter.
type Client struct {
	fc *futures.Client
}

// New constructs a Client. Pass empty apiKey/secretKey for read-only/public
// endpoints only (paper-trading-over-live-data setups).
func New(apiKey, secretKey string) *Client {
	return &Client{fc: futures.NewClient(apiKey, secretKey)}
}

func (c *Client) LoadMarkets(ctx context.Context) error {
	_, err := c.fc.NewExchangeInfoService().Do(ctx)
	return err
}

func (c *Client) FetchOHLCV(ctx context.Context, rawSymbol, interval string, limit int) ([]data.Candle, error) {
	klines, err := c.fc.NewKlinesService().
		Symbol(rawSymbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}

	out := make([]data.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, data.Candle{
			TS:     k.OpenTime / 1000,
			Open:   decStr(k.Open),
			High:   decStr(k.High),
			Low:    decStr(k.Low),
			Close:  decStr(k.Close),
			Volume: decStr(k.Volume),
		})
	}
	return out, nil
}

func (c *Client) FetchTicker(ctx context.Context, rawSymbol string) (data.Ticker, error) {
	prices, err := c.fc.NewListBookTickersService().Symbol(rawSymbol).Do(ctx)
	if err != nil {
		return data.Ticker{}, fmt.Errorf("binance book ticker: %w", err)
	}
	if len(prices) == 0 {
		return data.Ticker{}, fmt.Errorf("binance book ticker: empty response for %s", rawSymbol)
	}
	bt := prices[0]
	bid := decStr(bt.BidPrice)
	ask := decStr(bt.AskPrice)
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	return data.Ticker{Price: mid, Bid: bid, Ask: ask}, nil
}

func (c *Client) FetchOrderBook(ctx context.Context, rawSymbol string, depth int) (data.OrderBook, error) {
	d, err := c.fc.NewDepthService().Symbol(rawSymbol).Limit(depth).Do(ctx)
	if err != nil {
		return data.OrderBook{}, fmt.Errorf("binance depth: %w", err)
	}
	bids := make([]data.BookLevel, 0, len(d.Bids))
	for _, b := range d.Bids {
		bids = append(bids, data.BookLevel{Price: decStr(b.Price), Size: decStr(b.Quantity)})
	}
	asks := make([]data.BookLevel, 0, len(d.Asks))
	for _, a := range d.Asks {
		asks = append(asks, data.BookLevel{Price: decStr(a.Price), Size: decStr(a.Quantity)})
	}
	return data.OrderBook{Bids: bids, Asks: asks}, nil
}

func (c *Client) FetchFundingRate(ctx context.Context, rawSymbol string) (data.FundingSnapshot, error) {
	rates, err := c.fc.NewPremiumIndexService().Symbol(rawSymbol).Do(ctx)
	if err != nil {
		return data.FundingSnapshot{}, fmt.Errorf("binance premium index: %w", err)
	}
	if len(rates) == 0 {
		return data.FundingSnapshot{}, fmt.Errorf("binance premium index: empty response for %s", rawSymbol)
	}
	r := rates[0]
	rate, _ := strconv.ParseFloat(r.LastFundingRate, 64)
	return data.FundingSnapshot{Rate: rate, TS: r.Time / 1000}, nil
}

func (c *Client) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	balances, err := c.fc.NewGetBalanceService().Do(ctx)
	if err != nil {
		return exchange.Balance{}, fmt.Errorf("binance balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return exchange.Balance{
				Asset:     b.Asset,
				Available: decStr(b.AvailableBalance),
				Total:     decStr(b.Balance),
			}, nil
		}
	}
	return exchange.Balance{}, fmt.Errorf("binance balance: no USDT entry")
}

func (c *Client) FetchPositions(ctx context.Context) ([]exchange.ExchangePosition, error) {
	risks, err := c.fc.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance position risk: %w", err)
	}
	var out []exchange.ExchangePosition
	for _, p := range risks {
		amt := decStr(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := "long"
		if amt.IsNegative() {
			side = "short"
			amt = amt.Neg()
		}
		out = append(out, exchange.ExchangePosition{
			Symbol:     p.Symbol,
			Side:       side,
			Size:       amt,
			EntryPrice: decStr(p.EntryPrice),
		})
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	svc := c.fc.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideOf(req.Side)).
		Type(typeOf(req.Type)).
		Quantity(req.Quantity.String())

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.Type != exchange.OrderMarket && !req.Price.IsZero() {
		svc = svc.Price(req.Price.String())
	}
	if req.Type == exchange.OrderStop || req.Type == exchange.OrderTakeProfit {
		svc = svc.StopPrice(req.Price.String())
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderResult{}, classifyOrderError(req.Symbol, err)
	}

	return exchange.OrderResult{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		Status:      string(res.Status),
		FilledQty:   decStr(res.ExecutedQuantity),
		FilledPrice: decStr(res.AvgPrice),
		Timestamp:   res.UpdateTime / 1000,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, rawSymbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance cancel order: bad order id %q: %w", orderID, err)
	}
	_, err = c.fc.NewCancelOrderService().Symbol(rawSymbol).OrderID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance cancel order: %w", err)
	}
	return nil
}

func (c *Client) Close() error { return nil }

func sideOf(s exchange.OrderSide) futures.SideType {
	if s == exchange.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func typeOf(t exchange.OrderType) futures.OrderType {
	switch t {
	case exchange.OrderLimit:
		return futures.OrderTypeLimit
	case exchange.OrderStop:
		return futures.OrderTypeStopMarket
	case exchange.OrderTakeProfit:
		return futures.OrderTypeTakeProfitMarket
	default:
		return futures.OrderTypeMarket
	}
}

func decStr(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
