// Package wsstream manages resilient WebSocket subscriptions to exchange
// market-data streams, pushing parsed updates into the Data Oracle. Adapted
// from the teacher's internal/data/market_data.go connection/reconnect/
// dispatch shape, generalized to track per-stream health and use the
// exponential backoff the original websocket_stream.py used instead of a
// fixed 5s reconnect poll.
package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/canon"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"go.uber.org/zap"
)

// StreamHealth reports the liveness of one underlying connection.
type StreamHealth struct {
	LastUpdateTS   int64
	MessageCount   int64
	ReconnectCount int64
	LastError      string
	IsConnected    bool
}

// Sink is the subset of the Data Oracle the manager pushes parsed updates
// into. Defined locally so wsstream does not need the oracle's full surface.
type Sink interface {
	UpdateFromWSTicker(k string, t data.Ticker)
	UpdateFromWSOHLCV(k, interval string, c data.Candle)
	UpdateFromWSOrderBook(k string, b data.OrderBook)
	UpdateFromWSTrades(k string, trades []data.Trade)
}

// Manager owns one WebSocket connection per exchange endpoint and fans
// incoming messages out to the configured Sink.
type Manager struct {
	cfg    *config.Config
	sink   Sink
	logger *zap.Logger
	url    string

	mu     sync.RWMutex
	health map[string]*StreamHealth // keyed by raw stream name
}

// NewManager constructs a Manager for the given base WebSocket URL (e.g.
// "wss://fstream.binance.com/ws").
func NewManager(cfg *config.Config, sink Sink, logger *zap.Logger, url string) *Manager {
	return &Manager{cfg: cfg, sink: sink, logger: logger, url: url, health: map[string]*StreamHealth{}}
}

// Run connects and subscribes to ticker/trade/depth/kline streams for every
// configured symbol, reconnecting with exponential backoff until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	delay := time.Duration(m.cfg.ReconnectDelaySec * float64(time.Second))
	maxDelay := time.Duration(m.cfg.ReconnectMaxDelaySec * float64(time.Second))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := m.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if m.logger != nil {
			m.logger.Warn("wsstream connection dropped, reconnecting", zap.Error(err), zap.Duration("delay", delay))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * m.cfg.ReconnectBackoffMult)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (m *Manager) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	streams := m.streamNames()
	if err := conn.WriteJSON(map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     1,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	m.mu.Lock()
	for _, s := range streams {
		m.health[s] = &StreamHealth{IsConnected: true}
	}
	m.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			m.dispatch(raw)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		m.mu.Lock()
		for _, s := range streams {
			if h := m.health[s]; h != nil {
				h.IsConnected = false
				h.ReconnectCount++
				h.LastError = err.Error()
			}
		}
		m.mu.Unlock()
		return err
	}
}

func (m *Manager) streamNames() []string {
	var out []string
	for _, sym := range m.cfg.Symbols {
		lower := strings.ToLower(canon.Symbol(sym))
		out = append(out,
			lower+"@ticker",
			lower+"@aggTrade",
			lower+"@depth20@100ms",
			lower+"@kline_1m",
		)
	}
	return out
}

func (m *Manager) dispatch(raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	eventType, _ := msg["e"].(string)

	switch eventType {
	case "24hrTicker":
		m.handleTicker(msg)
	case "aggTrade", "trade":
		m.handleTrade(msg)
	case "depthUpdate":
		m.handleDepth(msg)
	case "kline":
		m.handleKline(msg)
	}
}

func (m *Manager) handleTicker(msg map[string]any) {
	symbol, _ := msg["s"].(string)
	k := canon.Symbol(symbol)
	price := decFromAny(msg["c"])
	bid := decFromAny(msg["b"])
	ask := decFromAny(msg["a"])
	ts := int64Any(msg["E"]) / 1000

	m.sink.UpdateFromWSTicker(k, data.Ticker{Price: price, Bid: bid, Ask: ask, TS: ts})
	m.bump(strings.ToLower(k) + "@ticker")
}

func (m *Manager) handleTrade(msg map[string]any) {
	symbol, _ := msg["s"].(string)
	k := canon.Symbol(symbol)
	price := decFromAny(msg["p"])
	size := decFromAny(msg["q"])
	isBuyerMaker, _ := msg["m"].(bool)
	ts := int64Any(msg["E"]) / 1000

	m.sink.UpdateFromWSTrades(k, []data.Trade{{Price: price, Size: size, IsBuy: !isBuyerMaker, TS: ts}})
	m.bump(strings.ToLower(k) + "@aggTrade")
}

func (m *Manager) handleDepth(msg map[string]any) {
	symbol, _ := msg["s"].(string)
	k := canon.Symbol(symbol)
	ts := int64Any(msg["E"]) / 1000

	bids := levelsFromAny(msg["b"])
	asks := levelsFromAny(msg["a"])
	m.sink.UpdateFromWSOrderBook(k, data.OrderBook{Bids: bids, Asks: asks, TS: ts})
	m.bump(strings.ToLower(k) + "@depth20@100ms")
}

func (m *Manager) handleKline(msg map[string]any) {
	kline, ok := msg["k"].(map[string]any)
	if !ok {
		return
	}
	symbol, _ := msg["s"].(string)
	k := canon.Symbol(symbol)

	c := data.Candle{
		TS:     int64Any(kline["t"]) / 1000,
		Open:   decFromAny(kline["o"]),
		High:   decFromAny(kline["h"]),
		Low:    decFromAny(kline["l"]),
		Close:  decFromAny(kline["c"]),
		Volume: decFromAny(kline["v"]),
	}
	m.sink.UpdateFromWSOHLCV(k, "1m", c)
	m.bump(strings.ToLower(k) + "@kline_1m")
}

func (m *Manager) bump(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[stream]
	if !ok {
		h = &StreamHealth{}
		m.health[stream] = h
	}
	h.LastUpdateTS = time.Now().Unix()
	h.MessageCount++
	h.IsConnected = true
}

// Health returns a snapshot of every tracked stream's health.
func (m *Manager) Health() map[string]StreamHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]StreamHealth, len(m.health))
	for k, v := range m.health {
		out[k] = *v
	}
	return out
}

// StaleStreams returns stream names whose last update is older than
// StreamStaleThresholdSec.
func (m *Manager) StaleStreams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now().Unix()
	var out []string
	for name, h := range m.health {
		if float64(now-h.LastUpdateTS) > m.cfg.StreamStaleThresholdSec {
			out = append(out, name)
		}
	}
	return out
}

func decFromAny(v any) decimal.Decimal {
	s, _ := v.(string)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func int64Any(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func levelsFromAny(v any) []data.BookLevel {
	arr, _ := v.([]any)
	out := make([]data.BookLevel, 0, len(arr))
	for _, e := range arr {
		lvl, ok := e.([]any)
		if !ok || len(lvl) < 2 {
			continue
		}
		p, _ := lvl[0].(string)
		q, _ := lvl[1].(string)
		price, _ := decimal.NewFromString(p)
		size, _ := decimal.NewFromString(q)
		out = append(out, data.BookLevel{Price: price, Size: size})
	}
	return out
}
