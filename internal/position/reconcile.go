package position

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/solstice-trading/scalper-engine/internal/brain"
	"github.com/solstice-trading/scalper-engine/internal/canon"
	"github.com/solstice-trading/scalper-engine/internal/exchange"
)

func hoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

// Reconcile pulls the exchange's own position book and reconciles it against
// the Brain's view: the exchange is authoritative. A position the Brain
// still holds but the exchange has already closed (stop/liquidation filled
// externally) is dropped from the Brain without re-submitting an exit order;
// a position the exchange holds but the Brain has no record of is left
// alone and logged, since this manager only closes positions it opened.
func (m *Manager) Reconcile(ctx context.Context, nowTS int64) error {
	exchangePositions, err := m.exchange.FetchPositions(ctx)
	if err != nil {
		return err
	}
	onExchange := make(map[string]exchange.ExchangePosition, len(exchangePositions))
	for _, p := range exchangePositions {
		onExchange[canon.Symbol(p.Symbol)] = p
	}

	var vanished []string
	var orphaned []string
	_ = m.actor.Do(ctx, func(s *brain.State) {
		for k := range s.Positions {
			if _, ok := onExchange[k]; !ok {
				vanished = append(vanished, k)
			}
		}
		for sym := range onExchange {
			if _, ok := s.Positions[sym]; !ok {
				orphaned = append(orphaned, sym)
			}
		}
	})

	for _, k := range vanished {
		m.logger.Warn("position closed on exchange outside manager control, reconciling", zap.String("symbol", k))
		_ = m.actor.Do(ctx, func(s *brain.State) {
			s.ClosePosition(k)
			s.LastExitTime[k] = nowTS
		})
	}
	for _, sym := range orphaned {
		m.logger.Warn("exchange reports a position this engine did not open, ignoring", zap.String("symbol", sym))
	}
	return nil
}
