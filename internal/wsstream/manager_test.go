package wsstream

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/stretchr/testify/assert"
)

func testConfig() *config.Config {
	c := config.Default()
	c.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	return c
}

func TestDecFromAny(t *testing.T) {
	assert.True(t, decFromAny("100.5").Equal(decimal.NewFromFloat(100.5)))
	assert.True(t, decFromAny("").IsZero())
	assert.True(t, decFromAny(nil).IsZero())
}

func TestLevelsFromAny(t *testing.T) {
	raw := []any{
		[]any{"100.0", "2.0"},
		[]any{"99.5", "1.0"},
	}
	levels := levelsFromAny(raw)
	assert.Len(t, levels, 2)
	assert.True(t, levels[0].Price.Equal(decimal.NewFromFloat(100.0)))
	assert.True(t, levels[1].Size.Equal(decimal.NewFromFloat(1.0)))
}

func TestStreamNamesCoverAllSymbols(t *testing.T) {
	m := &Manager{cfg: testConfig()}
	names := m.streamNames()
	assert.Len(t, names, len(m.cfg.Symbols)*4)
}
