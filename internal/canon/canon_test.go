package canon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC/USDT:USDT": "BTCUSDT",
		"btc/usdt":      "BTCUSDT",
		"BTCUSDTUSDT":   "BTCUSDT",
		"ETH:USDT":      "ETHUSDT",
		"  sol/usdt  ":  "SOLUSDT",
	}
	for in, want := range cases {
		assert.Equal(t, want, Symbol(in), "input %q", in)
	}
}

func TestSafeFloat(t *testing.T) {
	assert.Equal(t, 1.5, SafeFloat(1.5, 0))
	assert.Equal(t, 0.0, SafeFloat(math.NaN(), 0))
	assert.Equal(t, 0.0, SafeFloat(math.Inf(1), 0))
	assert.Equal(t, 9.0, SafeFloat("9", 0))
	assert.Equal(t, -1.0, SafeFloat("not-a-number", -1))
	assert.Equal(t, -1.0, SafeFloat(nil, -1))
}

func TestSafeFloatNonNeg(t *testing.T) {
	assert.Equal(t, 5.0, SafeFloatNonNeg(-5.0, 5.0))
	assert.Equal(t, 3.0, SafeFloatNonNeg(3.0, 5.0))
}

func TestSafeInt(t *testing.T) {
	assert.Equal(t, int64(3), SafeInt(3, 0))
	assert.Equal(t, int64(3), SafeInt(3.9, 0))
	assert.Equal(t, int64(0), SafeInt(math.NaN(), 0))
	assert.Equal(t, int64(7), SafeInt("7", 0))
}

func TestClip(t *testing.T) {
	assert.Equal(t, 1.0, Clip(5, -1, 1))
	assert.Equal(t, -1.0, Clip(-5, -1, 1))
	assert.Equal(t, 0.5, Clip(0.5, -1, 1))
}
