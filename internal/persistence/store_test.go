package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/brain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "test.brain.lz4"), zap.NewNop())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := newTestStore(t)
	s := brain.New()
	s.ApplyFill("BTCUSDT", brain.Position{Side: "long", Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100), EntryTS: 1000}, 1000)
	s.TotalTrades = 5
	s.TotalWins = 3

	require.NoError(t, st.Save(s, false))

	loaded, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, s.TotalTrades, loaded.TotalTrades)
	require.Equal(t, s.TotalWins, loaded.TotalWins)
	require.Contains(t, loaded.Positions, "BTCUSDT")
	require.True(t, loaded.Positions["BTCUSDT"].EntryPrice.Equal(decimal.NewFromInt(100)))
}

func TestLoadFallsBackToBackupAndHeals(t *testing.T) {
	st := newTestStore(t)
	s := brain.New()
	s.TotalTrades = 1
	require.NoError(t, st.Save(s, false))

	s.TotalTrades = 2
	require.NoError(t, st.Save(s, false)) // main now holds TotalTrades=2, .bak1 holds TotalTrades=1

	// Corrupt main, forcing a fall-through to .bak1.
	require.NoError(t, os.WriteFile(st.Path, []byte("corrupt-not-an-envelope"), 0o644))

	loaded, err := st.Load()
	require.NoError(t, err)
	require.EqualValues(t, 1, loaded.TotalTrades)

	// Healing forward must have rewritten main from the backup payload.
	healed, err := st.Load()
	require.NoError(t, err)
	require.EqualValues(t, 1, healed.TotalTrades)
}

func TestLoadRejectsBadEnvelopeEverywhere(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, os.WriteFile(st.Path, []byte("garbage"), 0o644))
	_, err := st.Load()
	require.Error(t, err)
}

func TestBackupRotationCap(t *testing.T) {
	st := newTestStore(t)
	s := brain.New()
	for i := 0; i < MaxBackups+3; i++ {
		s.TotalTrades = int64(i)
		require.NoError(t, st.Save(s, false))
	}
	for n := 1; n <= MaxBackups; n++ {
		_, err := os.Stat(st.backupPath(n))
		require.NoError(t, err, "bak%d should exist", n)
	}
	_, err := os.Stat(st.backupPath(MaxBackups + 1))
	require.True(t, os.IsNotExist(err), "no backup beyond MaxBackups should exist")
}
