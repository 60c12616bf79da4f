package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGovCfg() *config.Config {
	c := config.Default()
	c.HeartbeatAlertAfterMiss = 3
	c.GuardianIntervalSec = 1
	c.DataLoopIntervalSec = 1
	c.EntryLoopIntervalSec = 1
	c.SignalLoopIntervalSec = 1
	c.KillSwitchCooldownSec = 0.05
	c.KillSwitchTripHistoryMax = 5
	c.KillEscalateWindowSec = 60
	c.KillEscalateFlatAfterTrips = 2
	c.KillDataBootGraceSec = 0
	c.SessionEquityPeakProtectionPct = 0.1
	c.VelocityDrawdownPct = 0.05
	c.VelocityMinutes = 5
	c.DailyLossLimitPct = 0.05
	return c
}

func TestHeartbeatMonitorEscalatesToCriticalAfterConsecutiveMisses(t *testing.T) {
	hb := NewHeartbeatMonitor(2, nil)
	hb.RegisterComponent("x", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	first := hb.CheckHealth()
	require.Len(t, first, 1)
	assert.True(t, first[0].Stale)
	assert.False(t, first[0].Critical)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, hb.AnyCritical())
}

func TestHeartbeatMonitorBeatClearsStaleness(t *testing.T) {
	hb := NewHeartbeatMonitor(1, nil)
	hb.RegisterComponent("x", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	hb.CheckHealth()
	assert.True(t, hb.IsComponentStale("x"))

	hb.Beat("x")
	assert.False(t, hb.IsComponentStale("x"))
}

func TestGovernorTripAndCooldownExpiry(t *testing.T) {
	cfg := testGovCfg()
	g := NewGovernor(cfg, nil, nil)

	assert.False(t, g.IsTripped())
	g.Trip(TripManual, "operator request")
	assert.True(t, g.IsTripped())

	time.Sleep(time.Duration(cfg.KillSwitchCooldownSec * 2 * float64(time.Second)))
	assert.False(t, g.IsTripped())
}

func TestGovernorShouldEscalateToFlatAfterRepeatedTrips(t *testing.T) {
	cfg := testGovCfg()
	g := NewGovernor(cfg, nil, nil)

	g.Trip(TripManual, "first")
	assert.False(t, g.ShouldEscalateToFlat())
	g.Trip(TripManual, "second")
	assert.True(t, g.ShouldEscalateToFlat())
}

func TestGovernorRecordEquityTripsOnPeakDrawdown(t *testing.T) {
	cfg := testGovCfg()
	g := NewGovernor(cfg, nil, nil)

	g.RecordEquity(decimal.NewFromInt(1000))
	assert.False(t, g.IsTripped())

	g.RecordEquity(decimal.NewFromInt(880)) // 12% drawdown from peak, past 10% threshold
	assert.True(t, g.IsTripped())
}

func TestGovernorCheckDailyLossTrips(t *testing.T) {
	cfg := testGovCfg()
	g := NewGovernor(cfg, nil, nil)

	g.CheckDailyLoss(decimal.NewFromInt(-10), decimal.NewFromInt(1000)) // 1% loss, below limit
	assert.False(t, g.IsTripped())

	g.CheckDailyLoss(decimal.NewFromInt(-60), decimal.NewFromInt(1000)) // 6% loss, past limit
	assert.True(t, g.IsTripped())
}

func TestGovernorCheckDataStalenessRespectsBootGrace(t *testing.T) {
	cfg := testGovCfg()
	cfg.KillDataBootGraceSec = 30
	g := NewGovernor(cfg, nil, nil)

	stale := []data.StaleEntry{{Key: "BTCUSDT", Field: "ticker"}}
	g.CheckDataStaleness(stale, 5) // still within boot grace
	assert.False(t, g.IsTripped())

	g.CheckDataStaleness(stale, 60)
	assert.True(t, g.IsTripped())
}

func TestGovernorCheckAPIErrorRateTripsOnBurst(t *testing.T) {
	cfg := testGovCfg()
	cfg.KillMinReqWindow = 20
	cfg.KillMaxAPIErrorRate = 0.3
	cfg.KillMaxAPIErrorBurst = 5
	g := NewGovernor(cfg, nil, nil)

	g.CheckAPIErrorRate([]data.APIErrorStat{{Key: "BTCUSDT", FailStreak: 6, ErrorRate: 0, Requests: 6}})
	assert.True(t, g.IsTripped())
}

func TestGovernorCheckAPIErrorRateTripsOnRateOverWindow(t *testing.T) {
	cfg := testGovCfg()
	cfg.KillMinReqWindow = 20
	cfg.KillMaxAPIErrorRate = 0.3
	cfg.KillMaxAPIErrorBurst = 5
	g := NewGovernor(cfg, nil, nil)

	// below the request-window floor: must not trip even at a high rate
	g.CheckAPIErrorRate([]data.APIErrorStat{{Key: "BTCUSDT", FailStreak: 2, ErrorRate: 0.9, Requests: 5}})
	assert.False(t, g.IsTripped())

	g.CheckAPIErrorRate([]data.APIErrorStat{{Key: "BTCUSDT", FailStreak: 2, ErrorRate: 0.4, Requests: 20}})
	assert.True(t, g.IsTripped())
}

func TestGovernorCheckAPIErrorRateDoesNotTripBelowThresholds(t *testing.T) {
	cfg := testGovCfg()
	cfg.KillMinReqWindow = 20
	cfg.KillMaxAPIErrorRate = 0.3
	cfg.KillMaxAPIErrorBurst = 5
	g := NewGovernor(cfg, nil, nil)

	g.CheckAPIErrorRate([]data.APIErrorStat{{Key: "BTCUSDT", FailStreak: 1, ErrorRate: 0.1, Requests: 20}})
	assert.False(t, g.IsTripped())
}

