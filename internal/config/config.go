// Package config defines the engine's single Config struct and Profile
// layering, replacing the duck-typed/inherited configuration objects the
// original system used (spec §9 design note).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Profile selects a named set of default overrides.
type Profile string

const (
	ProfileProduction Profile = "production"
	ProfileMicro      Profile = "micro"
	ProfilePaper      Profile = "paper"
)

// Config is the engine's single configuration struct. Every field has a
// default (set in Default()); Load layers env vars over a config file over
// these defaults, per spec §6 precedence rules.
type Config struct {
	Profile Profile

	Symbols []string

	// Data Oracle (§4.4)
	MaxCandles        int
	PriceStaleSecInPosition float64
	PriceStaleSecIdle       float64
	OHLCVStaleSec1m         float64
	OHLCVStaleSec5m         float64
	OHLCVStaleSec15m        float64
	BaseIntervalSec1m       float64
	BaseIntervalSec5m       float64
	BaseIntervalSec15m      float64
	GapHealBarsMax          int
	GapHealThresholdMult    float64

	// WebSocket Stream Manager (§4.5)
	ReconnectDelaySec    float64
	ReconnectMaxDelaySec float64
	ReconnectBackoffMult float64
	StreamStaleThresholdSec float64

	// Strategy Core (§4.6)
	EnsembleWeight          float64
	MLMinConfidence         float64
	MinSamplesForTraining   int
	RetrainInterval         int

	// Order Flow Analyzer (§4.7)
	OrderFlowDepthLevels       int
	OrderFlowImbalanceThreshold float64
	OrderFlowCVDWindow          int
	LargeOrderThresholdUSDT     float64
	AbsorptionThreshold         float64
	OrderFlowStaleThresholdSec  float64

	// Entry Engine (§4.8)
	EntryPollSec              float64
	EntryPerSymbolGapSec      float64
	EntryLocalCooldownSec     float64
	SymbolCooldownMinutes     float64
	MaxConcurrentPositions    int
	MaxPortfolioHeat          float64
	CorrelationHeatCap        float64
	EntryMinConfidence        float64
	EntryMinConfidenceHighVol float64
	HighVolATRPctThreshold    float64
	MaxFundingLong            float64
	MinFundingShort           float64
	MinATRPctForEntry         float64
	SlippageOrderbookDepth    int
	SlippageMaxPct            float64
	FixedNotionalUSDT         float64
	MinNotionalUSDT           float64
	MinMarginUSDT             float64
	DefaultLeverage           float64
	EntryRouterRetries        int
	OrderRetrySleepSec        float64
	StopATRMult               float64
	MaxStopPct                float64

	// Position Manager & Exits (§4.9)
	PositionTickSec             float64
	BreakevenBufferATRMult      float64
	TrailingActivationRR        float64
	TrailingATRReferencePct     float64
	TrailingVolMultMin          float64
	TrailingVolMultMax          float64
	TrailingBaseCallbackPct     float64
	TimeExitWarningMinutes      float64
	MaxHoldingMinutes           float64
	TimeDecayStartPct           float64
	TP1RRMult                   float64
	TP2RRMult                   float64
	TP1CloseFraction            float64
	ConsecutiveLossBlacklistCount int64
	SymbolBlacklistDurationHours  float64

	// Risk Governor (§4.10)
	KillDataBootGraceSec       float64
	KillMinReqWindow           int
	KillMaxAPIErrorRate        float64
	KillMaxAPIErrorBurst       int
	SessionEquityPeakProtectionPct float64
	VelocityDrawdownPct        float64
	VelocityMinutes            float64
	DailyLossLimitPct          float64
	KillSwitchCooldownSec      float64
	KillSwitchTripHistoryMax   int
	KillEscalateFlatAfterTrips int
	KillEscalateWindowSec      float64
	HeartbeatAlertAfterMiss    int
	GuardianIntervalSec        float64
	DataLoopIntervalSec        float64
	EntryLoopIntervalSec       float64
	SignalLoopIntervalSec      float64
	DistributedLockEnabled     bool
	DistributedLockType        string // "file" | "redis"
	DistributedLockPath        string
	RedisURL                   string
	LockTimeoutSec             float64
	LockRefreshIntervalSec     float64
	StaleLockSec               float64

	// Supervisor / shutdown (§5, §4.11)
	TaskShutdownTimeout time.Duration
	BrainShutdownAwait  time.Duration
	ExchangeRESTTimeout time.Duration
	WSReceiveTimeout    time.Duration

	// Ambient
	BrainPath   string
	CachePath   string
	LogLevel    string
	PaperTrading bool
	MetricsPort int
	BridgeHTTPAddr string
}

// Default returns the base defaults before any profile is applied (Profile
// reads Production, but PaperTrading is true until applyProfile sets it per
// profile), all values carried
// forward from SPEC_FULL.md's named constants (themselves resolved against
// original_source/eclipse_scalper where spec.md names a constant without a
// value).
func Default() *Config {
	return &Config{
		Profile: ProfileProduction,
		Symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},

		MaxCandles:              1200,
		PriceStaleSecInPosition:  15,
		PriceStaleSecIdle:        60,
		OHLCVStaleSec1m:          120,
		OHLCVStaleSec5m:          600,
		OHLCVStaleSec15m:         1800,
		BaseIntervalSec1m:        11,
		BaseIntervalSec5m:        45,
		BaseIntervalSec15m:       120,
		GapHealBarsMax:           300,
		GapHealThresholdMult:     1.5,

		ReconnectDelaySec:       1,
		ReconnectMaxDelaySec:    60,
		ReconnectBackoffMult:    1.5,
		StreamStaleThresholdSec: 30,

		EnsembleWeight:        0.4,
		MLMinConfidence:       0.55,
		MinSamplesForTraining: 500,
		RetrainInterval:       200,

		OrderFlowDepthLevels:        10,
		OrderFlowImbalanceThreshold: 0.6,
		OrderFlowCVDWindow:          100,
		LargeOrderThresholdUSDT:     50_000,
		AbsorptionThreshold:         0.7,
		OrderFlowStaleThresholdSec:  30,

		EntryPollSec:              5,
		EntryPerSymbolGapSec:      60,
		EntryLocalCooldownSec:     30,
		SymbolCooldownMinutes:     30,
		MaxConcurrentPositions:    5,
		MaxPortfolioHeat:          0.6,
		CorrelationHeatCap:        0.4,
		EntryMinConfidence:        0.72,
		EntryMinConfidenceHighVol: 0.78,
		HighVolATRPctThreshold:    0.03,
		MaxFundingLong:            0.0008,
		MinFundingShort:           -0.0008,
		MinATRPctForEntry:         0.0015,
		SlippageOrderbookDepth:    20,
		SlippageMaxPct:            0.006,
		FixedNotionalUSDT:         100,
		MinNotionalUSDT:           5,
		MinMarginUSDT:             5,
		DefaultLeverage:           3,
		EntryRouterRetries:        3,
		OrderRetrySleepSec:        0.5,
		StopATRMult:               1.5,
		MaxStopPct:                0.03,

		PositionTickSec:               5,
		BreakevenBufferATRMult:        0.1,
		TrailingActivationRR:          1.3,
		TrailingATRReferencePct:       0.01,
		TrailingVolMultMin:            0.5,
		TrailingVolMultMax:            2.0,
		TrailingBaseCallbackPct:       0.004,
		TimeExitWarningMinutes:        180,
		MaxHoldingMinutes:             240,
		TimeDecayStartPct:             0.5,
		TP1RRMult:                     1.0,
		TP2RRMult:                     2.0,
		TP1CloseFraction:              0.5,
		ConsecutiveLossBlacklistCount: 3,
		SymbolBlacklistDurationHours:  4,

		KillDataBootGraceSec:           60,
		KillMinReqWindow:               20,
		KillMaxAPIErrorRate:            0.3,
		KillMaxAPIErrorBurst:           5,
		SessionEquityPeakProtectionPct: 0.1,
		VelocityDrawdownPct:            0.05,
		VelocityMinutes:                10,
		DailyLossLimitPct:              0.05,
		KillSwitchCooldownSec:          900,
		KillSwitchTripHistoryMax:       200,
		KillEscalateFlatAfterTrips:     3,
		KillEscalateWindowSec:          1800,
		HeartbeatAlertAfterMiss:        3,
		GuardianIntervalSec:            15,
		DataLoopIntervalSec:            30,
		EntryLoopIntervalSec:           60,
		SignalLoopIntervalSec:          120,
		DistributedLockEnabled:         false,
		DistributedLockType:            "file",
		DistributedLockPath:            "~/.scalper_locks/",
		RedisURL:                       "",
		LockTimeoutSec:                 60,
		LockRefreshIntervalSec:         15,
		StaleLockSec:                   120,

		TaskShutdownTimeout: 2 * time.Second,
		BrainShutdownAwait:  10 * time.Second,
		ExchangeRESTTimeout: 30 * time.Second,
		WSReceiveTimeout:    30 * time.Second,

		BrainPath:    "~/.scalper.brain.lz4",
		CachePath:    "~/.scalper.cache.json",
		LogLevel:     "info",
		PaperTrading: true,
		MetricsPort:  9090,
		BridgeHTTPAddr: ":8090",
	}
}

// applyProfile layers profile-specific overrides onto a base Default()
// config. Invalid combinations fail hard at construction time (spec §9).
func applyProfile(c *Config, p Profile) error {
	switch p {
	case ProfileProduction:
		c.PaperTrading = false
	case ProfilePaper:
		c.PaperTrading = true
	case ProfileMicro:
		c.PaperTrading = false
		c.FixedNotionalUSDT = 10
		c.MaxConcurrentPositions = 1
		c.MinNotionalUSDT = 5
		c.MinMarginUSDT = 5
	default:
		return fmt.Errorf("config: unknown profile %q", p)
	}
	c.Profile = p
	return nil
}

// Load builds a Config from defaults, a Profile override, an optional config
// file, and environment variables (env > file > defaults, per spec §6). Only
// these keys are read from the file/env: paper_trading, symbols, brain_path,
// log_level, metrics_port, redis_url, distributed_lock_enabled; every other
// field keeps its default/profile value.
func Load(profile Profile, configFile string) (*Config, error) {
	c := Default()
	if err := applyProfile(c, profile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("SCALPER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	if v.IsSet("paper_trading") {
		c.PaperTrading = v.GetBool("paper_trading")
	}
	if v.IsSet("symbols") {
		c.Symbols = v.GetStringSlice("symbols")
	}
	if v.IsSet("brain_path") {
		c.BrainPath = v.GetString("brain_path")
	}
	if v.IsSet("log_level") {
		c.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("metrics_port") {
		c.MetricsPort = v.GetInt("metrics_port")
	}
	if v.IsSet("redis_url") {
		c.RedisURL = v.GetString("redis_url")
	}
	if v.IsSet("distributed_lock_enabled") {
		c.DistributedLockEnabled = v.GetBool("distributed_lock_enabled")
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol is required")
	}
	if c.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("config: MaxConcurrentPositions must be positive")
	}
	if c.DistributedLockType != "file" && c.DistributedLockType != "redis" {
		return fmt.Errorf("config: DistributedLockType must be 'file' or 'redis'")
	}
	if c.DistributedLockType == "redis" && c.DistributedLockEnabled && c.RedisURL == "" {
		return fmt.Errorf("config: redis lock backend requires RedisURL")
	}
	return nil
}
