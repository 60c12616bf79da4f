// Package risk implements the Risk Governor: kill-switch trip conditions,
// component heartbeat liveness, and the distributed lock guarding
// single-writer execution across instances. Heartbeat logic is ported from
// original_source/eclipse_scalper/execution/heartbeat.py's HeartbeatMonitor.
package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ComponentHealth is the liveness record for one registered component.
type ComponentHealth struct {
	Name            string
	ExpectedInterval time.Duration
	LastBeat        time.Time
	MissedCount     int
	Stale           bool
	Critical        bool
}

// HeartbeatMonitor tracks per-component liveness and escalates a component
// from stale to critical after AlertAfterMiss consecutive missed beats.
type HeartbeatMonitor struct {
	mu             sync.Mutex
	components     map[string]*ComponentHealth
	alertAfterMiss int
	logger         *zap.Logger
}

// NewHeartbeatMonitor constructs a monitor with the given escalation
// threshold (original default: 3).
func NewHeartbeatMonitor(alertAfterMiss int, logger *zap.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		components:     map[string]*ComponentHealth{},
		alertAfterMiss: alertAfterMiss,
		logger:         logger,
	}
}

// RegisterComponent registers name with its expected beat interval.
func (h *HeartbeatMonitor) RegisterComponent(name string, expectedInterval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = &ComponentHealth{Name: name, ExpectedInterval: expectedInterval, LastBeat: time.Now()}
}

// Beat records a liveness pulse from name.
func (h *HeartbeatMonitor) Beat(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.components[name]
	if !ok {
		return
	}
	c.LastBeat = time.Now()
	c.MissedCount = 0
	c.Stale = false
	c.Critical = false
}

// CheckHealth recomputes staleness for every registered component. A
// component is stale once age exceeds 1.5x its expected interval ("grace"),
// and critical once it has been stale for AlertAfterMiss consecutive checks.
func (h *HeartbeatMonitor) CheckHealth() []ComponentHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	out := make([]ComponentHealth, 0, len(h.components))
	for _, c := range h.components {
		grace := time.Duration(float64(c.ExpectedInterval) * 1.5)
		if now.Sub(c.LastBeat) > grace {
			c.Stale = true
			c.MissedCount++
			if c.MissedCount >= h.alertAfterMiss {
				c.Critical = true
			}
		} else {
			c.Stale = false
			c.MissedCount = 0
			c.Critical = false
		}
		out = append(out, *c)
	}
	return out
}

// IsComponentStale reports whether name is currently stale.
func (h *HeartbeatMonitor) IsComponentStale(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.components[name]
	if !ok {
		return false
	}
	return c.Stale
}

// AnyCritical reports whether any registered component has escalated to
// critical, the condition that should trip the kill switch.
func (h *HeartbeatMonitor) AnyCritical() bool {
	for _, c := range h.CheckHealth() {
		if c.Critical {
			return true
		}
	}
	return false
}

// Standard component names, matching initialize_heartbeat(bot) in the
// original. Their expected intervals come from Config in NewGovernor.
const (
	ComponentGuardian  = "guardian"
	ComponentDataLoop  = "data_loop"
	ComponentEntryLoop = "entry_loop"
	ComponentSignalLoop = "signal_loop"
)
