package targeting

import (
	"math"
	"sync"
	"time"

	"github.com/cortexnav/neuronav/internal/monitoring"
	"github.com/cortexnav/neuronav/internal/signal"
)

// OnTargetThresholds parameterizes the on-target state machine. Enter
// bounds are tighter than exit bounds so the state does not chatter when
// the coil hovers at the edge, and each flip must hold for the minimum
// dwell before being reported.
type OnTargetThresholds struct {
	EnterDistError       float64 // mm, horizontal error at coil
	EnterDepthAngleError float64 // deg
	EnterHorizAngleError float64 // deg
	EnterDepthDistError  float64 // mm, offset along depth axis
	EnterMinDwell        time.Duration

	ExitDistError       float64
	ExitDepthAngleError float64
	ExitHorizAngleError float64
	ExitDepthDistError  float64
	ExitMinDwell        time.Duration
}

// DefaultOnTargetThresholds returns the clinical defaults.
func DefaultOnTargetThresholds() OnTargetThresholds {
	return OnTargetThresholds{
		EnterDistError:       1,
		EnterDepthAngleError: 2,
		EnterHorizAngleError: 4,
		EnterDepthDistError:  4,
		EnterMinDwell:        500 * time.Millisecond,
		ExitDistError:        2,
		ExitDepthAngleError:  4,
		ExitHorizAngleError:  8,
		ExitDepthDistError:   8,
		ExitMinDwell:         100 * time.Millisecond,
	}
}

// onTargetMonitor tracks whether the live coil pose is within tolerance of
// the current target. It re-evaluates on every pose or target change while
// enabled; dwell times are measured against the coordinator's clock.
type onTargetMonitor struct {
	coord *Coordinator

	mu             sync.Mutex
	enabled        bool
	thresholds     OnTargetThresholds
	onTarget       bool
	maybeChangedAt *time.Time

	changed signal.Signal[bool]
}

func newOnTargetMonitor(c *Coordinator) *onTargetMonitor {
	return &onTargetMonitor{coord: c, thresholds: DefaultOnTargetThresholds()}
}

// IsOnTargetChanged fires with the new state; only while monitoring is
// enabled.
func (c *Coordinator) IsOnTargetChanged() *signal.Signal[bool] {
	return &c.monitor.changed
}

// SetMonitorOnTarget enables or disables on-target monitoring.
func (c *Coordinator) SetMonitorOnTarget(enabled bool) {
	c.monitor.mu.Lock()
	c.monitor.enabled = enabled
	c.monitor.mu.Unlock()
	if enabled {
		c.monitor.check()
	}
}

// SetOnTargetThresholds replaces the monitor's thresholds.
func (c *Coordinator) SetOnTargetThresholds(t OnTargetThresholds) {
	c.monitor.mu.Lock()
	c.monitor.thresholds = t
	c.monitor.mu.Unlock()
}

// IsOnTarget reports the current state, evaluating immediately so the
// answer is never stale. Enables monitoring as a side effect.
func (c *Coordinator) IsOnTarget() bool {
	c.monitor.mu.Lock()
	if !c.monitor.enabled {
		c.monitor.enabled = true
	}
	c.monitor.mu.Unlock()
	c.monitor.check()
	c.monitor.mu.Lock()
	defer c.monitor.mu.Unlock()
	return c.monitor.onTarget
}

// poke re-evaluates after a pose or target change.
func (m *onTargetMonitor) poke() {
	m.mu.Lock()
	enabled := m.enabled
	m.mu.Unlock()
	if enabled {
		m.check()
	}
}

// withinBounds evaluates the four error metrics against one bound set. NaN
// (pose or target unavailable) always counts as out of bounds.
func (m *onTargetMonitor) withinBounds(dist, depthAngle, horizAngle, depthDist float64) bool {
	pm := m.coord.CurrentPoseMetrics()
	checks := []struct {
		value float64
		bound float64
	}{
		{pm.TargetErrorAtCoil(), dist},
		{pm.DepthAngleError(), depthAngle},
		{pm.HorizAngleError(), horizAngle},
		{pm.DepthOffsetError(), depthDist},
	}
	for _, ch := range checks {
		if math.IsNaN(ch.value) || math.Abs(ch.value) > ch.bound {
			return false
		}
	}
	return true
}

func (m *onTargetMonitor) check() {
	m.mu.Lock()
	th := m.thresholds
	wasOn := m.onTarget
	m.mu.Unlock()

	var candidate bool
	var dwell time.Duration
	if wasOn {
		candidate = !m.withinBounds(th.ExitDistError, th.ExitDepthAngleError, th.ExitHorizAngleError, th.ExitDepthDistError)
		dwell = th.ExitMinDwell
	} else {
		candidate = m.withinBounds(th.EnterDistError, th.EnterDepthAngleError, th.EnterHorizAngleError, th.EnterDepthDistError)
		dwell = th.EnterMinDwell
	}

	m.mu.Lock()
	now := m.coord.clock.Now()
	flipped := false
	switch {
	case !candidate:
		// Measurement agrees with the current state; cancel any pending
		// flip.
		m.maybeChangedAt = nil
	case m.maybeChangedAt == nil:
		if dwell <= 0 {
			m.onTarget = !wasOn
			flipped = true
		} else {
			m.maybeChangedAt = &now
		}
	case now.Sub(*m.maybeChangedAt) >= dwell:
		m.maybeChangedAt = nil
		m.onTarget = !wasOn
		flipped = true
	}
	newState := m.onTarget
	m.mu.Unlock()

	if flipped {
		monitoring.Logf("[Targeting] on target: %v", newState)
		m.changed.Emit(newState)
	}
}
