// Package targeting derives the live coil-to-scan transform from the pose
// stream and the session model, keeps track of the current target and
// sample selections, and answers targeting-coordinate queries that mix the
// planned target frame with the measured coil frame.
package targeting

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/cortexnav/neuronav/internal/monitoring"
	"github.com/cortexnav/neuronav/internal/posemetrics"
	"github.com/cortexnav/neuronav/internal/session"
	"github.com/cortexnav/neuronav/internal/signal"
	"github.com/cortexnav/neuronav/internal/timeutil"
	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// PoseSource supplies the latest tracker poses. *posebus.Client implements
// it; tests substitute a fixture.
type PoseSource interface {
	LatestTransformOr(toolKey string, def *xfm.Transform) *xfm.Transform
	PosesChanged() *signal.Signal[struct{}]
}

// Coordinator owns the single derived value of the navigation loop: the
// live coil-to-scan transform, recomputed lazily and invalidated whenever
// any link of its chain changes. It also carries the current target/sample
// selections (change-on-actual-change, with selection signals kept separate
// from derived-value signals) and a metric calculator bound to a synthetic
// "current pose" sample that follows the live coil.
type Coordinator struct {
	session *session.Session
	source  PoseSource
	clock   timeutil.Clock

	mu                  sync.Mutex
	currentTargetKey    string
	currentSampleKey    string
	cachedActiveCoilKey string
	cachedActiveCoil    *track.Tool
	activeCoilHandle    signal.Handle
	coilToScan          *xfm.Transform
	coilToScanValid     bool
	recomputes          int

	activeCoilKeyChanged   signal.Signal[struct{}]
	currentTargetChanged   signal.Signal[struct{}]
	currentSampleChanged   signal.Signal[struct{}]
	coilPositionChanged    signal.Signal[struct{}]
	subjectPositionChanged signal.Signal[struct{}]

	currentPoseSample *track.Sample
	poseMetrics       *posemetrics.Calculator

	monitor *onTargetMonitor
}

// NewCoordinator wires a coordinator to its collaborators. clock may be nil
// for the real clock.
func NewCoordinator(sess *session.Session, source PoseSource, clock timeutil.Clock) *Coordinator {
	if clock == nil {
		clock = timeutil.Real{}
	}
	c := &Coordinator{
		session: sess,
		source:  source,
		clock:   clock,
	}

	c.currentPoseSample = track.NewSample("CurrentPose", clock.Now())
	c.poseMetrics = posemetrics.NewCalculator(sess, c.currentPoseSample)
	c.monitor = newOnTargetMonitor(c)

	source.PosesChanged().Connect(func(struct{}) {
		c.invalidateCoilTransform()
		c.subjectPositionChanged.Emit(struct{}{})
	})
	sess.Tools.ItemsChanged().Connect(c.onToolsChanged)
	sess.Registration.TransformChanged().Connect(func(struct{}) {
		c.invalidateCoilTransform()
	})
	sess.Targets.ItemsChanged().Connect(c.onTargetsChanged)
	sess.Samples.ItemsChanged().Connect(c.onSamplesChanged)

	// The live-pose sample mirrors the selection and the derived transform
	// so the metric calculator always measures against the current state.
	c.currentTargetChanged.Connect(func(struct{}) {
		c.currentPoseSample.SetTargetKey(c.CurrentTargetKey())
		c.monitor.poke()
	})
	c.coilPositionChanged.Connect(func(struct{}) {
		c.currentPoseSample.SetTimestamp(c.clock.Now())
		c.currentPoseSample.SetCoilToScan(c.CoilToScanTransform())
		c.monitor.poke()
	})

	return c
}

// Session returns the session model the coordinator reads.
func (c *Coordinator) Session() *session.Session { return c.session }

// CurrentPoseMetrics returns the calculator bound to the live coil pose.
func (c *Coordinator) CurrentPoseMetrics() *posemetrics.Calculator {
	return c.poseMetrics
}

// ActiveCoilKeyChanged fires when a different coil becomes active.
func (c *Coordinator) ActiveCoilKeyChanged() *signal.Signal[struct{}] {
	return &c.activeCoilKeyChanged
}

// CurrentTargetChanged fires when a different target becomes current and
// when an attribute of the current target changes.
func (c *Coordinator) CurrentTargetChanged() *signal.Signal[struct{}] {
	return &c.currentTargetChanged
}

// CurrentSampleChanged fires when a different sample becomes current and
// when the current sample changes.
func (c *Coordinator) CurrentSampleChanged() *signal.Signal[struct{}] {
	return &c.currentSampleChanged
}

// CoilPositionChanged fires whenever the derived coil transform may have
// changed; consumers re-read CoilToScanTransform lazily.
func (c *Coordinator) CoilPositionChanged() *signal.Signal[struct{}] {
	return &c.coilPositionChanged
}

// SubjectPositionChanged fires whenever the subject tracker may have moved.
func (c *Coordinator) SubjectPositionChanged() *signal.Signal[struct{}] {
	return &c.subjectPositionChanged
}

// CurrentTargetKey returns the current target selection, or "".
func (c *Coordinator) CurrentTargetKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTargetKey
}

// SetCurrentTargetKey changes the target selection. Setting the same key
// again is a no-op and fires nothing.
func (c *Coordinator) SetCurrentTargetKey(key string) {
	c.mu.Lock()
	if c.currentTargetKey == key {
		c.mu.Unlock()
		return
	}
	c.currentTargetKey = key
	c.mu.Unlock()
	monitoring.Debugf("[Targeting] current target key changed to %q", key)
	c.currentTargetChanged.Emit(struct{}{})
}

// CurrentTarget resolves the current target, or nil.
func (c *Coordinator) CurrentTarget() *track.Target {
	key := c.CurrentTargetKey()
	if key == "" {
		return nil
	}
	return c.session.Targets.Get(key)
}

// CurrentSampleKey returns the current sample selection, or "".
func (c *Coordinator) CurrentSampleKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSampleKey
}

// SetCurrentSampleKey changes the sample selection; same-key sets fire
// nothing.
func (c *Coordinator) SetCurrentSampleKey(key string) {
	c.mu.Lock()
	if c.currentSampleKey == key {
		c.mu.Unlock()
		return
	}
	c.currentSampleKey = key
	c.mu.Unlock()
	c.currentSampleChanged.Emit(struct{}{})
}

// CurrentSample resolves the current sample, or nil.
func (c *Coordinator) CurrentSample() *track.Sample {
	key := c.CurrentSampleKey()
	if key == "" {
		return nil
	}
	return c.session.Samples.Get(key)
}

// ActiveCoilKey resolves the active coil: the cached selection if still
// valid, else the first active coil tool in the session.
func (c *Coordinator) ActiveCoilKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveActiveCoilLocked()
	return c.cachedActiveCoilKey
}

// ActiveCoilTool resolves the active coil tool, or nil.
func (c *Coordinator) ActiveCoilTool() *track.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveActiveCoilLocked()
	return c.cachedActiveCoil
}

func (c *Coordinator) resolveActiveCoilLocked() {
	if c.cachedActiveCoil != nil {
		return
	}
	coil := c.session.Tools.FirstActiveCoil()
	if coil == nil {
		return
	}
	c.cachedActiveCoilKey = coil.Key()
	c.cachedActiveCoil = coil
	c.activeCoilHandle = coil.Changed().Connect(c.onActiveCoilChanged)
	monitoring.Logf("[Targeting] detected active coil %q", coil.Key())
}

func (c *Coordinator) dropActiveCoilLocked() {
	if c.cachedActiveCoil == nil {
		return
	}
	c.cachedActiveCoil.Changed().Disconnect(c.activeCoilHandle)
	c.cachedActiveCoil = nil
	c.cachedActiveCoilKey = ""
}

// onToolsChanged re-detects the active coil when any tool's active flag may
// have changed.
func (c *Coordinator) onToolsChanged(change session.CollectionChange) {
	if change.Attribs != nil && !slices.Contains(change.Attribs, track.ToolAttrActive) {
		return
	}
	c.mu.Lock()
	before := c.cachedActiveCoilKey
	c.dropActiveCoilLocked()
	c.resolveActiveCoilLocked()
	after := c.cachedActiveCoilKey
	c.coilToScan = nil
	c.coilToScanValid = false
	c.mu.Unlock()
	if before != after {
		c.activeCoilKeyChanged.Emit(struct{}{})
	}
	c.coilPositionChanged.Emit(struct{}{})
}

// onActiveCoilChanged handles attribute edits on the currently active coil:
// deactivation drops the cached selection, everything else just invalidates
// the derived transform.
func (c *Coordinator) onActiveCoilChanged(change track.ToolChange) {
	deactivated := false
	if change.Attribs == nil || slices.Contains(change.Attribs, track.ToolAttrActive) {
		c.mu.Lock()
		if c.cachedActiveCoil != nil && !c.cachedActiveCoil.Active() {
			c.dropActiveCoilLocked()
			deactivated = true
		}
		c.mu.Unlock()
	}
	c.invalidateCoilTransform()
	if deactivated {
		c.activeCoilKeyChanged.Emit(struct{}{})
	}
}

func (c *Coordinator) onTargetsChanged(change session.CollectionChange) {
	key := c.CurrentTargetKey()
	if key == "" || !slices.Contains(change.Keys, key) {
		return
	}
	if !c.session.Targets.Has(key) {
		monitoring.Logf("[Targeting] current target %q deleted", key)
		c.SetCurrentTargetKey("")
		return
	}
	c.currentTargetChanged.Emit(struct{}{})
}

func (c *Coordinator) onSamplesChanged(change session.CollectionChange) {
	key := c.CurrentSampleKey()
	if key != "" && slices.Contains(change.Keys, key) {
		c.currentSampleChanged.Emit(struct{}{})
	}
}

// invalidateCoilTransform clears the cached derived transform and notifies.
func (c *Coordinator) invalidateCoilTransform() {
	c.mu.Lock()
	c.coilToScan = nil
	c.coilToScanValid = false
	c.mu.Unlock()
	c.coilPositionChanged.Emit(struct{}{})
}

// CoilToScanTransform returns the live coil-to-scan transform, or nil when
// any link of the chain is unavailable (no active coil, a tracker out of
// view, registration not yet performed). The nil case is the normal
// steady state during setup, so it is cheap and never an error. Successful
// results are cached until invalidated.
func (c *Coordinator) CoilToScanTransform() *xfm.Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coilToScanValid {
		return c.coilToScan
	}

	c.resolveActiveCoilLocked()
	coil := c.cachedActiveCoil
	if coil == nil {
		return nil
	}
	subjectTracker := c.session.Tools.SubjectTracker()
	if subjectTracker == nil {
		return nil
	}

	coilToTracker := coil.ToolToTracker()
	coilTrackerToCamera := c.source.LatestTransformOr(coil.TrackerKey(), nil)
	subjectToCamera := c.source.LatestTransformOr(subjectTracker.TrackerKey(), nil)
	trackerToScan := c.session.Registration.TrackerToScan()
	if coilToTracker == nil || coilTrackerToCamera == nil || subjectToCamera == nil || trackerToScan == nil {
		return nil
	}

	cameraToSubject, err := xfm.Invert(*subjectToCamera)
	if err != nil {
		monitoring.Logf("[Targeting] subject tracker pose not rigid: %v", err)
		return nil
	}
	t, err := xfm.Concatenate(*coilToTracker, *coilTrackerToCamera, cameraToSubject, *trackerToScan)
	if err != nil {
		monitoring.Logf("[Targeting] coil transform chain invalid: %v", err)
		return nil
	}

	c.coilToScan = &t
	c.coilToScanValid = true
	c.recomputes++
	return c.coilToScan
}

// Recomputes reports how many times the derived transform was actually
// recomputed, as opposed to served from cache.
func (c *Coordinator) Recomputes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recomputes
}

// CreateTargetFromCurrentPose snapshots the live coil pose into a new
// session target: target coordinate at cortex depth, entry at scalp depth,
// handle angle from midline.
func (c *Coordinator) CreateTargetFromCurrentPose() (*track.Target, error) {
	t := c.CoilToScanTransform()
	if t == nil {
		return nil, fmt.Errorf("create target: coil pose unavailable")
	}
	now := c.clock.Now()
	s := track.NewSample("Pose "+now.Format("06.01.02 15:04:05.000"), now)
	s.SetCoilToScan(t)
	return c.CreateTargetFromSample(s)
}

// CreateTargetFromCurrentSample derives a target from the current recorded
// sample selection.
func (c *Coordinator) CreateTargetFromCurrentSample() (*track.Target, error) {
	s := c.CurrentSample()
	if s == nil {
		return nil, fmt.Errorf("create target: no sample currently selected")
	}
	return c.CreateTargetFromSample(s)
}

// CreateTargetFromSample derives a target from an arbitrary sample's coil
// pose and adds it to the session. The key is uniquified against the
// existing target list.
func (c *Coordinator) CreateTargetFromSample(s *track.Sample) (*track.Target, error) {
	coilToScan := s.CoilToScan()
	if coilToScan == nil {
		return nil, fmt.Errorf("create target from %q: sample has no coil transform", s.Key())
	}

	key := s.Key()
	for n := 2; c.session.Targets.Has(key); n++ {
		key = fmt.Sprintf("%s (%d)", s.Key(), n)
	}

	calc := posemetrics.NewCalculator(c.session, s)
	scalpDist := calc.CoilToScalpDist()
	brainDist := calc.CoilToCortexDist()
	if math.IsNaN(scalpDist) || math.IsNaN(brainDist) {
		return nil, fmt.Errorf("create target from %q: head model geometry unavailable", s.Key())
	}
	handleAngle := calc.AngleFromMidline()
	if math.IsNaN(handleAngle) {
		handleAngle = 0
	}

	targetCoord := xfm.Apply(*coilToScan, [3]float64{0, 0, -brainDist})
	entryCoord := xfm.Apply(*coilToScan, [3]float64{0, 0, -scalpDist})

	target := track.NewTargetFromTransform(key, targetCoord, entryCoord, handleAngle, scalpDist, *coilToScan)
	if err := c.session.Targets.Add(target); err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	monitoring.Logf("[Targeting] created target %q from sample %q", key, s.Key())
	return target, nil
}
