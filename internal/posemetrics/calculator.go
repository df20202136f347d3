// Package posemetrics computes the catalog of scalar targeting metrics
// derived from one coil pose sample: distances to the planned target,
// angular errors relative to the target's depth axis, distances to the
// anatomical surfaces and handle angles relative to anatomical reference
// directions. Every metric is a pure function of (sample, target, session
// geometry) and is cached under a stable key until an upstream change
// invalidates it.
package posemetrics

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cortexnav/neuronav/internal/session"
	"github.com/cortexnav/neuronav/internal/signal"
	"github.com/cortexnav/neuronav/internal/track"
)

// Metric cache keys. These are also the catalog keys reported by Catalog.
const (
	KeyTargetErrorInBrain     = "targetErrorInBrain"
	KeyTargetErrorAtCoil      = "targetErrorAtCoil"
	KeyTargetXErrorAtCoil     = "targetXErrorAtCoil"
	KeyTargetYErrorAtCoil     = "targetYErrorAtCoil"
	KeyDepthOffsetError       = "depthOffsetError"
	KeyDepthAngleError        = "depthAngleError"
	KeyDepthTargetXAngleError = "depthTargetXAngleError"
	KeyDepthTargetYAngleError = "depthTargetYAngleError"
	KeyDepthCoilXAngleError   = "depthCoilXAngleError"
	KeyDepthCoilYAngleError   = "depthCoilYAngleError"
	KeyNormalCoilXAngleError  = "normalCoilXAngleError"
	KeyNormalCoilYAngleError  = "normalCoilYAngleError"
	KeyHorizAngleError        = "horizAngleError"
	KeyAngleFromMidline       = "angleFromMidline"
	KeyAngleFromNormal        = "angleFromNormal"
	KeyCoilToCortexDist       = "coilToCortexDist"
	KeyCoilToScalpDist        = "coilToScalpDist"
	KeyTargetCoilToScalpDist  = "targetCoilToScalpDist"
	KeyTargetCoilToCortexDist = "targetCoilToCortexDist"
	KeyCoilPosX               = "coilPosX"
	KeyCoilPosY               = "coilPosY"
	KeyCoilPosZ               = "coilPosZ"
)

// poseOnlyKeys are the metrics that depend only on the sample's own coil
// pose (plus head geometry), not on which target it is compared against.
// They survive target edits.
var poseOnlyKeys = []string{
	KeyAngleFromMidline,
	KeyAngleFromNormal,
	KeyCoilPosX,
	KeyCoilPosY,
	KeyCoilPosZ,
}

// targetOnlyKeys are the metrics that depend only on the target's planned
// pose, not on the sample's live coil transform. They survive coil moves.
var targetOnlyKeys = []string{
	KeyTargetCoilToScalpDist,
	KeyTargetCoilToCortexDist,
}

// MetricSpec describes one catalog entry. Getter returns the current
// (possibly cached) value; NaN means not available.
type MetricSpec struct {
	Key           string
	Getter        func() float64
	Units         string
	Label         string
	ShowByDefault bool
}

// Calculator computes and caches the metric catalog for one sample. The
// sample may be a live "current pose" sample maintained by the targeting
// coordinator or a recorded one. Session-side changes (target edits, head
// model reload, fiducial edits) and sample edits invalidate exactly the
// affected subset of the cache.
type Calculator struct {
	session *session.Session

	mu           sync.Mutex
	sample       *track.Sample
	sampleHandle signal.Handle
	cached       map[string]float64

	catalog    []MetricSpec
	cacheReset signal.Signal[struct{}]
}

// NewCalculator wires a calculator to the session's change signals. sample
// may be nil; every metric then reports NaN until SetSample.
func NewCalculator(sess *session.Session, sample *track.Sample) *Calculator {
	c := &Calculator{
		session: sess,
		sample:  sample,
		cached:  make(map[string]float64),
	}
	c.catalog = []MetricSpec{
		{KeyTargetErrorInBrain, c.TargetErrorInBrain, " mm", "Target error in brain", true},
		{KeyTargetErrorAtCoil, c.TargetErrorAtCoil, " mm", "Target error at coil", true},
		{KeyTargetXErrorAtCoil, c.TargetXErrorAtCoil, " mm", "Target X error at coil", false},
		{KeyTargetYErrorAtCoil, c.TargetYErrorAtCoil, " mm", "Target Y error at coil", false},
		{KeyDepthOffsetError, c.DepthOffsetError, " mm", "Depth offset error", true},
		{KeyDepthAngleError, c.DepthAngleError, "°", "Depth angle error", true},
		{KeyDepthTargetXAngleError, c.DepthTargetXAngleError, "°", "Depth target X angle error", false},
		{KeyDepthTargetYAngleError, c.DepthTargetYAngleError, "°", "Depth target Y angle error", false},
		{KeyDepthCoilXAngleError, c.DepthCoilXAngleError, "°", "Depth coil X angle error", false},
		{KeyDepthCoilYAngleError, c.DepthCoilYAngleError, "°", "Depth coil Y angle error", false},
		{KeyNormalCoilXAngleError, c.NormalCoilXAngleError, "°", "Normal coil X angle error", false},
		{KeyNormalCoilYAngleError, c.NormalCoilYAngleError, "°", "Normal coil Y angle error", false},
		{KeyHorizAngleError, c.HorizAngleError, "°", "Horiz angle error", true},
		{KeyAngleFromMidline, c.AngleFromMidline, "°", "Angle from midline", true},
		{KeyAngleFromNormal, c.AngleFromNormal, "°", "Angle from normal", true},
		{KeyCoilToCortexDist, c.CoilToCortexDist, " mm", "Coil to cortex dist", true},
		{KeyCoilToScalpDist, c.CoilToScalpDist, " mm", "Coil to scalp dist", true},
		{KeyTargetCoilToScalpDist, c.TargetCoilToScalpDist, " mm", "Target coil to scalp dist", false},
		{KeyTargetCoilToCortexDist, c.TargetCoilToCortexDist, " mm", "Target coil to cortex dist", false},
		{KeyCoilPosX, c.CoilPosX, " mm", "Coil X position", false},
		{KeyCoilPosY, c.CoilPosY, " mm", "Coil Y position", false},
		{KeyCoilPosZ, c.CoilPosZ, " mm", "Coil Z position", false},
	}

	sess.HeadModel.DataChanged().Connect(func(struct{}) {
		c.InvalidateAll()
	})
	sess.Targets.ItemsChanged().Connect(c.onTargetsChanged)
	sess.Registration.FiducialsChanged().Connect(func([]string) {
		c.Invalidate(KeyAngleFromMidline)
	})
	if sample != nil {
		c.sampleHandle = sample.Changed().Connect(c.onSampleChanged)
	}
	return c
}

// Catalog returns the static metric list. The slice is shared; callers must
// not modify it.
func (c *Calculator) Catalog() []MetricSpec { return c.catalog }

// Value computes the metric registered under key. An unknown key is a
// caller bug and returns an error; NaN is reserved for known metrics whose
// inputs are incomplete.
func (c *Calculator) Value(key string) (float64, error) {
	for _, spec := range c.catalog {
		if spec.Key == key {
			return spec.Getter(), nil
		}
	}
	return 0, fmt.Errorf("posemetrics: unknown metric key %q", key)
}

// CacheReset fires every time any subset of the cache is cleared, however
// small, so displays can refresh uniformly without per-metric subscriptions.
func (c *Calculator) CacheReset() *signal.Signal[struct{}] {
	return &c.cacheReset
}

// Sample returns the sample under measurement, or nil.
func (c *Calculator) Sample() *track.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample
}

// SetSample swaps the sample under measurement and clears the whole cache.
func (c *Calculator) SetSample(s *track.Sample) {
	c.mu.Lock()
	if c.sample == s {
		c.mu.Unlock()
		return
	}
	if c.sample != nil {
		c.sample.Changed().Disconnect(c.sampleHandle)
	}
	c.sample = s
	if s != nil {
		c.sampleHandle = s.Changed().Connect(c.onSampleChanged)
	}
	c.mu.Unlock()
	c.InvalidateAll()
}

// InvalidateAll clears the whole cache.
func (c *Calculator) InvalidateAll() {
	c.mu.Lock()
	c.cached = make(map[string]float64)
	c.mu.Unlock()
	c.cacheReset.Emit(struct{}{})
}

// InvalidateAllExcept clears everything but the named keys.
func (c *Calculator) InvalidateAllExcept(keep ...string) {
	c.mu.Lock()
	for key := range c.cached {
		if !slices.Contains(keep, key) {
			delete(c.cached, key)
		}
	}
	c.mu.Unlock()
	c.cacheReset.Emit(struct{}{})
}

// Invalidate clears only the named keys.
func (c *Calculator) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.cached, key)
	}
	c.mu.Unlock()
	c.cacheReset.Emit(struct{}{})
}

// onTargetsChanged invalidates when the measured sample's assigned target
// was edited. Visibility-only edits change nothing geometric and are
// ignored; everything else clears all but the pose-only metrics.
func (c *Calculator) onTargetsChanged(change session.CollectionChange) {
	c.mu.Lock()
	s := c.sample
	c.mu.Unlock()
	if s == nil || s.TargetKey() == "" || !slices.Contains(change.Keys, s.TargetKey()) {
		return
	}
	if attrsOnly(change.Attribs, track.TargetAttrVisible) {
		return
	}
	c.InvalidateAllExcept(poseOnlyKeys...)
}

// onSampleChanged invalidates when the measured sample itself was edited.
// Visibility and timestamp edits are ignored. A target reassignment clears
// everything; a coil-transform change with the same target keeps only the
// target-pose-only distances.
func (c *Calculator) onSampleChanged(change track.SampleChange) {
	if attrsOnly(change.Attribs, track.SampleAttrVisible, track.SampleAttrTimestamp) {
		return
	}
	if change.Attribs == nil || slices.Contains(change.Attribs, track.SampleAttrTargetKey) {
		c.InvalidateAll()
		return
	}
	c.InvalidateAllExcept(targetOnlyKeys...)
}

// attrsOnly reports whether attribs is a known, non-nil set drawn entirely
// from allowed. A nil set means "anything may have changed".
func attrsOnly(attribs []string, allowed ...string) bool {
	if attribs == nil {
		return false
	}
	for _, a := range attribs {
		if !slices.Contains(allowed, a) {
			return false
		}
	}
	return true
}

// value returns the cached entry for key, computing and storing it on a
// miss. Getters compute outside the lock so they can call each other.
func (c *Calculator) value(key string, compute func() float64) float64 {
	c.mu.Lock()
	if v, ok := c.cached[key]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()
	v := compute()
	c.mu.Lock()
	c.cached[key] = v
	c.mu.Unlock()
	return v
}
