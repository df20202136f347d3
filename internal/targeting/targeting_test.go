package targeting

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexnav/neuronav/internal/session"
	"github.com/cortexnav/neuronav/internal/signal"
	"github.com/cortexnav/neuronav/internal/timeutil"
	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// fakeSource is an in-process PoseSource fixture.
type fakeSource struct {
	mu      sync.Mutex
	poses   map[string]*xfm.Transform
	changed signal.Signal[struct{}]
}

func newFakeSource() *fakeSource {
	return &fakeSource{poses: make(map[string]*xfm.Transform)}
}

func (f *fakeSource) LatestTransformOr(toolKey string, def *xfm.Transform) *xfm.Transform {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.poses[toolKey]; ok && t != nil {
		out := *t
		return &out
	}
	return def
}

func (f *fakeSource) PosesChanged() *signal.Signal[struct{}] { return &f.changed }

func (f *fakeSource) set(toolKey string, t *xfm.Transform) {
	f.mu.Lock()
	f.poses[toolKey] = t
	f.mu.Unlock()
	f.changed.Emit(struct{}{})
}

func translate(dx, dy, dz float64) xfm.Transform {
	return xfm.Compose(
		[9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		[3]float64{dx, dy, dz},
	)
}

func ptr(t xfm.Transform) *xfm.Transform { return &t }

// rig assembles a session with one active coil, a subject tracker, and a
// pose source, leaving registration and geometry to each test.
type rig struct {
	sess   *session.Session
	source *fakeSource
	coil   *track.Tool
	subj   *track.Tool
	clock  *timeutil.Fake
	coord  *Coordinator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		sess:   session.New(),
		source: newFakeSource(),
		clock:  timeutil.NewFake(time.Unix(1000, 0)),
	}
	r.coil = track.NewTool("Coil1", track.KindCoil, "coilTracker")
	r.coil.SetActive(true)
	r.coil.SetToolToTracker(ptr(xfm.Identity()))
	require.NoError(t, r.sess.Tools.Add(r.coil))

	r.subj = track.NewTool("HeadTracker", track.KindSubjectTracker, "subjTracker")
	r.subj.SetActive(true)
	require.NoError(t, r.sess.Tools.Add(r.subj))

	r.coord = NewCoordinator(r.sess, r.source, r.clock)
	return r
}

// trackAll publishes poses for both trackers and sets the registration.
func (r *rig) trackAll(coilPose, subjPose, reg xfm.Transform) {
	r.sess.Registration.SetTrackerToScan(&reg)
	r.source.set("subjTracker", &subjPose)
	r.source.set("coilTracker", &coilPose)
}

func TestCoilToScanChain(t *testing.T) {
	t.Parallel()

	t.Run("full chain", func(t *testing.T) {
		t.Parallel()
		r := newRig(t)
		r.coil.SetToolToTracker(ptr(translate(1, 0, 0)))
		r.trackAll(translate(0, 2, 0), translate(0, 0, 3), translate(10, 0, 0))

		got := r.coord.CoilToScanTransform()
		require.NotNil(t, got)
		origin := xfm.Apply(*got, [3]float64{0, 0, 0})
		assert.InDeltaSlice(t, []float64{11, 2, -3}, origin[:], 1e-9)
	})

	t.Run("no registration is nil, not an error", func(t *testing.T) {
		t.Parallel()
		r := newRig(t)
		r.source.set("subjTracker", ptr(xfm.Identity()))
		r.source.set("coilTracker", ptr(xfm.Identity()))
		assert.Nil(t, r.coord.CoilToScanTransform())
	})

	t.Run("missing tracker pose is nil", func(t *testing.T) {
		t.Parallel()
		r := newRig(t)
		r.sess.Registration.SetTrackerToScan(ptr(xfm.Identity()))
		r.source.set("coilTracker", ptr(xfm.Identity()))
		assert.Nil(t, r.coord.CoilToScanTransform(), "subject tracker never seen")
	})

	t.Run("no subject tracker tool is nil", func(t *testing.T) {
		t.Parallel()
		r := newRig(t)
		r.sess.Tools.Remove("HeadTracker")
		r.trackAll(xfm.Identity(), xfm.Identity(), xfm.Identity())
		assert.Nil(t, r.coord.CoilToScanTransform())
	})

	t.Run("uncalibrated coil is nil", func(t *testing.T) {
		t.Parallel()
		r := newRig(t)
		r.coil.SetToolToTracker(nil)
		r.trackAll(xfm.Identity(), xfm.Identity(), xfm.Identity())
		assert.Nil(t, r.coord.CoilToScanTransform())
	})
}

func TestCoilTransformCache(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	r.trackAll(xfm.Identity(), xfm.Identity(), xfm.Identity())

	// The live-pose sample already forced one recompute when the chain
	// became complete; reads after that are served from the cache.
	base := r.coord.Recomputes()
	require.NotNil(t, r.coord.CoilToScanTransform())
	require.NotNil(t, r.coord.CoilToScanTransform())
	assert.Equal(t, base, r.coord.Recomputes(), "reads must hit the cache")

	// Each invalidation trigger forces exactly one new recompute.
	r.source.set("coilTracker", ptr(translate(1, 0, 0)))
	require.NotNil(t, r.coord.CoilToScanTransform())
	r.coord.CoilToScanTransform()
	assert.Equal(t, base+1, r.coord.Recomputes())

	r.coil.SetToolToTracker(ptr(translate(0, 1, 0)))
	require.NotNil(t, r.coord.CoilToScanTransform())
	assert.Equal(t, base+2, r.coord.Recomputes())

	r.sess.Registration.SetTrackerToScan(ptr(translate(0, 0, 5)))
	got := r.coord.CoilToScanTransform()
	require.NotNil(t, got)
	assert.Equal(t, base+3, r.coord.Recomputes())
	origin := xfm.Apply(*got, [3]float64{0, 0, 0})
	assert.InDeltaSlice(t, []float64{1, 1, 5}, origin[:], 1e-9)
}

func TestActiveCoilResolution(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	coil2 := track.NewTool("Coil2", track.KindCoil, "coilTracker2")
	require.NoError(t, r.sess.Tools.Add(coil2))

	assert.Equal(t, "Coil1", r.coord.ActiveCoilKey(), "first active coil wins")

	var changes int
	r.coord.ActiveCoilKeyChanged().Connect(func(struct{}) { changes++ })

	coil2.SetActive(true)
	assert.Equal(t, "Coil1", r.coord.ActiveCoilKey(), "existing selection keeps priority")

	r.coil.SetActive(false)
	assert.Equal(t, "Coil2", r.coord.ActiveCoilKey(), "deactivation falls through to next coil")
	assert.Greater(t, changes, 0)
}

func TestSelectionChangeSemantics(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	require.NoError(t, r.sess.Targets.Add(track.NewTarget("T1", [3]float64{0, 0, 70}, [3]float64{0, 0, 80}, 0, 0)))

	var targetEvents int
	r.coord.CurrentTargetChanged().Connect(func(struct{}) { targetEvents++ })

	r.coord.SetCurrentTargetKey("T1")
	assert.Equal(t, 1, targetEvents)
	r.coord.SetCurrentTargetKey("T1")
	assert.Equal(t, 1, targetEvents, "same-key set must not fire")

	// Editing the current target re-fires the selection-content signal.
	r.sess.Targets.Get("T1").SetAngle(15)
	assert.Equal(t, 2, targetEvents)

	// Deleting the current target clears the selection.
	r.sess.Targets.Remove("T1")
	assert.Equal(t, "", r.coord.CurrentTargetKey())
	assert.Equal(t, 3, targetEvents)
	assert.Nil(t, r.coord.CurrentTarget())
}

// sphereRig extends the base rig with a registered spherical head model and
// a planned target straight up the Z axis.
func sphereRig(t *testing.T) *rig {
	t.Helper()
	r := newRig(t)
	r.sess.HeadModel.SetGeometry(session.SphereGeometry{SkinRadius: 80, GMRadius: 70})
	r.sess.Registration.SetPlannedFiducial(session.FiducialNasion, [3]float64{0, 80, 0})
	r.sess.Registration.SetPlannedFiducial(session.FiducialLeftPA, [3]float64{-75, 0, 0})
	r.sess.Registration.SetPlannedFiducial(session.FiducialRightPA, [3]float64{75, 0, 0})
	require.NoError(t, r.sess.Targets.Add(track.NewTarget("T1", [3]float64{0, 0, 70}, [3]float64{0, 0, 80}, 0, 0)))
	r.coord.SetCurrentTargetKey("T1")
	return r
}

func TestTargetingCoord(t *testing.T) {
	t.Parallel()
	r := sphereRig(t)
	// Coil hovering 10 mm above the scalp, axis straight down.
	r.trackAll(translate(0, 0, 90), xfm.Identity(), xfm.Identity())

	coord := func(o Orientation, d Depth) *[3]float64 {
		t.Helper()
		got, err := r.coord.TargetingCoord(o, d)
		require.NoError(t, err, "%v/%v", o, d)
		return got
	}
	check := func(o Orientation, d Depth, want [3]float64) {
		t.Helper()
		got := coord(o, d)
		require.NotNil(t, got, "%v/%v", o, d)
		assert.InDeltaSlice(t, want[:], got[:], 1e-9)
	}

	check(OrientTarget, DepthTarget, [3]float64{0, 0, 70})
	check(OrientTarget, DepthCoil, [3]float64{0, 0, 80})
	check(OrientCoil, DepthCoil, [3]float64{0, 0, 90})
	check(OrientCoil, DepthTarget, [3]float64{0, 0, 80})
	check(OrientCoil, DepthSkin, [3]float64{0, 0, 80})
	check(OrientCoil, DepthGM, [3]float64{0, 0, 70})
	check(OrientTarget, DepthSkin, [3]float64{0, 0, 80})
	check(OrientTarget, DepthGM, [3]float64{0, 0, 70})

	// Offset coil: projections land where its depth ray crosses the
	// target's reference plane and sphere.
	r.source.set("coilTracker", ptr(translate(5, 0, 90)))

	check(OrientCoil, ProjectionSpec{OrientTarget, DepthTarget, ProjectPlane}, [3]float64{5, 0, 70})

	onSphere := coord(OrientCoil, ProjectionSpec{OrientTarget, DepthTarget, ProjectSphere})
	require.NotNil(t, onSphere)
	assert.InDelta(t, 5, onSphere[0], 1e-9)
	assert.InDelta(t, 80+math.Sqrt(75), onSphere[2], 1e-9)

	// Without a current target the target-frame queries degrade to nil
	// without an error.
	r.coord.SetCurrentTargetKey("")
	assert.Nil(t, coord(OrientTarget, DepthTarget))
	assert.Nil(t, coord(OrientCoil, DepthTarget))
	assert.NotNil(t, coord(OrientCoil, DepthCoil))
}

func TestTargetingCoordRejectsBadSelectors(t *testing.T) {
	t.Parallel()
	r := sphereRig(t)
	r.trackAll(translate(0, 0, 90), xfm.Identity(), xfm.Identity())

	cases := map[string]struct {
		orientation Orientation
		depth       Depth
		wantMsg     string
	}{
		"unknown orientation":           {Orientation("elbow"), DepthTarget, "elbow"},
		"unknown named depth":           {OrientCoil, NamedDepth("core"), "core"},
		"nil depth selector":            {OrientCoil, nil, "depth selector"},
		"projection to bad orientation": {OrientCoil, ProjectionSpec{Orientation("elbow"), DepthTarget, ProjectPlane}, "elbow"},
		"projection to bad depth":       {OrientCoil, ProjectionSpec{OrientTarget, NamedDepth("core"), ProjectPlane}, "core"},
		"projection with unknown shape": {OrientCoil, ProjectionSpec{OrientTarget, DepthTarget, ProjectionShape("cone")}, "cone"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := r.coord.TargetingCoord(tc.orientation, tc.depth)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestCreateTargetFromCurrentPose(t *testing.T) {
	t.Parallel()
	r := sphereRig(t)
	r.trackAll(translate(0, 0, 90), xfm.Identity(), xfm.Identity())

	target, err := r.coord.CreateTargetFromCurrentPose()
	require.NoError(t, err)
	require.NotNil(t, target)

	assert.True(t, r.sess.Targets.Has(target.Key()))
	require.NotNil(t, target.TargetCoord())
	require.NotNil(t, target.EntryCoord())
	assert.InDeltaSlice(t, []float64{0, 0, 70}, target.TargetCoord()[:], 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0, 80}, target.EntryCoord()[:], 1e-9)
	assert.InDelta(t, 10, target.DepthOffset(), 1e-9)
	assert.InDelta(t, 0, target.Angle(), 1e-9)

	// The pinned transform reproduces the pose it was captured from.
	pinned := target.CoilToScan()
	require.NotNil(t, pinned)
	origin := xfm.Apply(*pinned, [3]float64{0, 0, 0})
	assert.InDeltaSlice(t, []float64{0, 0, 90}, origin[:], 1e-9)

	// Creating again uniquifies the key instead of failing.
	target2, err := r.coord.CreateTargetFromCurrentPose()
	require.NoError(t, err)
	assert.NotEqual(t, target.Key(), target2.Key())

	_, err = r.coord.CreateTargetFromCurrentSample()
	assert.Error(t, err, "no sample selected")
}

func TestOnTargetMonitor(t *testing.T) {
	t.Parallel()
	r := sphereRig(t)

	// Place the coil exactly at the planned pose.
	planned := r.sess.Targets.Get("T1").CoilToScan()
	require.NotNil(t, planned)
	r.trackAll(*planned, xfm.Identity(), xfm.Identity())

	var states []bool
	r.coord.IsOnTargetChanged().Connect(func(on bool) { states = append(states, on) })

	r.coord.SetMonitorOnTarget(true)
	assert.Empty(t, states, "enter dwell not yet satisfied")

	r.clock.Advance(600 * time.Millisecond)
	r.source.set("coilTracker", planned) // re-check after dwell
	require.Equal(t, []bool{true}, states)
	assert.True(t, r.coord.IsOnTarget())

	// Drift far off target: first check arms the exit dwell, the next one
	// past the dwell reports off-target.
	r.source.set("coilTracker", ptr(translate(50, 0, 90)))
	require.Equal(t, []bool{true}, states, "exit dwell not yet satisfied")

	r.clock.Advance(200 * time.Millisecond)
	r.source.set("coilTracker", ptr(translate(50, 0, 90)))
	assert.Equal(t, []bool{true, false}, states)
	assert.False(t, r.coord.IsOnTarget())
}
