package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/xfm"
)

func TestToolsForwardItemChanges(t *testing.T) {
	t.Parallel()

	s := New()
	var changes []CollectionChange
	s.Tools.ItemsChanged().Connect(func(c CollectionChange) { changes = append(changes, c) })

	coil := track.NewTool("Coil A", track.KindCoil, "coil-tracker")
	require.NoError(t, s.Tools.Add(coil))
	require.Len(t, changes, 1)
	assert.Nil(t, changes[0].Attribs, "add reports unspecified attribs")

	coil.SetActive(true)
	require.Len(t, changes, 2)
	assert.Equal(t, []string{"Coil A"}, changes[1].Keys)
	assert.Equal(t, []string{track.ToolAttrActive}, changes[1].Attribs)

	assert.Error(t, s.Tools.Add(track.NewTool("Coil A", track.KindCoil, "x")), "duplicate key rejected")

	require.True(t, s.Tools.Remove("Coil A"))
	require.Len(t, changes, 3)
	coil.SetActive(false)
	assert.Len(t, changes, 3, "removed tool no longer forwarded")
}

func TestFirstActiveCoilAndSubjectTracker(t *testing.T) {
	t.Parallel()

	s := New()
	sub := track.NewTool("Head", track.KindSubjectTracker, "head-tracker")
	a := track.NewTool("Coil A", track.KindCoil, "tr-a")
	b := track.NewTool("Coil B", track.KindCoil, "tr-b")
	require.NoError(t, s.Tools.Add(sub))
	require.NoError(t, s.Tools.Add(a))
	require.NoError(t, s.Tools.Add(b))

	assert.Nil(t, s.Tools.FirstActiveCoil())
	b.SetActive(true)
	assert.Same(t, b, s.Tools.FirstActiveCoil())
	a.SetActive(true)
	assert.Same(t, a, s.Tools.FirstActiveCoil(), "insertion order wins")
	assert.Same(t, sub, s.Tools.SubjectTracker())
}

func TestRegistrationSignals(t *testing.T) {
	t.Parallel()

	s := New()
	transformFired := 0
	s.Registration.TransformChanged().Connect(func(struct{}) { transformFired++ })
	var fiducials [][]string
	s.Registration.FiducialsChanged().Connect(func(keys []string) { fiducials = append(fiducials, keys) })

	assert.Nil(t, s.Registration.TrackerToScan())

	reg := xfm.Identity()
	s.Registration.SetTrackerToScan(&reg)
	s.Registration.SetTrackerToScan(&reg) // no-op
	assert.Equal(t, 1, transformFired)
	require.NotNil(t, s.Registration.TrackerToScan())

	s.Registration.SetTrackerToScan(nil)
	assert.Equal(t, 2, transformFired)

	s.Registration.SetPlannedFiducial(FiducialNasion, [3]float64{0, 95, 0})
	s.Registration.SetPlannedFiducial(FiducialNasion, [3]float64{0, 95, 0}) // no-op
	require.Len(t, fiducials, 1)
	assert.Equal(t, []string{FiducialNasion}, fiducials[0])
	require.NotNil(t, s.Registration.PlannedFiducial(FiducialNasion))
}

func TestSphereGeometryClosestPoint(t *testing.T) {
	t.Parallel()

	g := SphereGeometry{Center: [3]float64{0, 0, 0}, SkinRadius: 80, GMRadius: 70}

	p := g.ClosestPointOn(SurfaceSkin, [3]float64{0, 0, 100})
	require.NotNil(t, p)
	assert.InDelta(t, 80.0, p[2], 1e-12)

	p = g.ClosestPointOn(SurfaceGM, [3]float64{0, 0, 100})
	require.NotNil(t, p)
	assert.InDelta(t, 70.0, p[2], 1e-12)

	assert.Nil(t, g.ClosestPointOn(Surface("bone"), [3]float64{0, 0, 1}))
}
