package session

import (
	"math"
	"sync"

	"github.com/cortexnav/neuronav/internal/signal"
)

// Surface names an anatomical surface of the head model.
type Surface string

const (
	SurfaceSkin Surface = "skin"
	SurfaceGM   Surface = "gm"
)

// SurfaceGeometry is the black-box geometry collaborator. Implementations
// wrap whatever mesh machinery the surrounding application uses; the core
// only ever asks for closest points. A nil result means the surface is not
// loaded or the query cannot be answered.
type SurfaceGeometry interface {
	ClosestPointOn(surface Surface, p [3]float64) *[3]float64
}

// HeadModel holds the geometry hook plus a change signal fired when the
// underlying surfaces are replaced (e.g. a new head-model file is loaded).
type HeadModel struct {
	mu       sync.Mutex
	geometry SurfaceGeometry

	dataChanged signal.Signal[struct{}]
}

// DataChanged fires when the geometry is replaced.
func (h *HeadModel) DataChanged() *signal.Signal[struct{}] {
	return &h.dataChanged
}

// Geometry returns the current geometry collaborator, or nil.
func (h *HeadModel) Geometry() SurfaceGeometry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.geometry
}

// SetGeometry replaces the geometry collaborator.
func (h *HeadModel) SetGeometry(g SurfaceGeometry) {
	h.mu.Lock()
	h.geometry = g
	h.mu.Unlock()
	h.dataChanged.Emit(struct{}{})
}

// SphereGeometry models the head as two concentric spheres: the skin at
// SkinRadius and the gray-matter surface at GMRadius around Center. It is
// the geometry used by the simulator and by tests; real deployments plug in
// mesh-backed geometry instead.
type SphereGeometry struct {
	Center     [3]float64
	SkinRadius float64
	GMRadius   float64
}

func (g SphereGeometry) ClosestPointOn(surface Surface, p [3]float64) *[3]float64 {
	var radius float64
	switch surface {
	case SurfaceSkin:
		radius = g.SkinRadius
	case SurfaceGM:
		radius = g.GMRadius
	default:
		return nil
	}
	dx, dy, dz := p[0]-g.Center[0], p[1]-g.Center[1], p[2]-g.Center[2]
	n := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if n == 0 {
		// Query point at the center: any surface point is closest; pick +Z.
		return &[3]float64{g.Center[0], g.Center[1], g.Center[2] + radius}
	}
	s := radius / n
	return &[3]float64{g.Center[0] + dx*s, g.Center[1] + dy*s, g.Center[2] + dz*s}
}
