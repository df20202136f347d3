package targeting

import (
	"fmt"
	"math"

	"github.com/cortexnav/neuronav/internal/session"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// Orientation selects which frame a targeting coordinate is anchored to:
// the planned target pose or the measured coil pose.
type Orientation string

const (
	OrientTarget Orientation = "target"
	OrientCoil   Orientation = "coil"
)

// Depth is the tagged union of depth selectors accepted by TargetingCoord:
// one of the named depths, or a ProjectionSpec mixing two orientations.
type Depth interface {
	isDepth()
}

// NamedDepth picks a point along the orientation's own depth axis.
type NamedDepth string

const (
	// DepthCoil is the coil plane: the measured coil origin, or the
	// planned entry point plus depth offset.
	DepthCoil NamedDepth = "coil"
	// DepthTarget is the stimulation depth: the planned target coordinate,
	// or the equivalent depth down the measured coil's axis.
	DepthTarget NamedDepth = "target"
	// DepthSkin projects the coil-plane point onto the skin surface.
	DepthSkin NamedDepth = "skin"
	// DepthGM projects the target-depth point onto the gray-matter surface.
	DepthGM NamedDepth = "gm"
)

func (NamedDepth) isDepth() {}

// ProjectionShape selects the reference shape a projection lands on.
type ProjectionShape string

const (
	ProjectPlane  ProjectionShape = "plane"
	ProjectSphere ProjectionShape = "sphere"
)

// ProjectionSpec projects the queried orientation's depth axis onto a
// reference derived from the other orientation: either the plane through
// the reference point normal to that orientation's depth axis, or the
// sphere around that orientation's coil-plane point through the reference
// point.
type ProjectionSpec struct {
	ToOrientation Orientation
	ToDepth       NamedDepth
	Shape         ProjectionShape
}

func (ProjectionSpec) isDepth() {}

// TargetingCoord returns the scan-space point selected by (orientation,
// depth). A nil point with a nil error means the required pose, target or
// geometry is missing; a non-nil error means the selector itself is
// malformed and the call is a caller bug.
func (c *Coordinator) TargetingCoord(orientation Orientation, depth Depth) (*[3]float64, error) {
	if err := checkOrientation(orientation); err != nil {
		return nil, err
	}
	switch d := depth.(type) {
	case NamedDepth:
		if err := checkNamedDepth(d); err != nil {
			return nil, err
		}
		return c.namedCoord(orientation, d), nil
	case ProjectionSpec:
		if err := checkOrientation(d.ToOrientation); err != nil {
			return nil, err
		}
		if err := checkNamedDepth(d.ToDepth); err != nil {
			return nil, err
		}
		if d.Shape != ProjectPlane && d.Shape != ProjectSphere {
			return nil, fmt.Errorf("targeting: unknown projection shape %q", d.Shape)
		}
		return c.projectedCoord(orientation, d), nil
	default:
		return nil, fmt.Errorf("targeting: unknown depth selector %T", depth)
	}
}

func checkOrientation(o Orientation) error {
	switch o {
	case OrientTarget, OrientCoil:
		return nil
	}
	return fmt.Errorf("targeting: unknown orientation %q", o)
}

func checkNamedDepth(d NamedDepth) error {
	switch d {
	case DepthCoil, DepthTarget, DepthSkin, DepthGM:
		return nil
	}
	return fmt.Errorf("targeting: unknown depth %q", d)
}

func (c *Coordinator) namedCoord(orientation Orientation, depth NamedDepth) *[3]float64 {
	switch depth {
	case DepthCoil:
		return c.coilPlanePoint(orientation)
	case DepthTarget:
		return c.targetDepthPoint(orientation)
	case DepthSkin:
		return c.surfacePoint(c.coilPlanePoint(orientation), session.SurfaceSkin)
	case DepthGM:
		return c.surfacePoint(c.targetDepthPoint(orientation), session.SurfaceGM)
	default:
		return nil
	}
}

// coilPlanePoint is the orientation's coil-plane origin in scan space.
func (c *Coordinator) coilPlanePoint(orientation Orientation) *[3]float64 {
	switch orientation {
	case OrientTarget:
		target := c.CurrentTarget()
		if target == nil {
			return nil
		}
		return target.EntryCoordPlusDepthOffset()
	case OrientCoil:
		t := c.CoilToScanTransform()
		if t == nil {
			return nil
		}
		p := xfm.Apply(*t, [3]float64{0, 0, 0})
		return &p
	default:
		return nil
	}
}

// targetDepthPoint is the stimulation-depth point: for the target
// orientation the planned coordinate itself, for the coil orientation the
// same depth projected down the measured coil's axis.
func (c *Coordinator) targetDepthPoint(orientation Orientation) *[3]float64 {
	target := c.CurrentTarget()
	if target == nil {
		return nil
	}
	switch orientation {
	case OrientTarget:
		return target.TargetCoord()
	case OrientCoil:
		t := c.CoilToScanTransform()
		if t == nil {
			return nil
		}
		entryPlus := target.EntryCoordPlusDepthOffset()
		targetCoord := target.TargetCoord()
		if entryPlus == nil || targetCoord == nil {
			return nil
		}
		depth := dist(*entryPlus, *targetCoord)
		p := xfm.Apply(*t, [3]float64{0, 0, -depth})
		return &p
	default:
		return nil
	}
}

// depthAxis is the orientation's depth direction (into the head), unit
// length, in scan space.
func (c *Coordinator) depthAxis(orientation Orientation) *[3]float64 {
	switch orientation {
	case OrientTarget:
		target := c.CurrentTarget()
		if target == nil {
			return nil
		}
		outward := target.DepthDirection()
		if outward == nil {
			return nil
		}
		d := [3]float64{-outward[0], -outward[1], -outward[2]}
		return &d
	case OrientCoil:
		t := c.CoilToScanTransform()
		if t == nil {
			return nil
		}
		d := xfm.ApplyDirection(*t, [3]float64{0, 0, -1})
		return &d
	default:
		return nil
	}
}

func (c *Coordinator) surfacePoint(p *[3]float64, surface session.Surface) *[3]float64 {
	if p == nil {
		return nil
	}
	geo := c.session.HeadModel.Geometry()
	if geo == nil {
		return nil
	}
	return geo.ClosestPointOn(surface, *p)
}

// projectedCoord casts the queried orientation's depth ray onto the
// reference shape described by spec.
func (c *Coordinator) projectedCoord(orientation Orientation, spec ProjectionSpec) *[3]float64 {
	origin := c.coilPlanePoint(orientation)
	dir := c.depthAxis(orientation)
	refPoint := c.namedCoord(spec.ToOrientation, spec.ToDepth)
	if origin == nil || dir == nil || refPoint == nil {
		return nil
	}

	switch spec.Shape {
	case ProjectPlane:
		normal := c.depthAxis(spec.ToOrientation)
		if normal == nil {
			return nil
		}
		return intersectPlane(*origin, *dir, *refPoint, *normal)
	case ProjectSphere:
		center := c.coilPlanePoint(spec.ToOrientation)
		if center == nil {
			return nil
		}
		return intersectSphere(*origin, *dir, *center, dist(*center, *refPoint))
	default:
		return nil
	}
}

const rayEps = 1e-9

// intersectPlane intersects the ray (origin, dir) with the plane through
// point with the given normal. Nil when the ray runs parallel to the plane.
func intersectPlane(origin, dir, point, normal [3]float64) *[3]float64 {
	denom := dot(dir, normal)
	if math.Abs(denom) < rayEps {
		return nil
	}
	t := dot(diff(point, origin), normal) / denom
	p := [3]float64{origin[0] + t*dir[0], origin[1] + t*dir[1], origin[2] + t*dir[2]}
	return &p
}

// intersectSphere returns the first crossing of the ray (origin, dir) with
// the sphere (center, radius), preferring the nearest intersection in the
// ray's forward direction. Nil when the ray misses the sphere.
func intersectSphere(origin, dir, center [3]float64, radius float64) *[3]float64 {
	oc := diff(origin, center)
	a := dot(dir, dir)
	if a < rayEps {
		return nil
	}
	b := 2 * dot(oc, dir)
	cc := dot(oc, oc) - radius*radius
	disc := b*b - 4*a*cc
	if disc < 0 {
		return nil
	}
	sq := math.Sqrt(disc)
	t := (-b - sq) / (2 * a)
	if t < 0 {
		t = (-b + sq) / (2 * a)
	}
	if t < 0 {
		return nil
	}
	p := [3]float64{origin[0] + t*dir[0], origin[1] + t*dir[1], origin[2] + t*dir[2]}
	return &p
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func diff(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func dist(a, b [3]float64) float64 {
	d := diff(a, b)
	return math.Sqrt(dot(d, d))
}
