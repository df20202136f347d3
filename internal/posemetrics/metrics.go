package posemetrics

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/cortexnav/neuronav/internal/session"
	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// parallelEps guards line/plane intersections: a depth axis this close to
// parallel with the target plane has no meaningful crossing point.
const parallelEps = 1e-9

func vec(p [3]float64) r3.Vector    { return r3.Vector{X: p[0], Y: p[1], Z: p[2]} }
func arr(v r3.Vector) [3]float64    { return [3]float64{v.X, v.Y, v.Z} }
func sub(a, b [3]float64) r3.Vector { return vec(a).Sub(vec(b)) }
func degrees(rad float64) float64   { return rad * 180 / math.Pi }

func angleBetween(a, b r3.Vector) float64 {
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	cos := a.Dot(b) / (na * nb)
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}

// signedAngle2D returns the angle rotating a onto b, positive
// counterclockwise, for 2D vectors (x, y).
func signedAngle2D(ax, ay, bx, by float64) float64 {
	return math.Atan2(ax*by-ay*bx, ax*bx+ay*by)
}

// sampleCoilToScan returns the measured coil transform, or nil.
func (c *Calculator) sampleCoilToScan() *xfm.Transform {
	c.mu.Lock()
	s := c.sample
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.CoilToScan()
}

// currentTarget resolves the sample's assigned target, or nil.
func (c *Calculator) currentTarget() *track.Target {
	c.mu.Lock()
	s := c.sample
	c.mu.Unlock()
	if s == nil || s.TargetKey() == "" {
		return nil
	}
	return c.session.Targets.Get(s.TargetKey())
}

// sampleToTargetCoil maps sample-coil space into target-coil space, or nil
// when either coil transform is unavailable.
func (c *Calculator) sampleToTargetCoil() *xfm.Transform {
	sampleT := c.sampleCoilToScan()
	target := c.currentTarget()
	if sampleT == nil || target == nil {
		return nil
	}
	targetT := target.CoilToScan()
	if targetT == nil {
		return nil
	}
	scanToTargetCoil, err := xfm.Invert(*targetT)
	if err != nil {
		return nil
	}
	delta, err := xfm.Concatenate(*sampleT, scanToTargetCoil)
	if err != nil {
		return nil
	}
	return &delta
}

// coilToSurfDist returns the signed distance from the coil origin to the
// closest point on a surface, measured along the convention that the coil
// -Z axis pointing down at the surface gives a positive offset.
func (c *Calculator) coilToSurfDist(coilToScan xfm.Transform, surface session.Surface) float64 {
	geo := c.session.HeadModel.Geometry()
	if geo == nil {
		return math.NaN()
	}
	origin := xfm.Apply(coilToScan, [3]float64{0, 0, 0})
	closest := geo.ClosestPointOn(surface, origin)
	if closest == nil {
		return math.NaN()
	}
	scanToCoil, err := xfm.Invert(coilToScan)
	if err != nil {
		return math.NaN()
	}
	closestCoil := xfm.Apply(scanToCoil, *closest)
	return -closestCoil[2]
}

// targetErrorAtDepth intersects the sample's depth axis with the target
// plane depth mm down the target's depth axis, then measures the offset in
// that plane. axis < 0 gives the unsigned in-plane distance, axis 0/1 the
// signed offset along the target coil's X/Y axis.
func (c *Calculator) targetErrorAtDepth(depth float64, axis int) float64 {
	delta := c.sampleToTargetCoil()
	if delta == nil {
		return math.NaN()
	}
	planePt := [3]float64{0, 0, -depth}

	origin := xfm.Apply(*delta, [3]float64{0, 0, 0})
	dir := xfm.ApplyDirection(*delta, [3]float64{0, 0, 1})
	if math.Abs(dir[2]) < parallelEps {
		return math.NaN()
	}
	t := (planePt[2] - origin[2]) / dir[2]
	hit := [3]float64{origin[0] + t*dir[0], origin[1] + t*dir[1], planePt[2]}

	if axis < 0 {
		return sub(planePt, hit).Norm()
	}
	return planePt[axis] - hit[axis]
}

// TargetErrorInBrain is the distance from the planned target to the
// sample's depth axis, measured in the plane of the cortical target. The
// cortical depth comes from the target pose's distance to the gray-matter
// surface so targets planned above the cortex still measure at the cortex.
func (c *Calculator) TargetErrorInBrain() float64 {
	return c.value(KeyTargetErrorInBrain, func() float64 {
		depth := c.TargetCoilToCortexDist()
		if math.IsNaN(depth) {
			return math.NaN()
		}
		return c.targetErrorAtDepth(depth, -1)
	})
}

// TargetErrorAtCoil is the in-plane distance between the planned and
// measured coil origins, in the target coil's plane.
func (c *Calculator) TargetErrorAtCoil() float64 {
	return c.value(KeyTargetErrorAtCoil, func() float64 {
		return c.targetErrorAtDepth(0, -1)
	})
}

// TargetXErrorAtCoil is the signed X component of TargetErrorAtCoil,
// relative to the target coil's axes.
func (c *Calculator) TargetXErrorAtCoil() float64 {
	return c.value(KeyTargetXErrorAtCoil, func() float64 {
		return c.targetErrorAtDepth(0, 0)
	})
}

// TargetYErrorAtCoil is the signed Y component of TargetErrorAtCoil.
func (c *Calculator) TargetYErrorAtCoil() float64 {
	return c.value(KeyTargetYErrorAtCoil, func() float64 {
		return c.targetErrorAtDepth(0, 1)
	})
}

// DepthOffsetError is the measured coil origin's signed offset along the
// target's depth axis: positive when the coil sits above the planned plane.
func (c *Calculator) DepthOffsetError() float64 {
	return c.value(KeyDepthOffsetError, func() float64 {
		delta := c.sampleToTargetCoil()
		if delta == nil {
			return math.NaN()
		}
		return xfm.Apply(*delta, [3]float64{0, 0, 0})[2]
	})
}

// DepthAngleError is the total angle between the planned and measured
// depth axes, in degrees.
func (c *Calculator) DepthAngleError() float64 {
	return c.value(KeyDepthAngleError, func() float64 {
		sampleT := c.sampleCoilToScan()
		target := c.currentTarget()
		if sampleT == nil || target == nil {
			return math.NaN()
		}
		targetT := target.CoilToScan()
		if targetT == nil {
			return math.NaN()
		}
		z := [3]float64{0, 0, 1}
		return degrees(angleBetween(
			vec(xfm.ApplyDirection(*targetT, z)),
			vec(xfm.ApplyDirection(*sampleT, z))))
	})
}

// depthComponentAngleError is the signed tilt of the measured depth axis
// relative to the planned one, projected into the (dim, Z) plane of either
// the target coil's frame or the sample coil's frame.
func (c *Calculator) depthComponentAngleError(dim int, relToTarget bool) float64 {
	delta := c.sampleToTargetCoil()
	if delta == nil {
		return math.NaN()
	}
	reference := [3]float64{0, 0, 1}
	var measured [3]float64
	if relToTarget {
		measured = xfm.ApplyDirection(*delta, [3]float64{0, 0, 1})
	} else {
		inv, err := xfm.Invert(*delta)
		if err != nil {
			return math.NaN()
		}
		// Planned axis expressed in the measured coil's frame; the
		// measured axis is the frame's own Z.
		reference = xfm.ApplyDirection(inv, [3]float64{0, 0, 1})
		measured = [3]float64{0, 0, 1}
	}
	return degrees(signedAngle2D(reference[dim], reference[2], measured[dim], measured[2]))
}

// DepthTargetXAngleError is the depth-axis tilt about the target coil's Y
// axis (i.e. within its XZ plane), signed, in degrees.
func (c *Calculator) DepthTargetXAngleError() float64 {
	return c.value(KeyDepthTargetXAngleError, func() float64 {
		return c.depthComponentAngleError(0, true)
	})
}

// DepthTargetYAngleError is the depth-axis tilt within the target coil's
// YZ plane, signed, in degrees.
func (c *Calculator) DepthTargetYAngleError() float64 {
	return c.value(KeyDepthTargetYAngleError, func() float64 {
		return c.depthComponentAngleError(1, true)
	})
}

// DepthCoilXAngleError is the depth-axis tilt within the measured coil's
// XZ plane, signed, in degrees.
func (c *Calculator) DepthCoilXAngleError() float64 {
	return c.value(KeyDepthCoilXAngleError, func() float64 {
		return c.depthComponentAngleError(0, false)
	})
}

// DepthCoilYAngleError is the depth-axis tilt within the measured coil's
// YZ plane, signed, in degrees.
func (c *Calculator) DepthCoilYAngleError() float64 {
	return c.value(KeyDepthCoilYAngleError, func() float64 {
		return c.depthComponentAngleError(1, false)
	})
}

// HorizAngleError is the signed angle between the planned and measured
// handle directions, projected into the target coil's horizontal plane,
// in degrees.
func (c *Calculator) HorizAngleError() float64 {
	return c.value(KeyHorizAngleError, func() float64 {
		delta := c.sampleToTargetCoil()
		if delta == nil {
			return math.NaN()
		}
		handle := xfm.ApplyDirection(*delta, [3]float64{0, -1, 0})
		return degrees(signedAngle2D(0, -1, handle[0], handle[1]))
	})
}

// AngleFromMidline is the measured handle angle relative to the
// head-midline reference directions derived from the planned fiducials,
// in degrees.
func (c *Calculator) AngleFromMidline() float64 {
	return c.value(KeyAngleFromMidline, func() float64 {
		sampleT := c.sampleCoilToScan()
		if sampleT == nil {
			return math.NaN()
		}
		return angleFromMidline(c.session, *sampleT)
	})
}

// AngleFromNormal is the angle between the measured depth axis and the
// ideal surface normal under the coil (cortex point up to the nearest skin
// point), in degrees.
func (c *Calculator) AngleFromNormal() float64 {
	return c.value(KeyAngleFromNormal, func() float64 {
		sampleT := c.sampleCoilToScan()
		if sampleT == nil {
			return math.NaN()
		}
		gmPt, skinPt := c.idealNormalPoints(*sampleT)
		if gmPt == nil || skinPt == nil {
			return math.NaN()
		}
		ideal := sub(*skinPt, *gmPt)
		actual := vec(xfm.ApplyDirection(*sampleT, [3]float64{0, 0, 1}))
		return degrees(angleBetween(ideal, actual))
	})
}

// idealNormalPoints projects the coil down to cortex depth and finds the
// closest skin point above it; the segment between them approximates the
// ideal coil normal at this scalp location.
func (c *Calculator) idealNormalPoints(coilToScan xfm.Transform) (gmPt, skinPt *[3]float64) {
	geo := c.session.HeadModel.Geometry()
	if geo == nil {
		return nil, nil
	}
	depth := c.CoilToCortexDist()
	if math.IsNaN(depth) {
		return nil, nil
	}
	gm := xfm.Apply(coilToScan, [3]float64{0, 0, -depth})
	return &gm, geo.ClosestPointOn(session.SurfaceSkin, gm)
}

// normalCoilAngleError is the signed component of AngleFromNormal within
// the measured coil's (dim, Z) plane, in degrees.
func (c *Calculator) normalCoilAngleError(dim int) float64 {
	sampleT := c.sampleCoilToScan()
	if sampleT == nil {
		return math.NaN()
	}
	gmPt, skinPt := c.idealNormalPoints(*sampleT)
	if gmPt == nil || skinPt == nil {
		return math.NaN()
	}
	scanToCoil, err := xfm.Invert(*sampleT)
	if err != nil {
		return math.NaN()
	}
	gmCoil := xfm.Apply(scanToCoil, *gmPt)
	skinCoil := xfm.Apply(scanToCoil, *skinPt)
	ideal := sub(skinCoil, gmCoil)
	idealIn := [2]float64{arr(ideal)[dim], ideal.Z}
	return degrees(signedAngle2D(idealIn[0], idealIn[1], 0, 1))
}

// NormalCoilXAngleError is the surface-normal tilt within the measured
// coil's XZ plane, signed, in degrees.
func (c *Calculator) NormalCoilXAngleError() float64 {
	return c.value(KeyNormalCoilXAngleError, func() float64 {
		return c.normalCoilAngleError(0)
	})
}

// NormalCoilYAngleError is the surface-normal tilt within the measured
// coil's YZ plane, signed, in degrees.
func (c *Calculator) NormalCoilYAngleError() float64 {
	return c.value(KeyNormalCoilYAngleError, func() float64 {
		return c.normalCoilAngleError(1)
	})
}

// CoilToCortexDist is the signed distance from the measured coil origin to
// the gray-matter surface, in mm.
func (c *Calculator) CoilToCortexDist() float64 {
	return c.value(KeyCoilToCortexDist, func() float64 {
		sampleT := c.sampleCoilToScan()
		if sampleT == nil {
			return math.NaN()
		}
		return c.coilToSurfDist(*sampleT, session.SurfaceGM)
	})
}

// CoilToScalpDist is the signed distance from the measured coil origin to
// the skin surface, in mm.
func (c *Calculator) CoilToScalpDist() float64 {
	return c.value(KeyCoilToScalpDist, func() float64 {
		sampleT := c.sampleCoilToScan()
		if sampleT == nil {
			return math.NaN()
		}
		return c.coilToSurfDist(*sampleT, session.SurfaceSkin)
	})
}

// TargetCoilToScalpDist is the planned coil pose's distance to the skin
// surface, in mm. Depends only on the target, not the live coil.
func (c *Calculator) TargetCoilToScalpDist() float64 {
	return c.value(KeyTargetCoilToScalpDist, func() float64 {
		return c.targetCoilToSurfDist(session.SurfaceSkin)
	})
}

// TargetCoilToCortexDist is the planned coil pose's distance to the
// gray-matter surface, in mm.
func (c *Calculator) TargetCoilToCortexDist() float64 {
	return c.value(KeyTargetCoilToCortexDist, func() float64 {
		return c.targetCoilToSurfDist(session.SurfaceGM)
	})
}

func (c *Calculator) targetCoilToSurfDist(surface session.Surface) float64 {
	target := c.currentTarget()
	if target == nil {
		return math.NaN()
	}
	targetT := target.CoilToScan()
	if targetT == nil {
		return math.NaN()
	}
	return c.coilToSurfDist(*targetT, surface)
}

// CoilPosX is the measured coil origin's X coordinate in scan space, mm.
func (c *Calculator) CoilPosX() float64 { return c.coilPos(KeyCoilPosX, 0) }

// CoilPosY is the measured coil origin's Y coordinate in scan space, mm.
func (c *Calculator) CoilPosY() float64 { return c.coilPos(KeyCoilPosY, 1) }

// CoilPosZ is the measured coil origin's Z coordinate in scan space, mm.
func (c *Calculator) CoilPosZ() float64 { return c.coilPos(KeyCoilPosZ, 2) }

func (c *Calculator) coilPos(key string, dim int) float64 {
	return c.value(key, func() float64 {
		sampleT := c.sampleCoilToScan()
		if sampleT == nil {
			return math.NaN()
		}
		return sampleT.Translation()[dim]
	})
}
