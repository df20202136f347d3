package posemetrics

import (
	"math"

	"github.com/cortexnav/neuronav/internal/session"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// midlineRefDirections derives the handle directions corresponding to 0°
// and +90° from the head midline, in scan space. The planned fiducials
// define an aligned frame (X left-right, Y posterior-anterior, Z down-up);
// which head region the coil sits over decides how "toward midline" maps
// onto that frame, so the reference depends on the coil pose itself.
func midlineRefDirections(sess *session.Session, coilToScan xfm.Transform) (ref0, ref90 *[3]float64) {
	nas := sess.Registration.PlannedFiducial(session.FiducialNasion)
	lpa := sess.Registration.PlannedFiducial(session.FiducialLeftPA)
	rpa := sess.Registration.PlannedFiducial(session.FiducialRightPA)
	if nas == nil || lpa == nil || rpa == nil {
		return nil, nil
	}

	center := [3]float64{
		(lpa[0] + rpa[0]) / 2,
		(lpa[1] + rpa[1]) / 2,
		(lpa[2] + rpa[2]) / 2,
	}
	dirPA := sub(*nas, center).Normalize()
	dirLR := sub(*rpa, *lpa).Normalize()
	dirDU := dirLR.Cross(dirPA)

	scanToStd, err := xfm.AlignPoints(
		[][3]float64{
			center,
			arr(vec(center).Add(dirDU)),
			arr(vec(center).Add(dirLR)),
		},
		[][3]float64{
			{0, 0, 0},
			{0, 0, 1},
			{1, 0, 0},
		},
	)
	if err != nil {
		return nil, nil
	}

	coilLocStd := xfm.Apply(scanToStd, xfm.Apply(coilToScan, [3]float64{0, 0, 0}))

	// Dominant axis of the coil location decides the head region.
	iDir := 0
	for i := 1; i < 3; i++ {
		if math.Abs(coilLocStd[i]) > math.Abs(coilLocStd[iDir]) {
			iDir = i
		}
	}
	sign := 1.0
	if coilLocStd[iDir] < 0 {
		sign = -1
	}

	var r0, r90 [3]float64
	switch iDir {
	case 0: // far left or right
		r0 = [3]float64{0, -1, 0}
		r90 = [3]float64{0, 0, -sign}
	case 1: // far anterior or posterior
		r0 = [3]float64{0, 0, sign}
		r90 = [3]float64{1, 0, 0}
	default: // top of the head
		r0 = [3]float64{0, -1, 0}
		r90 = [3]float64{sign, 0, 0}
	}

	stdToScan, err := xfm.Invert(scanToStd)
	if err != nil {
		return nil, nil
	}
	d0 := xfm.ApplyDirection(stdToScan, r0)
	d90 := xfm.ApplyDirection(stdToScan, r90)
	return &d0, &d90
}

// angleFromMidline measures the coil handle's angle from the midline
// reference, in degrees.
func angleFromMidline(sess *session.Session, coilToScan xfm.Transform) float64 {
	ref0, ref90 := midlineRefDirections(sess, coilToScan)
	if ref0 == nil || ref90 == nil {
		return math.NaN()
	}
	handle := vec(xfm.ApplyDirection(coilToScan, [3]float64{0, -1, 0}))
	return degrees(math.Atan2(handle.Dot(vec(*ref90)), handle.Dot(vec(*ref0))))
}
