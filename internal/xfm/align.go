package xfm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// AlignPoints estimates the rigid transform that maps the `from` point set
// onto the `to` point set in the least-squares sense (Kabsch algorithm via
// SVD of the cross-covariance). At least three non-collinear point pairs
// are required for a well-determined rotation.
func AlignPoints(from, to [][3]float64) (Transform, error) {
	if len(from) != len(to) {
		return Transform{}, fmt.Errorf("align: point counts differ (%d vs %d)", len(from), len(to))
	}
	if len(from) < 3 {
		return Transform{}, fmt.Errorf("align: need at least 3 point pairs, got %d", len(from))
	}

	var cFrom, cTo [3]float64
	for i := range from {
		for d := 0; d < 3; d++ {
			cFrom[d] += from[i][d]
			cTo[d] += to[i][d]
		}
	}
	n := float64(len(from))
	for d := 0; d < 3; d++ {
		cFrom[d] /= n
		cTo[d] /= n
	}

	// Cross-covariance H = sum (p - cFrom)(q - cTo)^T.
	h := mat.NewDense(3, 3, nil)
	for i := range from {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+(from[i][r]-cFrom[r])*(to[i][c]-cTo[c]))
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Transform{}, fmt.Errorf("align: SVD factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V diag(1,1,det(V U^T)) U^T, forcing a proper rotation.
	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var vd mat.Dense
		vd.Mul(&v, d)
		r.Mul(&vd, u.T())
	}

	var rot [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i*3+j] = r.At(i, j)
		}
	}
	trans := [3]float64{
		cTo[0] - (rot[0]*cFrom[0] + rot[1]*cFrom[1] + rot[2]*cFrom[2]),
		cTo[1] - (rot[3]*cFrom[0] + rot[4]*cFrom[1] + rot[5]*cFrom[2]),
		cTo[2] - (rot[6]*cFrom[0] + rot[7]*cFrom[1] + rot[8]*cFrom[2]),
	}
	out := Compose(rot, trans)
	if err := out.checkRigid(1e-6); err != nil {
		return Transform{}, fmt.Errorf("align: degenerate point configuration: %w", err)
	}
	return out, nil
}
