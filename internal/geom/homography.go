// Package geom holds the planar projective geometry shared by the matcher,
// aligner and compositor.
package geom

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"golang.org/x/image/math/f64"
)

// ErrSingular is returned when a homography has no inverse.
var ErrSingular = errors.New("geom: singular homography")

const (
	singularEps = 1e-12

	// Bounds on the local area scale of a pairwise transform. Consecutive
	// video frames never zoom by more than this.
	maxAreaScale = 8.0
	// Bound on the projective row once normalised so h[8] == 1.
	maxPerspective = 0.01
)

// Homography is a row-major 3x3 projective transform acting on column
// vectors (x, y, 1).
type Homography f64.Mat3

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation returns a pure translation by (tx, ty).
func Translation(tx, ty float64) Homography {
	return Homography{1, 0, tx, 0, 1, ty, 0, 0, 1}
}

// Scaling returns an axis-aligned scale about the origin.
func Scaling(sx, sy float64) Homography {
	return Homography{sx, 0, 0, 0, sy, 0, 0, 0, 1}
}

// Mul returns a*b. Applying the result to p is a(b(p)).
func (a Homography) Mul(b Homography) Homography {
	return Homography{
		a[0]*b[0] + a[1]*b[3] + a[2]*b[6],
		a[0]*b[1] + a[1]*b[4] + a[2]*b[7],
		a[0]*b[2] + a[1]*b[5] + a[2]*b[8],

		a[3]*b[0] + a[4]*b[3] + a[5]*b[6],
		a[3]*b[1] + a[4]*b[4] + a[5]*b[7],
		a[3]*b[2] + a[4]*b[5] + a[5]*b[8],

		a[6]*b[0] + a[7]*b[3] + a[8]*b[6],
		a[6]*b[1] + a[7]*b[4] + a[8]*b[7],
		a[6]*b[2] + a[7]*b[5] + a[8]*b[8],
	}
}

// Project maps p and returns the homogeneous weight alongside. Callers that
// care about points at or behind the horizon check w > 0.
func (h Homography) Project(p r2.Point) (r2.Point, float64) {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	x := h[0]*p.X + h[1]*p.Y + h[2]
	y := h[3]*p.X + h[4]*p.Y + h[5]
	return r2.Point{X: x / w, Y: y / w}, w
}

// Apply maps p through h.
func (h Homography) Apply(p r2.Point) r2.Point {
	q, _ := h.Project(p)
	return q
}

// Det is the determinant of the full 3x3 matrix.
func (h Homography) Det() float64 {
	return h[0]*(h[4]*h[8]-h[5]*h[7]) -
		h[1]*(h[3]*h[8]-h[5]*h[6]) +
		h[2]*(h[3]*h[7]-h[4]*h[6])
}

// Inverse returns h^-1 scaled so that its bottom-right entry is 1 when possible.
func (h Homography) Inverse() (Homography, error) {
	det := h.Det()
	if math.Abs(det) < singularEps || !h.Finite() {
		return Homography{}, ErrSingular
	}
	inv := Homography{
		h[4]*h[8] - h[5]*h[7],
		h[2]*h[7] - h[1]*h[8],
		h[1]*h[5] - h[2]*h[4],

		h[5]*h[6] - h[3]*h[8],
		h[0]*h[8] - h[2]*h[6],
		h[2]*h[3] - h[0]*h[5],

		h[3]*h[7] - h[4]*h[6],
		h[1]*h[6] - h[0]*h[7],
		h[0]*h[4] - h[1]*h[3],
	}
	for i := range inv {
		inv[i] /= det
	}
	return inv.Normalize(), nil
}

// Normalize scales h so that h[8] == 1. Matrices with h[8] near zero are
// returned unchanged.
func (h Homography) Normalize() Homography {
	if math.Abs(h[8]) < singularEps {
		return h
	}
	s := 1 / h[8]
	for i := range h {
		h[i] *= s
	}
	return h
}

// Finite reports whether every entry is a finite number.
func (h Homography) Finite() bool {
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// IsDegenerate reports whether h is unusable as a frame-to-frame transform:
// non-finite, singular, orientation-reversing, or scaling area or
// perspective beyond what neighbouring frames of one video can produce.
func (h Homography) IsDegenerate() bool {
	if !h.Finite() || math.Abs(h[8]) < singularEps {
		return true
	}
	n := h.Normalize()
	if math.Abs(n.Det()) < singularEps {
		return true
	}
	area := n[0]*n[4] - n[1]*n[3]
	if area <= 0 {
		return true
	}
	if area > maxAreaScale || area < 1/maxAreaScale {
		return true
	}
	return math.Hypot(n[6], n[7]) > maxPerspective
}

// TransferError is the squared distance between h(p) and q.
func (h Homography) TransferError(p, q r2.Point) float64 {
	d := h.Apply(p).Sub(q)
	return d.X*d.X + d.Y*d.Y
}

// ApproxEqual compares normalised matrices entrywise. Translation terms are
// compared with tol scaled by 100 since they are in pixels.
func (h Homography) ApproxEqual(o Homography, tol float64) bool {
	a, b := h.Normalize(), o.Normalize()
	for i := range a {
		t := tol
		if i == 2 || i == 5 {
			t = tol * 100
		}
		if math.Abs(a[i]-b[i]) > t {
			return false
		}
	}
	return true
}

func (h Homography) String() string {
	return fmt.Sprintf("[%.6g %.6g %.6g; %.6g %.6g %.6g; %.6g %.6g %.6g]",
		h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], h[8])
}
