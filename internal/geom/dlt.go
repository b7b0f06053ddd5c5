package geom

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// ErrTooFewPoints is returned when a fit has fewer correspondences than
// unknowns: four for a homography, three for an affine transform.
var ErrTooFewPoints = errors.New("geom: too few correspondences")

// EstimateDLT fits the homography mapping src[i] onto dst[i] in the least
// squares sense using the normalised direct linear transform.
func EstimateDLT(src, dst []r2.Point) (Homography, error) {
	return EstimateWeightedDLT(src, dst, nil)
}

// EstimateWeightedDLT is EstimateDLT with the equations of correspondence i
// scaled by w[i]. A nil w weighs every correspondence equally.
func EstimateWeightedDLT(src, dst []r2.Point, w []float64) (Homography, error) {
	if err := checkPairs(src, dst, w, 4); err != nil {
		return Homography{}, err
	}
	n := len(src)

	ts, ok := normalizer(src)
	if !ok {
		return Homography{}, ErrSingular
	}
	td, ok := normalizer(dst)
	if !ok {
		return Homography{}, ErrSingular
	}

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		p := ts.Apply(src[i])
		q := td.Apply(dst[i])
		k := weight(w, i)
		a.SetRow(2*i, []float64{
			-k * p.X, -k * p.Y, -k, 0, 0, 0, k * q.X * p.X, k * q.X * p.Y, k * q.X,
		})
		a.SetRow(2*i+1, []float64{
			0, 0, 0, -k * p.X, -k * p.Y, -k, k * q.Y * p.X, k * q.Y * p.Y, k * q.Y,
		})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return Homography{}, errors.New("geom: SVD did not converge")
	}
	var v mat.Dense
	svd.VTo(&v)

	// Right singular vector of the smallest singular value.
	var hn Homography
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}

	tdInv, err := td.Inverse()
	if err != nil {
		return Homography{}, err
	}
	h := tdInv.Mul(hn).Mul(ts)
	if math.Abs(h[8]) < singularEps {
		return Homography{}, ErrSingular
	}
	h = h.Normalize()
	if !h.Finite() || math.Abs(h.Det()) < singularEps {
		return Homography{}, ErrSingular
	}
	return h, nil
}

// EstimateAffine fits the affine transform (a homography with bottom row
// 0 0 1) mapping src[i] onto dst[i], minimising the w-weighted squared
// transfer error. A nil w weighs every correspondence equally.
func EstimateAffine(src, dst []r2.Point, w []float64) (Homography, error) {
	if err := checkPairs(src, dst, w, 3); err != nil {
		return Homography{}, err
	}
	n := len(src)

	// Solve around the source centroid to keep the system well conditioned.
	var c r2.Point
	for _, p := range src {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(n))

	a := mat.NewDense(n, 3, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		k := weight(w, i)
		p := src[i].Sub(c)
		a.SetRow(i, []float64{k * p.X, k * p.Y, k})
		bx.SetVec(i, k*dst[i].X)
		by.SetVec(i, k*dst[i].Y)
	}

	var rx, ry mat.VecDense
	if err := rx.SolveVec(a, bx); err != nil {
		return Homography{}, fmt.Errorf("geom: affine fit: %w", err)
	}
	if err := ry.SolveVec(a, by); err != nil {
		return Homography{}, fmt.Errorf("geom: affine fit: %w", err)
	}
	h := Homography{
		rx.AtVec(0), rx.AtVec(1), rx.AtVec(2),
		ry.AtVec(0), ry.AtVec(1), ry.AtVec(2),
		0, 0, 1,
	}.Mul(Translation(-c.X, -c.Y))
	if !h.Finite() || math.Abs(h.Det()) < singularEps {
		return Homography{}, ErrSingular
	}
	return h, nil
}

func checkPairs(src, dst []r2.Point, w []float64, need int) error {
	if len(src) != len(dst) {
		return fmt.Errorf("geom: %d source points but %d destination points", len(src), len(dst))
	}
	if w != nil && len(w) != len(src) {
		return fmt.Errorf("geom: %d weights for %d points", len(w), len(src))
	}
	if len(src) < need {
		return ErrTooFewPoints
	}
	return nil
}

func weight(w []float64, i int) float64 {
	if w == nil {
		return 1
	}
	return w[i]
}

// normalizer returns the similarity that moves the centroid of pts to the
// origin and sets their mean distance from it to sqrt(2).
func normalizer(pts []r2.Point) (Homography, bool) {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))

	var mean float64
	for _, p := range pts {
		mean += p.Sub(c).Norm()
	}
	mean /= float64(len(pts))
	if mean < singularEps {
		return Homography{}, false
	}
	s := math.Sqrt2 / mean
	return Homography{s, 0, -s * c.X, 0, s, -s * c.Y, 0, 0, 1}, true
}

// Collinear reports whether any three of the given points are (nearly) on
// one line. Used to reject minimal RANSAC samples.
func Collinear(pts []r2.Point, eps float64) bool {
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				if math.Abs(pts[j].Sub(pts[i]).Cross(pts[k].Sub(pts[i]))) < eps {
					return true
				}
			}
		}
	}
	return false
}
