package match

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/golang/geo/r2"

	"vidpano/internal/config"
	"vidpano/internal/geom"
)

const (
	sampleSize = 4
	// collinearEps is twice the area, in square pixels, below which three
	// sample points count as collinear.
	collinearEps = 1.0
	// maxSampleTries bounds the redraws when samples keep coming out
	// collinear or duplicated.
	maxSampleTries = 100
	refitRounds    = 3
	// affineSlack is the mean squared error, in square pixels, below which
	// both models count as exact.
	affineSlack = 1e-12
)

// Estimate is the outcome of a robust homography fit.
type Estimate struct {
	H           geom.Homography
	Inliers     []bool
	InlierCount int
	RMSE        float64
	Iterations  int
}

// score summarises a model over all correspondences: the inlier count and
// the weighted sum of inlier squared transfer errors.
type score struct {
	count int
	sse   float64
}

func (s score) mse() float64 {
	if s.count == 0 {
		return math.Inf(1)
	}
	return s.sse / float64(s.count)
}

// better orders models by inlier count, then by lower mean squared error.
func (s score) better(o score) bool {
	if s.count != o.count {
		return s.count > o.count
	}
	if s.count == 0 {
		return false
	}
	return s.sse/float64(s.count) < o.sse/float64(o.count)
}

// evaluate scores h. The inlier test uses the plain transfer error; the
// error sum is weighted by w squared, matching the weighted refit.
func evaluate(h geom.Homography, src, dst []r2.Point, w []float64, thr2 float64, mask []bool) score {
	var s score
	for i := range src {
		e := h.TransferError(src[i], dst[i])
		in := e < thr2 && !math.IsNaN(e)
		if mask != nil {
			mask[i] = in
		}
		if in {
			k := 1.0
			if w != nil {
				k = w[i]
			}
			s.count++
			s.sse += k * k * e
		}
	}
	return s
}

// preferAffine reports whether the affine model explains the consensus
// set about as well as the full homography. The comparison is the Bayesian
// information criterion over 2n residuals with 6 against 8 parameters, so
// the projective row is kept only when it removes clearly more error than
// fitting pixel noise would.
func preferAffine(affine, full score) bool {
	if affine.count < full.count || affine.count == 0 {
		return false
	}
	if affine.mse() <= affineSlack {
		return true
	}
	n := float64(full.count)
	return affine.mse() <= full.mse()*math.Pow(2*n, 1/n)
}

// requiredIterations is the RANSAC stopping rule for the given inlier
// fraction: enough draws that an all-inlier sample was seen with the
// requested confidence.
func requiredIterations(inlierFrac, confidence float64, limit int) int {
	if inlierFrac >= 1 {
		return 1
	}
	if inlierFrac <= 0 {
		return limit
	}
	den := math.Log(1 - math.Pow(inlierFrac, sampleSize))
	if den >= 0 {
		return limit
	}
	n := math.Ceil(math.Log(1-confidence) / den)
	if n > float64(limit) || math.IsNaN(n) {
		return limit
	}
	return max(1, int(n))
}

// EstimateHomography fits H with dst ~ H(src) by RANSAC over 4-point
// samples, then refits on the consensus set. rng fully determines the
// sampling, so equal inputs and seeds give equal results.
func EstimateHomography(src, dst []r2.Point, cfg config.Matching, rng *rand.Rand) (Estimate, error) {
	return EstimateWeighted(src, dst, nil, cfg, rng)
}

// EstimateWeighted is EstimateHomography with per-correspondence weights,
// the inverse of each pair's expected localisation error. Weights drive
// the refit and the tie-break between models; the inlier threshold stays
// in plain pixels. A nil weights slice weighs all pairs equally.
//
// After the refit the consensus set is also fitted with an affine model,
// which replaces the homography when the projective terms are not
// supported by the data.
func EstimateWeighted(src, dst []r2.Point, weights []float64, cfg config.Matching, rng *rand.Rand) (Estimate, error) {
	n := len(src)
	if n != len(dst) {
		return Estimate{}, fmt.Errorf("ransac: %d source and %d destination points", n, len(dst))
	}
	if weights != nil && len(weights) != n {
		return Estimate{}, fmt.Errorf("ransac: %d weights for %d points", len(weights), n)
	}
	if n < sampleSize {
		return Estimate{}, fmt.Errorf("%w: %d correspondences", ErrNoConsensus, n)
	}

	thr2 := cfg.RansacThreshold * cfg.RansacThreshold
	limit := max(1, cfg.MaxIterations)
	need := limit

	var (
		best  score
		bestH geom.Homography
		found bool
		idx   [sampleSize]int
		sSrc  = make([]r2.Point, sampleSize)
		sDst  = make([]r2.Point, sampleSize)
		iter  int
	)
	for iter = 0; iter < need; iter++ {
		if !drawSample(rng, n, &idx, src, dst, sSrc, sDst) {
			continue
		}
		h, err := geom.EstimateDLT(sSrc, sDst)
		if err != nil || h.IsDegenerate() {
			continue
		}
		s := evaluate(h, src, dst, weights, thr2, nil)
		if !found || s.better(best) {
			best, bestH, found = s, h, true
			need = min(limit, requiredIterations(float64(s.count)/float64(n), cfg.Confidence, limit))
		}
	}
	if !found || best.count < sampleSize {
		return Estimate{Iterations: iter}, fmt.Errorf("%w: best model had %d inliers", ErrNoConsensus, best.count)
	}

	mask := make([]bool, n)
	best = evaluate(bestH, src, dst, weights, thr2, mask)
	for round := 0; round < refitRounds; round++ {
		in, out, w := subset(src, dst, weights, mask)
		h, err := geom.EstimateWeightedDLT(in, out, w)
		if err != nil || h.IsDegenerate() {
			break
		}
		next := make([]bool, n)
		s := evaluate(h, src, dst, weights, thr2, next)
		if !s.better(best) && !(s.count == best.count && s.sse <= best.sse) {
			break
		}
		converged := s.count == best.count
		best, bestH, mask = s, h, next
		if converged {
			break
		}
	}

	in, out, w := subset(src, dst, weights, mask)
	if aff, err := geom.EstimateAffine(in, out, w); err == nil && !aff.IsDegenerate() {
		next := make([]bool, n)
		if s := evaluate(aff, src, dst, weights, thr2, next); preferAffine(s, best) {
			best, bestH, mask = s, aff, next
		}
	}

	return Estimate{
		H:           bestH.Normalize(),
		Inliers:     mask,
		InlierCount: best.count,
		RMSE:        math.Sqrt(evaluate(bestH, src, dst, nil, thr2, nil).mse()),
		Iterations:  iter,
	}, nil
}

// drawSample picks sampleSize distinct correspondences whose points are in
// general position on both sides.
func drawSample(rng *rand.Rand, n int, idx *[sampleSize]int, src, dst, sSrc, sDst []r2.Point) bool {
	for try := 0; try < maxSampleTries; try++ {
		for k := 0; k < sampleSize; {
			i := rng.IntN(n)
			if slices.Contains(idx[:k], i) {
				continue
			}
			idx[k] = i
			sSrc[k], sDst[k] = src[i], dst[i]
			k++
		}
		if !geom.Collinear(sSrc, collinearEps) && !geom.Collinear(sDst, collinearEps) {
			return true
		}
	}
	return false
}

func subset(src, dst []r2.Point, weights []float64, mask []bool) (a, b []r2.Point, w []float64) {
	for i, in := range mask {
		if in {
			a = append(a, src[i])
			b = append(b, dst[i])
			if weights != nil {
				w = append(w, weights[i])
			}
		}
	}
	return a, b, w
}
