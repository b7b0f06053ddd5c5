package align

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"vidpano/internal/features"
	"vidpano/internal/geom"
	"vidpano/internal/match"
)

var errNoImprovement = errors.New("bundle adjustment did not reduce the residual")

// observation is one inlier correspondence between two placed frames,
// as positions into Result.Frames.
type observation struct {
	a, b int
	p, q r2.Point
	w    float64
}

// observations gathers up to perEdge evenly spaced inliers from every edge
// whose frames are both placed.
func observations(g *match.Graph, sets map[int]features.Set, res Result, perEdge int) []observation {
	pos := make(map[int]int, len(res.Frames))
	for i, f := range res.Frames {
		pos[f] = i
	}
	var obs []observation
	for _, m := range g.Matches() {
		ia, okA := pos[m.From]
		ib, okB := pos[m.To]
		from, okS := sets[m.From]
		to, okT := sets[m.To]
		if !okA || !okB || !okS || !okT {
			continue
		}
		var inliers []match.Correspondence
		for i, c := range m.Correspondences {
			if m.Inliers[i] {
				inliers = append(inliers, c)
			}
		}
		stride := 1
		if perEdge > 0 && len(inliers) > perEdge {
			stride = (len(inliers) + perEdge - 1) / perEdge
		}
		for k := 0; k < len(inliers); k += stride {
			kp, kq := from.Keypoints[inliers[k].FromIdx], to.Keypoints[inliers[k].ToIdx]
			obs = append(obs, observation{a: ia, b: ib, p: kp.Pt, q: kq.Pt, w: match.CorrespondenceWeight(kp, kq)})
		}
	}
	return obs
}

func rmse(obs []observation, transforms []geom.Homography) float64 {
	if len(obs) == 0 {
		return 0
	}
	var sum float64
	for _, o := range obs {
		d := transforms[o.a].Apply(o.p).Sub(transforms[o.b].Apply(o.q))
		sum += d.X*d.X + d.Y*d.Y
	}
	return math.Sqrt(sum / float64(len(obs)))
}

// weightedMSE is the cost minimised by refine: squared disagreements
// weighted by each observation's localisation confidence.
func weightedMSE(obs []observation, transforms []geom.Homography) float64 {
	var sum, norm float64
	for _, o := range obs {
		d := transforms[o.a].Apply(o.p).Sub(transforms[o.b].Apply(o.q))
		w2 := o.w * o.w
		sum += w2 * (d.X*d.X + d.Y*d.Y)
		norm += w2
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}

// projective reports whether any transform has a non-zero projective row.
func projective(transforms []geom.Homography) bool {
	for _, h := range transforms {
		n := h.Normalize()
		if n[6] != 0 || n[7] != 0 {
			return true
		}
	}
	return false
}

func residual(g *match.Graph, sets map[int]features.Set, res Result, perEdge int) float64 {
	return rmse(observations(g, sets, res, perEdge), res.Transforms)
}

// refine jointly adjusts every non-reference transform to minimise the
// panorama-space disagreement of inlier correspondences. Each transform is
// perturbed as T·S·(I+D)·S⁻¹ with S scaling unit coordinates to the frame
// size, which keeps the entries of D unitless and of similar size. D has
// a projective row only when some pairwise estimate already had one, so
// refinement never adds perspective the matcher did not find.
func (a *Aligner) refine(ctx context.Context, g *match.Graph, sets map[int]features.Set, res Result) (Result, error) {
	obs := observations(g, sets, res, a.cfg.MaxPointsPerEdge)
	if len(obs) == 0 {
		return res, errors.New("bundle adjustment: no inlier correspondences")
	}

	var size float64
	for _, f := range res.Frames {
		if s, ok := sets[f]; ok {
			size = max(size, float64(max(s.Width, s.Height)))
		}
	}
	if size == 0 {
		size = 1
	}
	scale := geom.Scaling(size, size)
	unscale := geom.Scaling(1/size, 1/size)

	// Parameter blocks for every frame but the reference.
	free := make([]int, 0, len(res.Frames)-1)
	for i, f := range res.Frames {
		if f != res.Reference {
			free = append(free, i)
		}
	}

	dof := 6
	if projective(res.Transforms) || projective(lo.Map(g.Matches(), func(m match.Match, _ int) geom.Homography { return m.H })) {
		dof = 8
	}

	current := make([]geom.Homography, len(res.Transforms))
	apply := func(x []float64) []geom.Homography {
		copy(current, res.Transforms)
		for k, i := range free {
			d := x[dof*k : dof*k+dof]
			delta := geom.Homography{1 + d[0], d[1], d[2], d[3], 1 + d[4], d[5], 0, 0, 1}
			if dof == 8 {
				delta[6], delta[7] = d[6], d[7]
			}
			current[i] = res.Transforms[i].Mul(scale.Mul(delta).Mul(unscale))
		}
		return current
	}

	cost := func(x []float64) float64 {
		if ctx.Err() != nil {
			return math.Inf(1)
		}
		return weightedMSE(obs, apply(x))
	}

	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, nil)
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   max(1, a.cfg.MaxIterations),
		GradientThreshold: 1e-9,
	}
	x0 := make([]float64, dof*len(free))
	before := cost(x0)
	if before == 0 {
		return res, errNoImprovement
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if result == nil {
		return res, fmt.Errorf("bundle adjustment: %w", err)
	}
	if !(result.F < before) {
		if err != nil {
			return res, fmt.Errorf("bundle adjustment: %w", err)
		}
		return res, errNoImprovement
	}

	out := res
	out.Transforms = make([]geom.Homography, len(res.Transforms))
	for i, h := range apply(result.X) {
		h = h.Normalize()
		if !h.Finite() || h.Det() <= 0 {
			return res, fmt.Errorf("bundle adjustment: frame %d transform became degenerate", res.Frames[i])
		}
		out.Transforms[i] = h
	}
	out.RMSE = rmse(obs, out.Transforms)
	out.Refined = true
	return out, nil
}
