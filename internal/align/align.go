// Package align places every matched frame in the coordinate system of a
// reference frame.
package align

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"vidpano/internal/config"
	"vidpano/internal/features"
	"vidpano/internal/geom"
	"vidpano/internal/match"
)

// ErrDisconnectedGraph is returned when some frames have no path to the
// reference frame.
var ErrDisconnectedGraph = errors.New("disconnected match graph")

// DisconnectedError lists the frames that could not be reached.
type DisconnectedError struct {
	Reference int
	Frames    []int
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("%v: frames %v unreachable from reference %d", ErrDisconnectedGraph, e.Frames, e.Reference)
}

func (e *DisconnectedError) Unwrap() error { return ErrDisconnectedGraph }

// Result holds the global transform of every placed frame. Transforms[i]
// maps Frames[i] coordinates into reference coordinates.
type Result struct {
	Reference  int
	Frames     []int
	Transforms []geom.Homography
	Dropped    []int
	// RMSE is the panorama-space disagreement of inlier correspondences.
	RMSE    float64
	Refined bool
}

// Transform returns the global transform of frame.
func (r Result) Transform(frame int) (geom.Homography, bool) {
	i := sort.SearchInts(r.Frames, frame)
	if i < len(r.Frames) && r.Frames[i] == frame {
		return r.Transforms[i], true
	}
	return geom.Homography{}, false
}

// Aligner computes global transforms from a match graph.
type Aligner struct {
	cfg config.Alignment
	log *slog.Logger
}

func NewAligner(cfg config.Alignment, log *slog.Logger) *Aligner {
	if log == nil {
		log = slog.Default()
	}
	return &Aligner{cfg: cfg, log: log}
}

// Align chooses the reference, composes edge transforms along shortest
// paths and optionally refines them jointly. Unreachable frames produce a
// DisconnectedError: returned as the error in strict mode, otherwise
// returned as a warning with those frames dropped. sets supplies the
// keypoints for refinement and may be nil when it is disabled.
func (a *Aligner) Align(ctx context.Context, g *match.Graph, sets []features.Set) (Result, []error, error) {
	if g.Len() == 0 {
		return Result{}, nil, fmt.Errorf("align: %w: no frames", ErrDisconnectedGraph)
	}

	ref := a.reference(g)
	shortest := path.DijkstraFrom(simple.Node(ref), g.Weighted())

	res := Result{Reference: ref}
	for _, n := range g.Nodes() {
		if n == ref {
			res.Frames = append(res.Frames, n)
			res.Transforms = append(res.Transforms, geom.Identity())
			continue
		}
		nodes, _ := shortest.To(int64(n))
		if len(nodes) == 0 {
			res.Dropped = append(res.Dropped, n)
			continue
		}
		h, err := compose(g, nodes)
		if err != nil {
			return Result{}, nil, fmt.Errorf("align frame %d: %w", n, err)
		}
		res.Frames = append(res.Frames, n)
		res.Transforms = append(res.Transforms, h)
	}

	var warnings []error
	if len(res.Dropped) > 0 {
		derr := &DisconnectedError{Reference: ref, Frames: res.Dropped}
		if a.cfg.Strictness == config.Strict {
			return Result{}, nil, derr
		}
		a.log.Warn("dropping unreachable frames", "frames", res.Dropped, "reference", ref)
		warnings = append(warnings, derr)
	}

	bySet := make(map[int]features.Set, len(sets))
	for _, s := range sets {
		bySet[s.Frame] = s
	}
	res.RMSE = residual(g, bySet, res, a.cfg.MaxPointsPerEdge)

	if a.cfg.BundleAdjust && len(res.Frames) > 1 && len(sets) > 0 {
		refined, err := a.refine(ctx, g, bySet, res)
		switch {
		case ctx.Err() != nil:
			return Result{}, nil, ctx.Err()
		case errors.Is(err, errNoImprovement):
			a.log.Debug("bundle adjustment kept propagated transforms", "rmse", res.RMSE)
		case err != nil:
			a.log.Warn("bundle adjustment discarded", "error", err)
			warnings = append(warnings, err)
		default:
			a.log.Debug("bundle adjustment", "rmse_before", res.RMSE, "rmse_after", refined.RMSE)
			res = refined
		}
	}
	return res, warnings, nil
}

// compose chains edge transforms along nodes, which runs from the
// reference to the target frame, into a target-to-reference transform.
func compose(g *match.Graph, nodes []graph.Node) (geom.Homography, error) {
	h := geom.Identity()
	for i := 1; i < len(nodes); i++ {
		from, to := int(nodes[i].ID()), int(nodes[i-1].ID())
		e, ok := g.Edge(from, to)
		if !ok {
			return geom.Homography{}, fmt.Errorf("missing edge %d-%d", from, to)
		}
		h = h.Mul(e.H).Normalize()
	}
	if !h.Finite() {
		return geom.Homography{}, fmt.Errorf("non-finite transform %v", h)
	}
	return h, nil
}

// reference picks the reference frame inside the largest component, so a
// stray frame never becomes the whole panorama.
func (a *Aligner) reference(g *match.Graph) int {
	comps := g.Components()
	largest := comps[0]
	for _, c := range comps[1:] {
		if len(c) > len(largest) {
			largest = c
		}
	}
	if len(largest) == 1 {
		return largest[0]
	}

	var candidates []int
	switch a.cfg.Reference {
	case config.ReferenceCentral:
		candidates = largest
	default:
		// Temporal midpoint; with an even count both middle frames compete.
		n := len(largest)
		candidates = []int{largest[(n-1)/2]}
		if n%2 == 0 {
			candidates = append(candidates, largest[n/2])
		}
	}

	best, bestCost := candidates[0], math.Inf(1)
	for _, c := range candidates {
		cost := meanPathCost(g, c, largest)
		if cost < bestCost {
			best, bestCost = c, cost
		}
	}
	return best
}

func meanPathCost(g *match.Graph, from int, comp []int) float64 {
	shortest := path.DijkstraFrom(simple.Node(from), g.Weighted())
	var sum float64
	for _, n := range comp {
		sum += shortest.WeightTo(int64(n))
	}
	return sum / float64(len(comp)-1)
}
