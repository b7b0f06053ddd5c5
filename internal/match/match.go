// Package match pairs up frames by descriptor matching and robust
// homography estimation, and collects the accepted pairs into a graph.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r2"
	"github.com/steakknife/hamming"
	"golang.org/x/sync/errgroup"

	"vidpano/internal/config"
	"vidpano/internal/features"
	"vidpano/internal/geom"
)

var (
	// ErrNoConsensus means no homography explained enough correspondences.
	ErrNoConsensus = errors.New("no consensus")
	// ErrDegenerate means the best homography was not a plausible
	// frame-to-frame motion.
	ErrDegenerate = errors.New("degenerate homography")
)

// Correspondence links keypoint FromIdx of one set to ToIdx of another.
type Correspondence struct {
	FromIdx, ToIdx int
	Distance       int
}

// Match is an accepted registration between two frames. H maps From frame
// coordinates into To frame coordinates.
type Match struct {
	From, To        int
	Correspondences []Correspondence
	Inliers         []bool
	H               geom.Homography
	InlierCount     int
	RMSE            float64
}

// InlierRatio is the share of correspondences that agree with H.
func (m Match) InlierRatio() float64 {
	if len(m.Correspondences) == 0 {
		return 0
	}
	return float64(m.InlierCount) / float64(len(m.Correspondences))
}

// InlierPoints returns the consensus correspondences as point pairs, in
// the coordinates of the From and To frames.
func (m Match) InlierPoints(from, to features.Set) (src, dst []r2.Point) {
	for i, c := range m.Correspondences {
		if !m.Inliers[i] {
			continue
		}
		src = append(src, from.Keypoints[c.FromIdx].Pt)
		dst = append(dst, to.Keypoints[c.ToIdx].Pt)
	}
	return src, dst
}

// PairError is a per-pair failure recorded as a warning.
type PairError struct {
	From, To int
	Err      error
}

func (e *PairError) Error() string {
	return fmt.Sprintf("pair %d-%d: %v", e.From, e.To, e.Err)
}

func (e *PairError) Unwrap() error { return e.Err }

// Pair is a candidate frame pair, as positions into the feature sets.
type Pair struct{ I, J int }

// CandidatePairs lists the pairs worth matching: every pair for short
// sequences, otherwise each frame against the next cfg.Window frames.
func CandidatePairs(n int, cfg config.Matching) []Pair {
	window := max(1, cfg.Window)
	if n <= cfg.AllPairsLimit {
		window = n
	}
	var pairs []Pair
	for i := 0; i < n; i++ {
		for j := i + 1; j < n && j-i <= window; j++ {
			pairs = append(pairs, Pair{i, j})
		}
	}
	return pairs
}

func distance(a, b features.Descriptor) int {
	d := 0
	for k := range a {
		d += hamming.CountBitsUint64(a[k] ^ b[k])
	}
	return d
}

// nearest holds the two smallest distances from one descriptor.
type nearest struct {
	best, second int
	idx          int
}

func twoNearest(q features.Descriptor, set []features.Descriptor) nearest {
	n := nearest{best: math.MaxInt, second: math.MaxInt, idx: -1}
	for j, d := range set {
		dist := distance(q, d)
		switch {
		case dist < n.best:
			n.second = n.best
			n.best, n.idx = dist, j
		case dist < n.second:
			n.second = dist
		}
	}
	return n
}

// MatchDescriptors pairs descriptors of a with those of b by nearest
// Hamming distance, keeping matches within maxDist that pass the ratio
// test and, when crossCheck is set, are mutual nearest neighbours. The
// result is ordered by FromIdx.
func MatchDescriptors(a, b []features.Descriptor, ratio float64, maxDist int, crossCheck bool) []Correspondence {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	var back []int
	if crossCheck {
		back = make([]int, len(b))
		for j := range b {
			back[j] = twoNearest(b[j], a).idx
		}
	}

	var out []Correspondence
	for i := range a {
		n := twoNearest(a[i], b)
		if n.idx < 0 || (maxDist > 0 && n.best > maxDist) {
			continue
		}
		if n.second != math.MaxInt && float64(n.best) >= ratio*float64(n.second) {
			continue
		}
		if crossCheck && back[n.idx] != i {
			continue
		}
		out = append(out, Correspondence{FromIdx: i, ToIdx: n.idx, Distance: n.best})
	}
	return out
}

// Matcher registers frame pairs with fixed settings.
type Matcher struct {
	cfg config.Matching
	log *slog.Logger
}

func NewMatcher(cfg config.Matching, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{cfg: cfg, log: log}
}

// pairSeed derives a per-pair RNG seed so results do not depend on which
// worker handles which pair.
func pairSeed(seed uint64, from, to int) (uint64, uint64) {
	x := seed ^ uint64(from)*0x9e3779b97f4a7c15 ^ uint64(to)*0xc2b2ae3d27d4eb4f
	return x, x>>17 | uint64(from)<<40 | uint64(to)
}

// CorrespondenceWeight is the inverse localisation error of a pair of
// keypoints, relative to two keypoints found at full resolution. Corners
// from coarse pyramid levels carry their level's pixel quantisation.
func CorrespondenceWeight(a, b features.Keypoint) float64 {
	sa, sb := max(a.Scale, 1), max(b.Scale, 1)
	return math.Sqrt2 / math.Hypot(sa, sb)
}

// MatchPair registers frame a against frame b; the returned Match maps a's
// coordinates into b's. A pair that fails acceptance returns a PairError
// wrapping ErrNoConsensus or ErrDegenerate.
func (m *Matcher) MatchPair(a, b features.Set) (Match, error) {
	fail := func(err error) (Match, error) {
		return Match{}, &PairError{From: a.Frame, To: b.Frame, Err: err}
	}

	corr := MatchDescriptors(a.Descriptors, b.Descriptors, m.cfg.RatioTest, m.cfg.MaxDistance, m.cfg.CrossCheck)
	if len(corr) < max(sampleSize, m.cfg.MinInliers) {
		return fail(fmt.Errorf("%w: %d putative matches", ErrNoConsensus, len(corr)))
	}

	src := make([]r2.Point, len(corr))
	dst := make([]r2.Point, len(corr))
	weights := make([]float64, len(corr))
	for i, c := range corr {
		ka, kb := a.Keypoints[c.FromIdx], b.Keypoints[c.ToIdx]
		src[i], dst[i] = ka.Pt, kb.Pt
		weights[i] = CorrespondenceWeight(ka, kb)
	}

	rng := rand.New(rand.NewPCG(pairSeed(m.cfg.Seed, a.Frame, b.Frame)))
	est, err := EstimateWeighted(src, dst, weights, m.cfg, rng)
	if err != nil {
		return fail(err)
	}

	match := Match{
		From:            a.Frame,
		To:              b.Frame,
		Correspondences: corr,
		Inliers:         est.Inliers,
		H:               est.H,
		InlierCount:     est.InlierCount,
		RMSE:            est.RMSE,
	}
	switch {
	case match.InlierCount < max(sampleSize, m.cfg.MinInliers):
		return fail(fmt.Errorf("%w: %d inliers, need %d", ErrNoConsensus, match.InlierCount, m.cfg.MinInliers))
	case match.InlierRatio() < m.cfg.MinInlierRatio:
		return fail(fmt.Errorf("%w: inlier ratio %.2f below %.2f", ErrNoConsensus, match.InlierRatio(), m.cfg.MinInlierRatio))
	case est.H.IsDegenerate():
		return fail(fmt.Errorf("%w: %v", ErrDegenerate, est.H))
	}
	return match, nil
}

// MatchAll matches the candidate pairs of sets in parallel and merges the
// accepted ones into a graph over every frame of sets. Rejected pairs are
// returned as warnings; only cancellation fails the call.
func (m *Matcher) MatchAll(ctx context.Context, sets []features.Set, workers int) (*Graph, []error, error) {
	pairs := CandidatePairs(len(sets), m.cfg)

	type result struct {
		match Match
		err   error
	}
	results := make([]result, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for k, p := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			mt, err := m.MatchPair(sets[p.I], sets[p.J])
			results[k] = result{mt, err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	nodes := make([]int, len(sets))
	for i, s := range sets {
		nodes[i] = s.Frame
	}
	graph := NewGraph(nodes)
	var warnings []error
	for k, r := range results {
		if r.err != nil {
			m.log.Debug("pair rejected", "from", sets[pairs[k].I].Frame, "to", sets[pairs[k].J].Frame, "error", r.err)
			warnings = append(warnings, r.err)
			continue
		}
		graph.Add(r.match)
		m.log.Debug("pair matched",
			"from", r.match.From, "to", r.match.To,
			"inliers", r.match.InlierCount, "rmse", r.match.RMSE)
	}
	return graph, warnings, nil
}
