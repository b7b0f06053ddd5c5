package match

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/golang/geo/r2"

	"vidpano/internal/config"
	"vidpano/internal/features"
	"vidpano/internal/geom"
	"vidpano/internal/logging"
	"vidpano/internal/synth"
)

func matchingConfig() config.Matching {
	return config.Default().Matching
}

func TestCandidatePairs(t *testing.T) {
	cfg := matchingConfig()
	tests := []struct {
		name string
		n    int
		want int
	}{
		{"empty", 0, 0},
		{"single", 1, 0},
		{"all pairs", 4, 6},
		{"all pairs at limit", 6, 15},
		{"windowed", 10, 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs := CandidatePairs(tt.n, cfg)
			if len(pairs) != tt.want {
				t.Fatalf("got %d pairs, want %d", len(pairs), tt.want)
			}
			for _, p := range pairs {
				if p.I >= p.J {
					t.Fatalf("pair %v not ordered", p)
				}
				if tt.n > cfg.AllPairsLimit && p.J-p.I > cfg.Window {
					t.Fatalf("pair %v outside window", p)
				}
			}
		})
	}
}

func randomDescriptors(rng *rand.Rand, n int) []features.Descriptor {
	out := make([]features.Descriptor, n)
	for i := range out {
		for k := range out[i] {
			out[i][k] = rng.Uint64()
		}
	}
	return out
}

func TestMatchDescriptorsFindsPermutation(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	a := randomDescriptors(rng, 50)
	perm := rng.Perm(len(a))
	b := make([]features.Descriptor, len(a))
	for i, p := range perm {
		d := a[i]
		d[0] ^= 1 << uint(i%64) // one flipped bit
		b[p] = d
	}

	corr := MatchDescriptors(a, b, 0.8, 80, true)
	if len(corr) != len(a) {
		t.Fatalf("got %d matches, want %d", len(corr), len(a))
	}
	for i, c := range corr {
		if c.FromIdx != i || c.ToIdx != perm[i] || c.Distance != 1 {
			t.Fatalf("match %d = %+v, want to %d at distance 1", i, c, perm[i])
		}
	}
}

func TestMatchDescriptorsRatioAndDistance(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	a := randomDescriptors(rng, 3)
	b := []features.Descriptor{a[0], a[0], a[1]}
	far := a[2]
	for k := range far {
		far[k] = ^far[k]
	}
	b = append(b, far)

	corr := MatchDescriptors(a, b, 0.8, 80, false)
	if len(corr) != 1 || corr[0].FromIdx != 1 || corr[0].ToIdx != 2 {
		t.Fatalf("expected only the unambiguous match 1->2, got %+v", corr)
	}
	if got := MatchDescriptors(nil, b, 0.8, 80, true); got != nil {
		t.Fatalf("expected no matches for empty input, got %v", got)
	}
}

func grid(nx, ny int, step float64) []r2.Point {
	var pts []r2.Point
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			// jitter keeps rows from being exactly collinear
			pts = append(pts, r2.Point{X: 20 + float64(x)*step + float64(y%3), Y: 15 + float64(y)*step + float64(x%2)})
		}
	}
	return pts
}

func TestEstimateHomographyTranslationRoundTrip(t *testing.T) {
	src := grid(8, 6, 25)
	want := geom.Translation(-37.5, 12)
	dst := make([]r2.Point, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}

	est, err := EstimateHomography(src, dst, matchingConfig(), rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatalf("EstimateHomography: %v", err)
	}
	if est.InlierCount != len(src) {
		t.Fatalf("inliers = %d, want %d", est.InlierCount, len(src))
	}
	if !est.H.ApproxEqual(want, 1e-6) {
		t.Fatalf("H = %v, want %v", est.H, want)
	}
	if est.RMSE > 1e-6 {
		t.Fatalf("RMSE = %g", est.RMSE)
	}
}

func TestEstimateHomographyRejectsOutliers(t *testing.T) {
	src := grid(8, 8, 30)
	want := geom.Homography{1.02, 0.03, 14, -0.02, 0.99, -6, 1e-5, 2e-5, 1}
	dst := make([]r2.Point, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}
	rng := rand.New(rand.NewPCG(9, 9))
	outliers := 0
	for i := 0; i < len(src); i += 4 {
		dst[i] = r2.Point{X: rng.Float64() * 600, Y: rng.Float64() * 600}
		outliers++
	}

	cfg := matchingConfig()
	a, err := EstimateHomography(src, dst, cfg, rand.New(rand.NewPCG(5, 5)))
	if err != nil {
		t.Fatal(err)
	}
	if a.InlierCount != len(src)-outliers {
		t.Fatalf("inliers = %d, want %d", a.InlierCount, len(src)-outliers)
	}
	for i := 0; i < len(src); i += 4 {
		if a.Inliers[i] {
			t.Fatalf("outlier %d marked as inlier", i)
		}
	}
	if !a.H.ApproxEqual(want, 1e-4) {
		t.Fatalf("H = %v, want %v", a.H, want)
	}

	b, err := EstimateHomography(src, dst, cfg, rand.New(rand.NewPCG(5, 5)))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same seed gave different estimates")
	}
}

func TestEstimateHomographyFailures(t *testing.T) {
	cfg := matchingConfig()
	rng := rand.New(rand.NewPCG(1, 1))

	few := []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}
	if _, err := EstimateHomography(few, few, cfg, rng); !errors.Is(err, ErrNoConsensus) {
		t.Fatalf("three points: expected ErrNoConsensus, got %v", err)
	}

	var line []r2.Point
	for i := 0; i < 20; i++ {
		line = append(line, r2.Point{X: float64(i) * 10, Y: float64(i) * 5})
	}
	if _, err := EstimateHomography(line, line, cfg, rng); !errors.Is(err, ErrNoConsensus) {
		t.Fatalf("collinear points: expected ErrNoConsensus, got %v", err)
	}

	if _, err := EstimateHomography(few, line, cfg, rng); err == nil {
		t.Fatal("expected an error for mismatched lengths")
	}
}

func TestScoreBetter(t *testing.T) {
	tests := []struct {
		name string
		a, b score
		want bool
	}{
		{"more inliers wins", score{count: 10, sse: 50}, score{count: 9, sse: 1}, true},
		{"fewer inliers loses", score{count: 9, sse: 1}, score{count: 10, sse: 50}, false},
		{"tie goes to lower error", score{count: 10, sse: 4}, score{count: 10, sse: 5}, true},
		{"tie with higher error loses", score{count: 10, sse: 5}, score{count: 10, sse: 4}, false},
		{"equal scores are not better", score{count: 10, sse: 5}, score{count: 10, sse: 5}, false},
		{"empty never wins", score{}, score{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.better(tt.b); got != tt.want {
				t.Fatalf("%+v.better(%+v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestPreferAffine(t *testing.T) {
	tests := []struct {
		name         string
		affine, full score
		want         bool
	}{
		{"both exact", score{count: 50, sse: 1e-20}, score{count: 50, sse: 1e-22}, true},
		{"noise-level gain", score{count: 50, sse: 10.2}, score{count: 50, sse: 10}, true},
		{"real perspective", score{count: 50, sse: 40}, score{count: 50, sse: 10}, false},
		{"affine loses inliers", score{count: 49, sse: 1}, score{count: 50, sse: 10}, false},
		{"affine finds nothing", score{}, score{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := preferAffine(tt.affine, tt.full); got != tt.want {
				t.Fatalf("preferAffine(%+v, %+v) = %v, want %v", tt.affine, tt.full, got, tt.want)
			}
		})
	}
}

func TestDrawSampleFollowsSeed(t *testing.T) {
	src := grid(10, 10, 20)
	draw := func(seed uint64) [sampleSize]int {
		var idx [sampleSize]int
		sSrc := make([]r2.Point, sampleSize)
		sDst := make([]r2.Point, sampleSize)
		if !drawSample(rand.New(rand.NewPCG(seed, seed)), len(src), &idx, src, src, sSrc, sDst) {
			t.Fatalf("seed %d: no sample in general position", seed)
		}
		return idx
	}
	if a, b := draw(3), draw(3); a != b {
		t.Fatalf("same seed drew %v and %v", a, b)
	}
	if a, b := draw(3), draw(4); a == b {
		t.Fatalf("seeds 3 and 4 drew the same sample %v", a)
	}
}

func TestEstimateHomographyRepeatsWithSeed(t *testing.T) {
	src := grid(8, 8, 30)
	want := geom.Homography{0.99, -0.01, -60, 0.02, 1.01, 8, -1e-5, 1e-5, 1}
	dst := make([]r2.Point, len(src))
	noise := rand.New(rand.NewPCG(11, 11))
	for i, p := range src {
		dst[i] = want.Apply(p)
		if i%3 == 0 {
			dst[i] = r2.Point{X: noise.Float64() * 500, Y: noise.Float64() * 500}
		}
	}

	cfg := matchingConfig()
	cfg.Seed = 77
	first, err := EstimateHomography(src, dst, cfg, rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)))
	if err != nil {
		t.Fatal(err)
	}
	for run := 0; run < 3; run++ {
		again, err := EstimateHomography(src, dst, cfg, rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", run, again, first)
		}
	}

	a0, a1 := pairSeed(cfg.Seed, 0, 1)
	b0, b1 := pairSeed(cfg.Seed+1, 0, 1)
	if a0 == b0 && a1 == b1 {
		t.Fatal("matcher seed does not reach the pair generator")
	}
}

func TestMatchPairRepeatsWithSeed(t *testing.T) {
	sets := extractPass(t, 2, 80)
	cfg := matchingConfig()
	cfg.Seed = 1234
	m := NewMatcher(cfg, logging.Discard())
	a, err := m.MatchPair(sets[0], sets[1])
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.MatchPair(sets[0], sets[1])
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same seed gave different matches")
	}
}

// Keypoints from coarse octaves are quantised to their level's pixel grid.
// Down-weighting them must keep a pure translation free of spurious
// perspective.
func TestEstimateWeightedWithOctaveNoise(t *testing.T) {
	const step = 90
	var src []r2.Point
	for y := 0; y < 7; y++ {
		for x := 0; x < 10; x++ {
			src = append(src, r2.Point{X: 25 + float64(x)*21 + float64(y%2)*3, Y: 22 + float64(y)*22 + float64(x%3)})
		}
	}
	want := geom.Translation(-step, 0)
	noise := rand.New(rand.NewPCG(21, 21))
	dst := make([]r2.Point, len(src))
	weights := make([]float64, len(src))
	for i, p := range src {
		scale := 1.0
		if i%2 == 1 {
			scale = 2.0736 // fourth octave at factor 1.2
		}
		jitter := r2.Point{X: (noise.Float64() - 0.5) * 0.8 * scale, Y: (noise.Float64() - 0.5) * 0.8 * scale}
		dst[i] = want.Apply(p).Add(jitter)
		weights[i] = CorrespondenceWeight(features.Keypoint{Scale: scale}, features.Keypoint{Scale: scale})
	}

	est, err := EstimateWeighted(src, dst, weights, matchingConfig(), rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if est.InlierCount != len(src) {
		t.Fatalf("inliers = %d, want %d", est.InlierCount, len(src))
	}
	if d := cornerError(est.H, want, 240, 180); d > 1 {
		t.Fatalf("H = %v is off by %.2f px", est.H, d)
	}

	if _, err := EstimateWeighted(src, dst, weights[:3], matchingConfig(), rand.New(rand.NewPCG(1, 1))); err == nil {
		t.Fatal("expected an error for mismatched weights")
	}
}

func TestCorrespondenceWeight(t *testing.T) {
	full := features.Keypoint{Scale: 1}
	coarse := features.Keypoint{Scale: 2}
	if w := CorrespondenceWeight(full, full); math.Abs(w-1) > 1e-12 {
		t.Fatalf("full-resolution weight %g, want 1", w)
	}
	if w := CorrespondenceWeight(features.Keypoint{}, full); math.Abs(w-1) > 1e-12 {
		t.Fatalf("unset scale weight %g, want 1", w)
	}
	if a, b := CorrespondenceWeight(full, coarse), CorrespondenceWeight(coarse, coarse); !(b < a && a < 1) {
		t.Fatalf("weights not decreasing with scale: %g, %g", a, b)
	}
}

func TestRequiredIterations(t *testing.T) {
	if n := requiredIterations(1, 0.995, 2000); n != 1 {
		t.Fatalf("all inliers: %d iterations", n)
	}
	if n := requiredIterations(0, 0.995, 2000); n != 2000 {
		t.Fatalf("no inliers: %d iterations", n)
	}
	half := requiredIterations(0.5, 0.995, 2000)
	if half < 50 || half > 100 {
		t.Fatalf("half inliers: %d iterations", half)
	}
}

func extractPass(t *testing.T, n, step int) []features.Set {
	t.Helper()
	scene := synth.Scene(240+step*(n-1), 180, 21)
	frames := synth.Pass(scene, n, 240, 180, step)
	e := features.NewExtractor(config.Default().Features, logging.Discard())
	sets, warnings, err := e.ExtractAll(context.Background(), frames, 2)
	if err != nil || len(warnings) > 0 {
		t.Fatalf("ExtractAll: %v %v", err, warnings)
	}
	return sets
}

// cornerError is the largest distance between where h and want send the
// corners of a w x h frame.
func cornerError(h, want geom.Homography, w, ht float64) float64 {
	var worst float64
	for _, c := range []r2.Point{{X: 0, Y: 0}, {X: w, Y: 0}, {X: 0, Y: ht}, {X: w, Y: ht}} {
		worst = max(worst, h.Apply(c).Sub(want.Apply(c)).Norm())
	}
	return worst
}

func TestMatchAllRecoversCameraMotion(t *testing.T) {
	const step = 90
	sets := extractPass(t, 3, step)
	m := NewMatcher(matchingConfig(), logging.Discard())

	g, warnings, err := m.MatchAll(context.Background(), sets, 4)
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 3 {
		t.Fatalf("graph has %d nodes", g.Len())
	}
	for _, pair := range [][2]int{{0, 1}, {1, 2}} {
		e, ok := g.Edge(pair[0], pair[1])
		if !ok {
			t.Fatalf("missing edge %v; warnings %v", pair, warnings)
		}
		if d := cornerError(e.H, geom.Translation(-step, 0), 240, 180); d > 1.5 {
			t.Fatalf("edge %v H = %v is off by %.2f px", pair, e.H, d)
		}
		back, ok := g.Edge(pair[1], pair[0])
		if !ok {
			t.Fatalf("missing reverse edge %v", pair)
		}
		if d := cornerError(back.H, geom.Translation(step, 0), 240, 180); d > 1.5 {
			t.Fatalf("reverse edge %v H = %v is off by %.2f px", pair, back.H, d)
		}
	}
	if comps := g.Components(); len(comps) != 1 {
		t.Fatalf("expected one component, got %v", comps)
	}
}

func TestMatchAllIsIndependentOfWorkers(t *testing.T) {
	sets := extractPass(t, 4, 70)
	m := NewMatcher(matchingConfig(), logging.Discard())

	g1, w1, err := m.MatchAll(context.Background(), sets, 1)
	if err != nil {
		t.Fatal(err)
	}
	g8, w8, err := m.MatchAll(context.Background(), sets, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(g1.Matches(), g8.Matches()) {
		t.Fatal("matches depend on worker count")
	}
	if len(w1) != len(w8) {
		t.Fatalf("warnings differ: %v vs %v", w1, w8)
	}
}

func TestMatchPairRejectsUnrelatedFrames(t *testing.T) {
	e := features.NewExtractor(config.Default().Features, logging.Discard())
	a, err := e.Extract(synth.Pass(synth.Scene(240, 180, 1), 1, 240, 180, 0)[0])
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Extract(synth.Pass(synth.Scene(240, 180, 2), 1, 240, 180, 0)[0])
	if err != nil {
		t.Fatal(err)
	}
	b.Frame = 1

	_, err = NewMatcher(matchingConfig(), logging.Discard()).MatchPair(a, b)
	var pe *PairError
	if !errors.As(err, &pe) || pe.From != 0 || pe.To != 1 {
		t.Fatalf("expected a PairError for 0-1, got %v", err)
	}
	if !errors.Is(err, ErrNoConsensus) && !errors.Is(err, ErrDegenerate) {
		t.Fatalf("expected a consensus failure, got %v", err)
	}
}

func TestGraphComponentsAndIsolatedNodes(t *testing.T) {
	g := NewGraph([]int{5, 0, 10, 20, 10})
	g.Add(Match{From: 0, To: 5, H: geom.Translation(-5, 0), RMSE: 0.5})
	g.Add(Match{From: 10, To: 20, H: geom.Translation(-3, 0), RMSE: 0.1})

	if got := g.Nodes(); !reflect.DeepEqual(got, []int{0, 5, 10, 20}) {
		t.Fatalf("nodes = %v", got)
	}
	if got := g.Components(); !reflect.DeepEqual(got, [][]int{{0, 5}, {10, 20}}) {
		t.Fatalf("components = %v", got)
	}
	if g.EdgeCount() != 2 {
		t.Fatalf("edges %d", g.EdgeCount())
	}
	if _, ok := g.Edge(0, 10); ok {
		t.Fatal("unexpected edge 0-10")
	}
	w, ok := g.Weighted().Weight(0, 5)
	if !ok || w != 1.5 {
		t.Fatalf("weight = %g, %v", w, ok)
	}
}
