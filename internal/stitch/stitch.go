// Package stitch runs the panorama pipeline: sampling, feature extraction,
// pairwise matching, global alignment, composition and the final write.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"vidpano/internal/align"
	"vidpano/internal/composite"
	"vidpano/internal/config"
	"vidpano/internal/features"
	"vidpano/internal/fsutil"
	"vidpano/internal/geom"
	"vidpano/internal/logging"
	"vidpano/internal/match"
	"vidpano/internal/metrics"
	"vidpano/internal/sampler"
	"vidpano/internal/video"
)

// Request describes one stitch run.
type Request struct {
	JobID  string
	Input  string // video file or image directory
	Output string
	Config config.Config
}

// Edge summarises an accepted frame pair.
type Edge struct {
	From, To        int
	Correspondences int
	Inliers         int
	RMSE            float64
}

// StageTiming is the wall time spent in one stage.
type StageTiming struct {
	Stage    Stage
	Duration time.Duration
}

// Result describes a finished or failed run. Fields are filled as far as
// the run got.
type Result struct {
	JobID       string
	Input       string
	Output      string
	Sampled     []int
	Used        []int
	Dropped     []int
	Reference   int
	Edges       []Edge
	Width       int
	Height      int
	Origin      image.Point
	Coverage    float64
	RMSE        float64
	Refined     bool
	Gains       map[int]float64
	FramesSaved int
	Bytes       int64
	Warnings    []string
	Stages      []StageTiming
	Duration    time.Duration
}

// Meta flattens the result for job records. "output" is set only once the
// panorama has been written.
func (r Result) Meta() map[string]any {
	m := map[string]any{
		"sampled":   len(r.Sampled),
		"used":      r.Used,
		"dropped":   r.Dropped,
		"reference": r.Reference,
		"edges":     len(r.Edges),
		"width":     r.Width,
		"height":    r.Height,
		"coverage":  r.Coverage,
		"rmse":      r.RMSE,
		"refined":   r.Refined,
		"warnings":  len(r.Warnings),
		"bytes":     r.Bytes,
	}
	if r.Bytes > 0 {
		m["output"] = r.Output
	}
	return m
}

// OpenFunc opens a decoder for an input path with the named backend.
type OpenFunc func(ctx context.Context, path, backend string) (video.Decoder, error)

// Stitcher runs requests. It is safe for concurrent use.
type Stitcher struct {
	log     *slog.Logger
	metrics *metrics.Collector
	open    OpenFunc
	memory  func() (uint64, error)
}

// New returns a Stitcher that decodes with video.Open. m may be nil.
func New(log *slog.Logger, m *metrics.Collector) *Stitcher {
	if log == nil {
		log = slog.Default()
	}
	return &Stitcher{log: log, metrics: m, open: video.Open, memory: fsutil.AvailableMemory}
}

// WithOpener replaces the decoder factory.
func (s *Stitcher) WithOpener(open OpenFunc) *Stitcher {
	c := *s
	c.open = open
	return &c
}

// run carries the state of one request through the stages.
type run struct {
	s   *Stitcher
	cfg *config.Config
	log *slog.Logger
	res *Result
}

func (s *Stitcher) newRun(jobID string, cfg *config.Config) *run {
	res := &Result{JobID: jobID, Reference: -1}
	return &run{s: s, cfg: cfg, log: s.log.With("job_id", jobID), res: res}
}

// Run samples req.Input, stitches the frames and writes the panorama to
// req.Output. Nothing is written unless every stage succeeds. Failures are
// returned as *StageError.
func (s *Stitcher) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	cfg := req.Config
	r := s.newRun(req.JobID, &cfg)
	r.res.Input, r.res.Output = req.Input, req.Output

	pano, err := r.execute(ctx, req)
	if err == nil {
		err = r.stage(StageWrite, func() (map[string]any, error) {
			n, err := writeImage(req.Output, pano, cfg.Output.Quality)
			if err != nil {
				return nil, stageErr(StageWrite, nil, err)
			}
			r.res.Bytes = n
			return map[string]any{"path": req.Output, "size": humanize.Bytes(uint64(n))}, nil
		})
	}

	r.res.Duration = time.Since(start)
	s.metrics.RunFinished(err)
	var se *StageError
	if errors.As(err, &se) {
		s.metrics.StageFailed(string(se.Stage), string(se.Kind()))
	}
	return *r.res, err
}

func (r *run) execute(ctx context.Context, req Request) (*image.NRGBA, error) {
	var frames []video.Frame
	err := r.stage(StageSample, func() (map[string]any, error) {
		var err error
		frames, err = r.sample(ctx, req.Input)
		if err != nil {
			return nil, stageErr(StageSample, nil, err)
		}
		return map[string]any{"frames": len(frames), "saved": r.res.FramesSaved}, nil
	})
	if err != nil {
		return nil, err
	}
	return r.stitch(ctx, frames)
}

// Stitch runs the in-memory stages over already sampled frames.
func (s *Stitcher) Stitch(ctx context.Context, frames []video.Frame, cfg config.Config) (*image.NRGBA, Result, error) {
	r := s.newRun("", &cfg)
	pano, err := r.stitch(ctx, frames)
	return pano, *r.res, err
}

func (r *run) sample(ctx context.Context, input string) ([]video.Frame, error) {
	dec, err := r.s.open(ctx, input, r.cfg.Processing.Decoder)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	smp := sampler.Sampler{Frequency: r.cfg.Sampling.FrameFrequency, Log: r.log}
	if r.cfg.Sampling.SaveFrames {
		d, err := sampler.NewDumper(r.cfg.Paths.FramesDir, r.cfg.Sampling.FrameQuality, r.cfg.Sampling.DumpWorkers, r.log)
		if err != nil {
			r.warn(StageSample, err)
		} else {
			smp.Dumper = d
		}
	}

	frames, err := smp.Sample(ctx, dec)
	if smp.Dumper != nil {
		for _, werr := range multierr.Errors(smp.Dumper.Wait()) {
			r.warn(StageSample, werr)
		}
		r.res.FramesSaved = smp.Dumper.Written()
	}
	if err != nil {
		return nil, err
	}
	r.res.Sampled = indices(frames)
	r.s.metrics.FramesSampled(len(frames))
	return frames, nil
}

func (r *run) stitch(ctx context.Context, frames []video.Frame) (*image.NRGBA, error) {
	if len(frames) == 0 {
		return nil, stageErr(StageSample, nil, sampler.ErrEmptyInput)
	}
	if r.res.Sampled == nil {
		r.res.Sampled = indices(frames)
	}
	workers := r.cfg.WorkerCount()

	if len(frames) == 1 {
		r.res.Reference = frames[0].Index
		return r.compose(ctx, frames, []geom.Homography{geom.Identity()})
	}

	var sets []features.Set
	err := r.stage(StageFeatures, func() (map[string]any, error) {
		ex := features.NewExtractor(r.cfg.Features, r.log)
		var (
			warnings []error
			err      error
		)
		sets, warnings, err = ex.ExtractAll(ctx, frames, workers)
		if err != nil {
			return nil, stageErr(StageFeatures, nil, err)
		}
		for _, w := range warnings {
			r.warn(StageFeatures, w)
		}
		if len(sets) == 0 {
			return nil, stageErr(StageFeatures, r.res.Sampled,
				fmt.Errorf("%w: no frame has enough features: %w", composite.ErrStitchFailed, errors.Join(warnings...)))
		}
		used := lo.Map(sets, func(s features.Set, _ int) int { return s.Frame })
		dropped, _ := lo.Difference(r.res.Sampled, used)
		r.res.Dropped = append(r.res.Dropped, dropped...)
		r.s.metrics.FramesDropped(string(StageFeatures), len(dropped))
		return map[string]any{
			"frames":    len(sets),
			"dropped":   dropped,
			"keypoints": lo.SumBy(sets, func(s features.Set) int { return s.Len() }),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	byIndex := lo.KeyBy(frames, func(f video.Frame) int { return f.Index })
	if len(sets) == 1 {
		r.log.Warn("only one frame has usable features, it becomes the panorama", "frame", sets[0].Frame)
		r.res.Reference = sets[0].Frame
		return r.compose(ctx, []video.Frame{byIndex[sets[0].Frame]}, []geom.Homography{geom.Identity()})
	}

	var g *match.Graph
	err = r.stage(StageMatch, func() (map[string]any, error) {
		m := match.NewMatcher(r.cfg.Matching, r.log)
		var (
			warnings []error
			err      error
		)
		g, warnings, err = m.MatchAll(ctx, sets, workers)
		if err != nil {
			return nil, stageErr(StageMatch, nil, err)
		}
		for _, w := range warnings {
			r.warn(StageMatch, w)
		}
		r.s.metrics.PairsRejected(len(warnings))
		for _, mt := range g.Matches() {
			r.s.metrics.PairAccepted(mt.InlierCount)
			r.res.Edges = append(r.res.Edges, Edge{
				From: mt.From, To: mt.To,
				Correspondences: len(mt.Correspondences),
				Inliers:         mt.InlierCount,
				RMSE:            mt.RMSE,
			})
		}
		return map[string]any{"edges": g.EdgeCount(), "rejected": len(warnings), "components": len(g.Components())}, nil
	})
	if err != nil {
		return nil, err
	}
	if r.cfg.Output.SaveMatches {
		r.plotMatches(g, sets, byIndex)
	}

	var ar align.Result
	err = r.stage(StageAlign, func() (map[string]any, error) {
		a := align.NewAligner(r.cfg.Alignment, r.log)
		var (
			warnings []error
			err      error
		)
		ar, warnings, err = a.Align(ctx, g, sets)
		if err != nil {
			var de *align.DisconnectedError
			if errors.As(err, &de) {
				return nil, stageErr(StageAlign, de.Frames, err)
			}
			return nil, stageErr(StageAlign, nil, err)
		}
		for _, w := range warnings {
			r.warn(StageAlign, w)
		}
		r.res.Reference = ar.Reference
		r.res.RMSE = ar.RMSE
		r.res.Refined = ar.Refined
		r.res.Dropped = append(r.res.Dropped, ar.Dropped...)
		r.s.metrics.FramesDropped(string(StageAlign), len(ar.Dropped))
		return map[string]any{
			"reference": ar.Reference,
			"frames":    len(ar.Frames),
			"dropped":   ar.Dropped,
			"rmse":      ar.RMSE,
			"refined":   ar.Refined,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	placed := lo.Map(ar.Frames, func(idx int, _ int) video.Frame { return byIndex[idx] })
	return r.compose(ctx, placed, ar.Transforms)
}

func (r *run) compose(ctx context.Context, frames []video.Frame, transforms []geom.Homography) (*image.NRGBA, error) {
	r.res.Used = indices(frames)
	var pano *image.NRGBA
	err := r.stage(StageComposite, func() (map[string]any, error) {
		rect, err := composite.Bounds(frames, transforms, r.cfg.Compositing.MaxAreaRatio, r.cfg.Compositing.MaxCanvasPixels)
		if err != nil {
			return nil, r.compositeErr(err)
		}
		pixels := rect.Dx() * rect.Dy()
		need := composite.WorkingBytes(pixels, r.cfg.Compositing.Blend)
		if avail, err := r.s.memory(); err != nil {
			r.log.Debug("memory check skipped", "error", err)
		} else if need > avail {
			return nil, stageErr(StageComposite, r.res.Used, fmt.Errorf("%w: %dx%d canvas needs %s, %s available",
				composite.ErrStitchFailed, rect.Dx(), rect.Dy(), humanize.Bytes(need), humanize.Bytes(avail)))
		}
		r.s.metrics.Canvas(pixels)

		c := composite.NewCompositor(r.cfg.Compositing, r.cfg.WorkerCount(), r.log)
		var stats composite.Stats
		pano, stats, err = c.Compose(ctx, frames, transforms)
		if err != nil {
			return nil, r.compositeErr(err)
		}
		b := pano.Bounds()
		r.res.Width, r.res.Height = b.Dx(), b.Dy()
		r.res.Origin = stats.Origin
		r.res.Coverage = stats.Coverage
		r.res.Gains = stats.Gains
		return map[string]any{
			"width":    b.Dx(),
			"height":   b.Dy(),
			"blend":    r.cfg.Compositing.Blend,
			"coverage": stats.Coverage,
			"memory":   humanize.Bytes(need),
		}, nil
	})
	return pano, err
}

func (r *run) compositeErr(err error) error {
	var pe *composite.PlacementError
	if errors.As(err, &pe) {
		return stageErr(StageComposite, pe.Frames, err)
	}
	return stageErr(StageComposite, nil, err)
}

// stage times fn, records the duration and logs its details on success.
func (r *run) stage(name Stage, fn func() (map[string]any, error)) error {
	start := time.Now()
	details, err := fn()
	d := time.Since(start)
	r.res.Stages = append(r.res.Stages, StageTiming{Stage: name, Duration: d})
	r.s.metrics.ObserveStage(string(name), d)
	if err != nil {
		return err
	}
	logging.LogStage(r.log, r.res.JobID, string(name), d, details)
	return nil
}

func (r *run) warn(stage Stage, err error) {
	msg := fmt.Sprintf("%s: %v", stage, err)
	r.res.Warnings = append(r.res.Warnings, msg)
	logging.LogWarnings(r.log, r.res.JobID, string(stage), []string{err.Error()})
}

func indices(frames []video.Frame) []int {
	return lo.Map(frames, func(f video.Frame, _ int) int { return f.Index })
}

// writeImage encodes img in the format implied by path's extension and
// moves it into place atomically. It returns the encoded size.
func writeImage(path string, img image.Image, quality int) (int64, error) {
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return 0, fmt.Errorf("output %s: %w", path, err)
	}
	err = fsutil.WriteAtomic(path, func(w io.Writer) error {
		return imaging.Encode(w, img, format, imaging.JPEGQuality(quality))
	})
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
