// Package features detects oriented multi-scale corners and computes binary
// descriptors for them.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"golang.org/x/sync/errgroup"

	"vidpano/internal/config"
	"vidpano/internal/video"
)

// ErrInsufficientFeatures is returned for frames with too few usable keypoints.
var ErrInsufficientFeatures = errors.New("insufficient features")

// Keypoint is a detected corner in full-resolution frame coordinates.
type Keypoint struct {
	Pt       r2.Point
	Scale    float64 // frame pixels per pyramid-level pixel
	Angle    float64 // radians
	Response float64
	Octave   int
}

// Descriptor is a 256-bit steered BRIEF vector.
type Descriptor [4]uint64

// Set holds the features of one frame. Keypoints and Descriptors are
// index-aligned.
type Set struct {
	Frame         int
	Width, Height int
	Keypoints     []Keypoint
	Descriptors   []Descriptor
}

// Len is the number of keypoints.
func (s Set) Len() int { return len(s.Keypoints) }

// FrameError ties a per-frame failure to its frame index.
type FrameError struct {
	Frame int
	Err   error
}

func (e *FrameError) Error() string { return fmt.Sprintf("frame %d: %v", e.Frame, e.Err) }

func (e *FrameError) Unwrap() error { return e.Err }

// Extractor computes features with fixed settings. It is safe for
// concurrent use.
type Extractor struct {
	cfg config.Features
	log *slog.Logger
}

// NewExtractor validates nothing beyond what config.Validate does.
func NewExtractor(cfg config.Features, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MinKeypoints < 4 {
		cfg.MinKeypoints = 4
	}
	return &Extractor{cfg: cfg, log: log}
}

// Extract detects and describes keypoints in one frame. The result depends
// only on the frame contents and the settings.
func (e *Extractor) Extract(f video.Frame) (Set, error) {
	set := Set{Frame: f.Index, Width: f.Width(), Height: f.Height()}

	var src = f.Image
	scale := 1.0
	if e.cfg.WorkingWidth > 0 && set.Width > e.cfg.WorkingWidth {
		src = imaging.Resize(f.Image, e.cfg.WorkingWidth, 0, imaging.Linear)
		scale = float64(set.Width) / float64(src.Bounds().Dx())
	}

	levels := buildPyramid(src, e.cfg.Levels, e.cfg.ScaleFactor, e.cfg.BlurSigma)
	quotas := levelQuotas(e.cfg.MaxKeypoints, len(levels), e.cfg.ScaleFactor)

	for li, lvl := range levels {
		for _, c := range detect(lvl.gray, e.cfg.FastThreshold, quotas[li]) {
			angle := orientation(lvl.gray, c.x, c.y)
			set.Descriptors = append(set.Descriptors, describe(lvl.blurred, c.x, c.y, angle))
			set.Keypoints = append(set.Keypoints, Keypoint{
				Pt: r2.Point{
					X: ((float64(c.x)+c.dx+0.5)*lvl.sx - 0.5) * scale,
					Y: ((float64(c.y)+c.dy+0.5)*lvl.sy - 0.5) * scale,
				},
				Scale:    lvl.sx * scale,
				Angle:    angle,
				Response: c.response,
				Octave:   li,
			})
		}
	}

	if set.Len() < e.cfg.MinKeypoints {
		return set, &FrameError{Frame: f.Index, Err: fmt.Errorf("%w: %d keypoints, need %d", ErrInsufficientFeatures, set.Len(), e.cfg.MinKeypoints)}
	}
	return set, nil
}

// ExtractAll runs Extract over frames with up to workers goroutines. Frames
// that fail are left out of the returned sets, which keep input order;
// their errors are returned as warnings. Only cancellation is fatal.
func (e *Extractor) ExtractAll(ctx context.Context, frames []video.Frame, workers int) ([]Set, []error, error) {
	sets := make([]Set, len(frames))
	errs := make([]error, len(frames))

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sets[i], errs[i] = e.Extract(frames[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		out      []Set
		warnings []error
	)
	for i := range frames {
		if errs[i] != nil {
			e.log.Warn("frame excluded from matching", "frame", frames[i].Index, "error", errs[i])
			warnings = append(warnings, errs[i])
			continue
		}
		e.log.Debug("features extracted", "frame", frames[i].Index, "keypoints", sets[i].Len())
		out = append(out, sets[i])
	}
	return out, warnings, nil
}
