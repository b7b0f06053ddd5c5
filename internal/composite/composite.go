// Package composite warps aligned frames onto a shared canvas and blends
// them into the panorama.
package composite

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"vidpano/internal/config"
	"vidpano/internal/geom"
	"vidpano/internal/video"
)

// Compositor renders panoramas with fixed settings. Output depends only on
// the frames and transforms, not on their order or the worker count.
type Compositor struct {
	cfg     config.Compositing
	workers int
	log     *slog.Logger
}

func NewCompositor(cfg config.Compositing, workers int, log *slog.Logger) *Compositor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RowBand <= 0 {
		cfg.RowBand = 64
	}
	return &Compositor{cfg: cfg, workers: workers, log: log}
}

// Stats describes a finished composition.
type Stats struct {
	Origin   image.Point // panorama coordinates of the top-left pixel
	Gains    map[int]float64
	Coverage float64 // share of canvas pixels covered by some frame
}

// Working memory per canvas pixel. Every mode keeps linear RGB, the
// coverage flag, the seam label and the 8-bit result. Multiband blending
// adds, per frame in turn, a mask and a colour copy, the mask's Gaussian
// pyramid plus one channel's Laplacian pyramid and its scratch level, and
// keeps band accumulators for three channels and the weight sum.
const (
	canvasBytesPerPixel    = 3*4 + 1 + 4 + 4
	multibandBytesPerPixel = (4 + 3*4) + 3*(4*4/3+1) + 4*(4*4/3+1)
)

// WorkingBytes estimates the memory Compose needs for a canvas of the
// given pixel count with the given blend mode, not counting the frames.
func WorkingBytes(pixels int, blend config.BlendMode) uint64 {
	per := uint64(canvasBytesPerPixel)
	if blend == config.BlendMultiband {
		per += multibandBytesPerPixel
	}
	return uint64(pixels) * per
}

// canvas holds the linear-light blend result before encoding.
type canvas struct {
	w, h    int
	rgb     [3][]float32
	covered []bool
	// label is the position in places of the highest-weight frame.
	label []int32
}

func newCanvas(w, h int) *canvas {
	n := w * h
	c := &canvas{w: w, h: h, covered: make([]bool, n), label: make([]int32, n)}
	for i := range c.rgb {
		c.rgb[i] = make([]float32, n)
	}
	return c
}

// Compose blends frames, each placed by the matching transform into
// panorama coordinates.
func (c *Compositor) Compose(ctx context.Context, frames []video.Frame, transforms []geom.Homography) (*image.NRGBA, Stats, error) {
	lightTables()

	frames, transforms = sortByIndex(frames, transforms)
	rect, err := Bounds(frames, transforms, c.cfg.MaxAreaRatio, c.cfg.MaxCanvasPixels)
	if err != nil {
		return nil, Stats{}, err
	}
	bounds := image.Rect(0, 0, rect.Dx(), rect.Dy())

	places := make([]*placement, len(frames))
	for i, f := range frames {
		p, err := newPlacement(f, transforms[i], rect.Min, bounds)
		if err != nil {
			return nil, Stats{}, &PlacementError{Frames: []int{f.Index}, Reason: err.Error()}
		}
		p.slot = i
		places[i] = p
	}
	rows := covering(places, bounds.Dy())

	stats := Stats{Origin: rect.Min, Gains: make(map[int]float64, len(places))}
	if c.cfg.GainCompensate && len(places) > 1 {
		if err := c.compensate(ctx, places, rows, bounds); err != nil {
			return nil, Stats{}, err
		}
	}
	for _, p := range places {
		stats.Gains[p.index] = float64(p.gain)
	}

	cv := newCanvas(bounds.Dx(), bounds.Dy())
	err = c.bands(ctx, cv.h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			c.blendRow(cv, rows[y], y)
		}
	})
	if err != nil {
		return nil, Stats{}, err
	}

	if c.cfg.Blend == config.BlendMultiband && len(places) > 1 {
		if err := c.multiband(ctx, cv, places, rows); err != nil {
			return nil, Stats{}, err
		}
	}

	covered := 0
	for _, ok := range cv.covered {
		if ok {
			covered++
		}
	}
	stats.Coverage = float64(covered) / float64(len(cv.covered))

	out := cv.encode()
	c.log.Debug("composited",
		"frames", len(places), "width", cv.w, "height", cv.h,
		"blend", c.cfg.Blend, "coverage", stats.Coverage)
	return out, stats, nil
}

// blendRow fills canvas row y. Feather and multiband start from the
// weighted average; seam takes the highest-weight frame, the earliest
// frame winning ties.
func (c *Compositor) blendRow(cv *canvas, row []*placement, y int) {
	seam := c.cfg.Blend == config.BlendSeam
	for x := 0; x < cv.w; x++ {
		var (
			sum   [3]float32
			total float32
			best  [3]float32
			bestW float32 = -1
			label int32   = -1
		)
		for _, p := range row {
			if x < p.box.Min.X || x >= p.box.Max.X {
				continue
			}
			rgb, w, ok := p.sample(x, y)
			if !ok {
				continue
			}
			for ch := range sum {
				sum[ch] += w * rgb[ch]
			}
			total += w
			if w > bestW {
				best, bestW, label = rgb, w, int32(p.slot)
			}
		}
		if label < 0 {
			continue
		}
		i := y*cv.w + x
		cv.covered[i] = true
		cv.label[i] = label
		for ch := range sum {
			if seam || total <= 0 {
				cv.rgb[ch][i] = best[ch]
			} else {
				cv.rgb[ch][i] = sum[ch] / total
			}
		}
	}
}

func (cv *canvas) encode() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, cv.w, cv.h))
	for y := 0; y < cv.h; y++ {
		for x := 0; x < cv.w; x++ {
			i := y*cv.w + x
			if !cv.covered[i] {
				continue
			}
			o := y*out.Stride + 4*x
			out.Pix[o] = encode(cv.rgb[0][i])
			out.Pix[o+1] = encode(cv.rgb[1][i])
			out.Pix[o+2] = encode(cv.rgb[2][i])
			out.Pix[o+3] = 255
		}
	}
	return out
}

// bands runs fn over disjoint row ranges of a canvas of height h.
func (c *Compositor) bands(ctx context.Context, h int, fn func(y0, y1 int)) error {
	g, gctx := errgroup.WithContext(ctx)
	if c.workers > 0 {
		g.SetLimit(c.workers)
	}
	for y0 := 0; y0 < h; y0 += c.cfg.RowBand {
		y1 := min(h, y0+c.cfg.RowBand)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(y0, y1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("composite: %w", err)
	}
	return nil
}

func sortByIndex(frames []video.Frame, transforms []geom.Homography) ([]video.Frame, []geom.Homography) {
	if len(frames) != len(transforms) {
		return frames, transforms
	}
	order := make([]int, len(frames))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return frames[order[a]].Index < frames[order[b]].Index })
	fs := make([]video.Frame, len(frames))
	ts := make([]geom.Homography, len(frames))
	for i, o := range order {
		fs[i], ts[i] = frames[o], transforms[o]
	}
	return fs, ts
}
