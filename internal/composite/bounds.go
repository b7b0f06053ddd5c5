package composite

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"

	"vidpano/internal/geom"
	"vidpano/internal/video"
)

// ErrStitchFailed is returned when frames cannot be placed on a sensible
// canvas. Nothing should be written in that case.
var ErrStitchFailed = errors.New("stitch failed")

// minW keeps projected corners clear of the horizon line.
const minW = 1e-6

// PlacementError lists the frames that could not be placed.
type PlacementError struct {
	Frames []int
	Reason string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("%v: %s (frames %v)", ErrStitchFailed, e.Reason, e.Frames)
}

func (e *PlacementError) Unwrap() error { return ErrStitchFailed }

// corners are the outer pixel edges of a w x h frame whose pixel centres
// sit on integer coordinates.
func corners(w, h int) [4]r2.Point {
	x1, y1 := float64(w)-0.5, float64(h)-0.5
	return [4]r2.Point{{X: -0.5, Y: -0.5}, {X: x1, Y: -0.5}, {X: x1, Y: y1}, {X: -0.5, Y: y1}}
}

// warpCorners projects the frame outline, reporting false when any corner
// is non-finite or behind the horizon.
func warpCorners(h geom.Homography, w, ht int) ([4]r2.Point, bool) {
	var out [4]r2.Point
	for i, c := range corners(w, ht) {
		p, pw := h.Project(c)
		if pw <= minW || math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return out, false
		}
		out[i] = p
	}
	return out, true
}

// quadArea is the signed shoelace area; positive for the corner order of
// corners under an orientation-preserving transform.
func quadArea(q [4]r2.Point) float64 {
	var a float64
	for i := range q {
		a += q[i].Cross(q[(i+1)%4])
	}
	return a / 2
}

// placeable reports whether transform h puts a w x ht frame on the canvas
// without folding it or blowing its area up or down by more than maxRatio.
func placeable(h geom.Homography, w, ht int, maxRatio float64) ([4]r2.Point, bool) {
	if !h.Finite() {
		return [4]r2.Point{}, false
	}
	h = h.Normalize()
	if _, err := h.Inverse(); err != nil {
		return [4]r2.Point{}, false
	}
	q, ok := warpCorners(h, w, ht)
	if !ok {
		return q, false
	}
	ratio := quadArea(q) / float64(w*ht)
	if ratio <= 0 || math.IsNaN(ratio) {
		return q, false
	}
	if maxRatio > 0 && (ratio > maxRatio || ratio < 1/maxRatio) {
		return q, false
	}
	return q, true
}

// Bounds returns the panorama-space rectangle of pixel centres covered by
// the warped frames. Frames that cannot be placed, or a canvas larger than
// maxPixels, fail with a PlacementError.
func Bounds(frames []video.Frame, transforms []geom.Homography, maxRatio float64, maxPixels int) (image.Rectangle, error) {
	if len(frames) == 0 {
		return image.Rectangle{}, &PlacementError{Reason: "no frames"}
	}
	if len(frames) != len(transforms) {
		return image.Rectangle{}, fmt.Errorf("composite: %d frames and %d transforms", len(frames), len(transforms))
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	var bad []int
	for i, f := range frames {
		q, ok := placeable(transforms[i], f.Width(), f.Height(), maxRatio)
		if !ok {
			bad = append(bad, f.Index)
			continue
		}
		for _, p := range q {
			minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
			minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
		}
	}
	if len(bad) > 0 {
		return image.Rectangle{}, &PlacementError{Frames: bad, Reason: "transform folds, explodes or leaves the image plane"}
	}

	r := image.Rect(int(math.Ceil(minX)), int(math.Ceil(minY)), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
	if r.Empty() {
		return image.Rectangle{}, &PlacementError{Frames: frameIndices(frames), Reason: "empty canvas"}
	}
	if maxPixels > 0 && float64(r.Dx())*float64(r.Dy()) > float64(maxPixels) {
		return image.Rectangle{}, &PlacementError{
			Frames: frameIndices(frames),
			Reason: fmt.Sprintf("canvas %dx%d exceeds %d pixels", r.Dx(), r.Dy(), maxPixels),
		}
	}
	return r, nil
}

func frameIndices(frames []video.Frame) []int {
	out := make([]int, len(frames))
	for i, f := range frames {
		out[i] = f.Index
	}
	return out
}
