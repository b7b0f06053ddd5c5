// Package synth renders deterministic textured scenes and simulated camera
// passes over them, for self-checks and tests of the stitcher.
package synth

import (
	"image"
	"math/rand/v2"

	"github.com/fogleman/gg"

	"vidpano/internal/geom"
	"vidpano/internal/video"
)

// Scene renders a w x h image covered with random rectangles and discs.
// The same seed always yields the same pixels.
func Scene(w, h int, seed uint64) *image.NRGBA {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	dc := gg.NewContext(w, h)
	dc.SetRGB(0.45, 0.5, 0.4)
	dc.Clear()

	shapes := w * h / 600
	for i := 0; i < shapes; i++ {
		dc.SetRGB(rng.Float64(), rng.Float64(), rng.Float64())
		x := rng.Float64() * float64(w)
		y := rng.Float64() * float64(h)
		size := 4 + rng.Float64()*28
		if rng.IntN(2) == 0 {
			dc.DrawRectangle(x, y, size, size*(0.4+rng.Float64()))
		} else {
			dc.DrawCircle(x, y, size/2)
		}
		dc.Fill()
	}
	return video.ToNRGBA(dc.Image())
}

// Crop returns the w x h window of src whose top-left corner is (x, y),
// as a new image.
func Crop(src *image.NRGBA, x, y, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for row := 0; row < h; row++ {
		copy(dst.Pix[row*dst.Stride:row*dst.Stride+4*w], src.Pix[(y+row)*src.Stride+4*x:])
	}
	return dst
}

// Pass simulates a camera sweeping horizontally across scene: n frames of
// size w x h, each shifted by step pixels from the previous one.
func Pass(scene *image.NRGBA, n, w, h, step int) []video.Frame {
	frames := make([]video.Frame, n)
	for i := range frames {
		frames[i] = video.Frame{Index: i, Image: Crop(scene, i*step, 0, w, h)}
	}
	return frames
}

// Offsets returns the ground-truth transform of every frame of Pass into
// the coordinates of frame ref.
func Offsets(n, step, ref int) []geom.Homography {
	out := make([]geom.Homography, n)
	for i := range out {
		out[i] = geom.Translation(float64((i-ref)*step), 0)
	}
	return out
}
