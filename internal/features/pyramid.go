package features

import (
	"image"
	"math"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
)

// minLevelSize is the smallest pyramid level side that still leaves room
// for descriptor patches away from the border.
const minLevelSize = 2*border + 16

// plane is an 8-bit single-channel image.
type plane struct {
	w, h int
	pix  []uint8
}

func (p plane) at(x, y int) int { return int(p.pix[y*p.w+x]) }

// ints widens the plane for the corner detector.
func (p plane) ints() map[int]int {
	out := make(map[int]int, len(p.pix))
	for i, v := range p.pix {
		out[i] = int(v)
	}
	return out
}

// planeFrom takes the red channel of an image already converted to grey.
func planeFrom(img image.Image) plane {
	b := img.Bounds()
	p := plane{w: b.Dx(), h: b.Dy(), pix: make([]uint8, b.Dx()*b.Dy())}
	switch m := img.(type) {
	case *image.RGBA:
		for y := 0; y < p.h; y++ {
			row := m.Pix[y*m.Stride:]
			for x := 0; x < p.w; x++ {
				p.pix[y*p.w+x] = row[4*x]
			}
		}
	case *image.NRGBA:
		for y := 0; y < p.h; y++ {
			row := m.Pix[y*m.Stride:]
			for x := 0; x < p.w; x++ {
				p.pix[y*p.w+x] = row[4*x]
			}
		}
	default:
		for y := 0; y < p.h; y++ {
			for x := 0; x < p.w; x++ {
				r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				p.pix[y*p.w+x] = uint8(r >> 8)
			}
		}
	}
	return p
}

// level is one pyramid layer. sx, sy convert level pixels to working
// image pixels.
type level struct {
	gray    plane
	blurred plane
	sx, sy  float64
}

func buildPyramid(src image.Image, levels int, factor, sigma float64) []level {
	gray := effect.Grayscale(src)
	w0, h0 := gray.Bounds().Dx(), gray.Bounds().Dy()

	var out []level
	for l := 0; l < levels; l++ {
		s := math.Pow(factor, float64(l))
		w := int(math.Round(float64(w0) / s))
		h := int(math.Round(float64(h0) / s))
		if w < minLevelSize || h < minLevelSize {
			break
		}
		var img image.Image = gray
		if l > 0 {
			img = imaging.Resize(gray, w, h, imaging.Linear)
		}
		lvl := level{
			gray: planeFrom(img),
			sx:   float64(w0) / float64(w),
			sy:   float64(h0) / float64(h),
		}
		if sigma > 0 {
			lvl.blurred = planeFrom(blur.Gaussian(img, sigma))
		} else {
			lvl.blurred = lvl.gray
		}
		out = append(out, lvl)
	}
	return out
}

// levelQuotas splits total keypoints over levels in proportion to level
// area, finest level first.
func levelQuotas(total, levels int, factor float64) []int {
	if levels == 0 {
		return nil
	}
	f := 1 / (factor * factor)
	perLevel := float64(total) * (1 - f) / (1 - math.Pow(f, float64(levels)))
	quotas := make([]int, levels)
	sum := 0
	for l := 0; l < levels-1; l++ {
		quotas[l] = int(math.Round(perLevel))
		sum += quotas[l]
		perLevel *= f
	}
	quotas[levels-1] = max(0, total-sum)
	return quotas
}
