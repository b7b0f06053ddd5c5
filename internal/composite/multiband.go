package composite

import (
	"context"
	"math/bits"
)

// plane32 is a single-channel float image.
type plane32 struct {
	w, h int
	v    []float32
}

func newPlane32(w, h int) plane32 {
	return plane32{w: w, h: h, v: make([]float32, w*h)}
}

func (p plane32) at(x, y int) float32 {
	x = max(0, min(p.w-1, x))
	y = max(0, min(p.h-1, y))
	return p.v[y*p.w+x]
}

// binomial is the 5-tap [1 4 6 4 1]/16 kernel.
var binomial = [5]float32{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}

// down blurs p and keeps every other pixel.
func down(p plane32) plane32 {
	tmp := newPlane32(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			var s float32
			for k, wt := range binomial {
				s += wt * p.at(x+k-2, y)
			}
			tmp.v[y*p.w+x] = s
		}
	}
	out := newPlane32((p.w+1)/2, (p.h+1)/2)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			var s float32
			for k, wt := range binomial {
				s += wt * tmp.at(2*x, 2*y+k-2)
			}
			out.v[y*out.w+x] = s
		}
	}
	return out
}

// up resamples p bilinearly to w x h; pixel x of the result sits at x/2
// in p.
func up(p plane32, w, h int) plane32 {
	out := newPlane32(w, h)
	for y := 0; y < h; y++ {
		sy := float32(y) / 2
		y0 := int(sy)
		ay := sy - float32(y0)
		for x := 0; x < w; x++ {
			sx := float32(x) / 2
			x0 := int(sx)
			ax := sx - float32(x0)
			top := p.at(x0, y0)*(1-ax) + p.at(x0+1, y0)*ax
			bot := p.at(x0, y0+1)*(1-ax) + p.at(x0+1, y0+1)*ax
			out.v[y*w+x] = top*(1-ay) + bot*ay
		}
	}
	return out
}

func gaussianPyramid(p plane32, levels int) []plane32 {
	pyr := make([]plane32, levels)
	pyr[0] = p
	for l := 1; l < levels; l++ {
		pyr[l] = down(pyr[l-1])
	}
	return pyr
}

// laplacianPyramid returns band-pass levels plus the coarsest Gaussian
// level, such that collapse restores p exactly.
func laplacianPyramid(p plane32, levels int) []plane32 {
	g := gaussianPyramid(p, levels)
	for l := 0; l < levels-1; l++ {
		u := up(g[l+1], g[l].w, g[l].h)
		lap := newPlane32(g[l].w, g[l].h)
		for i := range lap.v {
			lap.v[i] = g[l].v[i] - u.v[i]
		}
		g[l] = lap
	}
	return g
}

func collapse(pyr []plane32) plane32 {
	r := pyr[len(pyr)-1]
	for l := len(pyr) - 2; l >= 0; l-- {
		u := up(r, pyr[l].w, pyr[l].h)
		for i := range u.v {
			u.v[i] += pyr[l].v[i]
		}
		r = u
	}
	return r
}

// bandLevels caps the pyramid depth so the coarsest level keeps a few
// pixels.
func bandLevels(requested, w, h int) int {
	limit := bits.Len(uint(min(w, h))) - 2
	return max(1, min(requested, limit))
}

// multiband replaces the feathered canvas with a Laplacian pyramid blend
// driven by the seam labels: each frame contributes band-pass detail only
// near the pixels it owns, smoothed more at coarser bands. Outside its own
// coverage a frame is extended with the feathered result so its pyramid
// has no artificial edges.
func (c *Compositor) multiband(ctx context.Context, cv *canvas, places []*placement, rows [][]*placement) error {
	levels := bandLevels(c.cfg.Bands, cv.w, cv.h)
	if levels < 2 {
		return nil
	}

	var (
		acc  = make([][3]plane32, levels)
		wsum = make([]plane32, levels)
	)

	for _, p := range places {
		if err := ctx.Err(); err != nil {
			return err
		}
		mask := newPlane32(cv.w, cv.h)
		owned := 0
		for i, l := range cv.label {
			if cv.covered[i] && int(l) == p.slot {
				mask.v[i] = 1
				owned++
			}
		}
		if owned == 0 {
			continue
		}

		var img [3]plane32
		for ch := range img {
			img[ch] = newPlane32(cv.w, cv.h)
			copy(img[ch].v, cv.rgb[ch])
		}
		err := c.bands(ctx, cv.h, func(y0, y1 int) {
			for y := y0; y < y1; y++ {
				if y < p.box.Min.Y || y >= p.box.Max.Y {
					continue
				}
				for x := p.box.Min.X; x < p.box.Max.X; x++ {
					rgb, _, ok := p.sample(x, y)
					if !ok {
						continue
					}
					for ch := range img {
						img[ch].v[y*cv.w+x] = rgb[ch]
					}
				}
			}
		})
		if err != nil {
			return err
		}

		gm := gaussianPyramid(mask, levels)
		for ch := range img {
			lap := laplacianPyramid(img[ch], levels)
			for l := range lap {
				if acc[l][ch].v == nil {
					acc[l][ch] = newPlane32(lap[l].w, lap[l].h)
				}
				for i, v := range lap[l].v {
					acc[l][ch].v[i] += v * gm[l].v[i]
				}
			}
		}
		for l := range gm {
			if wsum[l].v == nil {
				wsum[l] = newPlane32(gm[l].w, gm[l].h)
			}
			for i, v := range gm[l].v {
				wsum[l].v[i] += v
			}
		}
	}

	for ch := 0; ch < 3; ch++ {
		pyr := make([]plane32, levels)
		for l := range pyr {
			pyr[l] = acc[l][ch]
			for i, w := range wsum[l].v {
				if w > 1e-6 {
					pyr[l].v[i] /= w
				} else {
					pyr[l].v[i] = 0
				}
			}
		}
		out := collapse(pyr)
		for i, ok := range cv.covered {
			if ok {
				cv.rgb[ch][i] = max(0, out.v[i])
			}
		}
	}
	return nil
}
