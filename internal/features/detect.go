package features

import (
	"sort"

	"github.com/lafin/fast"
)

const (
	// border keeps rotated descriptor samples inside the level.
	border = 22
	// harrisK is the usual trace weight of the Harris measure.
	harrisK = 0.04
	// nmsRadius suppresses weaker corners around an accepted one.
	nmsRadius = 3
)

type corner struct {
	x, y     int
	response float64
	// dx, dy place the response peak between pixels.
	dx, dy float64
}

// detect finds FAST corners, ranks them by Harris response and keeps up to
// quota after non-maximum suppression. Ordering is total so that the
// selection is deterministic. Kept corners are located to sub-pixel
// precision on the Harris surface.
func detect(p plane, threshold, quota int) []corner {
	if quota <= 0 {
		return nil
	}
	raw := fast.FindCorners(p.ints(), p.w, p.h, threshold)

	cands := make([]corner, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		x, y := raw[i], raw[i+1]
		if x < border || y < border || x >= p.w-border || y >= p.h-border {
			continue
		}
		cands = append(cands, corner{x: x, y: y, response: harris(p, x, y)})
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.response != b.response {
			return a.response > b.response
		}
		if a.y != b.y {
			return a.y < b.y
		}
		return a.x < b.x
	})

	taken := make([]bool, p.w*p.h)
	out := make([]corner, 0, min(quota, len(cands)))
	for _, c := range cands {
		if len(out) == quota {
			break
		}
		if taken[c.y*p.w+c.x] || c.response <= 0 {
			continue
		}
		c.dx, c.dy = subpixel(p, c.x, c.y, c.response)
		out = append(out, c)
		for dy := -nmsRadius; dy <= nmsRadius; dy++ {
			for dx := -nmsRadius; dx <= nmsRadius; dx++ {
				taken[(c.y+dy)*p.w+c.x+dx] = true
			}
		}
	}
	return out
}

// subpixel fits a parabola through the Harris response along each axis and
// returns the offset of its peak from (x, y). FAST fires on the corner's
// edge pixels too, so the peak may lie up to one pixel away.
func subpixel(p plane, x, y int, r0 float64) (dx, dy float64) {
	dx = peakOffset(harris(p, x-1, y), r0, harris(p, x+1, y))
	dy = peakOffset(harris(p, x, y-1), r0, harris(p, x, y+1))
	return dx, dy
}

func peakOffset(left, centre, right float64) float64 {
	curv := left - 2*centre + right
	if curv >= 0 {
		// Not a maximum along this axis: step towards the larger side.
		switch {
		case left > right && left > centre:
			return -0.5
		case right > left && right > centre:
			return 0.5
		}
		return 0
	}
	return max(-1, min(1, 0.5*(left-right)/curv))
}

// harris evaluates the Harris corner measure over a 7x7 window using
// central differences.
func harris(p plane, x, y int) float64 {
	const r = 3
	var sxx, syy, sxy float64
	for j := y - r; j <= y+r; j++ {
		for i := x - r; i <= x+r; i++ {
			gx := float64(p.at(i+1, j) - p.at(i-1, j))
			gy := float64(p.at(i, j+1) - p.at(i, j-1))
			sxx += gx * gx
			syy += gy * gy
			sxy += gx * gy
		}
	}
	tr := sxx + syy
	return sxx*syy - sxy*sxy - harrisK*tr*tr
}
