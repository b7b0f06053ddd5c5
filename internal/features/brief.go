package features

import (
	"math"
	"math/rand/v2"
	"sync"
)

const (
	descriptorBits = 256
	patchRadius    = 15
	patternSeed    = 0x6272696566 // fixed so descriptors are comparable across runs
)

var (
	patternOnce sync.Once
	pattern     [descriptorBits][4]float64 // x0, y0, x1, y1
	circleSpan  [2*patchRadius + 1]int
)

// samplingPattern returns the BRIEF test pairs, drawn once from an
// isotropic Gaussian of sigma = patch/5 and clipped to the patch.
func samplingPattern() *[descriptorBits][4]float64 {
	patternOnce.Do(func() {
		rng := rand.New(rand.NewPCG(patternSeed, patternSeed>>7))
		sigma := float64(2*patchRadius+1) / 5
		draw := func() float64 {
			v := math.Round(rng.NormFloat64() * sigma)
			return math.Max(-patchRadius, math.Min(patchRadius, v))
		}
		for i := range pattern {
			for k := range pattern[i] {
				pattern[i][k] = draw()
			}
		}
		for dy := -patchRadius; dy <= patchRadius; dy++ {
			circleSpan[dy+patchRadius] = int(math.Floor(math.Sqrt(float64(patchRadius*patchRadius - dy*dy))))
		}
	})
	return &pattern
}

// orientation is the intensity-centroid angle of the circular patch
// around (x, y).
func orientation(p plane, x, y int) float64 {
	samplingPattern()
	var m01, m10 int
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		span := circleSpan[dy+patchRadius]
		row := 0
		for dx := -span; dx <= span; dx++ {
			v := p.at(x+dx, y+dy)
			m10 += v * dx
			row += v
		}
		m01 += row * dy
	}
	return math.Atan2(float64(m01), float64(m10))
}

// describe computes the steered BRIEF descriptor at (x, y): bit i is set
// when the first rotated sample of pair i is darker than the second.
func describe(p plane, x, y int, angle float64) Descriptor {
	pat := samplingPattern()
	c, s := math.Cos(angle), math.Sin(angle)
	var d Descriptor
	for i, pr := range pat {
		x0 := x + int(math.Round(c*pr[0]-s*pr[1]))
		y0 := y + int(math.Round(s*pr[0]+c*pr[1]))
		x1 := x + int(math.Round(c*pr[2]-s*pr[3]))
		y1 := y + int(math.Round(s*pr[2]+c*pr[3]))
		if p.at(x0, y0) < p.at(x1, y1) {
			d[i/64] |= 1 << uint(i%64)
		}
	}
	return d
}
