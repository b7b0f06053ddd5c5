package composite

import (
	"sync"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Blending happens in linear light; these tables convert 8-bit sRGB values
// to linear floats and back.
const encodeSteps = 1 << 16

var (
	lightOnce sync.Once
	toLinear  [256]float32
	toSRGB    [encodeSteps + 1]uint8
)

func lightTables() {
	lightOnce.Do(func() {
		for v := range toLinear {
			r, _, _ := colorful.Color{R: float64(v) / 255}.LinearRgb()
			toLinear[v] = float32(r)
		}
		for i := range toSRGB {
			l := float64(i) / encodeSteps
			r, _, _ := colorful.LinearRgb(l, l, l).Clamped().RGB255()
			toSRGB[i] = r
		}
	})
}

func encode(v float32) uint8 {
	switch {
	case !(v > 0):
		return 0
	case v >= 1:
		return 255
	}
	return toSRGB[int(v*encodeSteps+0.5)]
}
