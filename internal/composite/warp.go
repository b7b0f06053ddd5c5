package composite

import (
	"image"
	"math"

	"github.com/golang/geo/r2"

	"vidpano/internal/geom"
	"vidpano/internal/video"
)

// placement is a frame ready to be sampled from canvas coordinates.
type placement struct {
	index int
	slot  int // position among the sorted placements
	img   *image.NRGBA
	w, h  int
	// inv maps canvas pixel centres into frame coordinates.
	inv geom.Homography
	// box is the canvas rectangle the frame may cover.
	box  image.Rectangle
	gain float32
}

func newPlacement(f video.Frame, h geom.Homography, origin image.Point, canvas image.Rectangle) (*placement, error) {
	h = h.Normalize()
	inv, err := h.Inverse()
	if err != nil {
		return nil, err
	}
	img := f.Image
	if img.Rect.Min != (image.Point{}) {
		img = video.ToNRGBA(img)
	}
	toPano := geom.Translation(float64(origin.X), float64(origin.Y))
	p := &placement{
		index: f.Index,
		img:   img,
		w:     f.Width(),
		h:     f.Height(),
		inv:   inv.Mul(toPano),
		gain:  1,
	}
	q, _ := warpCorners(h, p.w, p.h)
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range q {
		minX, maxX = math.Min(minX, c.X), math.Max(maxX, c.X)
		minY, maxY = math.Min(minY, c.Y), math.Max(maxY, c.Y)
	}
	p.box = image.Rect(
		int(math.Ceil(minX))-origin.X, int(math.Ceil(minY))-origin.Y,
		int(math.Ceil(maxX))-origin.X, int(math.Ceil(maxY))-origin.Y,
	).Intersect(canvas)
	return p, nil
}

// sample returns the linear-light colour of the frame at canvas pixel
// (x, y) and its feather weight, the distance to the nearest frame edge.
// ok is false outside the frame.
func (p *placement) sample(x, y int) (rgb [3]float32, weight float32, ok bool) {
	q, w := p.inv.Project(r2.Point{X: float64(x), Y: float64(y)})
	if w <= 0 {
		return rgb, 0, false
	}
	u, v := q.X, q.Y
	fw, fh := float64(p.w), float64(p.h)
	if !(u >= -0.5 && u < fw-0.5 && v >= -0.5 && v < fh-0.5) {
		return rgb, 0, false
	}
	d := math.Min(math.Min(u+0.5, fw-0.5-u), math.Min(v+0.5, fh-0.5-v))

	// Bilinear taps, clamped at the border.
	u = math.Max(0, math.Min(u, fw-1))
	v = math.Max(0, math.Min(v, fh-1))
	x0, y0 := int(u), int(v)
	x1, y1 := min(x0+1, p.w-1), min(y0+1, p.h-1)
	ax, ay := float32(u-float64(x0)), float32(v-float64(y0))

	pix, stride := p.img.Pix, p.img.Stride
	o00 := y0*stride + 4*x0
	o10 := y0*stride + 4*x1
	o01 := y1*stride + 4*x0
	o11 := y1*stride + 4*x1
	for c := 0; c < 3; c++ {
		top := toLinear[pix[o00+c]]*(1-ax) + toLinear[pix[o10+c]]*ax
		bot := toLinear[pix[o01+c]]*(1-ax) + toLinear[pix[o11+c]]*ax
		rgb[c] = (top*(1-ay) + bot*ay) * p.gain
	}
	return rgb, float32(d), true
}

// covering returns, for each canvas row, the placements whose box spans
// it, in placement order.
func covering(places []*placement, height int) [][]*placement {
	rows := make([][]*placement, height)
	for _, p := range places {
		for y := max(0, p.box.Min.Y); y < min(height, p.box.Max.Y); y++ {
			rows[y] = append(rows[y], p)
		}
	}
	return rows
}
