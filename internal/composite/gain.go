package composite

import (
	"context"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// Noise and gain priors of the overlap error, in linear light.
	sigmaN = 0.02
	sigmaG = 0.1
	// gainSamples bounds the canvas pixels visited when measuring overlaps.
	gainSamples = 250_000
	minGain     = 0.5
	maxGain     = 2.0
)

// overlapStats accumulates, per ordered frame pair, the number of shared
// samples and the summed brightness of the first frame over them.
type overlapStats struct {
	n   []float64
	sum []float64
}

func newOverlapStats(k int) overlapStats {
	return overlapStats{n: make([]float64, k*k), sum: make([]float64, k*k)}
}

func (o overlapStats) add(other overlapStats) {
	for i := range o.n {
		o.n[i] += other.n[i]
		o.sum[i] += other.sum[i]
	}
}

// compensate sets a scalar gain per frame that equalises brightness where
// frames overlap, solving the usual least-squares system with a prior that
// keeps gains near one.
func (c *Compositor) compensate(ctx context.Context, places []*placement, rows [][]*placement, bounds image.Rectangle) error {
	k := len(places)
	step := max(1, int(math.Sqrt(float64(bounds.Dx()*bounds.Dy())/gainSamples)))

	nBands := (bounds.Dy() + c.cfg.RowBand - 1) / c.cfg.RowBand
	partial := make([]overlapStats, nBands)
	err := c.bands(ctx, bounds.Dy(), func(y0, y1 int) {
		st := newOverlapStats(k)
		lum := make([]float64, k)
		hit := make([]bool, k)
		for y := y0; y < y1; y++ {
			if y%step != 0 {
				continue
			}
			for x := 0; x < bounds.Dx(); x += step {
				for i := range hit {
					hit[i] = false
				}
				for _, p := range rows[y] {
					if x < p.box.Min.X || x >= p.box.Max.X {
						continue
					}
					rgb, _, ok := p.sample(x, y)
					if !ok {
						continue
					}
					hit[p.slot] = true
					lum[p.slot] = float64(rgb[0]+rgb[1]+rgb[2]) / 3
				}
				for i := 0; i < k; i++ {
					if !hit[i] {
						continue
					}
					for j := 0; j < k; j++ {
						if i != j && hit[j] {
							st.n[i*k+j]++
							st.sum[i*k+j] += lum[i]
						}
					}
				}
			}
		}
		partial[y0/c.cfg.RowBand] = st
	})
	if err != nil {
		return err
	}

	total := newOverlapStats(k)
	for _, st := range partial {
		if st.n != nil {
			total.add(st)
		}
	}

	gains, ok := solveGains(total, k)
	if !ok {
		c.log.Warn("gain compensation failed, keeping unit gains")
		return nil
	}
	for i, p := range places {
		p.gain = float32(gains[i])
	}
	return nil
}

func solveGains(st overlapStats, k int) ([]float64, bool) {
	alpha := 1 / (sigmaN * sigmaN)
	beta := 1 / (sigmaG * sigmaG)

	a := mat.NewDense(k, k, nil)
	b := mat.NewVecDense(k, nil)
	for i := 0; i < k; i++ {
		// A unit ridge keeps frames without overlaps at gain one.
		a.Set(i, i, beta)
		b.SetVec(i, beta)
		for j := 0; j < k; j++ {
			n := st.n[i*k+j]
			if i == j || n == 0 {
				continue
			}
			iij := st.sum[i*k+j] / n
			iji := st.sum[j*k+i] / n
			a.Set(i, i, a.At(i, i)+beta*n+2*alpha*iij*iij*n)
			a.Set(i, j, a.At(i, j)-2*alpha*iij*iji*n)
			b.SetVec(i, b.AtVec(i)+beta*n)
		}
	}

	var g mat.VecDense
	if err := g.SolveVec(a, b); err != nil {
		return nil, false
	}
	out := make([]float64, k)
	for i := range out {
		v := g.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		out[i] = math.Max(minGain, math.Min(maxGain, v))
	}
	return out, true
}
