package stitch

import (
	"fmt"
	"path/filepath"

	"github.com/fogleman/gg"

	"vidpano/internal/features"
	"vidpano/internal/fsutil"
	"vidpano/internal/match"
	"vidpano/internal/video"
)

// plotMatches draws every accepted pair side by side with its inlier
// correspondences. Failures only produce warnings.
func (r *run) plotMatches(g *match.Graph, sets []features.Set, frames map[int]video.Frame) {
	dir := r.cfg.Paths.MatchesDir
	if err := fsutil.EnsureDir(dir); err != nil {
		r.warn(StageMatch, err)
		return
	}
	bySet := make(map[int]features.Set, len(sets))
	for _, s := range sets {
		bySet[s.Frame] = s
	}
	for _, m := range g.Matches() {
		path := filepath.Join(dir, fmt.Sprintf("match_%04d_%04d.png", m.From, m.To))
		if err := plotMatch(path, m, frames[m.From], frames[m.To], bySet[m.From], bySet[m.To]); err != nil {
			r.warn(StageMatch, fmt.Errorf("plot %s: %w", path, err))
		}
	}
}

func plotMatch(path string, m match.Match, a, b video.Frame, sa, sb features.Set) error {
	w := a.Width() + b.Width()
	h := max(a.Height(), b.Height())
	dc := gg.NewContext(w, h)
	dc.DrawImage(a.Image, 0, 0)
	dc.DrawImage(b.Image, a.Width(), 0)

	dx := float64(a.Width())
	src, dst := m.InlierPoints(sa, sb)
	dc.SetLineWidth(1)
	for i := range src {
		dc.SetRGBA(0, 1, 0, 0.6)
		dc.DrawLine(src[i].X, src[i].Y, dst[i].X+dx, dst[i].Y)
		dc.Stroke()
		dc.SetRGBA(1, 0, 0, 0.8)
		dc.DrawCircle(src[i].X, src[i].Y, 2)
		dc.DrawCircle(dst[i].X+dx, dst[i].Y, 2)
		dc.Fill()
	}
	return dc.SavePNG(path)
}
