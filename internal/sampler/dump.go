package sampler

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"vidpano/internal/fsutil"
	"vidpano/internal/video"
)

// Dumper writes sampled frames to numbered JPEG files in the background.
// Write failures never stop sampling; they are collected and returned by Wait.
type Dumper struct {
	dir     string
	quality int
	log     *slog.Logger

	g    errgroup.Group
	mu   sync.Mutex
	errs error
	n    int
}

// NewDumper prepares dir and limits concurrent writes to workers.
func NewDumper(dir string, quality, workers int, log *slog.Logger) (*Dumper, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dumper{dir: dir, quality: quality, log: log}
	d.g.SetLimit(workers)
	return d, nil
}

// FramePath is where the seq-th kept frame is written.
func (d *Dumper) FramePath(seq int) string {
	return filepath.Join(d.dir, fmt.Sprintf("frame_%04d.jpg", seq))
}

// Save queues f for writing as the seq-th kept frame. It blocks only while
// all writers are busy.
func (d *Dumper) Save(seq int, f video.Frame) {
	path := d.FramePath(seq)
	d.g.Go(func() error {
		if err := imaging.Save(f.Image, path, imaging.JPEGQuality(d.quality)); err != nil {
			d.log.Warn("failed to save sampled frame", "path", path, "frame", f.Index, "error", err)
			d.mu.Lock()
			d.errs = multierr.Append(d.errs, fmt.Errorf("save frame %d to %s: %w", f.Index, path, err))
			d.mu.Unlock()
			return nil
		}
		d.mu.Lock()
		d.n++
		d.mu.Unlock()
		return nil
	})
}

// Wait blocks until every queued write finished and returns the combined
// write errors, if any.
func (d *Dumper) Wait() error {
	_ = d.g.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errs
}

// Written is the number of frames saved successfully so far.
func (d *Dumper) Written() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}
