package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"vidpano/internal/config"
	"vidpano/internal/metrics"
	"vidpano/internal/pipeline"
	"vidpano/internal/stitch"
	"vidpano/internal/storage"
	"vidpano/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type watcherFactory func(dirs []string, settle time.Duration, log *slog.Logger) (*watch.Watcher, error)

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline   pipelineClient
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	metrics    *metrics.Collector
	newWatcher watcherFactory
}

// NewRoot constructs the shared state of the CLI commands.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store, m *metrics.Collector) *Root {
	return &Root{
		pipeline:   pl,
		cfg:        cfg,
		log:        logger,
		store:      store,
		metrics:    m,
		newWatcher: watch.New,
	}
}

// stitchOptions are the per-job overrides collected from flags.
type stitchOptions struct {
	frequency   config.FrameFrequency
	strictness  config.Strictness
	blend       config.BlendMode
	saveFrames  bool
	framesDir   string
	saveMatches bool
	matchesDir  string
	workers     int
	quality     int
	seed        uint64
	decoder     string
}

func (r *Root) defaultStitchOptions() stitchOptions {
	return stitchOptions{
		frequency:   r.cfg.Sampling.FrameFrequency,
		strictness:  r.cfg.Alignment.Strictness,
		blend:       r.cfg.Compositing.Blend,
		saveFrames:  r.cfg.Sampling.SaveFrames,
		framesDir:   r.cfg.Paths.FramesDir,
		saveMatches: r.cfg.Output.SaveMatches,
		matchesDir:  r.cfg.Paths.MatchesDir,
		workers:     r.cfg.Processing.Workers,
		quality:     r.cfg.Output.Quality,
		seed:        r.cfg.Matching.Seed,
		decoder:     r.cfg.Processing.Decoder,
	}
}

func (o stitchOptions) jobOptions() map[string]any {
	return map[string]any{
		"frameFrequency": o.frequency.String(),
		"strictness":     o.strictness.String(),
		"blend":          o.blend.String(),
		"saveFrames":     o.saveFrames,
		"framesDir":      o.framesDir,
		"saveMatches":    o.saveMatches,
		"matchesDir":     o.matchesDir,
		"workers":        o.workers,
		"quality":        o.quality,
		"seed":           o.seed,
		"decoder":        o.decoder,
	}
}

func (r *Root) stitchJob(input, output string, opts stitchOptions) pipeline.Job {
	return pipeline.Job{
		ID:        newID("stitch"),
		Type:      pipeline.JobStitch,
		InputPath: input,
		Output:    output,
		Options:   opts.jobOptions(),
	}
}

// enqueueAndWait submits job and blocks until its result is broadcast.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// FailureLine renders err the way a failed command reports it on stderr.
// Stage failures keep their structured stage=, kind= and frames= prefix.
func FailureLine(err error) string {
	var se *stitch.StageError
	if errors.As(err, &se) {
		return se.Error()
	}
	return "error: " + err.Error()
}

// watchOutput names the panorama written for a video picked up by the watcher.
func watchOutput(dir, video string) string {
	base := strings.TrimSuffix(filepath.Base(video), filepath.Ext(video))
	if dir == "" {
		dir = filepath.Dir(video)
	}
	return filepath.Join(dir, base+".jpg")
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}
