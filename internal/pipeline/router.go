package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"vidpano/internal/config"
	"vidpano/internal/stitch"
	"vidpano/internal/storage"
)

// Stitcher runs one stitch request.
type Stitcher interface {
	Run(ctx context.Context, req stitch.Request) (stitch.Result, error)
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	stitcher Stitcher
	cfg      *config.Config
}

func newRouter(logger *slog.Logger, store *storage.Store, s Stitcher, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{log: logger, store: store, stitcher: s, cfg: cfg}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStitch:
		return r.handleStitch(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStitch(ctx context.Context, job Job) Result {
	cfg, err := jobConfig(r.cfg, job.Options)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("job %s: %w", job.ID, err)}
	}
	output := job.Output
	if output == "" {
		output = cfg.Paths.DefaultOutput
	}

	res, err := r.stitcher.Run(ctx, stitch.Request{
		JobID:  job.ID,
		Input:  job.InputPath,
		Output: output,
		Config: cfg,
	})
	r.recordRun(job.ID, res)

	meta := res.Meta()
	meta["duration"] = res.Duration.String()
	if len(res.Warnings) > 0 {
		meta["warn"] = res.Warnings
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) recordRun(id string, res stitch.Result) {
	if r.store == nil {
		return
	}
	frames := lo.Map(res.Used, func(i int, _ int) storage.FrameRecord {
		return storage.FrameRecord{Index: i, Status: "used"}
	})
	frames = append(frames, lo.Map(res.Dropped, func(i int, _ int) storage.FrameRecord {
		return storage.FrameRecord{Index: i, Status: "dropped"}
	})...)
	if err := r.store.RecordFrames(id, frames); err != nil {
		r.log.Warn("failed to record run frames", "job", id, "error", err)
	}
	edges := lo.Map(res.Edges, func(e stitch.Edge, _ int) storage.EdgeRecord {
		return storage.EdgeRecord{From: e.From, To: e.To, Correspondences: e.Correspondences, Inliers: e.Inliers, RMSE: e.RMSE}
	})
	if err := r.store.RecordEdges(id, edges); err != nil {
		r.log.Warn("failed to record match graph", "job", id, "error", err)
	}
}

// failureOf splits a stitch error into the parts kept with the run.
func failureOf(err error) *storage.RunFailure {
	if err == nil {
		return nil
	}
	f := &storage.RunFailure{Kind: string(stitch.KindOf(err)), Message: err.Error()}
	var se *stitch.StageError
	if errors.As(err, &se) {
		f.Stage = string(se.Stage)
		f.Kind = string(se.Kind())
	}
	return f
}

// jobConfig applies the job's option overrides to a copy of base. Options
// may come from flags or from a decoded JSON body, so numbers are accepted
// as any integral Go number, json.Number or numeric string. A recognised
// option holding an unusable value is an error.
func jobConfig(base *config.Config, opts map[string]any) (config.Config, error) {
	cfg := *base
	o := options{m: opts}

	if v, ok := opts["frameFrequency"]; ok && v != nil {
		if s, isStr := v.(string); isStr {
			if s != "" {
				f, err := config.ParseFrameFrequency(s)
				o.fail("frameFrequency", err)
				cfg.Sampling.FrameFrequency = f
			}
		} else if n, ok := o.integer("frameFrequency"); ok {
			f, err := config.EveryNth(int(n))
			o.fail("frameFrequency", err)
			cfg.Sampling.FrameFrequency = f
		}
	}
	if v, ok := o.str("strictness"); ok {
		o.fail("strictness", cfg.Alignment.Strictness.Set(v))
	}
	if v, ok := o.str("blend"); ok {
		o.fail("blend", cfg.Compositing.Blend.Set(v))
	}
	if v, ok := o.str("decoder"); ok {
		cfg.Processing.Decoder = v
	}
	if v, ok := o.boolean("saveFrames"); ok {
		cfg.Sampling.SaveFrames = v
	}
	if v, ok := o.str("framesDir"); ok {
		cfg.Paths.FramesDir = v
	}
	if v, ok := o.boolean("saveMatches"); ok {
		cfg.Output.SaveMatches = v
	}
	if v, ok := o.str("matchesDir"); ok {
		cfg.Paths.MatchesDir = v
	}
	if v, ok := o.integer("workers"); ok {
		cfg.Processing.Workers = int(v)
	}
	if v, ok := o.integer("quality"); ok {
		cfg.Output.Quality = int(v)
	}
	if v, ok := o.unsigned("seed"); ok {
		cfg.Matching.Seed = v
	}
	if o.err != nil {
		return cfg, o.err
	}
	return cfg, cfg.Validate()
}

// options reads typed values out of job.Options, collecting an error for
// every present key whose value has the wrong type.
type options struct {
	m   map[string]any
	err error
}

func (o *options) fail(key string, err error) {
	if err != nil {
		o.err = multierr.Append(o.err, fmt.Errorf("option %s: %w", key, err))
	}
}

func (o *options) bad(key string, v any) {
	o.fail(key, fmt.Errorf("unusable value %v (%T)", v, v))
}

// str returns a non-empty string option.
func (o *options) str(key string) (string, bool) {
	v, ok := o.m[key]
	if !ok || v == nil {
		return "", false
	}
	s, isStr := v.(string)
	if !isStr {
		o.bad(key, v)
		return "", false
	}
	return s, s != ""
}

func (o *options) boolean(key string) (bool, bool) {
	v, ok := o.m[key]
	if !ok || v == nil {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		if p, err := strconv.ParseBool(b); err == nil {
			return p, true
		}
	}
	o.bad(key, v)
	return false, false
}

func (o *options) integer(key string) (int64, bool) {
	v, ok := o.m[key]
	if !ok || v == nil {
		return 0, false
	}
	if n, ok := toInt64(v); ok {
		return n, true
	}
	o.bad(key, v)
	return 0, false
}

func (o *options) unsigned(key string) (uint64, bool) {
	v, ok := o.m[key]
	if !ok || v == nil {
		return 0, false
	}
	var (
		n   uint64
		err error
	)
	switch x := v.(type) {
	case uint64:
		return x, true
	case json.Number:
		n, err = strconv.ParseUint(x.String(), 10, 64)
	case string:
		n, err = strconv.ParseUint(x, 10, 64)
	default:
		i, ok := toInt64(v)
		if !ok || i < 0 {
			o.bad(key, v)
			return 0, false
		}
		return uint64(i), true
	}
	if err != nil {
		o.bad(key, v)
		return 0, false
	}
	return n, true
}

// toInt64 converts integral numbers of the types flags and encoding/json
// produce.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
