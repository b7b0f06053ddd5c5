package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"vidpano/internal/config"
	"vidpano/internal/logging"
	"vidpano/internal/stitch"
	"vidpano/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobStitch JobType = "stitch"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pipeline stopped")
)

// Job represents a single stitch request. Options override the matching
// configuration values for this job only.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Output is the written panorama path, if any.
func (r Result) Output() string {
	if r.Meta == nil {
		return ""
	}
	out, _ := r.Meta["output"].(string)
	return out
}

// Status is the run status stored for the result.
func (r Result) Status() string {
	switch {
	case r.Error == nil:
		return "completed"
	case stitch.KindOf(r.Error) == stitch.KindCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Stats counts jobs waiting in the queue and jobs being stitched.
type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store

	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
	running   map[string]context.CancelFunc
	queued    map[string]bool // job ID -> canceled before a worker took it
}

// New creates a new Pipeline whose workers run stitch jobs with s, starting
// from cfg for every job.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, s Stitcher, cfg *config.Config) *Pipeline {
	return newPipeline(ctx, concurrency, logger, store, newRouter(logger, store, s, cfg))
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:     logger,
		jobs:    make(chan Job, concurrency*2),
		cancel:  cancel,
		store:   store,
		subs:    make(map[int]chan Result),
		running: make(map[string]context.CancelFunc),
		queued:  make(map[string]bool),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue without blocking.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		p.queued[job.ID] = false
	default:
		return fmt.Errorf("job %s: %w", job.ID, ErrQueueFull)
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}
	return nil
}

// Cancel stops a running job or keeps a queued one from starting. It
// reports whether the job was known to the pipeline.
func (p *Pipeline) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[id]; ok {
		cancel()
		return true
	}
	if _, ok := p.queued[id]; ok {
		p.queued[id] = true
		return true
	}
	return false
}

// Stats reports the current queue depth and the number of running jobs.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Queued: len(p.jobs), Running: len(p.running)}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, job))
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) Result {
	start := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	skip := p.queued[job.ID]
	delete(p.queued, job.ID)
	if !skip {
		p.running[job.ID] = cancel
	}
	p.mu.Unlock()

	var res Result
	if skip {
		res = Result{Job: job, Error: fmt.Errorf("job %s: %w", job.ID, context.Canceled)}
	} else {
		logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
		if p.store != nil {
			_ = p.store.RecordRunStart(job.ID)
		}
		res = p.processor.Process(jobCtx, job)

		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}

	duration := time.Since(start)
	if res.Error != nil {
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":   job.InputPath,
			"output":  job.Output,
			"options": job.Options,
			"status":  res.Status(),
		})
		if p.store != nil {
			_ = p.store.RecordRunResult(job.ID, res.Status(), res.Meta, failureOf(res.Error))
		}
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
		if p.store != nil {
			_ = p.store.RecordRunResult(job.ID, res.Status(), res.Meta, nil)
		}
	}
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
