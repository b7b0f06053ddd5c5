package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"vidpano/internal/storage"
)

// blockingProcessor holds every job until its context ends or release is
// closed.
type blockingProcessor struct {
	started chan string
	release chan struct{}
}

func (b *blockingProcessor) Process(ctx context.Context, job Job) Result {
	b.started <- job.ID
	select {
	case <-ctx.Done():
		return Result{Job: job, Error: ctx.Err()}
	case <-b.release:
		return Result{Job: job, Meta: map[string]any{"output": job.Output}}
	}
}

func newBlocking() *blockingProcessor {
	return &blockingProcessor{started: make(chan string, 8), release: make(chan struct{})}
}

func waitResult(t *testing.T, ch <-chan Result, id string) Result {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case res := <-ch:
			if res.Job.ID == id {
				return res
			}
		case <-timeout:
			t.Fatalf("no result for %s", id)
		}
	}
}

func TestCancelRunningJob(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	proc := newBlocking()
	p := newPipeline(context.Background(), 1, slog.Default(), store, proc)
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	if err := p.Submit(Job{ID: "long", Type: JobStitch}); err != nil {
		t.Fatal(err)
	}
	<-proc.started
	if s := p.Stats(); s.Running != 1 {
		t.Fatalf("stats %+v", s)
	}
	if !p.Cancel("long") {
		t.Fatal("running job not found")
	}
	res := waitResult(t, results, "long")
	if !errors.Is(res.Error, context.Canceled) || res.Status() != "canceled" {
		t.Fatalf("result %+v, status %s", res, res.Status())
	}

	runs, err := store.RecentRuns(1)
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].Status != "canceled" || runs[0].ErrorKind != "Canceled" {
		t.Fatalf("run %+v", runs[0])
	}
	if p.Cancel("unknown") {
		t.Fatal("unknown job reported as canceled")
	}
}

func TestCancelQueuedJobSkipsIt(t *testing.T) {
	proc := newBlocking()
	p := newPipeline(context.Background(), 1, slog.Default(), nil, proc)
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	_ = p.Submit(Job{ID: "first"})
	<-proc.started
	_ = p.Submit(Job{ID: "second"})
	if !p.Cancel("second") {
		t.Fatal("queued job not found")
	}
	close(proc.release)

	if res := waitResult(t, results, "first"); res.Error != nil {
		t.Fatalf("first job failed: %v", res.Error)
	}
	if res := waitResult(t, results, "second"); !errors.Is(res.Error, context.Canceled) {
		t.Fatalf("second job ran: %+v", res)
	}
	select {
	case id := <-proc.started:
		t.Fatalf("canceled job %s reached the processor", id)
	default:
	}
}

func TestSubmitQueueFullAndStopped(t *testing.T) {
	proc := newBlocking()
	p := newPipeline(context.Background(), 1, slog.Default(), nil, proc)

	_ = p.Submit(Job{ID: "running"})
	<-proc.started
	// One worker gives two queue slots.
	for _, id := range []string{"q1", "q2"} {
		if err := p.Submit(Job{ID: id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	if err := p.Submit(Job{ID: "q3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if s := p.Stats(); s.Queued != 2 || s.Running != 1 {
		t.Fatalf("stats %+v", s)
	}

	p.Stop()
	if err := p.Submit(Job{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestResultStatus(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "completed"},
		{errors.New("disk full"), "failed"},
		{context.Canceled, "canceled"},
	}
	for _, tc := range cases {
		if got := (Result{Error: tc.err}).Status(); got != tc.want {
			t.Errorf("Status(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
