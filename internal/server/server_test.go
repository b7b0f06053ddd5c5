package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vidpano/internal/composite"
	"vidpano/internal/metrics"
	"vidpano/internal/pipeline"
	"vidpano/internal/stitch"
	"vidpano/internal/storage"
)

func TestStitchEndpointQueuesJob(t *testing.T) {
	srv, pipe, _ := newTestServer(t)

	body := `{"video":"flight.mp4","output":"pano.png","options":{"strictness":"strict","frameFrequency":4,"seed":18446744073709551615}}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/stitch", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	jobs := pipe.submitted()
	if len(jobs) != 1 || jobs[0].ID != resp["id"] {
		t.Fatalf("jobs %+v, response %v", jobs, resp)
	}
	if jobs[0].Type != pipeline.JobStitch || jobs[0].InputPath != "flight.mp4" || jobs[0].Options["strictness"] != "strict" {
		t.Fatalf("unexpected job %+v", jobs[0])
	}
	if jobs[0].Options["seed"] != json.Number("18446744073709551615") || jobs[0].Options["frameFrequency"] != json.Number("4") {
		t.Fatalf("numeric options not kept exact: %#v", jobs[0].Options)
	}
}

func TestStitchEndpointRejectsBadRequests(t *testing.T) {
	srv, pipe, _ := newTestServer(t)
	cases := []struct {
		body string
		code int
	}{
		{`{`, http.StatusBadRequest},
		{`{"output":"x.jpg"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/stitch", strings.NewReader(tc.body)))
		if rec.Code != tc.code {
			t.Errorf("body %q: status %d, want %d", tc.body, rec.Code, tc.code)
		}
	}

	pipe.err = errors.New("job queue is full")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/stitch", strings.NewReader(`{"video":"a.mp4"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("full queue: status %d", rec.Code)
	}
}

func TestRunEndpoints(t *testing.T) {
	srv, _, store := newTestServer(t)
	_ = store.RecordRunQueued(storage.RunRecord{ID: "run-1", Status: "queued", InputPath: "a.mp4"})
	_ = store.RecordFrames("run-1", []storage.FrameRecord{{Index: 0, Status: "used"}, {Index: 8, Status: "used"}})
	_ = store.RecordEdges("run-1", []storage.EdgeRecord{{From: 0, To: 8, Correspondences: 40, Inliers: 31, RMSE: 0.9}})
	_ = store.RecordRunResult("run-1", "completed", map[string]any{"width": 900}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/runs?limit=5", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"run-1"`) {
		t.Fatalf("runs: %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/runs/run-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("run details: %d %s", rec.Code, rec.Body)
	}
	var details RunDetails
	if err := json.Unmarshal(rec.Body.Bytes(), &details); err != nil {
		t.Fatal(err)
	}
	if len(details.Frames) != 2 || len(details.Edges) != 1 || details.Edges[0].Inliers != 31 || details.Meta["width"] != float64(900) {
		t.Fatalf("unexpected details %+v", details)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/runs?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, pipe, _ := newTestServer(t)
	pipe.active = map[string]bool{"run-3": true}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/runs/run-3", nil))
	if rec.Code != http.StatusAccepted || pipe.active["run-3"] {
		t.Fatalf("cancel: status %d, active %v", rec.Code, pipe.active)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/runs/run-3", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel: status %d", rec.Code)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "vidpano_canvas_pixels 4800") {
		t.Fatalf("metrics: %d\n%s", rec.Code, rec.Body)
	}
}

func TestStreamSendsResults(t *testing.T) {
	srv, pipe, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	failure := &stitch.StageError{Stage: stitch.StageComposite, Frames: []int{2}, Err: composite.ErrStitchFailed}
	go func() {
		for !pipe.publish(pipeline.Result{Job: pipeline.Job{ID: "run-7", InputPath: "b.mp4"}, Error: failure}) {
			time.Sleep(10 * time.Millisecond)
		}
	}()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var ev RunEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.ID != "run-7" || ev.Stage != "composite" || ev.Kind != "StitchFailed" || ev.Output != "" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

// Test helpers

func newTestServer(t *testing.T) (*Server, *fakePipeline, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "vidpano.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m := metrics.NewCollector()
	m.Canvas(4800)
	pipe := &fakePipeline{subs: make(map[int]chan pipeline.Result)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(":0", store, pipe, m.Registry(), log), pipe, store
}

type fakePipeline struct {
	mu     sync.Mutex
	jobs   []pipeline.Job
	subs   map[int]chan pipeline.Result
	nextID int
	err    error
	active map[string]bool
}

func (f *fakePipeline) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return false
	}
	delete(f.active, id)
	return true
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan pipeline.Result, 4)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
}

// publish delivers res to current subscribers and reports whether there
// were any.
func (f *fakePipeline) publish(res pipeline.Result) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- res
	}
	return len(f.subs) > 0
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}
