// Package server exposes stitch jobs and run history over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vidpano/internal/pipeline"
	"vidpano/internal/stitch"
	"vidpano/internal/storage"
)

// Pipeline is the part of the job pipeline the server drives.
type Pipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// canceler is implemented by pipelines that can stop a job.
type canceler interface {
	Cancel(id string) bool
}

// Server serves the job API.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Pipeline
	gatherer prometheus.Gatherer
	log      *slog.Logger
	server   *http.Server
}

// StitchRequest is the body of POST /stitch. Options use the job option
// names, e.g. frameFrequency, strictness, blend.
type StitchRequest struct {
	Video   string         `json:"video"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options,omitempty"`
}

// RunEvent is one finished job on the result stream.
type RunEvent struct {
	ID     string         `json:"id"`
	Input  string         `json:"input"`
	Output string         `json:"output,omitempty"`
	Stage  string         `json:"stage,omitempty"`
	Kind   string         `json:"kind,omitempty"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// RunDetails is the response of GET /runs/{id}.
type RunDetails struct {
	ID     string                `json:"id"`
	Meta   map[string]any        `json:"meta"`
	Frames []storage.FrameRecord `json:"frames"`
	Edges  []storage.EdgeRecord  `json:"edges"`
}

// NewServer creates a server. gatherer may be nil, which disables /metrics.
func NewServer(addr string, store *storage.Store, pipe Pipeline, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		gatherer: gatherer,
		log:      log,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/stitch", s.handleStitch).Methods("POST")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleCancel).Methods("DELETE")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStitch(w http.ResponseWriter, r *http.Request) {
	var req StitchRequest
	dec := json.NewDecoder(r.Body)
	// Keep large seeds exact; the router converts numbers per option.
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Video == "" {
		http.Error(w, "video is required", http.StatusBadRequest)
		return
	}

	job := pipeline.Job{
		ID:        "stitch-" + uuid.NewString()[:8],
		Type:      pipeline.JobStitch,
		InputPath: req.Video,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.RunMeta(id)
	if err != nil {
		http.Error(w, fmt.Sprintf("run %s: %v", id, err), http.StatusNotFound)
		return
	}
	frames, err := s.store.RunFrames(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	edges, err := s.store.RunEdges(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RunDetails{ID: id, Meta: meta, Frames: frames, Edges: edges})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, ok := s.pipeline.(canceler)
	if !ok {
		http.Error(w, "cancellation unsupported", http.StatusNotImplemented)
		return
	}
	if !c.Cancel(id) {
		http.Error(w, fmt.Sprintf("run %s is not queued or running", id), http.StatusNotFound)
		return
	}
	s.log.Info("job cancel requested", "id", id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(eventOf(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// eventOf flattens a result; errors do not marshal on their own.
func eventOf(res pipeline.Result) RunEvent {
	ev := RunEvent{ID: res.Job.ID, Input: res.Job.InputPath, Output: res.Output(), Meta: res.Meta}
	if res.Error != nil {
		ev.Error = res.Error.Error()
		ev.Kind = string(stitch.KindOf(res.Error))
		var se *stitch.StageError
		if errors.As(res.Error, &se) {
			ev.Stage = string(se.Stage)
			ev.Kind = string(se.Kind())
		}
	}
	return ev
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
