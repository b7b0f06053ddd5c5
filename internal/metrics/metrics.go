// Package metrics records stage timings and counts for stitch runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vidpano"

// Collector holds the stitcher's Prometheus metrics on its own registry,
// so several collectors can live in one process.
type Collector struct {
	reg *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	framesSampled prometheus.Counter
	framesDropped *prometheus.CounterVec
	pairsMatched  *prometheus.CounterVec
	inliers       prometheus.Histogram
	canvasPixels  prometheus.Gauge
	runsTotal     *prometheus.CounterVec
}

// NewCollector registers all metrics on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each stitching stage in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"stage"},
		),
		stageFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Stage failures by error kind",
			},
			[]string{"stage", "kind"},
		),
		framesSampled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sampled_total",
			Help:      "Frames kept by the sampler",
		}),
		framesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Frames excluded from the panorama",
			},
			[]string{"stage"},
		),
		pairsMatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pairs_total",
				Help:      "Candidate frame pairs by outcome",
			},
			[]string{"result"}, // accepted, rejected
		),
		inliers: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pair_inliers",
			Help:      "RANSAC inlier count of accepted pairs",
			Buckets:   prometheus.ExponentialBuckets(8, 2, 8),
		}),
		canvasPixels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "canvas_pixels",
			Help:      "Pixel count of the last composited canvas",
		}),
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Stitch runs by status",
			},
			[]string{"status"},
		),
	}
}

// Registry exposes the collector's gatherer.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

// ObserveStage records how long a stage ran.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// StageFailed counts a failure of stage with the given error kind.
func (c *Collector) StageFailed(stage, kind string) {
	if c == nil {
		return
	}
	c.stageFailures.WithLabelValues(stage, kind).Inc()
}

func (c *Collector) FramesSampled(n int) {
	if c == nil {
		return
	}
	c.framesSampled.Add(float64(n))
}

func (c *Collector) FramesDropped(stage string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.framesDropped.WithLabelValues(stage).Add(float64(n))
}

// PairAccepted records an accepted pair and its inlier count.
func (c *Collector) PairAccepted(inliers int) {
	if c == nil {
		return
	}
	c.pairsMatched.WithLabelValues("accepted").Inc()
	c.inliers.Observe(float64(inliers))
}

func (c *Collector) PairsRejected(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.pairsMatched.WithLabelValues("rejected").Add(float64(n))
}

func (c *Collector) Canvas(pixels int) {
	if c == nil {
		return
	}
	c.canvasPixels.Set(float64(pixels))
}

// RunFinished counts a run as completed or failed.
func (c *Collector) RunFinished(err error) {
	if c == nil {
		return
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	c.runsTotal.WithLabelValues(status).Inc()
}

// WriteTextfile writes the current values in the node-exporter textfile
// format. The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.reg)
}
