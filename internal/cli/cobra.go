package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"vidpano/internal/config"
	"vidpano/internal/metrics"
	"vidpano/internal/server"
	"vidpano/internal/storage"
)

// Version is reported by the version command.
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient, m *metrics.Collector) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store, m)
	return root.command()
}

func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vidpano",
		Short: "vidpano stitches a panning video into a single panorama",
		Long: `vidpano samples frames from a video (or a directory of images), matches
their ORB features, aligns every frame to a reference and blends the result
into one image.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newStitchCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newRunsCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))
	return rootCmd
}

func addStitchFlags(cmd *cobra.Command, opts *stitchOptions) {
	f := cmd.Flags()
	f.Var(&opts.frequency, "frame-frequency", "sample every Nth frame, or auto")
	f.Var(&opts.strictness, "strictness", "strict fails on frames that cannot be aligned, lenient drops them")
	f.Var(&opts.blend, "blend", "blend mode: feather, seam or multiband")
	f.BoolVar(&opts.saveFrames, "save-frames", opts.saveFrames, "write the sampled frames as JPEGs")
	f.StringVar(&opts.framesDir, "frames-dir", opts.framesDir, "directory for --save-frames")
	f.BoolVar(&opts.saveMatches, "save-matches", opts.saveMatches, "plot the inliers of every accepted pair")
	f.StringVar(&opts.matchesDir, "matches-dir", opts.matchesDir, "directory for --save-matches")
	f.IntVar(&opts.workers, "workers", opts.workers, "workers per stage (0 = number of CPUs)")
	f.IntVar(&opts.quality, "quality", opts.quality, "JPEG quality of the panorama")
	f.Uint64Var(&opts.seed, "seed", opts.seed, "RANSAC random seed")
	f.StringVar(&opts.decoder, "decoder", opts.decoder, "video decoder: ffmpeg or gocv")
}

func newStitchCmd(root *Root) *cobra.Command {
	var (
		video       string
		output      string
		metricsFile string
	)
	opts := root.defaultStitchOptions()

	cmd := &cobra.Command{
		Use:   "stitch --video <path>",
		Short: "Stitch a video into a panorama",
		Long: `Sample frames from a video, align them and write one panorama.

Examples:
  # Auto sampling, lenient alignment
  vidpano stitch --video flight.mp4

  # Every 10th frame, fail if any frame cannot be placed
  vidpano stitch --video flight.mp4 --frame-frequency 10 --strictness strict --output scan.png

  # Keep the sampled frames for inspection
  vidpano stitch --video flight.mp4 --save-frames --frames-dir frames_out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if metricsFile == "" {
				metricsFile = root.cfg.Paths.MetricsFile
			}

			job := root.stitchJob(video, output, opts)
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if werr := root.metrics.WriteTextfile(metricsFile); werr != nil {
				root.log.Warn("failed to write metrics file", "path", metricsFile, "error", werr)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Output())
			return nil
		},
	}

	cmd.Flags().StringVar(&video, "video", "", "input video file or directory of frames")
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.DefaultOutput, "panorama path; the extension selects the format")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write run metrics in Prometheus text format")
	addStitchFlags(cmd, &opts)
	_ = cmd.MarkFlagRequired("video")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		dirs      []string
		outputDir string
		settle    time.Duration
	)
	opts := root.defaultStitchOptions()
	defaultSettle, err := time.ParseDuration(root.cfg.Watch.SettleDelay)
	if err != nil {
		defaultSettle = 3 * time.Second
	}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stitch every video dropped into the watched directories",
		Long: `Watch directories and stitch each new video once it stops changing.
Panoramas are named after the video and written to --output-dir, or next to
the video when no output directory is set.

Examples:
  vidpano watch --dir /data/drone --output-dir /data/panoramas`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := root.newWatcher(dirs, settle, root.log)
			if err != nil {
				return err
			}

			results, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()

			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()
			fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", strings.Join(dirs, ", "))

			for {
				select {
				case ev, ok := <-w.Ready:
					if !ok {
						return <-done
					}
					job := root.stitchJob(ev.Path, watchOutput(outputDir, ev.Path), opts)
					if err := root.store.RecordWatchEvent(storage.WatchEvent{
						FilePath:  ev.Path,
						EventType: ev.Operation,
						EventTime: ev.Time,
						FileSize:  ev.Size,
						RunID:     job.ID,
					}); err != nil {
						root.log.Warn("failed to record watch event", "path", ev.Path, "error", err)
					}
					root.log.Info("video settled", "path", ev.Path, "size", humanize.Bytes(uint64(ev.Size)))
					if err := root.enqueue(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
						root.log.Error("failed to queue video", "path", ev.Path, "error", err)
					}

				case res, ok := <-results:
					if !ok {
						return fmt.Errorf("pipeline stopped")
					}
					if res.Error != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), FailureLine(res.Error))
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), res.Output())
				}
			}
		},
	}

	cmd.Flags().StringSliceVar(&dirs, "dir", root.cfg.Watch.Directories, "directory to watch (repeatable)")
	cmd.Flags().StringVar(&outputDir, "output-dir", root.cfg.Watch.OutputDir, "directory for panoramas")
	cmd.Flags().DurationVar(&settle, "settle", defaultSettle, "time a file must stay unchanged before it is stitched")
	addStitchFlags(cmd, &opts)
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent stitch runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tQUEUED\tTOOK\tINPUT\tRESULT")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Status, humanize.Time(run.CreatedAt), took(run), run.InputPath, root.runSummary(run))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func took(run storage.RunRecord) string {
	if run.StartedAt == nil || run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(*run.StartedAt).Round(time.Second).String()
}

// runSummary is the failure of a run, or its output and size.
func (r *Root) runSummary(run storage.RunRecord) string {
	if run.ErrorKind != "" {
		return fmt.Sprintf("stage=%s kind=%s", run.ErrorStage, run.ErrorKind)
	}
	if run.Status != "completed" {
		return ""
	}
	meta, err := r.store.RunMeta(run.ID)
	if err != nil || meta == nil {
		return run.OutputPath
	}
	size, _ := meta["bytes"].(float64)
	w, _ := meta["width"].(float64)
	h, _ := meta["height"].(float64)
	return fmt.Sprintf("%s %dx%d %s", run.OutputPath, int(w), int(h), humanize.Bytes(uint64(size)))
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the stitch job API over HTTP",
		Long: `Start an HTTP server that queues stitch jobs and reports run history.

Endpoints:
  POST /stitch      queue a job: {"video": "...", "output": "...", "options": {...}}
  GET  /runs        recent runs
  GET  /runs/{id}   frames, match graph and result of one run
  DELETE /runs/{id} cancel a queued or running job
  GET  /stream      finished jobs as server-sent events
  GET  /metrics     Prometheus metrics

Examples:
  vidpano serve --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var gatherer prometheus.Gatherer
			if root.metrics != nil {
				gatherer = root.metrics.Registry()
			}
			root.log.Info("starting server", "addr", addr)
			return server.NewServer(addr, root.store, root.pipeline, gatherer, root.log).Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the vidpano configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := root.cfg
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config File: %s\n\n", config.Path())
			fmt.Fprintf(out, "Default Output: %s\n", c.Paths.DefaultOutput)
			fmt.Fprintf(out, "Frames Directory: %s\n", c.Paths.FramesDir)
			fmt.Fprintf(out, "Database Path: %s\n", c.Paths.DatabasePath)
			fmt.Fprintf(out, "Frame Frequency: %s\n", c.Sampling.FrameFrequency)
			fmt.Fprintf(out, "Strictness: %s\n", c.Alignment.Strictness)
			fmt.Fprintf(out, "Reference: %s\n", c.Alignment.Reference)
			fmt.Fprintf(out, "Bundle Adjustment: %t\n", c.Alignment.BundleAdjust)
			fmt.Fprintf(out, "Blend: %s (%d bands)\n", c.Compositing.Blend, c.Compositing.Bands)
			fmt.Fprintf(out, "Decoder: %s\n", c.Processing.Decoder)
			fmt.Fprintf(out, "Workers: %d\n", c.WorkerCount())
			fmt.Fprintf(out, "Parallel Jobs: %d\n", c.Processing.ParallelJobs)
			fmt.Fprintf(out, "Log Level: %s\n", c.Logging.Level)
			fmt.Fprintf(out, "Log Format: %s\n", c.Logging.Format)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("vidpano v" + Version)
		},
	}
}
