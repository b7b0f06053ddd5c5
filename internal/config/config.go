package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/multierr"
)

const (
	defaultConfigPath = "~/.config/vidpano/config.json"
	defaultParallel   = 1

	// EnvConfigPath names the environment variable that overrides the config location.
	EnvConfigPath = "VIDPANO_CONFIG"
)

// Config holds user-editable settings for the stitcher.
type Config struct {
	Processing  Processing  `json:"processing"`
	Logging     Logging     `json:"logging"`
	Paths       Paths       `json:"paths"`
	Sampling    Sampling    `json:"sampling"`
	Features    Features    `json:"features"`
	Matching    Matching    `json:"matching"`
	Alignment   Alignment   `json:"alignment"`
	Compositing Compositing `json:"compositing"`
	Output      Output      `json:"output"`
	Watch       Watch       `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // concurrent stitch jobs in the queue
	Workers      int    `json:"workers"`       // per-stage workers, 0 = NumCPU
	TempDir      string `json:"temp_dir"`
	Decoder      string `json:"decoder"` // ffmpeg, gocv
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	FramesDir     string `json:"frames_dir"`
	MatchesDir    string `json:"matches_dir"`
	DatabasePath  string `json:"database_path"`
	MetricsFile   string `json:"metrics_file"`
}

// Sampling controls temporal frame selection.
type Sampling struct {
	FrameFrequency FrameFrequency `json:"frame_frequency"`
	SaveFrames     bool           `json:"save_frames"`
	FrameQuality   int            `json:"frame_quality"`
	DumpWorkers    int            `json:"dump_workers"`
}

// Features controls keypoint detection and description.
type Features struct {
	MaxKeypoints  int     `json:"max_keypoints"`
	Levels        int     `json:"levels"`
	ScaleFactor   float64 `json:"scale_factor"`
	FastThreshold int     `json:"fast_threshold"`
	BlurSigma     float64 `json:"blur_sigma"`
	MinKeypoints  int     `json:"min_keypoints"`
	WorkingWidth  int     `json:"working_width"` // frames wider than this are downscaled for detection
}

// Matching controls descriptor matching and robust homography estimation.
type Matching struct {
	RatioTest       float64 `json:"ratio_test"`
	CrossCheck      bool    `json:"cross_check"`
	MaxDistance     int     `json:"max_distance"` // Hamming cutoff on 256-bit descriptors
	RansacThreshold float64 `json:"ransac_threshold"`
	MaxIterations   int     `json:"max_iterations"`
	Confidence      float64 `json:"confidence"`
	MinInliers      int     `json:"min_inliers"`
	MinInlierRatio  float64 `json:"min_inlier_ratio"`
	Window          int     `json:"window"`
	AllPairsLimit   int     `json:"all_pairs_limit"`
	Seed            uint64  `json:"seed"`
}

// Alignment controls global registration.
type Alignment struct {
	Reference        ReferenceMode `json:"reference"`
	Strictness       Strictness    `json:"strictness"`
	BundleAdjust     bool          `json:"bundle_adjust"`
	MaxIterations    int           `json:"max_iterations"`
	MaxPointsPerEdge int           `json:"max_points_per_edge"`
}

// Compositing controls warping and blending.
type Compositing struct {
	Blend           BlendMode `json:"blend"`
	Bands           int       `json:"bands"`
	GainCompensate  bool      `json:"gain_compensation"`
	MaxCanvasPixels int       `json:"max_canvas_pixels"`
	MaxAreaRatio    float64   `json:"max_area_ratio"`
	RowBand         int       `json:"row_band"`
}

// Output controls the final encode.
type Output struct {
	Quality     int  `json:"quality"`
	SaveMatches bool `json:"save_matches"`
}

// Watch configures directory watching.
type Watch struct {
	Directories []string `json:"directories"`
	SettleDelay string   `json:"settle_delay"`
	OutputDir   string   `json:"output_dir"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", expanded, err)
	}

	return cfg, nil
}

// Default returns a fresh default configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			Workers:      runtime.NumCPU(),
			TempDir:      os.TempDir(),
			Decoder:      "ffmpeg",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "pano.jpg",
			FramesDir:     "frames_out",
			MatchesDir:    "matches_out",
			DatabasePath:  filepath.Join(os.TempDir(), "vidpano.db"),
		},
		Sampling: Sampling{
			FrameFrequency: AutoFrequency(),
			FrameQuality:   95,
			DumpWorkers:    2,
		},
		Features: Features{
			MaxKeypoints:  1500,
			Levels:        4,
			ScaleFactor:   1.5,
			FastThreshold: 20,
			BlurSigma:     1.0,
			MinKeypoints:  4,
			WorkingWidth:  1280,
		},
		Matching: Matching{
			RatioTest:       0.8,
			CrossCheck:      true,
			MaxDistance:     80,
			RansacThreshold: 3.0,
			MaxIterations:   2000,
			Confidence:      0.995,
			MinInliers:      8,
			MinInlierRatio:  0.5,
			Window:          3,
			AllPairsLimit:   6,
			Seed:            1,
		},
		Alignment: Alignment{
			Reference:        ReferenceMidpoint,
			Strictness:       Lenient,
			BundleAdjust:     true,
			MaxIterations:    200,
			MaxPointsPerEdge: 60,
		},
		Compositing: Compositing{
			Blend:           BlendFeather,
			Bands:           5,
			GainCompensate:  true,
			MaxCanvasPixels: 100_000_000,
			MaxAreaRatio:    16,
			RowBand:         64,
		},
		Output: Output{
			Quality: 92,
		},
		Watch: Watch{
			SettleDelay: "3s",
		},
	}
}

// Validate reports every out-of-range setting.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(c.Features.MinKeypoints >= 4, "features.min_keypoints must be >= 4, got %d", c.Features.MinKeypoints)
	check(c.Features.MaxKeypoints >= c.Features.MinKeypoints, "features.max_keypoints must be >= min_keypoints")
	check(c.Features.Levels >= 1, "features.levels must be >= 1, got %d", c.Features.Levels)
	check(c.Features.ScaleFactor > 1, "features.scale_factor must be > 1, got %g", c.Features.ScaleFactor)
	check(c.Features.FastThreshold > 0, "features.fast_threshold must be positive")
	check(c.Matching.RatioTest > 0 && c.Matching.RatioTest <= 1, "matching.ratio_test must be in (0,1], got %g", c.Matching.RatioTest)
	check(c.Matching.RansacThreshold > 0, "matching.ransac_threshold must be positive")
	check(c.Matching.MaxIterations > 0, "matching.max_iterations must be positive")
	check(c.Matching.Confidence > 0 && c.Matching.Confidence < 1, "matching.confidence must be in (0,1)")
	check(c.Matching.MinInliers >= 4, "matching.min_inliers must be >= 4, got %d", c.Matching.MinInliers)
	check(c.Matching.MinInlierRatio >= 0 && c.Matching.MinInlierRatio <= 1, "matching.min_inlier_ratio must be in [0,1]")
	check(c.Matching.Window >= 1, "matching.window must be >= 1")
	check(c.Alignment.Reference.Valid(), "alignment.reference %q is not one of midpoint, central", c.Alignment.Reference)
	check(c.Alignment.Strictness.Valid(), "alignment.strictness %q is not one of strict, lenient", c.Alignment.Strictness)
	check(c.Compositing.Blend.Valid(), "compositing.blend %q is not one of feather, seam, multiband", c.Compositing.Blend)
	check(c.Compositing.Bands >= 1, "compositing.bands must be >= 1")
	check(c.Compositing.MaxCanvasPixels > 0, "compositing.max_canvas_pixels must be positive")
	check(c.Compositing.RowBand > 0, "compositing.row_band must be positive")
	check(c.Output.Quality >= 1 && c.Output.Quality <= 100, "output.quality must be in [1,100]")
	check(c.Processing.Decoder == "ffmpeg" || c.Processing.Decoder == "gocv", "processing.decoder %q is not one of ffmpeg, gocv", c.Processing.Decoder)

	return err
}

// WorkerCount returns the per-stage worker budget.
func (c *Config) WorkerCount() int {
	if c.Processing.Workers < 1 {
		return runtime.NumCPU()
	}
	return c.Processing.Workers
}

// Path returns the config file location that Load consults.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
