package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFrameFrequency(t *testing.T) {
	cases := []struct {
		in      string
		auto    bool
		stride  int // for a 1000 frame video
		wantErr bool
	}{
		{"auto", true, 50, false},
		{"", true, 50, false},
		{"AUTO", true, 50, false},
		{"7", false, 7, false},
		{"0", false, 0, true},
		{"-1", false, 0, true},
		{"many", false, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			f, err := ParseFrameFrequency(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.IsAuto() != tc.auto {
				t.Fatalf("IsAuto = %v, want %v", f.IsAuto(), tc.auto)
			}
			if got := f.Stride(1000); got != tc.stride {
				t.Fatalf("Stride(1000) = %d, want %d", got, tc.stride)
			}
		})
	}
}

func TestAutoStrideNeverZero(t *testing.T) {
	f := AutoFrequency()
	for _, n := range []int{0, 1, 19, 20, 39, 40} {
		if f.Stride(n) < 1 {
			t.Fatalf("stride for %d frames is %d", n, f.Stride(n))
		}
	}
}

func TestFrameFrequencyJSON(t *testing.T) {
	var s struct {
		A FrameFrequency `json:"a"`
		B FrameFrequency `json:"b"`
		C FrameFrequency `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"auto","b":5,"c":"12"}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !s.A.IsAuto() || s.B.String() != "5" || s.C.String() != "12" {
		t.Fatalf("unexpected values %v %v %v", s.A, s.B, s.C)
	}
	if err := json.Unmarshal([]byte(`{"a":-1}`), &s); err == nil {
		t.Fatalf("expected error for negative frequency")
	}

	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"a":"auto","b":5,"c":12}` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Features.MinKeypoints = 2
	cfg.Matching.MinInliers = 3
	cfg.Alignment.Strictness = "sometimes"
	cfg.Compositing.Blend = "overlay"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"min_keypoints", "min_inliers", "strictness", "blend"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"sampling":{"frame_frequency":10},"alignment":{"strictness":"strict"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sampling.FrameFrequency.String() != "10" {
		t.Fatalf("frame frequency not loaded: %v", cfg.Sampling.FrameFrequency)
	}
	if cfg.Alignment.Strictness != Strict {
		t.Fatalf("strictness not loaded: %v", cfg.Alignment.Strictness)
	}
	// untouched sections keep defaults
	if cfg.Paths.DefaultOutput != "pano.jpg" {
		t.Fatalf("default output lost: %q", cfg.Paths.DefaultOutput)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Sampling.FrameFrequency.IsAuto() {
		t.Fatalf("expected auto frame frequency by default")
	}
}
