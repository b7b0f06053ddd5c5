package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	logger.With("job", "j1").WithGroup("stage").Info("stitched", "frames", 3)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] stitched [job=j1 stage.frames=3]") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
}

func TestJobHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "traditional")

	LogJobStart(logger, "stitch", "id-1", "in.mp4", "pano.jpg", nil)
	LogStage(logger, "id-1", "match", 20*time.Millisecond, map[string]any{"edges": 4})
	LogWarnings(logger, "id-1", "features", []string{"frame 3: too few keypoints"})
	LogJobError(logger, "stitch", "id-1", time.Second, errors.New("boom"), nil)

	out := buf.String()
	for _, want := range []string{"job started", "stage=match", "[WARN] stage warning", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
