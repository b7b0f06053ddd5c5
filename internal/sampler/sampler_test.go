package sampler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"

	"pgregory.net/rapid"

	"vidpano/internal/config"
	"vidpano/internal/logging"
	"vidpano/internal/video"
)

func TestIndicesProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20000).Draw(t, "n")
		freq := config.AutoFrequency()
		if rapid.Bool().Draw(t, "fixed") {
			f, err := config.EveryNth(rapid.IntRange(1, 500).Draw(t, "every"))
			if err != nil {
				t.Fatalf("EveryNth: %v", err)
			}
			freq = f
		}
		stride := freq.Stride(n)

		idx, err := Indices(n, freq)
		if err != nil {
			t.Fatalf("Indices(%d): %v", n, err)
		}
		if idx[0] != 0 {
			t.Fatalf("first index %d", idx[0])
		}
		if idx[len(idx)-1] != n-1 {
			t.Fatalf("last index %d, want %d", idx[len(idx)-1], n-1)
		}
		for i := 1; i < len(idx); i++ {
			gap := idx[i] - idx[i-1]
			if gap <= 0 || gap > stride {
				t.Fatalf("gap %d between %d and %d (stride %d)", gap, idx[i-1], idx[i], stride)
			}
		}
		want := (n-1)/stride + 1
		if (n-1)%stride != 0 {
			want++
		}
		if len(idx) != want {
			t.Fatalf("got %d indices, want %d", len(idx), want)
		}
		if freq.IsAuto() && len(idx) > 41 {
			t.Fatalf("auto sampling kept %d frames", len(idx))
		}
	})
}

func TestIndicesEdgeCases(t *testing.T) {
	if _, err := Indices(0, config.AutoFrequency()); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	idx, err := Indices(1, config.AutoFrequency())
	if err != nil || len(idx) != 1 || idx[0] != 0 {
		t.Fatalf("Indices(1) = %v, %v", idx, err)
	}
	every7, _ := config.EveryNth(7)
	idx, _ = Indices(20, every7)
	want := []int{0, 7, 14, 19}
	if len(idx) != len(want) {
		t.Fatalf("Indices(20, 7) = %v", idx)
	}
	for i := range want {
		if idx[i] != want[i] {
			t.Fatalf("Indices(20, 7) = %v", idx)
		}
	}
}

func frames(n int) []*image.NRGBA {
	out := make([]*image.NRGBA, n)
	for i := range out {
		out[i] = image.NewNRGBA(image.Rect(0, 0, 4, 4))
		out[i].Pix[0] = uint8(i)
	}
	return out
}

func indicesOf(fs []video.Frame) []int {
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = f.Index
	}
	return out
}

func TestSampleMatchesIndices(t *testing.T) {
	s := &Sampler{Frequency: config.AutoFrequency(), Log: logging.Discard()}
	got, err := s.Sample(context.Background(), &video.SliceDecoder{Frames: frames(101)})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	want, _ := Indices(101, config.AutoFrequency())
	if len(got) != len(want) {
		t.Fatalf("sampled %v, want %v", indicesOf(got), want)
	}
	for i := range want {
		if got[i].Index != want[i] || got[i].Image.Pix[0] != uint8(want[i]) {
			t.Fatalf("sampled %v, want %v", indicesOf(got), want)
		}
	}
}

func TestSampleKeepsLastFrameWhenCountIsWrong(t *testing.T) {
	cases := []struct {
		name     string
		actual   int
		reported int
	}{
		{"overstated", 50, 80},
		{"understated", 90, 12},
		{"unknown", 333, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Sampler{Frequency: config.AutoFrequency(), Log: logging.Discard()}
			dec := &video.SliceDecoder{Frames: frames(tc.actual), Reported: tc.reported}
			got, err := s.Sample(context.Background(), dec)
			if err != nil {
				t.Fatalf("Sample: %v", err)
			}
			if got[0].Index != 0 {
				t.Fatalf("first frame %d", got[0].Index)
			}
			if last := got[len(got)-1].Index; last != tc.actual-1 {
				t.Fatalf("last frame %d, want %d", last, tc.actual-1)
			}
			if len(got) > 42 {
				t.Fatalf("kept %d frames", len(got))
			}
			for i := 1; i < len(got); i++ {
				if got[i].Index <= got[i-1].Index {
					t.Fatalf("indices not increasing: %v", indicesOf(got))
				}
			}
		})
	}
}

func TestSampleEmptyAndSingle(t *testing.T) {
	s := &Sampler{Frequency: config.AutoFrequency(), Log: logging.Discard()}
	if _, err := s.Sample(context.Background(), &video.SliceDecoder{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	got, err := s.Sample(context.Background(), &video.SliceDecoder{Frames: frames(1)})
	if err != nil || len(got) != 1 {
		t.Fatalf("single frame: %v, %v", indicesOf(got), err)
	}
}

func TestSampleHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Sampler{Frequency: config.AutoFrequency(), Log: logging.Discard()}
	if _, err := s.Sample(ctx, &video.SliceDecoder{Frames: frames(3)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDumperWritesNumberedFrames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames_out")
	d, err := NewDumper(dir, 90, 2, logging.Discard())
	if err != nil {
		t.Fatalf("NewDumper: %v", err)
	}
	s := &Sampler{Frequency: config.AutoFrequency(), Dumper: d, Log: logging.Discard()}
	got, err := s.Sample(context.Background(), &video.SliceDecoder{Frames: frames(5)})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if err := d.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if d.Written() != len(got) {
		t.Fatalf("wrote %d of %d frames", d.Written(), len(got))
	}
	for i := range got {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("frame_%04d.jpg", i))); err != nil {
			t.Fatalf("missing dump for frame %d: %v", i, err)
		}
	}
}

func TestDumperFailuresAreCollected(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDumper(dir, 90, 1, logging.Discard())
	if err != nil {
		t.Fatalf("NewDumper: %v", err)
	}
	// a directory where the file should go makes the write fail
	if err := os.Mkdir(d.FramePath(0), 0o755); err != nil {
		t.Fatal(err)
	}
	img := frames(1)[0]
	d.Save(0, video.Frame{Index: 0, Image: img})
	d.Save(1, video.Frame{Index: 9, Image: img})

	err = d.Wait()
	if err == nil {
		t.Fatalf("expected collected write error")
	}
	if d.Written() != 1 {
		t.Fatalf("expected the second frame to be written, got %d", d.Written())
	}
}
