// Package sampler selects an evenly spaced subset of a video's frames.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"vidpano/internal/config"
	"vidpano/internal/video"
)

// ErrEmptyInput is returned when the input holds no frames.
var ErrEmptyInput = errors.New("empty input")

// thinTarget is the kept-frame count at which auto sampling doubles its
// stride. Accurate frame counts never reach it.
const thinTarget = 40

// Indices returns the frame indices kept from a video of n frames:
// every stride-th frame starting at 0, plus n-1.
func Indices(n int, freq config.FrameFrequency) ([]int, error) {
	if n <= 0 {
		return nil, ErrEmptyInput
	}
	stride := freq.Stride(n)
	out := make([]int, 0, n/stride+2)
	for i := 0; i < n; i += stride {
		out = append(out, i)
	}
	if out[len(out)-1] != n-1 {
		out = append(out, n-1)
	}
	return out, nil
}

// Sampler pulls frames from a decoder one at a time and keeps only the
// selected ones.
type Sampler struct {
	Frequency config.FrameFrequency
	// Dumper, when set, receives every kept frame.
	Dumper *Dumper
	Log    *slog.Logger
}

// Sample decodes dec to the end. The first and the last decoded frame are
// always kept, even when the container's frame count is wrong. Decoders
// must return a fresh image from every Next call.
func (s *Sampler) Sample(ctx context.Context, dec video.Decoder) ([]video.Frame, error) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	reported := dec.FrameCount()
	stride := s.Frequency.Stride(reported)
	// Auto sampling stays bounded when the reported count is missing or
	// too low: the stride doubles whenever too many frames pile up.
	adaptive := s.Frequency.IsAuto()
	if reported <= 0 {
		log.Debug("frame count unknown", "adaptive", adaptive)
	}

	var (
		kept    []video.Frame
		last    video.Frame
		decoded int
	)
	for {
		img, err := dec.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", decoded, err)
		}
		last = video.Frame{Index: decoded, Image: img}
		if decoded%stride == 0 {
			kept = append(kept, last)
		}
		decoded++

		if adaptive && len(kept) > thinTarget {
			stride *= 2
			kept = thin(kept, stride)
		}
	}

	if decoded == 0 {
		return nil, ErrEmptyInput
	}
	if len(kept) == 0 || kept[len(kept)-1].Index != last.Index {
		kept = append(kept, last)
	}
	if reported > 0 && reported != decoded {
		log.Warn("container frame count differs from decoded frames",
			"reported", reported, "decoded", decoded)
	}

	if s.Dumper != nil {
		for i, f := range kept {
			s.Dumper.Save(i, f)
		}
	}

	log.Debug("frames sampled", "decoded", decoded, "kept", len(kept), "stride", stride)
	return kept, nil
}

// thin keeps frames whose index is a multiple of stride.
func thin(frames []video.Frame, stride int) []video.Frame {
	out := frames[:0]
	for _, f := range frames {
		if f.Index%stride == 0 {
			out = append(out, f)
		}
	}
	return out
}
