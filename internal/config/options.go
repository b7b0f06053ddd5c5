package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// autoDivisor targets roughly twenty samples per video.
const autoDivisor = 20

// FrameFrequency selects every Nth frame, or an automatic stride derived
// from the video length. The zero value is auto.
type FrameFrequency struct {
	every int
}

// AutoFrequency returns the automatic frame frequency.
func AutoFrequency() FrameFrequency { return FrameFrequency{} }

// EveryNth returns a fixed stride. n must be positive.
func EveryNth(n int) (FrameFrequency, error) {
	if n < 1 {
		return FrameFrequency{}, fmt.Errorf("frame frequency must be a positive integer or \"auto\", got %d", n)
	}
	return FrameFrequency{every: n}, nil
}

// ParseFrameFrequency accepts "auto" or a positive integer.
func ParseFrameFrequency(s string) (FrameFrequency, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "auto" {
		return AutoFrequency(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return FrameFrequency{}, fmt.Errorf("frame frequency must be a positive integer or \"auto\", got %q", s)
	}
	return EveryNth(n)
}

// IsAuto reports whether the stride depends on the frame count.
func (f FrameFrequency) IsAuto() bool { return f.every == 0 }

// Stride resolves the sampling stride for a video of total frames.
func (f FrameFrequency) Stride(total int) int {
	if !f.IsAuto() {
		return f.every
	}
	return max(1, total/autoDivisor)
}

func (f FrameFrequency) String() string {
	if f.IsAuto() {
		return "auto"
	}
	return strconv.Itoa(f.every)
}

// Set implements pflag.Value.
func (f *FrameFrequency) Set(s string) error {
	v, err := ParseFrameFrequency(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Type implements pflag.Value.
func (f *FrameFrequency) Type() string { return "auto|N" }

func (f FrameFrequency) MarshalJSON() ([]byte, error) {
	if f.IsAuto() {
		return json.Marshal("auto")
	}
	return json.Marshal(f.every)
}

// UnmarshalJSON accepts "auto", a numeric string or a bare number.
func (f *FrameFrequency) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return f.Set(s)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("frame_frequency: %w", err)
	}
	v, err := EveryNth(n)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Strictness decides what happens to frames unreachable from the reference.
type Strictness string

const (
	Strict  Strictness = "strict"
	Lenient Strictness = "lenient"
)

func (s Strictness) Valid() bool { return s == Strict || s == Lenient }

func (s Strictness) String() string { return string(s) }

// Set implements pflag.Value.
func (s *Strictness) Set(v string) error {
	c := Strictness(strings.ToLower(strings.TrimSpace(v)))
	if !c.Valid() {
		return fmt.Errorf("strictness must be strict or lenient, got %q", v)
	}
	*s = c
	return nil
}

func (s *Strictness) Type() string { return "strict|lenient" }

// BlendMode selects how overlapping frames are combined.
type BlendMode string

const (
	BlendFeather   BlendMode = "feather"
	BlendSeam      BlendMode = "seam"
	BlendMultiband BlendMode = "multiband"
)

func (b BlendMode) Valid() bool {
	switch b {
	case BlendFeather, BlendSeam, BlendMultiband:
		return true
	}
	return false
}

func (b BlendMode) String() string { return string(b) }

func (b *BlendMode) Set(v string) error {
	c := BlendMode(strings.ToLower(strings.TrimSpace(v)))
	if !c.Valid() {
		return fmt.Errorf("blend must be feather, seam or multiband, got %q", v)
	}
	*b = c
	return nil
}

func (b *BlendMode) Type() string { return "feather|seam|multiband" }

// ReferenceMode selects the frame whose coordinates become the panorama plane.
type ReferenceMode string

// Both modes choose among the frames of the largest connected component of
// the match graph, not the whole sampled sequence, so a run of frames that
// failed to match never hosts the panorama plane.
const (
	// ReferenceMidpoint takes the temporal middle of the largest component.
	// With an even count the two middle frames compete on mean path cost.
	// When every frame matched this is the middle of the sampled sequence.
	ReferenceMidpoint ReferenceMode = "midpoint"
	// ReferenceCentral takes the frame of the largest component with the
	// lowest mean path cost to the others.
	ReferenceCentral ReferenceMode = "central"
)

func (r ReferenceMode) Valid() bool { return r == ReferenceMidpoint || r == ReferenceCentral }

func (r ReferenceMode) String() string { return string(r) }

func (r *ReferenceMode) Set(v string) error {
	c := ReferenceMode(strings.ToLower(strings.TrimSpace(v)))
	if !c.Valid() {
		return fmt.Errorf("reference must be midpoint or central, got %q", v)
	}
	*r = c
	return nil
}

func (r *ReferenceMode) Type() string { return "midpoint|central" }
