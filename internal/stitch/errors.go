package stitch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"vidpano/internal/align"
	"vidpano/internal/composite"
	"vidpano/internal/features"
	"vidpano/internal/sampler"
)

// Stage names a step of the stitching pipeline.
type Stage string

const (
	StageSample    Stage = "sample"
	StageFeatures  Stage = "features"
	StageMatch     Stage = "match"
	StageAlign     Stage = "align"
	StageComposite Stage = "composite"
	StageWrite     Stage = "write"
)

// Kind classifies a failure for reporting.
type Kind string

const (
	KindEmptyInput           Kind = "EmptyInput"
	KindInsufficientFeatures Kind = "InsufficientFeatures"
	KindDisconnectedGraph    Kind = "DisconnectedGraph"
	KindStitchFailed         Kind = "StitchFailed"
	KindCanceled             Kind = "Canceled"
	KindIO                   Kind = "IOError"
)

// StageError reports which stage failed and the frames involved.
type StageError struct {
	Stage  Stage
	Frames []int
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage=%s kind=%s frames=%s: %v", e.Stage, e.Kind(), formatFrames(e.Frames), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Kind maps the wrapped error onto the failure taxonomy. An error that
// matches several sentinels reports the most specific pipeline failure.
func (e *StageError) Kind() Kind {
	return KindOf(e.Err)
}

// KindOf classifies any error returned by the pipeline stages.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, sampler.ErrEmptyInput):
		return KindEmptyInput
	case errors.Is(err, align.ErrDisconnectedGraph):
		return KindDisconnectedGraph
	case errors.Is(err, composite.ErrStitchFailed):
		return KindStitchFailed
	case errors.Is(err, features.ErrInsufficientFeatures):
		return KindInsufficientFeatures
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindIO
	}
}

func formatFrames(frames []int) string {
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = strconv.Itoa(f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func stageErr(stage Stage, frames []int, err error) *StageError {
	return &StageError{Stage: stage, Frames: frames, Err: err}
}
