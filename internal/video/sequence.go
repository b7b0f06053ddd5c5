package video

import (
	"context"
	"fmt"
	"image"
	"io"
	"sort"

	"github.com/disintegration/imaging"

	"vidpano/internal/fsutil"
)

// SequenceDecoder reads a directory of still images in lexical order, as
// produced by a frame dump or by `ffmpeg -i in.mp4 frame_%04d.png`.
type SequenceDecoder struct {
	files []string
	pos   int
}

// OpenImageSequence lists the images in dir.
func OpenImageSequence(dir string) (*SequenceDecoder, error) {
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return nil, fmt.Errorf("list frames in %s: %w", dir, err)
	}
	sort.Strings(files)
	return &SequenceDecoder{files: files}, nil
}

func (d *SequenceDecoder) FrameCount() int { return len(d.files) }

func (d *SequenceDecoder) Next(ctx context.Context) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.pos >= len(d.files) {
		return nil, io.EOF
	}
	path := d.files[d.pos]
	d.pos++
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return ToNRGBA(img), nil
}

func (d *SequenceDecoder) Close() error { return nil }

// SliceDecoder serves frames held in memory.
type SliceDecoder struct {
	Frames []*image.NRGBA
	// Reported overrides the frame count, to model containers whose
	// metadata disagrees with their content. Zero means len(Frames).
	Reported int
	pos      int
}

func (d *SliceDecoder) FrameCount() int {
	if d.Reported > 0 {
		return d.Reported
	}
	return len(d.Frames)
}

func (d *SliceDecoder) Next(ctx context.Context) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.pos >= len(d.Frames) {
		return nil, io.EOF
	}
	img := d.Frames[d.pos]
	d.pos++
	return img, nil
}

func (d *SliceDecoder) Close() error { return nil }
