// Package video decodes inputs into a sequential stream of frames.
package video

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os"

	"vidpano/internal/fsutil"
)

// Frame is one decoded picture and its position in the source timeline.
// Image is not modified after decoding.
type Frame struct {
	Index int
	Image *image.NRGBA
}

// Width of the frame in pixels.
func (f Frame) Width() int { return f.Image.Bounds().Dx() }

// Height of the frame in pixels.
func (f Frame) Height() int { return f.Image.Bounds().Dy() }

// Decoder yields frames one at a time. Next returns io.EOF after the last
// frame. FrameCount is the container's estimate and may be wrong.
type Decoder interface {
	FrameCount() int
	Next(ctx context.Context) (*image.NRGBA, error)
	Close() error
}

// Opener constructs a decoder for a path.
type Opener func(ctx context.Context, path string) (Decoder, error)

// Open picks a decoder for path: a directory is read as an image sequence,
// anything else goes to the named video backend.
func Open(ctx context.Context, path, backend string) (Decoder, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	if info.IsDir() {
		seq, err := OpenImageSequence(path)
		if err != nil {
			return nil, err
		}
		return seq, nil
	}
	if !fsutil.IsVideoFile(path) {
		return nil, fmt.Errorf("open input: %s is not a recognised video file", path)
	}
	switch backend {
	case "", "ffmpeg":
		dec, err := OpenFFmpeg(ctx, path)
		if err != nil {
			return nil, err
		}
		return dec, nil
	case "gocv":
		return OpenGoCV(ctx, path)
	default:
		return nil, fmt.Errorf("unknown decoder %q", backend)
	}
}

// ToNRGBA returns img as *image.NRGBA with bounds starting at the origin,
// copying only when needed.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}

// ReadAll drains a decoder. Intended for tests and small sequences.
func ReadAll(ctx context.Context, dec Decoder) ([]*image.NRGBA, error) {
	var out []*image.NRGBA
	for {
		img, err := dec.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, img)
	}
}
