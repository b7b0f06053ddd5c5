//go:build gocv

package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"gocv.io/x/gocv"
)

// GoCVDecoder reads frames through OpenCV's VideoCapture.
type GoCVDecoder struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	count   int
}

// OpenGoCV opens path with OpenCV.
func OpenGoCV(ctx context.Context, path string) (Decoder, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.New("gocv: capture did not open " + path)
	}
	return &GoCVDecoder{
		capture: capture,
		mat:     gocv.NewMat(),
		count:   int(capture.Get(gocv.VideoCaptureFrameCount)),
	}, nil
}

func (d *GoCVDecoder) FrameCount() int { return d.count }

func (d *GoCVDecoder) Next(ctx context.Context) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := d.capture.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, io.EOF
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("gocv: convert frame: %w", err)
	}
	return ToNRGBA(img), nil
}

func (d *GoCVDecoder) Close() error {
	d.mat.Close()
	return d.capture.Close()
}
