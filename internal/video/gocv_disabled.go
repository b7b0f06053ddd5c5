//go:build !gocv

package video

import (
	"context"
	"errors"
)

// ErrGoCVDisabled is returned when the binary was built without the gocv tag.
var ErrGoCVDisabled = errors.New("gocv decoder not compiled in; rebuild with -tags gocv")

// OpenGoCV is unavailable without OpenCV.
func OpenGoCV(ctx context.Context, path string) (Decoder, error) {
	return nil, ErrGoCVDisabled
}
