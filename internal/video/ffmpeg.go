package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FFmpegDecoder pipes raw RGB frames out of an ffmpeg child process.
type FFmpegDecoder struct {
	width, height int
	count         int

	cancel context.CancelFunc
	pipe   *io.PipeReader
	buf    []byte

	wg     sync.WaitGroup
	mu     sync.Mutex
	runErr error
}

type probeResult struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		NbFrames     string `json:"nb_frames"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

// OpenFFmpeg probes path and starts decoding it.
func OpenFFmpeg(ctx context.Context, path string) (*FFmpegDecoder, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg decoder: %w", err)
	}

	raw, err := ffmpeg.Probe(path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	w, h, n, err := parseProbe(raw)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	in, out := io.Pipe()
	d := &FFmpegDecoder{
		width:  w,
		height: h,
		count:  n,
		cancel: cancel,
		pipe:   in,
		buf:    make([]byte, w*h*3),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		stream := ffmpeg.Input(path).
			Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgb24"})
		stream.Context = runCtx
		err := stream.WithOutput(out).Run()
		d.mu.Lock()
		d.runErr = err
		d.mu.Unlock()
		out.CloseWithError(io.EOF)
	}()

	return d, nil
}

func parseProbe(raw string) (w, h, n int, err error) {
	var pr probeResult
	if err := json.Unmarshal([]byte(raw), &pr); err != nil {
		return 0, 0, 0, err
	}
	for _, s := range pr.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return 0, 0, 0, errors.New("video stream has no dimensions")
		}
		n, _ := strconv.Atoi(s.NbFrames)
		if n <= 0 {
			n = estimateFrames(s.AvgFrameRate, s.Duration)
		}
		return s.Width, s.Height, n, nil
	}
	return 0, 0, 0, errors.New("no video stream")
}

// estimateFrames derives a frame count from "num/den" rate and seconds when
// the container does not record nb_frames.
func estimateFrames(rate, duration string) int {
	secs, err := strconv.ParseFloat(duration, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		den = "1"
	}
	a, err1 := strconv.ParseFloat(num, 64)
	b, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || b == 0 {
		return 0
	}
	return int(secs*a/b + 0.5)
}

func (d *FFmpegDecoder) FrameCount() int { return d.count }

func (d *FFmpegDecoder) Next(ctx context.Context) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, err := io.ReadFull(d.pipe, d.buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		d.wg.Wait()
		d.mu.Lock()
		runErr := d.runErr
		d.mu.Unlock()
		if runErr != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("ffmpeg: %w", runErr)
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return rgbToNRGBA(d.buf, d.width, d.height), nil
}

func (d *FFmpegDecoder) Close() error {
	d.cancel()
	_ = d.pipe.Close()
	d.wg.Wait()
	return nil
}

func rgbToNRGBA(buf []byte, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
		img.Pix[j+0] = buf[i+0]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
