package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/clipvec/clipvec-extraction-service/internal/domain/port"
)

// ErrNoFrames means ffmpeg produced no frames for the video. Callers
// typically skip the video and move on rather than abort the run.
var ErrNoFrames = errors.New("no frames decoded from video")

// Decoder materializes a video's frames through ffmpeg's rawvideo
// pipe. Unlike fps-based extraction, the pipe yields every frame
// exactly once, which the clip indexing downstream depends on.
type Decoder struct {
	format  string
	workers int
	quality int
	logger  *zap.Logger
}

func NewDecoder(format string, workers int, logger *zap.Logger) *Decoder {
	if format == "" {
		format = "jpg"
	}
	if workers <= 0 {
		workers = 8
	}
	return &Decoder{format: format, workers: workers, quality: 95, logger: logger}
}

func (d *Decoder) DecodeFrames(ctx context.Context, videoPath string, outputDir string) (*port.FrameDecodeResult, error) {
	info, err := Probe(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("probing video: %w", err)
	}
	if info.Duration == 0 {
		d.logger.Warn("could not determine video duration", zap.String("video", videoPath))
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	type frameJob struct {
		index int
		data  []byte
	}
	jobs := make(chan frameJob, d.workers)

	var (
		wg        sync.WaitGroup
		once      sync.Once
		encodeErr error
	)
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := d.writeFrame(outputDir, j.index, j.data, info.Width, info.Height); err != nil {
					once.Do(func() { encodeErr = err })
				}
			}
		}()
	}

	frameSize := info.Width * info.Height * 3
	count := 0
	var readErr error
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				readErr = fmt.Errorf("truncated frame %d on ffmpeg pipe", count)
			} else {
				readErr = fmt.Errorf("reading frame %d: %w", count, err)
			}
			break
		}
		jobs <- frameJob{index: count, data: buf}
		count++
	}
	close(jobs)
	wg.Wait()

	waitErr := cmd.Wait()
	switch {
	case readErr != nil:
		return nil, readErr
	case waitErr != nil:
		return nil, fmt.Errorf("ffmpeg: %w, stderr: %s", waitErr, stderr.String())
	case encodeErr != nil:
		return nil, fmt.Errorf("writing frames: %w", encodeErr)
	case count == 0:
		return nil, ErrNoFrames
	}

	d.logger.Info("frames decoded",
		zap.Int("count", count),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Float64("video_duration", info.Duration),
	)

	return &port.FrameDecodeResult{
		FrameCount:    count,
		Width:         info.Width,
		Height:        info.Height,
		VideoDuration: info.Duration,
	}, nil
}

func (d *Decoder) writeFrame(dir string, index int, data []byte, w, h int) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.Pix[i*4] = data[i*3]
		img.Pix[i*4+1] = data[i*3+1]
		img.Pix[i*4+2] = data[i*3+2]
		img.Pix[i*4+3] = 255
	}

	path := filepath.Join(dir, fmt.Sprintf("frame_%06d.%s", index, d.format))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	switch d.format {
	case "png":
		err = png.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: d.quality})
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	return f.Close()
}
