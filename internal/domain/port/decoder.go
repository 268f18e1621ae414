package port

import "context"

type FrameDecodeResult struct {
	FrameCount    int
	Width         int
	Height        int
	VideoDuration float64
}

// FrameDecoder materializes a video's frames as an ordered image
// sequence under outputDir, one file per frame.
type FrameDecoder interface {
	DecodeFrames(ctx context.Context, videoPath string, outputDir string) (*FrameDecodeResult, error)
}
