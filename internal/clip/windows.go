// Package clip holds the frame-index arithmetic for clip extraction:
// sliding-window enumeration and even batch partitioning. Everything
// here works on indices only; frames are loaded elsewhere.
package clip

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFrames is returned when a video does not have
	// strictly more frames than one clip needs.
	ErrInsufficientFrames = errors.New("not enough frames for a single clip")

	ErrNoWindows = errors.New("no windows to partition")
)

// Window is the ordered list of frame indices that make up one clip.
type Window []int

// BuildWindows enumerates every clip window for a video with frameCount
// frames. Window i covers frames [i*frequency, i*frequency+clipLength).
// Windows whose tail would run past the last frame are dropped, so the
// trailing frames that do not fill a whole step are never emitted.
func BuildWindows(frameCount, clipLength, frequency int) ([]Window, error) {
	if clipLength <= 0 {
		return nil, fmt.Errorf("clip length must be positive, got %d", clipLength)
	}
	if frequency <= 0 {
		return nil, fmt.Errorf("frequency must be positive, got %d", frequency)
	}
	if frameCount <= clipLength {
		return nil, fmt.Errorf("%w: have %d frames, need more than %d", ErrInsufficientFrames, frameCount, clipLength)
	}

	clipped := frameCount - clipLength
	usable := (clipped / frequency) * frequency
	count := usable/frequency + 1

	windows := make([]Window, count)
	for i := 0; i < count; i++ {
		w := make(Window, clipLength)
		start := i * frequency
		for t := range w {
			w[t] = start + t
		}
		windows[i] = w
	}

	return windows, nil
}
