package port

import "image"

// FrameStore gives indexed access to the decoded frames of one video.
// Index 0 is the first frame in playback order.
type FrameStore interface {
	Count() int
	Read(i int) (image.Image, error)
}
