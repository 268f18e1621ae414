// Package vision turns decoded video frames into the augmented float
// tensors the feature models consume: shorter-side resize, ten-crop
// augmentation and per-channel normalization.
package vision

import (
	"errors"
	"fmt"
	"image"

	"github.com/clipvec/clipvec-extraction-service/internal/clip"
	"github.com/clipvec/clipvec-extraction-service/internal/domain/port"
)

// ErrFrameRead marks a frame that could not be read or decoded. Frame
// stores wrap it so the batch loader's callers can tell a bad frame
// from a bad model.
var ErrFrameRead = errors.New("frame read failed")

const (
	// DefaultResizeShort is the shorter-side target before cropping.
	DefaultResizeShort = 240

	// CropSize is the side of each square crop fed to the model.
	CropSize = 224

	// CropCount is the number of augmented views per frame: four
	// corners plus center, then the same five of the mirrored frame.
	CropCount = 10
)

// Channel statistics the pretrained video backbones expect, applied
// after scaling pixels to [0, 1].
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Loader reads clip windows from a frame store and produces normalized
// crop tensors.
type Loader struct {
	resizeShort int
	cropSize    int
	mean        [3]float32
	std         [3]float32
}

func NewLoader(resizeShort int) (*Loader, error) {
	if resizeShort <= 0 {
		resizeShort = DefaultResizeShort
	}
	if resizeShort < CropSize {
		return nil, fmt.Errorf("resize target %d is smaller than crop size %d", resizeShort, CropSize)
	}

	return &Loader{
		resizeShort: resizeShort,
		cropSize:    CropSize,
		mean:        channelMean,
		std:         channelStd,
	}, nil
}

// LoadBatch materializes one padded batch: every window becomes a row,
// every frame of the row becomes ten normalized crops. All windows
// must have the same length.
func (l *Loader) LoadBatch(store port.FrameStore, windows []clip.Window) (*CropTensor, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	frames := len(windows[0])
	tensor := newCropTensor(CropCount, len(windows), frames, l.cropSize, l.cropSize)

	for row, w := range windows {
		if len(w) != frames {
			return nil, fmt.Errorf("window %d has %d frames, batch expects %d", row, len(w), frames)
		}
		for t, idx := range w {
			img, err := store.Read(idx)
			if err != nil {
				return nil, fmt.Errorf("reading frame %d: %w", idx, err)
			}
			if err := l.placeFrame(tensor, row, t, img); err != nil {
				return nil, fmt.Errorf("frame %d: %w", idx, err)
			}
		}
	}

	return tensor, nil
}

func (l *Loader) placeFrame(tensor *CropTensor, row, t int, src image.Image) error {
	resized := resizeShorterSide(src, l.resizeShort)
	base := toRGBA(resized)
	mirror := flipHorizontal(base)

	w := base.Rect.Dx()
	h := base.Rect.Dy()
	if w < l.cropSize || h < l.cropSize {
		return fmt.Errorf("resized frame %dx%d is smaller than crop size %d", w, h, l.cropSize)
	}

	offsets := cropOffsets(w, h, l.cropSize)
	for c, origin := range offsets {
		l.writeCrop(tensor, c, row, t, base, origin)
		l.writeCrop(tensor, c+len(offsets), row, t, mirror, origin)
	}

	return nil
}

func (l *Loader) writeCrop(tensor *CropTensor, crop, row, t int, img *image.RGBA, origin image.Point) {
	cs := l.cropSize
	for y := 0; y < cs; y++ {
		pix := img.Pix[(origin.Y+y)*img.Stride+origin.X*4:]
		for x := 0; x < cs; x++ {
			r := float32(pix[x*4]) / 255
			g := float32(pix[x*4+1]) / 255
			b := float32(pix[x*4+2]) / 255
			tensor.set(crop, row, 0, t, y, x, (r-l.mean[0])/l.std[0])
			tensor.set(crop, row, 1, t, y, x, (g-l.mean[1])/l.std[1])
			tensor.set(crop, row, 2, t, y, x, (b-l.mean[2])/l.std[2])
		}
	}
}
