package vision

import "github.com/clipvec/clipvec-extraction-service/internal/domain/port"

// CropTensor holds one padded batch of clips after augmentation,
// stored crop-major: (Crops, Rows, 3, Frames, Height, Width) in C
// order. Keeping each crop position contiguous lets CropInput hand the
// model a view without copying.
type CropTensor struct {
	Data   []float32
	Crops  int
	Rows   int
	Frames int
	Height int
	Width  int
}

func newCropTensor(crops, rows, frames, height, width int) *CropTensor {
	return &CropTensor{
		Data:   make([]float32, crops*rows*3*frames*height*width),
		Crops:  crops,
		Rows:   rows,
		Frames: frames,
		Height: height,
		Width:  width,
	}
}

func (t *CropTensor) set(crop, row, ch, frame, y, x int, v float32) {
	off := ((((crop*t.Rows+row)*3+ch)*t.Frames+frame)*t.Height+y)*t.Width + x
	t.Data[off] = v
}

// CropInput returns the model input for one crop position, shaped
// (Rows, 3, Frames, Height, Width). The slice aliases the tensor.
func (t *CropTensor) CropInput(crop int) port.ClipBatch {
	stride := t.Rows * 3 * t.Frames * t.Height * t.Width
	off := crop * stride
	return port.ClipBatch{
		Data:     t.Data[off : off+stride],
		Clips:    t.Rows,
		Channels: 3,
		Frames:   t.Frames,
		Height:   t.Height,
		Width:    t.Width,
	}
}
