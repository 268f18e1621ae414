package port

import "context"

// ClipBatch is the input of one model invocation: a dense NCTHW tensor
// holding Clips rows of Frames RGB frames each.
type ClipBatch struct {
	Data     []float32
	Clips    int
	Channels int
	Frames   int
	Height   int
	Width    int
}

// Elems returns the number of float32 values the batch must hold.
func (b ClipBatch) Elems() int {
	return b.Clips * b.Channels * b.Frames * b.Height * b.Width
}

// FeatureExtractor maps a batch of clips to one embedding per clip.
// The model behind it is opaque to callers: same batch geometry in,
// Clips rows of EmbeddingDim values out, row order preserved.
type FeatureExtractor interface {
	Extract(ctx context.Context, batch ClipBatch) ([][]float32, error)
	EmbeddingDim() int
	Variant() string
	Close() error
}
