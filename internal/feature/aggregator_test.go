package feature

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clipvec/clipvec-extraction-service/internal/clip"
	"github.com/clipvec/clipvec-extraction-service/internal/domain/port"
	"github.com/clipvec/clipvec-extraction-service/internal/vision"
)

// grayFrames serves solid frames whose brightness encodes the frame
// index, so embeddings can be traced back to the window they came from.
type grayFrames struct {
	count int
}

func (g *grayFrames) Count() int { return g.count }

func (g *grayFrames) Read(i int) (image.Image, error) {
	if i < 0 || i >= g.count {
		return nil, fmt.Errorf("frame %d out of range", i)
	}
	v := uint8(10 * i)
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img, nil
}

// fakeExtractor emits two-dim embeddings [firstValue, 1] so that after
// unit normalization the ratio of the components recovers firstValue.
type fakeExtractor struct {
	calls     int
	clipsSeen []int
	zero      bool
	wrongRows bool
}

func (f *fakeExtractor) Extract(_ context.Context, batch port.ClipBatch) ([][]float32, error) {
	f.calls++
	f.clipsSeen = append(f.clipsSeen, batch.Clips)
	if len(batch.Data) != batch.Elems() {
		return nil, fmt.Errorf("batch data has %d values, geometry says %d", len(batch.Data), batch.Elems())
	}

	clipStride := batch.Channels * batch.Frames * batch.Height * batch.Width
	out := make([][]float32, batch.Clips)
	for i := range out {
		row := make([]float32, 2)
		if !f.zero {
			row[0] = batch.Data[i*clipStride]
			row[1] = 1
		}
		out[i] = row
	}
	if f.wrongRows {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *fakeExtractor) EmbeddingDim() int { return 2 }
func (f *fakeExtractor) Variant() string   { return "FAKE" }
func (f *fakeExtractor) Close() error      { return nil }

func newTestAggregator(t *testing.T, ex port.FeatureExtractor, params Params) *Aggregator {
	t.Helper()
	loader, err := vision.NewLoader(240)
	require.NoError(t, err)
	return NewAggregator(loader, ex, params, zap.NewNop())
}

func TestExtractReassemblesClipsInOrder(t *testing.T) {
	// 25 frames, clip length 16, stride 1: windows start at 0..9.
	// Batch size 4 splits them 4/3/3 with capacity 4, so the last two
	// batches carry one padding row each.
	store := &grayFrames{count: 25}
	ex := &fakeExtractor{}
	agg := newTestAggregator(t, ex, Params{ClipLength: 16, BatchSize: 4, Frequency: 1})

	features, err := agg.Extract(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, 10, features.Clips)
	assert.Equal(t, vision.CropCount, features.Crops)
	assert.Equal(t, 2, features.Dim)

	// 3 batches, 10 crops each, every invocation padded to capacity.
	assert.Equal(t, 30, ex.calls)
	for _, clips := range ex.clipsSeen {
		assert.Equal(t, 4, clips)
	}

	for k := 0; k < features.Clips; k++ {
		// Window k starts at frame k; its first tensor value is the
		// normalized red channel of that frame.
		want := (float32(10*k)/255 - 0.485) / 0.229
		for crop := 0; crop < features.Crops; crop++ {
			emb := features.At(k, crop)

			norm := math.Sqrt(float64(emb[0])*float64(emb[0]) + float64(emb[1])*float64(emb[1]))
			assert.InDelta(t, 1.0, norm, 1e-6, "clip %d crop %d must be unit length", k, crop)

			ratio := float64(emb[0]) / float64(emb[1])
			assert.InDelta(t, float64(want), ratio, 1e-4, "clip %d crop %d maps to the wrong window", k, crop)
		}
	}
}

func TestExtractLeavesZeroEmbeddingsUntouched(t *testing.T) {
	store := &grayFrames{count: 18}
	ex := &fakeExtractor{zero: true}
	agg := newTestAggregator(t, ex, Params{ClipLength: 16, BatchSize: 8, Frequency: 1})

	features, err := agg.Extract(context.Background(), store)
	require.NoError(t, err)

	for _, v := range features.Data {
		require.False(t, math.IsNaN(float64(v)))
		require.Zero(t, v)
	}
}

func TestExtractRejectsShortVideos(t *testing.T) {
	store := &grayFrames{count: 16}
	agg := newTestAggregator(t, &fakeExtractor{}, Params{ClipLength: 16, BatchSize: 8, Frequency: 1})

	_, err := agg.Extract(context.Background(), store)
	require.ErrorIs(t, err, clip.ErrInsufficientFrames)
}

func TestExtractFailsOnRowCountMismatch(t *testing.T) {
	store := &grayFrames{count: 20}
	agg := newTestAggregator(t, &fakeExtractor{wrongRows: true}, Params{ClipLength: 16, BatchSize: 8, Frequency: 1})

	_, err := agg.Extract(context.Background(), store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows")
}

func TestExtractHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &grayFrames{count: 20}
	agg := newTestAggregator(t, &fakeExtractor{}, Params{ClipLength: 16, BatchSize: 8, Frequency: 1})

	_, err := agg.Extract(ctx, store)
	require.ErrorIs(t, err, context.Canceled)
}
