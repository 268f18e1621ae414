// Package feature runs the per-video extraction loop: clip windows in,
// a (clips, crops, dim) embedding array out.
package feature

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/clipvec/clipvec-extraction-service/internal/clip"
	"github.com/clipvec/clipvec-extraction-service/internal/domain/entity"
	"github.com/clipvec/clipvec-extraction-service/internal/domain/port"
	"github.com/clipvec/clipvec-extraction-service/internal/vision"
)

// Params control clip enumeration and batching.
type Params struct {
	// ClipLength is the number of consecutive frames per clip.
	ClipLength int
	// BatchSize caps how many clips reach the model at once.
	BatchSize int
	// Frequency is the stride between window starts.
	Frequency int
}

// Aggregator drives one video end to end: enumerate windows, partition
// into batches, push every crop through the extractor, L2-normalize
// each embedding and reassemble everything in clip order.
type Aggregator struct {
	loader    *vision.Loader
	extractor port.FeatureExtractor
	params    Params
	log       *zap.Logger
}

func NewAggregator(loader *vision.Loader, extractor port.FeatureExtractor, params Params, log *zap.Logger) *Aggregator {
	return &Aggregator{
		loader:    loader,
		extractor: extractor,
		params:    params,
		log:       log,
	}
}

// Extract consumes the video's frames and returns its feature array.
// Padding rows that even batching introduces are fed through the model
// like real clips and stripped again here, so the result holds exactly
// one row per enumerated window, in window order.
func (a *Aggregator) Extract(ctx context.Context, store port.FrameStore) (*entity.FeatureArray, error) {
	windows, err := clip.BuildWindows(store.Count(), a.params.ClipLength, a.params.Frequency)
	if err != nil {
		return nil, fmt.Errorf("building clip windows: %w", err)
	}

	batches, err := clip.PartitionWindows(windows, a.params.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("partitioning windows: %w", err)
	}

	dim := a.extractor.EmbeddingDim()
	features := entity.NewFeatureArray(batches.TotalClips(), vision.CropCount, dim)

	a.log.Debug("extraction plan",
		zap.Int("frames", store.Count()),
		zap.Int("windows", len(windows)),
		zap.Int("batches", batches.Count()),
		zap.Int("batch_capacity", batches.Capacity),
		zap.Int("embedding_dim", dim),
	)

	clipBase := 0
	for b := 0; b < batches.Count(); b++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tensor, err := a.loader.LoadBatch(store, batches.Padded(b))
		if err != nil {
			return nil, fmt.Errorf("loading batch %d: %w", b, err)
		}

		valid := batches.Size(b)
		for crop := 0; crop < vision.CropCount; crop++ {
			rows, err := a.extractor.Extract(ctx, tensor.CropInput(crop))
			if err != nil {
				return nil, fmt.Errorf("extracting batch %d crop %d: %w", b, crop, err)
			}
			if len(rows) != batches.Capacity {
				return nil, fmt.Errorf("model returned %d rows for batch %d, want %d", len(rows), b, batches.Capacity)
			}

			// Only the first valid rows are real clips; the rest is
			// padding and never reaches the output array.
			for row := 0; row < valid; row++ {
				if len(rows[row]) != dim {
					return nil, fmt.Errorf("model returned %d-dim embedding, want %d", len(rows[row]), dim)
				}
				a.normalize(rows[row], b, crop, row)
				copy(features.At(clipBase+row, crop), rows[row])
			}
		}

		clipBase += valid
	}

	return features, nil
}

// normalize scales v to unit L2 norm in place. Zero vectors stay as
// they are: dividing by a zero norm would poison the array with NaNs.
func (a *Aggregator) normalize(v []float32, batch, crop, row int) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		a.log.Warn("zero-norm embedding left unnormalized",
			zap.Int("batch", batch),
			zap.Int("crop", crop),
			zap.Int("row", row),
		)
		return
	}

	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
}
