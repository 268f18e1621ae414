package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fvbommel/sortorder"
	"go.uber.org/zap"

	"github.com/clipvec/clipvec-extraction-service/internal/domain/port"
	"github.com/clipvec/clipvec-extraction-service/internal/feature"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/framedir"
)

// ExtractVideoFeatures is the batch driver: decode a video's frames
// into a scratch dir, run the feature aggregator over them and persist
// the resulting array under the video's name.
type ExtractVideoFeatures struct {
	decoder    port.FrameDecoder
	aggregator *feature.Aggregator
	features   port.FeatureStore
	tempRoot   string
	logger     *zap.Logger
}

func NewExtractVideoFeatures(
	decoder port.FrameDecoder,
	aggregator *feature.Aggregator,
	features port.FeatureStore,
	tempRoot string,
	logger *zap.Logger,
) *ExtractVideoFeatures {
	return &ExtractVideoFeatures{
		decoder:    decoder,
		aggregator: aggregator,
		features:   features,
		tempRoot:   tempRoot,
		logger:     logger,
	}
}

// VideoResult summarizes one successfully extracted video.
type VideoResult struct {
	Video      string
	SavedTo    string
	FrameCount int
	Clips      int
	Crops      int
	Dim        int
	Duration   float64
}

// DirSummary counts the outcome of a directory run.
type DirSummary struct {
	Processed int
	Failed    int
}

// Run extracts one video end to end. Frames live in a scratch dir
// created for this video only and removed on every exit path.
func (uc *ExtractVideoFeatures) Run(ctx context.Context, videoPath string) (*VideoResult, error) {
	log := uc.logger.With(zap.String("video", videoPath))

	if uc.tempRoot != "" {
		if err := os.MkdirAll(uc.tempRoot, 0o755); err != nil {
			return nil, fmt.Errorf("creating temp root: %w", err)
		}
	}
	scratch, err := os.MkdirTemp(uc.tempRoot, "frames-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	decoded, err := uc.decoder.DecodeFrames(ctx, videoPath, scratch)
	if err != nil {
		return nil, fmt.Errorf("decoding frames: %w", err)
	}

	store, err := framedir.Open(scratch)
	if err != nil {
		return nil, fmt.Errorf("opening frame store: %w", err)
	}

	features, err := uc.aggregator.Extract(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("extracting features: %w", err)
	}

	savedTo, err := uc.features.SaveFeatures(ctx, VideoStem(videoPath), features)
	if err != nil {
		return nil, fmt.Errorf("saving features: %w", err)
	}

	log.Info("features extracted",
		zap.Ints("shape", features.Shape()),
		zap.Int("frames", decoded.FrameCount),
		zap.String("saved_to", savedTo),
	)

	return &VideoResult{
		Video:      videoPath,
		SavedTo:    savedTo,
		FrameCount: decoded.FrameCount,
		Clips:      features.Clips,
		Crops:      features.Crops,
		Dim:        features.Dim,
		Duration:   decoded.VideoDuration,
	}, nil
}

// RunDir extracts every video with the given extension under root,
// recursively. A failing video is logged and skipped; the summary
// reports how many made it through.
func (uc *ExtractVideoFeatures) RunDir(ctx context.Context, root, ext string) (*DirSummary, error) {
	videos, err := FindVideos(root, ext)
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, fmt.Errorf("no %s videos under %s", ext, root)
	}

	uc.logger.Info("starting directory run",
		zap.String("root", root),
		zap.Int("videos", len(videos)),
	)

	summary := &DirSummary{}
	for _, video := range videos {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if _, err := uc.Run(ctx, video); err != nil {
			summary.Failed++
			uc.logger.Error("video failed, continuing with the rest",
				zap.String("video", video),
				zap.Error(err),
			)
			continue
		}
		summary.Processed++
	}

	uc.logger.Info("directory run finished",
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
	)

	return summary, nil
}

// FindVideos walks root recursively and returns every file with the
// given extension, in natural name order. The extension check is
// case-insensitive and a missing leading dot is tolerated.
func FindVideos(root, ext string) ([]string, error) {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	ext = strings.ToLower(ext)

	var videos []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.ToLower(filepath.Ext(path)) == ext {
			videos = append(videos, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	sort.Slice(videos, func(i, j int) bool {
		return sortorder.NaturalLess(videos[i], videos[j])
	})

	return videos, nil
}

// VideoStem is the video's base filename with the extension stripped;
// output arrays are keyed by it.
func VideoStem(videoPath string) string {
	base := filepath.Base(videoPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
