// Package onnx runs the pretrained video backbones (I3D, C3D) as ONNX
// Runtime sessions. The models are opaque here: a NCTHW float32 batch
// goes in, one embedding row per clip comes out.
package onnx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/clipvec/clipvec-extraction-service/internal/domain/port"
)

const (
	VariantI3D = "I3D"
	VariantC3D = "C3D"
)

// variantSpec pins the tensor contract of each supported export. Both
// backbones were exported with a single "frames" input and a flattened
// "features" output.
type variantSpec struct {
	dim        int
	modelFile  string
	inputName  string
	outputName string
}

var variants = map[string]variantSpec{
	VariantI3D: {dim: 1024, modelFile: "i3d.onnx", inputName: "frames", outputName: "features"},
	VariantC3D: {dim: 4096, modelFile: "c3d.onnx", inputName: "frames", outputName: "features"},
}

// Variants lists the supported variant names.
func Variants() []string {
	return []string{VariantI3D, VariantC3D}
}

// EmbeddingDim reports the embedding width of a variant without
// loading a session.
func EmbeddingDim(variant string) (int, error) {
	spec, ok := variants[strings.ToUpper(variant)]
	if !ok {
		return 0, fmt.Errorf("unknown feature variant %q, expected one of %v", variant, Variants())
	}
	return spec.dim, nil
}

// DefaultModelPath is where the pretrained export of a variant is
// expected when no explicit path is configured.
func DefaultModelPath(variant string) string {
	spec, ok := variants[strings.ToUpper(variant)]
	if !ok {
		return ""
	}
	return filepath.Join("pretrained", spec.modelFile)
}

// Config selects the backbone and where to find it.
type Config struct {
	// Variant is "I3D" or "C3D", case-insensitive.
	Variant string
	// ModelPath points at the .onnx export; empty means the variant's
	// default under pretrained/.
	ModelPath string
	// LibraryPath optionally overrides where the onnxruntime shared
	// library is loaded from. Must be set before the first session in
	// the process.
	LibraryPath string
}

// Extractor is a port.FeatureExtractor backed by one ONNX session.
// Sessions are not safe for concurrent Run calls; the sequential
// per-video drive upstream is what serializes them.
type Extractor struct {
	variant string
	spec    variantSpec
	session *ort.DynamicAdvancedSession
	logger  *zap.Logger
}

var _ port.FeatureExtractor = (*Extractor)(nil)

func NewExtractor(cfg Config, logger *zap.Logger) (*Extractor, error) {
	variant := strings.ToUpper(cfg.Variant)
	spec, ok := variants[variant]
	if !ok {
		return nil, fmt.Errorf("unknown feature variant %q, expected one of %v", cfg.Variant, Variants())
	}

	modelPath := cfg.ModelPath
	if modelPath == "" {
		modelPath = DefaultModelPath(variant)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file for %s: %w", variant, err)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initializing onnx runtime: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{spec.inputName},
		[]string{spec.outputName},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s session: %w", variant, err)
	}

	logger.Info("feature model loaded",
		zap.String("variant", variant),
		zap.String("model", modelPath),
		zap.Int("embedding_dim", spec.dim),
	)

	return &Extractor{
		variant: variant,
		spec:    spec,
		session: session,
		logger:  logger,
	}, nil
}

// Extract runs one crop's batch through the model. The run itself is
// synchronous and not interruptible; cancellation is honored between
// invocations.
func (e *Extractor) Extract(ctx context.Context, batch port.ClipBatch) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(batch.Data) != batch.Elems() {
		return nil, fmt.Errorf("batch data has %d values, geometry says %d", len(batch.Data), batch.Elems())
	}

	inputShape := ort.NewShape(
		int64(batch.Clips),
		int64(batch.Channels),
		int64(batch.Frames),
		int64(batch.Height),
		int64(batch.Width),
	)
	input, err := ort.NewTensor(inputShape, batch.Data)
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch.Clips), int64(e.spec.dim)))
	if err != nil {
		return nil, fmt.Errorf("creating output tensor: %w", err)
	}
	defer output.Destroy()

	if err := e.session.Run(
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
	); err != nil {
		return nil, fmt.Errorf("%s inference: %w", e.variant, err)
	}

	// The output buffer dies with the tensor, so rows are copied out.
	flat := output.GetData()
	rows := make([][]float32, batch.Clips)
	for i := range rows {
		row := make([]float32, e.spec.dim)
		copy(row, flat[i*e.spec.dim:(i+1)*e.spec.dim])
		rows[i] = row
	}

	return rows, nil
}

func (e *Extractor) EmbeddingDim() int { return e.spec.dim }

func (e *Extractor) Variant() string { return e.variant }

// Close destroys the session and tears down the runtime environment.
func (e *Extractor) Close() error {
	e.logger.Info("closing feature model session", zap.String("variant", e.variant))
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return err
		}
		e.session = nil
	}
	return ort.DestroyEnvironment()
}
