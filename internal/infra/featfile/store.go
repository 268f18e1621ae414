// Package featfile persists feature arrays as .npy files in a local
// output directory, one file per video.
package featfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clipvec/clipvec-extraction-service/internal/domain/entity"
	"github.com/clipvec/clipvec-extraction-service/internal/npy"
)

// Store writes one <name>.npy per video under its output directory.
type Store struct {
	dir string
}

// New creates the output directory if needed and returns a store
// rooted there.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// SaveFeatures writes the array as <dir>/<name>.npy and returns the
// path it wrote.
func (s *Store) SaveFeatures(_ context.Context, name string, features *entity.FeatureArray) (string, error) {
	path := filepath.Join(s.dir, name+".npy")
	if err := npy.WriteFile(path, features.Shape(), features.Data); err != nil {
		return "", fmt.Errorf("saving features for %s: %w", name, err)
	}
	return path, nil
}
