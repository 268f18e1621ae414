package featfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvec/clipvec-extraction-service/internal/domain/entity"
	"github.com/clipvec/clipvec-extraction-service/internal/npy"
)

func TestSaveFeaturesRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "features")
	store, err := New(out)
	require.NoError(t, err)

	features := entity.NewFeatureArray(5, 10, 4)
	for i := range features.Data {
		features.Data[i] = float32(i)
	}

	path, err := store.SaveFeatures(context.Background(), "video01", features)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "video01.npy"), path)

	shape, data, err := npy.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 10, 4}, shape)
	assert.Equal(t, features.Data, data)
}

func TestNewRejectsUnwritableDir(t *testing.T) {
	// Parent is a file, so MkdirAll cannot succeed.
	parent := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(parent, nil, 0o644))

	_, err := New(filepath.Join(parent, "out"))
	require.Error(t, err)
}
