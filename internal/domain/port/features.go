package port

import (
	"context"

	"github.com/clipvec/clipvec-extraction-service/internal/domain/entity"
)

// FeatureStore persists one video's feature array under a name derived
// from the video: its filename stem for file stores, the object key
// for bucket stores. Save returns the location it wrote to.
type FeatureStore interface {
	SaveFeatures(ctx context.Context, name string, features *entity.FeatureArray) (string, error)
}
