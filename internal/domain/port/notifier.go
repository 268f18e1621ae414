package port

import (
	"context"

	"github.com/clipvec/clipvec-extraction-service/internal/domain/entity"
)

type FailureNotifier interface {
	NotifyFailure(ctx context.Context, userEmail string, job *entity.Job, errorMsg string) error
}
