package port

import (
	"context"

	"github.com/clipvec/clipvec-extraction-service/internal/domain/entity"
)

type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg *entity.ExtractionStatusMessage) error
}

// DLQPublisher takes the raw message body so that even messages that
// failed to unmarshal can be parked for inspection.
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, body []byte, reason string) error
}
