package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clipvec/clipvec-extraction-service/internal/clip"
	"github.com/clipvec/clipvec-extraction-service/internal/domain/entity"
	"github.com/clipvec/clipvec-extraction-service/internal/domain/port"
	"github.com/clipvec/clipvec-extraction-service/internal/feature"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/ffmpeg"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/framedir"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/metrics"
	"github.com/clipvec/clipvec-extraction-service/internal/npy"
)

// ProcessExtractionUseCase consumes extraction jobs from the queue:
// download the video, decode its frames, run the feature pipeline and
// upload the resulting .npy array.
type ProcessExtractionUseCase struct {
	repo       port.JobRepository
	storage    port.VideoStorage
	decoder    port.FrameDecoder
	aggregator *feature.Aggregator
	publisher  port.StatusPublisher
	dlq        port.DLQPublisher
	notifier   port.FailureNotifier
	logger     *zap.Logger
	tracer     trace.Tracer
	variant    string
	tempDir    string
	maxRetry   int
}

type ProcessExtractionConfig struct {
	Variant    string
	TempDir    string
	MaxRetries int
}

func NewProcessExtractionUseCase(
	repo port.JobRepository,
	storage port.VideoStorage,
	decoder port.FrameDecoder,
	aggregator *feature.Aggregator,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
	cfg ProcessExtractionConfig,
) *ProcessExtractionUseCase {
	return &ProcessExtractionUseCase{
		repo:       repo,
		storage:    storage,
		decoder:    decoder,
		aggregator: aggregator,
		publisher:  publisher,
		dlq:        dlq,
		notifier:   notifier,
		logger:     logger,
		tracer:     otel.Tracer("usecase"),
		variant:    cfg.Variant,
		tempDir:    cfg.TempDir,
		maxRetry:   cfg.MaxRetries,
	}
}

func (uc *ProcessExtractionUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	ctx, span := uc.tracer.Start(ctx, "ProcessExtractionUseCase.Execute")
	defer span.End()

	totalTimer := time.Now()

	var msg entity.ExtractionRequestMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		uc.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		return nil
	}

	span.SetAttributes(
		attribute.String("job.id", msg.JobID.String()),
		attribute.String("job.video_key", msg.VideoKey),
	)

	log := uc.logger.With(zap.String("job_id", msg.JobID.String()), zap.String("video_key", msg.VideoKey))

	job, err := uc.repo.FindByID(ctx, msg.JobID)
	if err != nil {
		job = entity.NewJob(msg.UserID, msg.VideoKey, msg.FileSize, uc.maxRetry)
		job.ID = msg.JobID
		if err := uc.repo.Create(ctx, job); err != nil {
			log.Error("failed to create job record", zap.Error(err))
			return fmt.Errorf("create job: %w", err)
		}
	}

	if !job.CanRetry() {
		log.Warn("job exhausted retries, sending to DLQ")
		_ = uc.handlePermanentFailure(ctx, job, msg, rawMsg, "max retries exceeded")
		return nil
	}

	job.MarkProcessing()
	if err := uc.repo.Update(ctx, job); err != nil {
		log.Error("failed to update job to PROCESSING", zap.Error(err))
		return fmt.Errorf("update job: %w", err)
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	if err := uc.runPipeline(ctx, job, msg, rawMsg, log); err != nil {
		return err
	}

	metrics.JobsProcessedTotal.WithLabelValues("completed").Inc()
	metrics.JobProcessingDuration.WithLabelValues("total").Observe(time.Since(totalTimer).Seconds())

	return nil
}

func (uc *ProcessExtractionUseCase) runPipeline(
	ctx context.Context,
	job *entity.Job,
	msg entity.ExtractionRequestMessage,
	rawMsg []byte,
	log *zap.Logger,
) error {
	workDir := filepath.Join(uc.tempDir, job.ID.String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Download the source video from object storage.
	dlStart := time.Now()
	ctxDl, spanDl := uc.tracer.Start(ctx, "download_video")
	videoPath := filepath.Join(workDir, "input.mp4")
	if err := uc.storage.DownloadVideo(ctxDl, msg.VideoKey, videoPath); err != nil {
		spanDl.End()
		log.Error("failed to download video", zap.Error(err))
		return uc.handleFailure(ctx, job, msg, rawMsg, "download_video: "+err.Error(), err, log)
	}
	spanDl.End()
	metrics.JobProcessingDuration.WithLabelValues("download").Observe(time.Since(dlStart).Seconds())

	// Decode every frame into the job's scratch dir.
	decStart := time.Now()
	ctxDec, spanDec := uc.tracer.Start(ctx, "decode_frames")
	framesDir := filepath.Join(workDir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		spanDec.End()
		return fmt.Errorf("create frames dir: %w", err)
	}
	decoded, err := uc.decoder.DecodeFrames(ctxDec, videoPath, framesDir)
	if err != nil {
		spanDec.End()
		log.Error("frame decoding failed", zap.Error(err))
		return uc.handleFailure(ctx, job, msg, rawMsg, "decode_frames: "+err.Error(), err, log)
	}
	spanDec.End()
	metrics.JobProcessingDuration.WithLabelValues("decode").Observe(time.Since(decStart).Seconds())
	metrics.FramesDecodedTotal.Add(float64(decoded.FrameCount))

	// Run the clip pipeline over the decoded frames.
	exStart := time.Now()
	ctxEx, spanEx := uc.tracer.Start(ctx, "extract_features")
	store, err := framedir.Open(framesDir)
	if err != nil {
		spanEx.End()
		return uc.handleFailure(ctx, job, msg, rawMsg, "open_frames: "+err.Error(), err, log)
	}
	features, err := uc.aggregator.Extract(ctxEx, store)
	if err != nil {
		spanEx.End()
		log.Error("feature extraction failed", zap.Error(err))
		return uc.handleFailure(ctx, job, msg, rawMsg, "extract_features: "+err.Error(), err, log)
	}
	spanEx.End()
	metrics.JobProcessingDuration.WithLabelValues("extract").Observe(time.Since(exStart).Seconds())
	metrics.ClipsEmbeddedTotal.Add(float64(features.Clips))

	// Upload the serialized array.
	upStart := time.Now()
	ctxUp, spanUp := uc.tracer.Start(ctx, "upload_features")
	var buf bytes.Buffer
	if err := npy.Write(&buf, features.Shape(), features.Data); err != nil {
		spanUp.End()
		return uc.handleFailure(ctx, job, msg, rawMsg, "encode_features: "+err.Error(), err, log)
	}
	featureKey := fmt.Sprintf("%s/features_%s.npy", msg.UserID, job.ID.String())
	if err := uc.storage.UploadFeatures(ctxUp, featureKey, &buf, int64(buf.Len())); err != nil {
		spanUp.End()
		log.Error("feature upload failed", zap.Error(err))
		return uc.handleFailure(ctx, job, msg, rawMsg, "upload_features: "+err.Error(), err, log)
	}
	spanUp.End()
	metrics.JobProcessingDuration.WithLabelValues("upload").Observe(time.Since(upStart).Seconds())

	job.MarkCompleted(featureKey, uc.variant, decoded.FrameCount, features.Clips, features.Dim, decoded.VideoDuration)
	if err := uc.repo.Update(ctx, job); err != nil {
		log.Error("failed to update job to COMPLETED", zap.Error(err))
		return fmt.Errorf("update job completed: %w", err)
	}

	uc.publishStatus(ctx, job, log)

	log.Info("job completed",
		zap.Int("frame_count", decoded.FrameCount),
		zap.Int("clip_count", features.Clips),
		zap.Int("embedding_dim", features.Dim),
		zap.Float64("duration_secs", decoded.VideoDuration),
		zap.String("feature_key", featureKey),
	)

	return nil
}

// nonRetryable reports whether the failure is inherent to the video:
// retrying a clip that is too short or empty can never succeed.
func nonRetryable(err error) bool {
	return errors.Is(err, clip.ErrInsufficientFrames) || errors.Is(err, ffmpeg.ErrNoFrames)
}

func (uc *ProcessExtractionUseCase) handleFailure(
	ctx context.Context,
	job *entity.Job,
	msg entity.ExtractionRequestMessage,
	rawMsg []byte,
	errMsg string,
	cause error,
	log *zap.Logger,
) error {
	job.MarkFailed(errMsg)
	_ = uc.repo.Update(ctx, job)

	if nonRetryable(cause) || !job.CanRetry() {
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, errMsg)
	}

	metrics.RetryTotal.WithLabelValues(strconv.Itoa(job.Attempt)).Inc()
	uc.publishStatus(ctx, job, log)

	return fmt.Errorf("retryable failure (attempt %d/%d): %s", job.Attempt, job.MaxAttempts, errMsg)
}

func (uc *ProcessExtractionUseCase) handlePermanentFailure(
	ctx context.Context,
	job *entity.Job,
	msg entity.ExtractionRequestMessage,
	rawMsg []byte,
	errMsg string,
) error {
	job.MarkFailed(errMsg)
	_ = uc.repo.Update(ctx, job)

	_ = uc.dlq.PublishToDLQ(ctx, rawMsg, errMsg)

	uc.publishStatus(ctx, job, uc.logger)

	metrics.JobsProcessedTotal.WithLabelValues("dlq").Inc()

	if msg.UserEmail != "" {
		_ = uc.notifier.NotifyFailure(ctx, msg.UserEmail, job, errMsg)
	}

	return nil
}

func (uc *ProcessExtractionUseCase) publishStatus(ctx context.Context, job *entity.Job, log *zap.Logger) {
	statusMsg := &entity.ExtractionStatusMessage{
		JobID:        job.ID,
		UserID:       job.UserID,
		Status:       job.Status,
		VideoKey:     job.VideoKey,
		FeatureKey:   job.FeatureKey,
		Variant:      job.Variant,
		FrameCount:   job.FrameCount,
		ClipCount:    job.ClipCount,
		EmbeddingDim: job.EmbeddingDim,
		Duration:     job.VideoDuration,
		ErrorMessage: job.ErrorMessage,
		Attempt:      job.Attempt,
		MaxAttempts:  job.MaxAttempts,
	}
	if err := uc.publisher.PublishStatus(ctx, statusMsg); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
}
