package integration

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipvec/clipvec-extraction-service/internal/domain/entity"
	"github.com/clipvec/clipvec-extraction-service/internal/domain/port"
	"github.com/clipvec/clipvec-extraction-service/internal/feature"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/email"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/ffmpeg"
	miniostorage "github.com/clipvec/clipvec-extraction-service/internal/infra/minio"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/postgres"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/rabbitmq"
	"github.com/clipvec/clipvec-extraction-service/internal/npy"
	"github.com/clipvec/clipvec-extraction-service/internal/usecase"
	"github.com/clipvec/clipvec-extraction-service/internal/vision"
	"github.com/clipvec/clipvec-extraction-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

// terminate stops a container at test end; a failed teardown is worth a
// log line but must not flip the test result.
func terminate(ctx context.Context, t *testing.T, c testcontainers.Container) {
	t.Helper()
	if err := c.Terminate(ctx); err != nil {
		t.Logf("terminate container: %v", err)
	}
}

// stubExtractor stands in for the ONNX session: CI has no model export,
// and the pipeline around the model is what this test exercises. Every
// clip maps to an all-ones embedding, which L2-normalizes to
// 1/sqrt(dim) per component.
type stubExtractor struct {
	dim int
}

func (s *stubExtractor) Extract(_ context.Context, batch port.ClipBatch) ([][]float32, error) {
	out := make([][]float32, batch.Clips)
	for i := range out {
		row := make([]float32, s.dim)
		for j := range row {
			row[j] = 1
		}
		out[i] = row
	}
	return out, nil
}

func (s *stubExtractor) EmbeddingDim() int { return s.dim }
func (s *stubExtractor) Variant() string   { return "I3D" }
func (s *stubExtractor) Close() error      { return nil }

func TestExtractionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Start PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("jobs"),
		tcpostgres.WithUsername("job_user"),
		tcpostgres.WithPassword("job_pass"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer terminate(ctx, t, pgContainer)

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Start RabbitMQ container
	rmqContainer, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
	)
	require.NoError(t, err)
	defer terminate(ctx, t, rmqContainer)

	rmqURL, err := rmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	// Start MinIO container
	minioContainer, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer terminate(ctx, t, minioContainer)

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	// Run migrations
	err = postgres.RunMigrations(pgConnStr, "../../migrations")
	require.NoError(t, err)

	// Setup MinIO storage
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:      minioEndpoint,
		AccessKey:     "minioadmin",
		SecretKey:     "minioadmin",
		UseSSL:        false,
		VideoBucket:   "videos",
		FeatureBucket: "features",
	})
	require.NoError(t, err)
	require.NoError(t, storage.EnsureBuckets(ctx))

	// Upload test video to MinIO. 3s at 10fps gives 30 frames, enough
	// for several 16-frame windows.
	testVideoPath := filepath.Join("..", "testdata", "test.mp4")
	if _, err := os.Stat(testVideoPath); os.IsNotExist(err) {
		t.Skip("test video not found at tests/testdata/test.mp4 - generate it with: ffmpeg -f lavfi -i testsrc=duration=3:size=320x240:rate=10 -c:v libx264 -pix_fmt yuv420p tests/testdata/test.mp4")
	}

	minioClient, err := miniogo.New(minioEndpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	require.NoError(t, err)

	videoKey := "testuser/test.mp4"
	_, err = minioClient.FPutObject(ctx, "videos", videoKey, testVideoPath, miniogo.PutObjectOptions{
		ContentType: "video/mp4",
	})
	require.NoError(t, err)

	// Setup RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(rmqURL)
	require.NoError(t, err)
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, "clipvec.video")
	require.NoError(t, err)

	statusPub := rabbitmq.NewStatusPublisher(pub, "video.extraction.status")
	dlqPub := rabbitmq.NewDLQPublisher(pub, "video.extraction.dlq")

	// Setup DB pool
	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	defer pool.Close()

	// Setup use case
	log, _ := logger.New("debug")
	repo := postgres.NewJobRepository(pool)
	decoder := ffmpeg.NewDecoder("jpg", 2, log)
	extractor := &stubExtractor{dim: 32}
	loader, err := vision.NewLoader(vision.DefaultResizeShort)
	require.NoError(t, err)
	aggregator := feature.NewAggregator(loader, extractor, feature.Params{
		ClipLength: 16,
		BatchSize:  8,
		Frequency:  1,
	}, log)
	notifier := email.NewSMTPNotifier("localhost", 1025, "noreply@test.local", log)

	uc := usecase.NewProcessExtractionUseCase(
		repo, storage, decoder, aggregator,
		statusPub, dlqPub, notifier,
		log,
		usecase.ProcessExtractionConfig{
			Variant:    extractor.Variant(),
			TempDir:    t.TempDir(),
			MaxRetries: 3,
		},
	)

	// Setup consumer
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         rmqURL,
		Queue:       "video.extraction",
		Exchange:    "clipvec.video",
		DLQ:         "video.extraction.dlq",
		StatusQueue: "video.extraction.status",
		Prefetch:    1,
		WorkerCount: 1,
		BaseDelayMs: 100,
	}, uc.Execute, log)
	require.NoError(t, err)
	defer consumer.Close()

	// Start consumer in background
	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()

	go func() {
		consumer.Start(consumerCtx)
	}()

	// Give consumer time to start
	time.Sleep(500 * time.Millisecond)

	// Publish extraction request
	jobID := uuid.New()
	videoInfo, _ := os.Stat(testVideoPath)
	requestMsg := entity.ExtractionRequestMessage{
		JobID:     jobID,
		UserID:    "testuser",
		VideoKey:  videoKey,
		FileSize:  videoInfo.Size(),
		UserEmail: "test@test.local",
	}
	msgBody, err := json.Marshal(requestMsg)
	require.NoError(t, err)

	// Publish to extraction queue via the exchange
	pubCh, err := rmqConn.Channel()
	require.NoError(t, err)
	err = pubCh.PublishWithContext(ctx,
		"clipvec.video",
		"video.extraction",
		false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msgBody,
		},
	)
	require.NoError(t, err)
	pubCh.Close()

	// Wait for status message on the status queue
	statusCh, err := rmqConn.Channel()
	require.NoError(t, err)
	defer statusCh.Close()

	statusMsgs, err := statusCh.Consume("video.extraction.status", "", true, false, false, false, nil)
	require.NoError(t, err)

	var statusMsg entity.ExtractionStatusMessage
	select {
	case delivery := <-statusMsgs:
		err = json.Unmarshal(delivery.Body, &statusMsg)
		require.NoError(t, err)
	case <-time.After(2 * time.Minute):
		t.Fatal("timeout waiting for status message")
	}

	// Assert status
	assert.Equal(t, jobID, statusMsg.JobID)
	assert.Equal(t, entity.JobStatusCompleted, statusMsg.Status)
	assert.Greater(t, statusMsg.FrameCount, 16)
	assert.NotEmpty(t, statusMsg.FeatureKey)
	assert.Equal(t, "I3D", statusMsg.Variant)
	assert.Equal(t, 32, statusMsg.EmbeddingDim)

	// One window per frame past the first 16, stride 1
	expectedClips := statusMsg.FrameCount - 16 + 1
	assert.Equal(t, expectedClips, statusMsg.ClipCount)

	// Verify the feature array in MinIO
	featObj, err := minioClient.GetObject(ctx, "features", statusMsg.FeatureKey, miniogo.GetObjectOptions{})
	require.NoError(t, err)

	shape, data, err := npy.Read(featObj)
	require.NoError(t, err)
	require.Equal(t, []int{expectedClips, vision.CropCount, 32}, shape)
	require.Len(t, data, expectedClips*vision.CropCount*32)

	// Every embedding came out of the stub as all ones, so each row
	// must be unit length after normalization.
	for crop := 0; crop < vision.CropCount; crop++ {
		var norm float64
		for j := 0; j < 32; j++ {
			v := data[crop*32+j]
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
	}

	// Verify job record in database
	var dbStatus string
	var dbFrameCount, dbClipCount, dbDim int
	err = pool.QueryRow(ctx,
		"SELECT status, frame_count, clip_count, embedding_dim FROM extraction_jobs WHERE id=$1", jobID,
	).Scan(&dbStatus, &dbFrameCount, &dbClipCount, &dbDim)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", dbStatus)
	assert.Equal(t, statusMsg.FrameCount, dbFrameCount)
	assert.Equal(t, expectedClips, dbClipCount)
	assert.Equal(t, 32, dbDim)

	// Stop consumer
	consumerCancel()

	t.Logf("Test passed: %d frames, %d clips, features at %s", statusMsg.FrameCount, expectedClips, statusMsg.FeatureKey)
}

func TestExtractionMalformedMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Start PostgreSQL
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("jobs"),
		tcpostgres.WithUsername("job_user"),
		tcpostgres.WithPassword("job_pass"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer terminate(ctx, t, pgContainer)

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Start RabbitMQ
	rmqContainer, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
	)
	require.NoError(t, err)
	defer terminate(ctx, t, rmqContainer)

	rmqURL, err := rmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	// Run migrations
	err = postgres.RunMigrations(pgConnStr, "../../migrations")
	require.NoError(t, err)

	// MinIO (minimal - no video upload needed for this test)
	minioContainer, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer terminate(ctx, t, minioContainer)

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:      minioEndpoint,
		AccessKey:     "minioadmin",
		SecretKey:     "minioadmin",
		UseSSL:        false,
		VideoBucket:   "videos",
		FeatureBucket: "features",
	})
	require.NoError(t, err)
	require.NoError(t, storage.EnsureBuckets(ctx))

	// Setup
	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	defer pool.Close()

	log, _ := logger.New("debug")
	rmqConn, err := amqp.Dial(rmqURL)
	require.NoError(t, err)
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, "clipvec.video")
	require.NoError(t, err)

	statusPub := rabbitmq.NewStatusPublisher(pub, "video.extraction.status")
	dlqPub := rabbitmq.NewDLQPublisher(pub, "video.extraction.dlq")

	repo := postgres.NewJobRepository(pool)
	decoder := ffmpeg.NewDecoder("jpg", 2, log)
	extractor := &stubExtractor{dim: 32}
	loader, err := vision.NewLoader(vision.DefaultResizeShort)
	require.NoError(t, err)
	aggregator := feature.NewAggregator(loader, extractor, feature.Params{
		ClipLength: 16,
		BatchSize:  8,
		Frequency:  1,
	}, log)
	notifier := email.NewSMTPNotifier("localhost", 1025, "noreply@test.local", log)

	uc := usecase.NewProcessExtractionUseCase(
		repo, storage, decoder, aggregator,
		statusPub, dlqPub, notifier,
		log,
		usecase.ProcessExtractionConfig{
			Variant:    extractor.Variant(),
			TempDir:    t.TempDir(),
			MaxRetries: 3,
		},
	)

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         rmqURL,
		Queue:       "video.extraction",
		Exchange:    "clipvec.video",
		DLQ:         "video.extraction.dlq",
		StatusQueue: "video.extraction.status",
		Prefetch:    1,
		WorkerCount: 1,
		BaseDelayMs: 100,
	}, uc.Execute, log)
	require.NoError(t, err)
	defer consumer.Close()

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()

	go func() {
		consumer.Start(consumerCtx)
	}()
	time.Sleep(500 * time.Millisecond)

	// Publish malformed message
	pubCh, err := rmqConn.Channel()
	require.NoError(t, err)
	err = pubCh.PublishWithContext(ctx,
		"clipvec.video",
		"video.extraction",
		false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        []byte(`{invalid json`),
		},
	)
	require.NoError(t, err)
	pubCh.Close()

	// Wait and verify message landed in DLQ
	time.Sleep(2 * time.Second)

	dlqCh, err := rmqConn.Channel()
	require.NoError(t, err)
	defer dlqCh.Close()

	dlqMsg, ok, err := dlqCh.Get("video.extraction.dlq", true)
	require.NoError(t, err)
	assert.True(t, ok, "malformed message should be in DLQ")
	assert.Equal(t, `{invalid json`, string(dlqMsg.Body))

	consumerCancel()
	t.Log("Test passed: malformed message sent to DLQ")
}
