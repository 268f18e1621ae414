package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/clipvec/clipvec-extraction-service/internal/feature"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/config"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/email"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/ffmpeg"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/metrics"
	miniostorage "github.com/clipvec/clipvec-extraction-service/internal/infra/minio"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/onnx"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/postgres"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/rabbitmq"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/tracing"
	"github.com/clipvec/clipvec-extraction-service/internal/usecase"
	"github.com/clipvec/clipvec-extraction-service/internal/vision"
	"github.com/clipvec/clipvec-extraction-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting clipvec-extraction-service worker",
		zap.String("variant", cfg.FeatureVariant),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if the collector is unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint, "clipvec-extraction-service")
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	err = postgres.RunMigrations(cfg.DatabaseURL, "migrations")
	if err != nil {
		log.Warn("migration warning", zap.Error(err))
	}

	// Object storage
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		UseSSL:        cfg.MinIOUseSSL,
		VideoBucket:   cfg.MinIOVideoBucket,
		FeatureBucket: cfg.MinIOFeatureBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")

	// RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")

	statusPub := rabbitmq.NewStatusPublisher(pub, cfg.RabbitMQStatusQueue)
	dlqPub := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ)

	// Extraction pipeline
	extractor, err := onnx.NewExtractor(onnx.Config{
		Variant:     cfg.FeatureVariant,
		ModelPath:   cfg.ModelPath,
		LibraryPath: cfg.ONNXLibPath,
	}, log)
	fatalOnErr(err, "load feature model")
	defer extractor.Close()

	loader, err := vision.NewLoader(cfg.ResizeShort)
	fatalOnErr(err, "build frame loader")

	aggregator := feature.NewAggregator(loader, extractor, feature.Params{
		ClipLength: cfg.ClipLength,
		BatchSize:  cfg.BatchSize,
		Frequency:  cfg.Frequency,
	}, log)

	// Infra adapters
	repo := postgres.NewJobRepository(pool)
	decoder := ffmpeg.NewDecoder(cfg.FrameFormat, cfg.DecodeWorkers, log)
	notifier := email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, log)

	// Use case
	uc := usecase.NewProcessExtractionUseCase(
		repo, storage, decoder, aggregator,
		statusPub, dlqPub, notifier,
		log,
		usecase.ProcessExtractionConfig{
			Variant:    extractor.Variant(),
			TempDir:    cfg.TempDir,
			MaxRetries: cfg.MaxRetries,
		},
	)

	// Metrics server
	metricsSrv := metrics.StartServer(cfg.MetricsPort, log)

	// Consumer (worker pool)
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Queue:       cfg.RabbitMQExtractionQueue,
		Exchange:    cfg.RabbitMQExchange,
		DLQ:         cfg.RabbitMQDLQ,
		StatusQueue: cfg.RabbitMQStatusQueue,
		Prefetch:    cfg.RabbitMQPrefetch,
		WorkerCount: cfg.WorkerCount,
		BaseDelayMs: cfg.RetryBaseDelayMs,
	}, uc.Execute, log)
	fatalOnErr(err, "create consumer")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("clipvec-extraction-service worker started, consuming messages")

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info("clipvec-extraction-service worker stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
