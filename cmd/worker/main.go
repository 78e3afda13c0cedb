package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/consultation-backend/config"
	"github.com/instill-ai/consultation-backend/pkg/ai"
	"github.com/instill-ai/consultation-backend/pkg/ai/gemini"
	"github.com/instill-ai/consultation-backend/pkg/ai/openai"
	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/logger"
	"github.com/instill-ai/consultation-backend/pkg/ocr"
	"github.com/instill-ai/consultation-backend/pkg/pipeline"
	"github.com/instill-ai/consultation-backend/pkg/queue"
	"github.com/instill-ai/consultation-backend/pkg/redact"
	"github.com/instill-ai/consultation-backend/pkg/repository"
	"github.com/instill-ai/consultation-backend/pkg/repository/object"

	database "github.com/instill-ai/consultation-backend/pkg/db"
	consultationworker "github.com/instill-ai/consultation-backend/pkg/worker"
)

const (
	// gracefulShutdownWaitPeriod is the wait before stopping the worker.
	gracefulShutdownWaitPeriod = 15 * time.Second
	// gracefulShutdownTimeout bounds the completion of in-flight activities.
	gracefulShutdownTimeout = 5 * time.Minute
)

var (
	// These variables might be overridden at buildtime.
	serviceName    = "consultation-backend-worker"
	serviceVersion = "dev"
)

func main() {
	// gorm's autoUpdate will use local timezone by default, so we need to set it to UTC
	time.Local = time.UTC

	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()
	logger = logger.With(zap.String("service", serviceName), zap.String("version", serviceVersion))

	redisClient, db, temporalClient, closeClients := newClients(logger)
	defer closeClients()

	cfg := config.Config.Pipeline

	objectStorage, err := newObjectStorage(ctx, logger)
	if err != nil {
		logger.Fatal("Failed to initialize object storage", zap.Error(err))
	}

	engine, err := ocr.NewDocumentAIEngine(ctx, config.Config.DocumentAI, config.Config.GCS, objectStorage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OCR engine", zap.Error(err))
	}

	detector, embedder, err := newAIClients(ctx, logger)
	if err != nil {
		logger.Fatal("Failed to initialize AI clients", zap.Error(err))
	}

	streams := events.NewRedisStreams(redisClient, 0)

	cw := consultationworker.New(consultationworker.Config{
		Engine:           engine,
		Streams:          streams,
		CompletionStream: cfg.CompletionStream,
	}, logger)

	router := pipeline.NewRouter(&pipeline.Dependencies{
		Repository: repository.NewRepository(db, repository.Tables{
			Consultation:    cfg.ConsultationTable,
			StageJob:        cfg.JobTable,
			PipelineRequest: cfg.RequestTable,
		}),
		Storage:   objectStorage,
		Engine:    engine,
		Detector:  detector,
		Embedder:  embedder,
		Publisher: events.NewStreamPublisher(streams, cfg.EventStream),
		Notifier:  events.NewRedisNotifier(redisClient, cfg.FanoutTopic),
		Watcher: consultationworker.NewJobWatcher(
			temporalClient, cw,
			config.Config.Worker.PollInterval,
			config.Config.Worker.MaxPolls,
		),
		Config: cfg,
		Logger: logger,
	})

	w := worker.New(temporalClient, consultationworker.TaskQueue, worker.Options{
		WorkflowPanicPolicy: worker.BlockWorkflow,
		WorkerStopTimeout:   gracefulShutdownTimeout,
		Interceptors: func() []interceptor.WorkerInterceptor {
			if !config.Config.OTELCollector.Enable {
				return nil
			}
			workerInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
				Tracer:            otel.Tracer(serviceName),
				TextMapPropagator: otel.GetTextMapPropagator(),
			})
			if err != nil {
				logger.Fatal("Unable to create worker tracing interceptor", zap.Error(err))
			}
			return []interceptor.WorkerInterceptor{workerInterceptor}
		}(),
	})

	w.RegisterWorkflow(cw.WatchStageJobWorkflow)        // Polls an OCR or classification job until it settles
	w.RegisterActivity(cw.GetJobStateActivity)          // Reads the engine state of a job
	w.RegisterActivity(cw.PublishJobCompletionActivity) // Reports the outcome on the completion stream

	if err := w.Start(); err != nil {
		logger.Fatal(fmt.Sprintf("Unable to start worker: %s", err))
	}
	logger.Info("Temporal worker started successfully and is polling for tasks")

	consumerCtx, stopConsumers := context.WithCancel(ctx)
	consumers, err := newConsumers(consumerCtx, redisClient, router, logger)
	if err != nil {
		logger.Fatal("Unable to create queue consumers", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(consumerCtx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(gctx) })
	}

	// Setup graceful shutdown on SIGTERM (kill) and SIGINT (Ctrl+C)
	// Note: SIGKILL (kill -9) cannot be caught and will force immediate termination
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)
	<-quitSig

	logger.Info("Shutdown signal received, stopping queue consumers...")
	stopConsumers()
	if err := g.Wait(); err != nil {
		logger.Error("Queue consumer stopped with error", zap.Error(err))
	}

	// Let the watchers started by the last batches reach the server
	time.Sleep(gracefulShutdownWaitPeriod)

	logger.Info("Shutting down worker...")
	w.Stop()
}

// newConsumers builds one consumer per inbound stream. The three streams
// carry different events but share the router.
func newConsumers(ctx context.Context, redisClient *redis.Client, router *pipeline.Router, logger *zap.Logger) ([]*queue.Consumer, error) {
	qc := config.Config.Queue
	pc := config.Config.Pipeline

	consumerName := qc.ConsumerName
	if consumerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving consumer name: %w", err)
		}
		consumerName = hostname
	}

	processor := queue.NewProcessor(router.HandleMessage, qc.Concurrency, logger)

	var consumers []*queue.Consumer
	for _, stream := range []string{pc.IntakeStream, pc.CompletionStream, pc.EventStream} {
		source := queue.NewRedisStream(redisClient, queue.RedisStreamOptions{
			Stream:         stream,
			Group:          qc.ConsumerGroup,
			Consumer:       consumerName,
			BatchSize:      qc.BatchSize,
			Block:          qc.BlockTimeout,
			RedeliveryIdle: qc.RedeliveryIdle,
		})
		if err := source.EnsureGroup(ctx); err != nil {
			return nil, err
		}
		consumers = append(consumers, queue.NewConsumer(source, processor, qc.MaxDeliveries, logger))
	}
	return consumers, nil
}

// newObjectStorage returns GCS when a project is configured, since Document
// AI reads its batch input from GCS, and MinIO otherwise.
func newObjectStorage(ctx context.Context, logger *zap.Logger) (object.Storage, error) {
	if config.Config.GCS.ProjectID != "" {
		s, err := object.NewGCSStorage(ctx, config.Config.GCS, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("GCS object storage initialized", zap.String("project", config.Config.GCS.ProjectID))
		return s, nil
	}

	pc := config.Config.Pipeline
	s, err := object.NewMinIOStorage(ctx, config.Config.Minio, logger, pc.IntakeBucket, pc.SilverBucket, pc.GoldBucket)
	if err != nil {
		return nil, err
	}
	logger.Info("MinIO object storage initialized", zap.String("host", config.Config.Minio.Host))
	return s, nil
}

// newAIClients builds the PHI detector and the embedder from the configured
// API keys. The pattern detector always runs; the Gemini detector is merged
// with it when a key is set.
func newAIClients(ctx context.Context, logger *zap.Logger) (ai.EntityDetector, ai.Embedder, error) {
	cfg := config.Config.Model
	detectors := []ai.EntityDetector{redact.NewPatternDetector()}
	embedders := make(map[string]ai.Embedder)

	if cfg.Gemini.APIKey != "" {
		geminiClient, err := gemini.NewClient(ctx, cfg.Gemini.APIKey)
		if err != nil {
			logger.Error("Failed to initialize Gemini client", zap.Error(err))
		} else {
			detectors = append(detectors, geminiClient.Detector())
			embedders[ai.ModelFamilyGemini] = geminiClient.Embedder(0)
			logger.Info("Gemini client initialized")
		}
	}

	if cfg.OpenAI.APIKey != "" {
		openaiEmbedder, err := openai.NewEmbedder(cfg.OpenAI.APIKey)
		if err != nil {
			logger.Warn("Failed to initialize OpenAI embedder", zap.Error(err))
		} else {
			embedders[ai.ModelFamilyOpenAI] = openaiEmbedder
			logger.Info("OpenAI embedder initialized")
		}
	}

	if len(embedders) == 0 {
		return nil, nil, fmt.Errorf("no embedding provider configured")
	}

	embedder, err := ai.NewCompositeEmbedder(embedders, cfg.DefaultFamily)
	if err != nil {
		return nil, nil, fmt.Errorf("creating composite embedder: %w", err)
	}

	logger.Info("AI clients initialized",
		zap.String("embedder", embedder.Name()),
		zap.String("model", embedder.Model()),
		zap.Int("detectors", len(detectors)))

	return ai.NewMergedDetector(detectors...), embedder, nil
}

// newClients initializes all external service clients and returns a cleanup function
func newClients(logger *zap.Logger) (*redis.Client, *gorm.DB, temporalclient.Client, func()) {
	closeFuncs := map[string]func() error{}

	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

	temporalClientOptions := temporalclient.Options{
		HostPort:  config.Config.Temporal.HostPort,
		Namespace: config.Config.Temporal.Namespace,
	}

	// Add OpenTelemetry tracing interceptor if enabled
	if config.Config.OTELCollector.Enable {
		temporalTracingInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			logger.Fatal("Unable to create temporal tracing interceptor", zap.Error(err))
		}
		temporalClientOptions.Interceptors = []interceptor.ClientInterceptor{temporalTracingInterceptor}
	}

	temporalClient, err := temporalclient.Dial(temporalClientOptions)
	if err != nil {
		logger.Fatal("Unable to create Temporal client", zap.Error(err))
	}
	closeFuncs["temporal"] = func() error {
		temporalClient.Close()
		return nil
	}

	closer := func() {
		for conn, fn := range closeFuncs {
			if err := fn(); err != nil {
				logger.Error("Failed to close conn", zap.Error(err), zap.String("conn", conn))
			}
		}
	}

	return redisClient, db, temporalClient, closer
}
