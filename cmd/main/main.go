package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/instill-ai/consultation-backend/config"
	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/handler"
	"github.com/instill-ai/consultation-backend/pkg/logger"
	"github.com/instill-ai/consultation-backend/pkg/pipeline"
	"github.com/instill-ai/consultation-backend/pkg/repository"

	database "github.com/instill-ai/consultation-backend/pkg/db"
)

const gracefulShutdownTimeout = 30 * time.Second

var serviceName = "consultation-backend"

// withTraceContext extracts the W3C trace context of the incoming request so
// the request spans join the caller's trace.
func withTraceContext(next http.Handler) http.Handler {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func main() {
	// gorm's autoUpdate will use local timezone by default, so we need to set it to UTC
	time.Local = time.UTC

	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, span := otel.Tracer(serviceName).Start(ctx, "main")

	logger, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	redisClient, db, closeClients := newClients(logger)
	defer closeClients()

	cfg := config.Config.Pipeline
	repo := repository.NewRepository(db, repository.Tables{
		Consultation:    cfg.ConsultationTable,
		StageJob:        cfg.JobTable,
		PipelineRequest: cfg.RequestTable,
	})
	streams := events.NewRedisStreams(redisClient, 0)

	orchestrator := pipeline.NewOrchestrator(&pipeline.Dependencies{
		Repository: repo,
		Publisher:  events.NewStreamPublisher(streams, cfg.EventStream),
		Config:     cfg,
		Logger:     logger,
	})

	h := handler.New(handler.Config{
		Orchestrator:  orchestrator,
		Consultations: repo,
		Streams:       streams,
		IntakeStream:  cfg.IntakeStream,
		Readiness: map[string]handler.ReadinessCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
		MaxBodySize: int64(config.Config.Server.MaxDataSize) << 20,
	}, logger)

	publicServeMux := runtime.NewServeMux()
	if err := h.Register(publicServeMux); err != nil {
		logger.Fatal("Unable to register HTTP routes", zap.Error(err))
	}

	httpsEnabled := config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != ""

	var tlsConfig *tls.Config
	if httpsEnabled {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	publicHTTPServer := &http.Server{
		Addr:              fmt.Sprintf(":%v", config.Config.Server.PublicPort),
		Handler:           withTraceContext(publicServeMux),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errSig := make(chan error, 1)
	go func() {
		var err error
		if httpsEnabled {
			err = publicHTTPServer.ListenAndServeTLS(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key)
		} else {
			err = publicHTTPServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errSig <- err
		}
	}()

	span.End()
	logger.Info("HTTP server is running.", zap.Int("port", config.Config.Server.PublicPort))

	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errSig:
		logger.Error("Fatal error", zap.Error(err))
	case <-quitSig:
		logger.Info("Shutting down server...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer shutdownCancel()
	if err := publicHTTPServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

func newClients(logger *zap.Logger) (*redis.Client, *gorm.DB, func()) {
	closeFuncs := map[string]func() error{}

	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

	closer := func() {
		for conn, fn := range closeFuncs {
			if err := fn(); err != nil {
				logger.Error("Failed to close conn", zap.Error(err), zap.String("conn", conn))
			}
		}
	}

	return redisClient, db, closer
}
