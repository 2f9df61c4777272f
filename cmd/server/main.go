package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprop "go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"makerhub/backend/internal/config"
	"makerhub/backend/internal/httpapi"
	"makerhub/backend/internal/propagation"
	"makerhub/backend/internal/service"
	"makerhub/backend/internal/store"
	"makerhub/backend/internal/store/memory"
	pgstore "makerhub/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	tp := newTracerProvider(cfg.InstanceID)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(otelprop.NewCompositeTextMapPropagator(otelprop.TraceContext{}, otelprop.Baggage{}))

	closers := make([]func() error, 0, 3)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startupCtx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(startupCtx); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
		repo = pg
		logger.Info("repository: postgres")
	} else {
		seeded, err := memory.NewSeeded(logger)
		if err != nil {
			return fmt.Errorf("seed in-memory store: %w", err)
		}
		repo = seeded
		logger.Info("repository: in-memory")
	}

	g, gctx := errgroup.WithContext(ctx)

	hub := propagation.NewHub(cfg.InstanceID, logger)
	sinks := []propagation.Sink{{Name: "hub", Publisher: hub}}

	if cfg.RedisAddr != "" {
		broker := propagation.NewRedisBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisChannelPrefix, cfg.InstanceID, logger)
		if err := broker.Ping(startupCtx); err != nil {
			logger.Warn("redis unavailable, change events stay on this instance", zap.Error(err))
			_ = broker.Close()
		} else {
			closers = append(closers, broker.Close)
			sinks = append(sinks, propagation.Sink{Name: "redis", Publisher: broker})
			g.Go(func() error { return broker.Run(gctx, hub) })
			logger.Info("change relay: redis", zap.String("prefix", cfg.RedisChannelPrefix))
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := propagation.NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			logger.Warn("kafka unavailable, change stream disabled", zap.Error(err))
		} else {
			closers = append(closers, producer.Close)
			sinks = append(sinks, propagation.Sink{Name: "kafka", Publisher: propagation.NewKafkaPublisher(producer, cfg.KafkaTopic, logger)})
			logger.Info("change stream: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
		}
	}

	svc := service.New(repo, propagation.NewFanout(cfg.InstanceID, logger, sinks...), logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, hub, logger, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		KeepAlive:     cfg.SSEKeepAlive(),
	})

	// No WriteTimeout: the event stream holds responses open. Keepalives and
	// client disconnects bound those instead.
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("makerhub backend listening", zap.String("addr", cfg.Address()), zap.String("instance", cfg.InstanceID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newTracerProvider(instanceID string) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "makerhub-backend"),
			attribute.String("service.instance.id", instanceID),
		)),
	)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AccessTokenTTLMinutes > 24*60 {
		return fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES must not exceed one day")
	}
	return nil
}
