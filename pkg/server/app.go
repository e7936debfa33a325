package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fighter4/ChartSight/internal/domain/repository"
	"github.com/fighter4/ChartSight/internal/usecase"
	"github.com/fighter4/ChartSight/pkg/cache"
	pkgch "github.com/fighter4/ChartSight/pkg/clickhouse"
	"github.com/fighter4/ChartSight/pkg/config"
	xhttp "github.com/fighter4/ChartSight/pkg/http"
	pkgkafka "github.com/fighter4/ChartSight/pkg/kafka"
	applogger "github.com/fighter4/ChartSight/pkg/logger"
	"github.com/fighter4/ChartSight/pkg/queue"

	"github.com/redis/go-redis/v9"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg         *config.Config
	logger      *applogger.Logger
	httpHandler xhttp.Handler
	httpServer  *xhttp.Server
	analyzer    *usecase.AnalyzeUseCase

	recorder *usecase.Recorder
	store    repository.AnalysisStore
	queue    *queue.RedisQueue

	consumer *pkgkafka.Consumer
	kh       pkgkafka.MessageHandler
	events   repository.EventPublisher

	chClient *pkgch.Client
	redis    *redis.Client
	cache    cache.Store
}

// Option attaches optional infrastructure to the App.
type Option func(*App)

// WithPersistence sets the recorder, its store and the optional write queue.
func WithPersistence(recorder *usecase.Recorder, store repository.AnalysisStore, q *queue.RedisQueue) Option {
	return func(a *App) {
		a.recorder = recorder
		a.store = store
		a.queue = q
	}
}

// WithKafka sets the request consumer, its handler and the event publisher.
func WithKafka(consumer *pkgkafka.Consumer, kh pkgkafka.MessageHandler, events repository.EventPublisher) Option {
	return func(a *App) {
		a.consumer = consumer
		a.kh = kh
		a.events = events
	}
}

// WithClients hands shared clients to the App so they are closed on shutdown.
func WithClients(ch *pkgch.Client, rdb *redis.Client, c cache.Store) Option {
	return func(a *App) {
		a.chClient = ch
		a.redis = rdb
		a.cache = c
	}
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, l *applogger.Logger, h xhttp.Handler, analyzer *usecase.AnalyzeUseCase, opts ...Option) *App {
	if l == nil {
		l = applogger.Nop()
	}
	a := &App{cfg: cfg, logger: l, httpHandler: h, analyzer: analyzer}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyzer exposes the analysis use case for one-shot callers such as the CLI.
func (a *App) Analyzer() *usecase.AnalyzeUseCase { return a.analyzer }

// StartWorkers starts the persistence queue so queued writes are applied.
// Run calls it; one-shot callers call it themselves.
func (a *App) StartWorkers() error {
	if a.queue == nil {
		return nil
	}
	a.queue.RegisterJob(usecase.NewPersistJob(a.recorder))
	if err := a.queue.Start(); err != nil {
		return err
	}
	a.logger.Info("persist queue started", applogger.Int("workers", a.cfg.Queue.Workers))
	return nil
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	if err := a.StartWorkers(); err != nil {
		a.logger.Error("persist queue start error", applogger.Error(err))
		return err
	}

	// Start consumer if configured
	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.logger.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.logger.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
	}

	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	a.httpServer = xhttp.NewServer(a.httpHandler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.IdleTimeout),
		xhttp.WithBodyLimit(a.cfg.Server.BodyLimit),
		xhttp.WithCORSOrigins(a.cfg.Server.CORSOrigins...),
		xhttp.WithMetricsPath(metricsPath),
		xhttp.WithSlowRequest(a.cfg.Server.SlowRequest),
		xhttp.WithLogger(a.logger),
	)
	if err := a.httpServer.Start(); err != nil {
		a.logger.Error("http server start error", applogger.Error(err))
		return err
	}

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(ctx)
}

// Shutdown stops intake first, then drains background writes, then closes
// clients. It is safe to call without Run.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			a.logger.Error("http shutdown error", applogger.Error(err))
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.logger.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	if a.recorder != nil {
		a.recorder.Wait()
	}
	if a.queue != nil {
		if err := a.queue.Stop(ctx); err != nil {
			a.logger.Warn("persist queue stop error", applogger.Error(err))
		}
	}

	// The collector publishes through the same producer as events.
	a.logger.RemoveCollector()
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("event publisher close error", applogger.Error(err))
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("analysis store close error", applogger.Error(err))
		}
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.logger.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("cache close error", applogger.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close error", applogger.Error(err))
		}
	}

	a.logger.Info("shutdown complete")
	return nil
}
