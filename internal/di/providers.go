package di

import (
	"context"
	"fmt"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/repository"
	"github.com/fighter4/ChartSight/internal/domain/service"
	"github.com/fighter4/ChartSight/internal/handler/api"
	"github.com/fighter4/ChartSight/internal/pipeline"
	internalrepo "github.com/fighter4/ChartSight/internal/repository"
	"github.com/fighter4/ChartSight/internal/service/ratelimit"
	"github.com/fighter4/ChartSight/internal/services/images"
	"github.com/fighter4/ChartSight/internal/services/inference"
	"github.com/fighter4/ChartSight/internal/usecase"
	"github.com/fighter4/ChartSight/pkg/cache"
	pkgch "github.com/fighter4/ChartSight/pkg/clickhouse"
	"github.com/fighter4/ChartSight/pkg/config"
	pkgkafka "github.com/fighter4/ChartSight/pkg/kafka"
	applogger "github.com/fighter4/ChartSight/pkg/logger"
	"github.com/fighter4/ChartSight/pkg/metrics"
	"github.com/fighter4/ChartSight/pkg/queue"
	"github.com/fighter4/ChartSight/pkg/server"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// ProvideLogger creates the application logger. When a collector topic is
// configured and Kafka is available, aggregated logs are shipped there.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.Logging.CollectorTopic != "" && producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   30 * time.Second,
			CountThreshold: 100,
			Topic:          cfg.Logging.CollectorTopic,
			Publisher:      producer,
		})
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideInference selects the inference backend and instruments it.
func ProvideInference(cfg *config.Config, m repository.Metrics, l *applogger.Logger) (pipeline.Inference, error) {
	catalog, err := inference.NewCatalog()
	if err != nil {
		return nil, fmt.Errorf("prompt catalog: %w", err)
	}

	var inf pipeline.Inference
	switch cfg.Inference.Provider {
	case "http":
		c, err := inference.NewHTTPClient(cfg.Inference, catalog)
		if err != nil {
			return nil, fmt.Errorf("inference http client: %w", err)
		}
		inf = c
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := inference.NewGeminiClient(ctx, cfg.Inference, catalog, l)
		if err != nil {
			return nil, fmt.Errorf("inference gemini client: %w", err)
		}
		inf = c
	}
	l.Info("inference backend ready",
		applogger.String("provider", cfg.Inference.Provider),
		applogger.String("model", cfg.Inference.Model))
	return inference.NewInstrumented(inf, m), nil
}

// ProvideAnnotator creates the chart annotator. Annotation needs a Gemini key;
// without one results are returned unannotated.
func ProvideAnnotator(cfg *config.Config, l *applogger.Logger) (service.Annotator, error) {
	if cfg.Inference.APIKey == "" {
		l.Warn("annotation disabled: no gemini api key")
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := inference.NewGeminiAnnotator(ctx, cfg.Inference, l)
	if err != nil {
		return nil, fmt.Errorf("annotator: %w", err)
	}
	return a, nil
}

// ProvideImageResolver creates the chart image resolver.
func ProvideImageResolver(cfg *config.Config, l *applogger.Logger) (service.ImageResolver, error) {
	r, err := images.NewResolver(cfg.Images, l)
	if err != nil {
		return nil, fmt.Errorf("image resolver: %w", err)
	}
	return r, nil
}

// ProvideGraphs builds and validates every pipeline graph.
func ProvideGraphs(cfg *config.Config) (*usecase.Graphs, error) {
	p := cfg.Pipeline
	g, err := usecase.BuildGraphs(usecase.PipelineConfig{
		StageTimeout:           p.StageTimeout,
		Retries:                p.Retries,
		MultiTimeframeDeadline: p.MultiTimeframeDeadline,
		Bull:                   usecase.Persona{Name: p.Personas.Bull.Name, Instruction: p.Personas.Bull.Instruction},
		Bear:                   usecase.Persona{Name: p.Personas.Bear.Name, Instruction: p.Personas.Bear.Instruction},
		IgnoreContrarySignals:  p.IgnoreContrarySignals,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline graphs: %w", err)
	}
	return g, nil
}

// ProvideComposer creates the stage executor and the DAG composer on top.
func ProvideComposer(cfg *config.Config, inf pipeline.Inference, m repository.Metrics, l *applogger.Logger) *pipeline.Composer {
	exec := pipeline.NewExecutor(inf,
		pipeline.WithExecutorLogger(l),
		pipeline.WithExecutorMetrics(m),
		pipeline.WithRetryBackoff(cfg.Pipeline.RetryBackoff),
	)
	return pipeline.NewComposer(exec,
		pipeline.WithComposerLogger(l),
		pipeline.WithRequestDeadline(cfg.Pipeline.RequestDeadline),
		pipeline.WithMaxParallel(cfg.Pipeline.MaxParallel),
	)
}

// ProvideClickHouseClient creates a ClickHouse client when it backs storage.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if cfg.Storage.Backend != "clickhouse" {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.EnsureDatabase(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideAnalysisStore opens the configured analysis store and creates its schema.
func ProvideAnalysisStore(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) (repository.AnalysisStore, error) {
	var store repository.AnalysisStore
	switch cfg.Storage.Backend {
	case "memory":
		store = internalrepo.NewMemoryAnalysisStore()
	case "clickhouse":
		store = internalrepo.NewCHAnalysisStore(ch, ch.Table(cfg.Storage.Table), l)
	default:
		s, err := internalrepo.OpenSQLiteAnalysisStore(cfg.SQLite.Path, l)
		if err != nil {
			return nil, err
		}
		store = s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	l.Info("analysis store ready", applogger.String("backend", cfg.Storage.Backend))
	return store, nil
}

// ProvideRedisClient connects to Redis when enabled.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// ProvideCache creates the result cache backend: a local LRU in front of
// Redis when Redis is enabled, the LRU alone otherwise.
func ProvideCache(cfg *config.Config, rdb *redis.Client) cache.Store {
	if !cfg.Cache.Enabled {
		return nil
	}
	if rdb != nil {
		return cache.NewTieredStore(
			cache.NewRedisStore(rdb, cfg.Cache.Prefix),
			cfg.Cache.MemoryMaxSize,
			cfg.Cache.LocalTTL,
		)
	}
	return cache.NewMemoryStore(
		cache.WithCapacity(cfg.Cache.MemoryMaxSize),
		cache.WithSweepInterval(time.Minute),
	)
}

// ProvideResultCache wraps the cache backend for analysis results.
func ProvideResultCache(cfg *config.Config, store cache.Store, l *applogger.Logger) *usecase.ResultCache {
	if store == nil {
		return nil
	}
	return usecase.NewResultCache(store, cfg.Cache.TTL, l)
}

// ProvidePersistQueue creates the Redis queue carrying persistence writes.
// Jobs are registered by the app once the recorder exists.
func ProvidePersistQueue(cfg *config.Config, rdb *redis.Client, l *applogger.Logger) *queue.RedisQueue {
	if !cfg.Queue.Enabled || rdb == nil {
		return nil
	}
	return queue.NewRedisQueue(l, &queue.QueueConfig{
		Workers:    cfg.Queue.Workers,
		QueueSize:  cfg.Queue.Size,
		RetryLimit: cfg.Queue.MaxRetries,
		RetryDelay: cfg.Queue.RetryDelay,
	}, rdb, queue.WithKeyPrefix(cfg.Queue.KeyPrefix))
}

// ProvideKafkaProducer creates a Kafka producer when Kafka is enabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideEventPublisher announces completed analyses on Kafka.
func ProvideEventPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.EventPublisher {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.Topics.Completed, cfg.Kafka.IncludeResult)
}

// ProvideRecorder creates the background persistence recorder.
func ProvideRecorder(
	cfg *config.Config,
	store repository.AnalysisStore,
	m repository.Metrics,
	l *applogger.Logger,
	q *queue.RedisQueue,
	events repository.EventPublisher,
) *usecase.Recorder {
	opts := []usecase.RecorderOption{usecase.WithWriteTimeout(cfg.Storage.WriteTimeout)}
	if q != nil {
		opts = append(opts, usecase.WithQueue(q))
	}
	if events != nil {
		opts = append(opts, usecase.WithEvents(events))
	}
	return usecase.NewRecorder(store, m, l, opts...)
}

// ProvideAnalyzeUseCase creates the analysis use case.
func ProvideAnalyzeUseCase(
	cfg *config.Config,
	graphs *usecase.Graphs,
	composer *pipeline.Composer,
	resolver service.ImageResolver,
	annotator service.Annotator,
	rc *usecase.ResultCache,
	recorder *usecase.Recorder,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.AnalyzeUseCase {
	return usecase.NewAnalyzeUseCase(usecase.AnalyzerConfig{
		CounterTrendPenalty:       cfg.Pipeline.CounterTrendPenalty,
		MinCounterTrendConfidence: cfg.Pipeline.MinCounterTrendConfidence,
		AnnotateTimeout:           cfg.Pipeline.AnnotateTimeout,
	}, graphs, composer, resolver, annotator, rc, recorder, m, l)
}

// ProvideQuestionUseCase creates the follow-up question use case.
func ProvideQuestionUseCase(
	graphs *usecase.Graphs,
	composer *pipeline.Composer,
	resolver service.ImageResolver,
	store repository.AnalysisStore,
	recorder *usecase.Recorder,
	l *applogger.Logger,
) *usecase.QuestionUseCase {
	return usecase.NewQuestionUseCase(graphs, composer, resolver, store, recorder, l)
}

// ProvideHistoryUseCase creates the history and feedback use case.
func ProvideHistoryUseCase(store repository.AnalysisStore, recorder *usecase.Recorder) *usecase.HistoryUseCase {
	return usecase.NewHistoryUseCase(store, recorder)
}

// ProvideRateLimiter creates the per-client limiter for inference routes.
func ProvideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	return ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
}

// ProvideHTTPHandler creates the Echo handler for the analysis API.
func ProvideHTTPHandler(
	l *applogger.Logger,
	analyzer *usecase.AnalyzeUseCase,
	qa *usecase.QuestionUseCase,
	history *usecase.HistoryUseCase,
	limiter *ratelimit.Limiter,
) *api.AnalysisEchoHandler {
	return api.NewAnalysisEchoHandler(l, analyzer, qa, history, limiter)
}

// ProvideKafkaConsumer creates the analysis request consumer when enabled.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideKafkaRequestsHandler handles analysis requests arriving on Kafka.
func ProvideKafkaRequestsHandler(
	cfg *config.Config,
	analyzer *usecase.AnalyzeUseCase,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.KafkaRequestsHandler {
	return usecase.NewKafkaRequestsHandler(cfg.Kafka.Topics.Requests, analyzer, m, l)
}

// requestTracingHook threads the producer's trace id and the receive time
// into the handler context and logs failed attempts.
func requestTracingHook(l *applogger.Logger) pkgkafka.ConsumerHook {
	return pkgkafka.HookFuncs{
		Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
			ctx = pkgkafka.WithStartTime(ctx, time.Now())
			return pkgkafka.WithTraceID(ctx, pkgkafka.ExtractTraceID(km)), km, data, nil
		},
		Err: func(_ context.Context, topic string, km kafka.Message, _ []byte, err error) {
			l.Warn("analysis request attempt failed",
				applogger.String("topic", topic),
				applogger.String("key", string(km.Key)),
				applogger.String("trace_id", pkgkafka.ExtractTraceID(km)),
				applogger.Error(err))
		},
	}
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	handler *api.AnalysisEchoHandler,
	analyzer *usecase.AnalyzeUseCase,
	recorder *usecase.Recorder,
	store repository.AnalysisStore,
	q *queue.RedisQueue,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaRequestsHandler,
	events repository.EventPublisher,
	ch *pkgch.Client,
	rdb *redis.Client,
	cacheSvc cache.Store,
) *server.App {
	if consumer != nil {
		consumer.WithConsumerHook(pkgkafka.NewHookChain(requestTracingHook(l)))
	}
	return server.New(cfg, l, handler, analyzer,
		server.WithPersistence(recorder, store, q),
		server.WithKafka(consumer, kh, events),
		server.WithClients(ch, rdb, cacheSvc),
	)
}
