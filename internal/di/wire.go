//go:build wireinject
// +build wireinject

package di

import (
	"github.com/fighter4/ChartSight/pkg/config"
	"github.com/fighter4/ChartSight/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,

		// Inference and pipelines
		ProvideInference,
		ProvideAnnotator,
		ProvideImageResolver,
		ProvideGraphs,
		ProvideComposer,

		// Infrastructure clients and repositories
		ProvideClickHouseClient,
		ProvideAnalysisStore,
		ProvideRedisClient,
		ProvideCache,
		ProvideResultCache,
		ProvidePersistQueue,
		ProvideEventPublisher,
		ProvideRecorder,

		// Use cases
		ProvideAnalyzeUseCase,
		ProvideQuestionUseCase,
		ProvideHistoryUseCase,
		ProvideKafkaConsumer,
		ProvideKafkaRequestsHandler,

		// Transport
		ProvideRateLimiter,
		ProvideHTTPHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
