package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
	pkgkafka "github.com/fighter4/ChartSight/pkg/kafka"
	applogger "github.com/fighter4/ChartSight/pkg/logger"
)

// Analyzer is the analysis entry point shared by HTTP, Kafka and the CLI.
type Analyzer interface {
	Analyze(ctx context.Context, req *models.AnalysisRequest) (*Analysis, error)
}

// AnalysisRequestMessage is the payload of the requests topic.
type AnalysisRequestMessage struct {
	RequestID    string   `json:"request_id"`
	UserID       string   `json:"user_id"`
	Pipeline     string   `json:"pipeline"`
	Images       []string `json:"images"`
	Timeframes   []string `json:"timeframes"`
	TradingStyle string   `json:"trading_style"`
	Question     string   `json:"question"`
	Annotate     bool     `json:"annotate"`
}

func (m *AnalysisRequestMessage) toRequest() *models.AnalysisRequest {
	req := &models.AnalysisRequest{
		Pipeline:     models.PipelineKind(m.Pipeline),
		TradingStyle: models.TradingStyle(m.TradingStyle),
		Question:     m.Question,
		UserID:       m.UserID,
		Annotate:     m.Annotate,
	}
	for _, img := range m.Images {
		req.Images = append(req.Images, models.ImageRef(img))
	}
	for _, tf := range m.Timeframes {
		req.Timeframes = append(req.Timeframes, models.NormalizeTimeframe(tf))
	}
	return req
}

// KafkaRequestsHandler runs analyses requested over Kafka. Results leave
// through the completion event like any other analysis.
type KafkaRequestsHandler struct {
	topic    string
	analyzer Analyzer
	metrics  domrepo.Metrics
	logger   *applogger.Logger
}

func NewKafkaRequestsHandler(topic string, analyzer Analyzer, metrics domrepo.Metrics, logger *applogger.Logger) *KafkaRequestsHandler {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &KafkaRequestsHandler{topic: topic, analyzer: analyzer, metrics: metrics, logger: logger}
}

func (h *KafkaRequestsHandler) Topic() string { return h.topic }

func (h *KafkaRequestsHandler) Handle(ctx context.Context, b []byte) error {
	var m AnalysisRequestMessage
	if err := json.Unmarshal(b, &m); err != nil {
		h.recordError("consumer_unmarshal")
		return pkgkafka.Permanent(fmt.Errorf("decode analysis request: %w", err))
	}
	if len(m.Images) == 0 {
		h.recordError("consumer_invalid")
		return pkgkafka.Permanent(fmt.Errorf("analysis request %s has no images", m.RequestID))
	}

	a, err := h.analyzer.Analyze(ctx, m.toRequest())
	if err != nil {
		return err
	}
	h.logger.Info("kafka analysis completed",
		applogger.String("request_id", m.RequestID),
		applogger.String("trace_id", pkgkafka.TraceIDFrom(ctx)),
		applogger.String("analysis_id", a.ID),
		applogger.Bool("degraded", a.Result.IsDegraded()),
		applogger.Bool("cached", a.Cached),
	)
	return nil
}

func (h *KafkaRequestsHandler) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.RecordError(kind)
	}
}
