package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	stages       *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	analyses     *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates a recorder registered with the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder registered with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		stages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsight_stage_executions_total",
				Help: "Stage executions by pipeline, stage and outcome",
			},
			[]string{"pipeline", "stage", "outcome"},
		),
		stageLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsight_stage_duration_seconds",
				Help:    "Duration of stage executions in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"pipeline", "stage"},
		),
		analyses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsight_analyses_total",
				Help: "Completed analyses by pipeline",
			},
			[]string{"pipeline", "degraded", "cached"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsight_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsight_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordStage counts one stage execution outcome.
func (r *Recorder) RecordStage(pipeline, stage, outcome string) {
	r.stages.WithLabelValues(pipeline, stage, outcome).Inc()
}

// RecordStageLatency observes the wall time of one stage execution.
func (r *Recorder) RecordStageLatency(pipeline, stage string, seconds float64) {
	r.stageLatency.WithLabelValues(pipeline, stage).Observe(seconds)
}

// RecordAnalysis counts a finished analysis.
func (r *Recorder) RecordAnalysis(pipeline string, degraded, cached bool) {
	r.analyses.WithLabelValues(pipeline, strconv.FormatBool(degraded), strconv.FormatBool(cached)).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
