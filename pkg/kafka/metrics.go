package kafka

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once

	producerMessages *prometheus.CounterVec
	producerBytes    *prometheus.CounterVec
	producerLatency  *prometheus.HistogramVec

	consumerMessages   *prometheus.CounterVec
	consumerQueueDepth *prometheus.GaugeVec
	consumerHandle     *prometheus.HistogramVec
	consumerDLQ        *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		producerMessages = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsight_kafka_producer_messages_total",
				Help: "Messages published to Kafka by result",
			},
			[]string{"topic", "result"},
		)
		producerBytes = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsight_kafka_producer_bytes_total",
				Help: "Payload bytes published to Kafka",
			},
			[]string{"topic"},
		)
		producerLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsight_kafka_producer_publish_seconds",
				Help:    "Publish latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		)
		consumerMessages = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsight_kafka_consumer_messages_total",
				Help: "Messages handled by result",
			},
			[]string{"topic", "result"},
		)
		consumerQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chartsight_kafka_consumer_queue_depth",
				Help: "Messages waiting for a worker",
			},
			[]string{"topic"},
		)
		consumerHandle = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsight_kafka_consumer_handle_seconds",
				Help:    "Handling time per message including retries",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"topic"},
		)
		consumerDLQ = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsight_kafka_consumer_dead_letters_total",
				Help: "Messages moved to the dead letter topic",
			},
			[]string{"topic"},
		)
	})
}

func observePublish(topic string, bytes int64, count int, dur time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	producerMessages.WithLabelValues(topic, result).Add(float64(count))
	producerBytes.WithLabelValues(topic).Add(float64(bytes))
	producerLatency.WithLabelValues(topic).Observe(dur.Seconds())
}

func observeHandle(topic string, dur time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	consumerMessages.WithLabelValues(topic, result).Inc()
	consumerHandle.WithLabelValues(topic).Observe(dur.Seconds())
}
