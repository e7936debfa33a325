package repository

import (
	"context"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/internal/domain/repository"
)

// messageProducer is the part of pkg/kafka.Producer the publisher needs.
type messageProducer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// KafkaEventPublisher announces completed analyses on a topic keyed by
// analysis id.
type KafkaEventPublisher struct {
	producer      messageProducer
	topic         string
	includeResult bool
}

// NewKafkaEventPublisher creates the publisher. With includeResult the full
// report travels in the event; otherwise consumers fetch it by id.
func NewKafkaEventPublisher(producer messageProducer, topic string, includeResult bool) repository.EventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic, includeResult: includeResult}
}

func (p *KafkaEventPublisher) PublishAnalysis(ctx context.Context, ev *models.AnalysisEvent) error {
	out := *ev
	if !p.includeResult {
		out.Result = nil
	}
	return p.producer.Publish(ctx, p.topic, []byte(ev.ID), &out)
}

func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
