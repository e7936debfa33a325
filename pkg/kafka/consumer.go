package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	applogger "github.com/fighter4/ChartSight/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// Permanent marks err as not worth retrying. The message goes straight to
// the dead letter topic, if any, and its offset is committed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type delivery struct {
	topic  string
	reader *kafka.Reader
	km     kafka.Message
}

// Consumer reads registered topics with explicit commits. Messages of one
// partition always land on the same worker, so they are handled in order.
// An offset is committed after success or after dead-lettering; a message
// interrupted by Stop is left uncommitted for redelivery.
type Consumer struct {
	cfg      ConsumerConfig
	log      *applogger.Logger
	handlers map[string]MessageHandler
	readers  map[string]*kafka.Reader
	hook     ConsumerHook
	dlq      *kafka.Writer

	lanes  []chan delivery
	ctx    context.Context
	cancel context.CancelFunc
	readWG sync.WaitGroup
	workWG sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// NewConsumer creates a consumer. Handlers are registered before Start.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	l := cfg.Logger
	if l == nil {
		l = applogger.Nop()
	}
	initMetrics()

	c := &Consumer{
		cfg:      cfg,
		log:      l,
		handlers: make(map[string]MessageHandler),
		readers:  make(map[string]*kafka.Reader),
		hook:     NoopHook{},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return c, nil
}

// WithConsumerHook replaces the hook. Nil restores the no-op hook.
func (c *Consumer) WithConsumerHook(h ConsumerHook) *Consumer {
	if h == nil {
		h = NoopHook{}
	}
	c.hook = h
	return c
}

// RegisterHandler registers handler for its topic. A second handler for the
// same topic is ignored.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.log.Warn("kafka handler already registered", applogger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// Start launches the readers and workers and returns immediately.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("consumer already started")
	}
	if len(c.handlers) == 0 {
		return errors.New("no handlers registered")
	}
	c.started = true

	c.lanes = make([]chan delivery, c.cfg.Workers)
	for i := range c.lanes {
		c.lanes[i] = make(chan delivery, c.cfg.BufferSize)
		c.workWG.Add(1)
		go c.work(c.lanes[i])
	}

	for topic := range c.handlers {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     c.cfg.Brokers,
			Topic:       topic,
			GroupID:     c.cfg.GroupID,
			MinBytes:    c.cfg.MinBytes,
			MaxBytes:    c.cfg.MaxBytes,
			StartOffset: kafka.FirstOffset,
		})
		c.readers[topic] = r
		c.readWG.Add(1)
		go c.read(topic, r)
	}

	c.log.Info("kafka consumer running",
		applogger.String("group", c.cfg.GroupID),
		applogger.Int("topics", len(c.readers)),
		applogger.Int("workers", c.cfg.Workers))
	return nil
}

func (c *Consumer) read(topic string, r *kafka.Reader) {
	defer c.readWG.Done()
	failures := 0
	for {
		km, err := r.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			c.log.Warn("kafka fetch failed", applogger.String("topic", topic), applogger.Error(err))
			if !c.sleep(c.cfg.backoff(failures)) {
				return
			}
			continue
		}
		failures = 0

		lane := c.lanes[km.Partition%len(c.lanes)]
		select {
		case lane <- delivery{topic: topic, reader: r, km: km}:
			consumerQueueDepth.WithLabelValues(topic).Inc()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) work(lane <-chan delivery) {
	defer c.workWG.Done()
	for d := range lane {
		consumerQueueDepth.WithLabelValues(d.topic).Dec()
		if c.ctx.Err() != nil {
			continue
		}
		c.process(d)
	}
}

func (c *Consumer) process(d delivery) {
	h := c.handlers[d.topic]
	start := time.Now()

	ctx, km, data, err := c.hook.BeforeHandle(c.ctx, d.topic, d.km, d.km.Value)
	if err == nil {
		err = c.handleWithRetry(ctx, h, data)
	}
	c.hook.AfterHandle(ctx, d.topic, km, data, err)
	observeHandle(d.topic, time.Since(start), err)

	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.hook.OnError(ctx, d.topic, km, data, err)
		c.deadLetter(d, err)
	}
	c.commit(d)
}

func (c *Consumer) handleWithRetry(ctx context.Context, h MessageHandler, data []byte) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = safeHandle(ctx, h, data); err == nil {
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil || attempt >= c.cfg.RetryMax {
			return err
		}
		if !c.sleep(c.cfg.backoff(attempt + 1)) {
			return err
		}
	}
}

func safeHandle(ctx context.Context, h MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return h.Handle(ctx, data)
}

func (c *Consumer) deadLetter(d delivery, cause error) {
	if c.dlq == nil {
		c.log.Error("dropping kafka message",
			applogger.String("topic", d.topic),
			applogger.Int("partition", d.km.Partition),
			applogger.Int64("offset", d.km.Offset),
			applogger.Error(cause))
		return
	}
	msg := kafka.Message{
		Key:   d.km.Key,
		Value: d.km.Value,
		Headers: append(d.km.Headers,
			kafka.Header{Key: "source_topic", Value: []byte(d.topic)},
			kafka.Header{Key: "source_offset", Value: []byte(strconv.FormatInt(d.km.Offset, 10))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
		),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.dlq.WriteMessages(ctx, msg); err != nil {
		c.log.Error("dead letter write failed", applogger.String("topic", d.topic), applogger.Error(err))
		return
	}
	consumerDLQ.WithLabelValues(d.topic).Inc()
}

func (c *Consumer) commit(d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.reader.CommitMessages(ctx, d.km); err != nil {
		c.log.Warn("kafka commit failed",
			applogger.String("topic", d.topic),
			applogger.Int64("offset", d.km.Offset),
			applogger.Error(err))
	}
}

// sleep waits for d or until the consumer stops. It reports false on stop.
func (c *Consumer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// backoff doubles from BackoffMin up to BackoffMax with up to 50% jitter.
func (cfg ConsumerConfig) backoff(attempt int) time.Duration {
	d := cfg.BackoffMin
	for i := 1; i < attempt && d < cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Stop cancels fetching and in-flight handlers, then waits for workers until
// ctx expires. Safe to call without Start.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.cancel()
		c.readWG.Wait()
		for _, lane := range c.lanes {
			close(lane)
		}

		done := make(chan struct{})
		go func() {
			c.workWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("kafka workers still running: %w", ctx.Err())
		}

		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.log.Warn("kafka reader close failed", applogger.String("topic", topic), applogger.Error(cerr))
			}
		}
		if c.dlq != nil {
			_ = c.dlq.Close()
		}
	})
	return err
}
