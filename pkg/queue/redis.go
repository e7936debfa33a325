package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fighter4/ChartSight/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is an at-least-once work queue on Redis lists. Workers move a
// message from the pending list to a processing list with BLMOVE and remove
// it once handled, so a crash leaves it recoverable on the next Start.
// Failed messages wait in a sorted set keyed by due time, then go back to
// pending; after RetryLimit retries they land in the dead letter list.
type RedisQueue struct {
	log    *logger.Logger
	cfg    QueueConfig
	client *redis.Client
	prefix string
	poll   time.Duration

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithPollInterval sets how long a worker blocks waiting for a message and
// how often due retries are promoted.
func WithPollInterval(d time.Duration) RedisQueueOption {
	return func(r *RedisQueue) {
		if d > 0 {
			r.poll = d
		}
	}
}

// NewRedisQueue creates a queue. Jobs are registered before Start.
func NewRedisQueue(lgr *logger.Logger, cfg *QueueConfig, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	if lgr == nil {
		lgr = logger.Nop()
	}
	c := QueueConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	r := &RedisQueue{
		log:    lgr,
		cfg:    c,
		client: client,
		prefix: "chartsight:queue",
		poll:   time.Second,
		jobs:   make(map[string]Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisQueue) pendingKey() string    { return r.prefix + ":pending" }
func (r *RedisQueue) processingKey() string { return r.prefix + ":processing" }
func (r *RedisQueue) retryKey() string      { return r.prefix + ":retry" }
func (r *RedisQueue) deadKey() string       { return r.prefix + ":dead" }

// RegisterJob binds job to its message type. Later duplicates are ignored.
func (r *RedisQueue) RegisterJob(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Type()]; ok {
		r.log.Warn("queue job already registered", logger.String("type", job.Type()))
		return
	}
	r.jobs[job.Type()] = job
}

// Start pings Redis, requeues messages left in processing by a previous run
// and launches the workers.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("queue already running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	recovered, err := r.recover(ctx)
	if err != nil {
		return fmt.Errorf("recover processing list: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	r.wg.Add(1)
	go r.promoteLoop()

	r.log.Info("redis queue started",
		logger.String("prefix", r.prefix),
		logger.Int("workers", r.cfg.Workers),
		logger.Int("recovered", recovered))
	return nil
}

// Stop stops intake and waits for in-flight handlers until ctx expires.
// Handlers see a cancelled context; their messages stay in processing and
// are recovered on the next Start.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue workers still running: %w", ctx.Err())
	}
}

// PublishMessage enqueues payload under msgType.
func (r *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	r.mu.RLock()
	running := r.running
	_, known := r.jobs[msgType]
	r.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}
	if !known {
		return fmt.Errorf("no job registered for type %q", msgType)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if r.cfg.QueueSize > 0 {
		n, err := r.client.LLen(ctx, r.pendingKey()).Result()
		if err != nil {
			return fmt.Errorf("llen: %w", err)
		}
		if n >= int64(r.cfg.QueueSize) {
			return ErrQueueFull
		}
	}
	if err := r.client.LPush(ctx, r.pendingKey(), data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// Stats reports list lengths for pending, processing, retry and dead.
func (r *RedisQueue) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := r.client.Pipeline()
	pending := pipe.LLen(ctx, r.pendingKey())
	processing := pipe.LLen(ctx, r.processingKey())
	retry := pipe.ZCard(ctx, r.retryKey())
	dead := pipe.LLen(ctx, r.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return map[string]int64{
		"pending":    pending.Val(),
		"processing": processing.Val(),
		"retry":      retry.Val(),
		"dead":       dead.Val(),
	}, nil
}

func (r *RedisQueue) recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := r.client.LMove(ctx, r.processingKey(), r.pendingKey(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (r *RedisQueue) work() {
	defer r.wg.Done()
	for r.ctx.Err() == nil {
		raw, err := r.client.BLMove(r.ctx, r.pendingKey(), r.processingKey(), "RIGHT", "LEFT", r.poll).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || r.ctx.Err() != nil {
				continue
			}
			r.log.Error("queue receive failed", logger.Error(err))
			r.pause(r.poll)
			continue
		}
		r.handle(raw)
	}
}

func (r *RedisQueue) handle(raw string) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		r.log.Error("queue message undecodable, dead-lettering", logger.Error(err))
		r.finish(raw, r.deadKey(), raw, 0)
		return
	}

	r.mu.RLock()
	job, ok := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Error("no job for queue message", logger.String("type", msg.Type), logger.String("id", msg.ID))
		r.finish(raw, r.deadKey(), raw, 0)
		return
	}

	err := safeRun(r.ctx, job, msg.Payload)
	switch {
	case err == nil:
		r.finish(raw, "", "", 0)
	case r.ctx.Err() != nil:
		// Left in processing for recovery.
	default:
		msg.Attempts++
		msg.LastError = err.Error()
		next, _ := json.Marshal(msg)
		if msg.Attempts > r.cfg.RetryLimit {
			r.log.Error("queue message exhausted retries",
				logger.String("job", job.Name()),
				logger.String("id", msg.ID),
				logger.Int("attempts", msg.Attempts),
				logger.Error(err))
			r.finish(raw, r.deadKey(), string(next), 0)
			return
		}
		delay := r.cfg.retryDelay(msg.Attempts)
		r.log.Warn("queue message failed, retrying",
			logger.String("job", job.Name()),
			logger.String("id", msg.ID),
			logger.Int("attempt", msg.Attempts),
			logger.Duration("delay", delay),
			logger.Error(err))
		r.finish(raw, r.retryKey(), string(next), delay)
	}
}

// finish removes raw from processing and, when dest is set, pushes next to
// dest in the same transaction. A retry key gets next scored by due time.
func (r *RedisQueue) finish(raw, dest, next string, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, r.processingKey(), 1, raw)
		switch dest {
		case "":
		case r.retryKey():
			p.ZAdd(ctx, dest, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: next})
		default:
			p.LPush(ctx, dest, next)
		}
		return nil
	})
	if err != nil {
		r.log.Error("queue ack failed", logger.String("dest", dest), logger.Error(err))
	}
}

func safeRun(ctx context.Context, job Job, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panic: %v", job.Name(), p)
		}
	}()
	return job.Handle(ctx, payload)
}

func (r *RedisQueue) promoteLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			if err := r.promoteDue(r.ctx); err != nil && r.ctx.Err() == nil {
				r.log.Error("queue retry promotion failed", logger.Error(err))
			}
		}
	}
}

// promoteDue moves retries whose due time has passed back to pending.
func (r *RedisQueue) promoteDue(ctx context.Context) error {
	due, err := r.client.ZRangeByScore(ctx, r.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range due {
		removed, err := r.client.ZRem(ctx, r.retryKey(), m).Result()
		if err != nil {
			return err
		}
		// Another instance already promoted it.
		if removed == 0 {
			continue
		}
		if err := r.client.LPush(ctx, r.pendingKey(), m).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisQueue) pause(d time.Duration) {
	select {
	case <-time.After(d):
	case <-r.ctx.Done():
	}
}
