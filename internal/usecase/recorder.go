package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
	applogger "github.com/fighter4/ChartSight/pkg/logger"
	"github.com/fighter4/ChartSight/pkg/queue"
)

// PersistMessageType is the queue message type of persistence writes.
const PersistMessageType = "analysis.persist"

const (
	opStore    = "store"
	opAppendQA = "append_qa"
)

// PersistMessage is one deferred write.
type PersistMessage struct {
	Op     string                 `json:"op"`
	Record *models.AnalysisRecord `json:"record,omitempty"`
	ID     string                 `json:"id,omitempty"`
	QA     *models.QAEntry        `json:"qa,omitempty"`
}

// Recorder persists analyses fire-and-observe: writes happen after the
// result is returned and failures are logged and counted only. With a queue
// the writes go through Redis and an append that lands before its record is
// retried by the queue. Otherwise each write runs in a goroutine and appends
// wait for a pending store of the same analysis.
type Recorder struct {
	store   domrepo.AnalysisStore
	events  domrepo.EventPublisher
	queue   queue.QueueService
	metrics domrepo.Metrics
	logger  *applogger.Logger
	timeout time.Duration
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan struct{}
}

// RecorderOption configures Recorder.
type RecorderOption func(*Recorder)

// WithQueue routes writes through a queue.
func WithQueue(q queue.QueueService) RecorderOption {
	return func(r *Recorder) { r.queue = q }
}

// WithEvents publishes an event for every recorded analysis.
func WithEvents(p domrepo.EventPublisher) RecorderOption {
	return func(r *Recorder) { r.events = p }
}

// WithWriteTimeout bounds each background write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRecorder(store domrepo.AnalysisStore, metrics domrepo.Metrics, logger *applogger.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = applogger.Nop()
	}
	r := &Recorder{
		store:   store,
		metrics: metrics,
		logger:  logger,
		timeout: 10 * time.Second,
		pending: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record schedules the record write and the completion event.
func (r *Recorder) Record(rec *models.AnalysisRecord, ev *models.AnalysisEvent) {
	r.dispatch(PersistMessage{Op: opStore, Record: rec})
	if r.events != nil && ev != nil {
		r.goBackground("publish_event", func(ctx context.Context) error {
			return r.events.PublishAnalysis(ctx, ev)
		})
	}
}

// AppendQA schedules a question/answer append.
func (r *Recorder) AppendQA(id string, qa models.QAEntry) {
	r.dispatch(PersistMessage{Op: opAppendQA, ID: id, QA: &qa})
}

// SetFeedback writes synchronously so the caller learns about unknown ids.
func (r *Recorder) SetFeedback(ctx context.Context, id string, fb models.Feedback) error {
	if err := r.store.SetFeedback(ctx, id, fb); err != nil {
		r.recordError("persist_feedback")
		return err
	}
	return nil
}

// Wait blocks until every background write finished.
func (r *Recorder) Wait() { r.wg.Wait() }

func (r *Recorder) dispatch(msg PersistMessage) {
	if r.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.queue.PublishMessage(ctx, PersistMessageType, msg)
		cancel()
		if err == nil {
			return
		}
		r.logger.Warn("persist enqueue failed, writing directly",
			applogger.String("op", msg.Op), applogger.Error(err))
	}
	wait, release := r.sequence(msg)
	r.goBackground("persist_"+msg.Op, func(ctx context.Context) error {
		defer release()
		if wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return r.Apply(ctx, msg)
	})
}

// sequence orders direct writes of one analysis. A store registers itself as
// pending until it finishes and an append waits for it.
func (r *Recorder) sequence(msg PersistMessage) (<-chan struct{}, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case msg.Op == opStore && msg.Record != nil:
		id, done := msg.Record.ID, make(chan struct{})
		r.pending[id] = done
		return nil, func() {
			r.mu.Lock()
			if r.pending[id] == done {
				delete(r.pending, id)
			}
			r.mu.Unlock()
			close(done)
		}
	case msg.Op == opAppendQA:
		return r.pending[msg.ID], func() {}
	}
	return nil, func() {}
}

// Apply performs one write. The queue job calls it too.
func (r *Recorder) Apply(ctx context.Context, msg PersistMessage) error {
	start := time.Now()
	var err error
	switch msg.Op {
	case opStore:
		if msg.Record == nil {
			return fmt.Errorf("persist %s: missing record", msg.Op)
		}
		_, err = r.store.Store(ctx, msg.Record)
	case opAppendQA:
		if msg.QA == nil {
			return fmt.Errorf("persist %s: missing entry", msg.Op)
		}
		err = r.store.AppendQA(ctx, msg.ID, *msg.QA)
	default:
		return fmt.Errorf("unknown persist op %q", msg.Op)
	}
	if r.metrics != nil {
		r.metrics.RecordLatency("persist_"+msg.Op, time.Since(start).Seconds())
	}
	return err
}

func (r *Recorder) goBackground(op string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.recordError(op)
			r.logger.Error("background write failed", applogger.String("op", op), applogger.Error(err))
		}
	}()
}

func (r *Recorder) recordError(kind string) {
	if r.metrics != nil {
		r.metrics.RecordError(kind)
	}
}

// PersistJob applies queued persistence messages.
type PersistJob struct {
	recorder *Recorder
}

func NewPersistJob(r *Recorder) *PersistJob { return &PersistJob{recorder: r} }

func (j *PersistJob) Name() string { return "persist_analysis" }
func (j *PersistJob) Type() string { return PersistMessageType }

func (j *PersistJob) Handle(ctx context.Context, payload interface{}) error {
	msg, err := queue.ParsePayload[PersistMessage](payload)
	if err != nil {
		j.recorder.recordError("persist_payload")
		return err
	}
	if err := j.recorder.Apply(ctx, *msg); err != nil {
		j.recorder.recordError("persist_" + msg.Op)
		return err
	}
	return nil
}
