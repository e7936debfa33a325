package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrQueueFull is returned by PublishMessage when the pending list has
// reached QueueSize. Callers are expected to fall back to a direct write.
var ErrQueueFull = errors.New("queue full")

// ErrNotRunning is returned when publishing to a stopped queue.
var ErrNotRunning = errors.New("queue not running")

// QueueService is the producer side of a queue.
type QueueService interface {
	PublishMessage(ctx context.Context, msgType string, payload interface{}) error
}

// Job handles one message type.
type Job interface {
	Name() string
	Type() string
	Handle(ctx context.Context, payload interface{}) error
}

// QueueConfig configures a queue.
type QueueConfig struct {
	Workers    int           // concurrent handlers
	QueueSize  int           // max pending messages, 0 for unbounded
	RetryLimit int           // retries before a message is dead-lettered
	RetryDelay time.Duration // base delay, doubled per attempt
}

// Message is the envelope stored in Redis.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"ts"`
	LastError string          `json:"last_error,omitempty"`
}

// retryDelay returns the delay before the given attempt, capped at one hour.
func (c *QueueConfig) retryDelay(attempt int) time.Duration {
	d := c.RetryDelay
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// ParsePayload decodes a job payload into T. Payloads read from Redis arrive
// as json.RawMessage; in-process callers may pass T, *T or a decoded map.
func ParsePayload[T any](payload interface{}) (*T, error) {
	var raw []byte
	switch p := payload.(type) {
	case *T:
		if p == nil {
			return nil, errors.New("nil payload")
		}
		return p, nil
	case T:
		return &p, nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("re-encode payload: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("invalid payload type: %T", payload)
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}
