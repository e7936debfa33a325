package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedStage struct {
	pipeline, stage, outcome string
}

type fakeStageMetrics struct {
	mu       sync.Mutex
	outcomes []recordedStage
	latency  int
}

func (m *fakeStageMetrics) RecordStage(pipeline, stage, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, recordedStage{pipeline, stage, outcome})
}

func (m *fakeStageMetrics) RecordStageLatency(string, string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency++
}

func newTestExecutor(inf Inference, opts ...ExecutorOption) *Executor {
	return NewExecutor(inf, append([]ExecutorOption{WithRetryBackoff(0)}, opts...)...)
}

func TestExecutor_Success(t *testing.T) {
	inf := newFakeInference().reply("a", `{"text":"hi"}`)
	metrics := &fakeStageMetrics{}
	ex := newTestExecutor(inf, WithExecutorMetrics(metrics))

	res := ex.Execute(context.Background(), "g", spec("a"), &Input{Stage: "a"})

	require.True(t, res.OK())
	assert.Equal(t, note{Text: "hi"}, res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []recordedStage{{"g", "a", "success"}}, metrics.outcomes)
	assert.Equal(t, 1, metrics.latency)
}

func TestExecutor_ValidationFailureIsNotRetried(t *testing.T) {
	inf := newFakeInference().reply("a", `{"text":""}`)
	s := spec("a")
	s.Retries = 1

	res := newTestExecutor(inf).Execute(context.Background(), "g", s, &Input{Stage: "a"})

	require.False(t, res.OK())
	assert.Equal(t, KindValidation, res.Kind())
	assert.Contains(t, res.Err.Message, "text is required")
	assert.Equal(t, 1, inf.count("a"))
}

func TestExecutor_RetriesTransportFailureOnce(t *testing.T) {
	var calls int
	inf := newFakeInference().on("a", func(context.Context, *Input) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`{"text":"second"}`), nil
	})
	s := spec("a")
	s.Retries = 1

	res := newTestExecutor(inf).Execute(context.Background(), "g", s, &Input{Stage: "a"})

	require.True(t, res.OK())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, note{Text: "second"}, res.Value)
}

func TestExecutor_TransportFailureAfterRetries(t *testing.T) {
	tests := []struct {
		retries   int
		wantCalls int
	}{
		{retries: 0, wantCalls: 1},
		{retries: 1, wantCalls: 2},
	}
	for _, tt := range tests {
		inf := newFakeInference().fail("a", errors.New("503 service unavailable"))
		s := spec("a")
		s.Retries = tt.retries
		metrics := &fakeStageMetrics{}

		res := newTestExecutor(inf, WithExecutorMetrics(metrics)).Execute(context.Background(), "g", s, &Input{Stage: "a"})

		require.False(t, res.OK())
		assert.Equal(t, KindTransport, res.Kind())
		assert.Equal(t, "a", res.Err.Stage)
		assert.Contains(t, res.Err.Message, "503")
		assert.Equal(t, tt.wantCalls, inf.count("a"))
		assert.Equal(t, tt.wantCalls, res.Attempts)
		assert.Equal(t, []recordedStage{{"g", "a", string(KindTransport)}}, metrics.outcomes)
	}
}

func TestExecutor_StageTimeout(t *testing.T) {
	inf := newFakeInference().on("a", func(ctx context.Context, _ *Input) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := spec("a")
	s.Timeout = 20 * time.Millisecond

	res := newTestExecutor(inf).Execute(context.Background(), "g", s, &Input{Stage: "a"})

	require.False(t, res.OK())
	assert.Equal(t, KindTransport, res.Kind())
	assert.Contains(t, res.Err.Message, "stage timeout")
}

func TestExecutor_TimeoutHoldsWhenCollaboratorIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	inf := newFakeInference().on("a", func(context.Context, *Input) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{"text":"late"}`), nil
	})
	s := spec("a")
	s.Timeout = 20 * time.Millisecond

	start := time.Now()
	res := newTestExecutor(inf).Execute(context.Background(), "g", s, &Input{Stage: "a"})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, KindTransport, res.Kind())
}

func TestExecutor_CallerCancellation(t *testing.T) {
	started := make(chan struct{})
	inf := newFakeInference().on("a", func(ctx context.Context, _ *Input) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := spec("a")
	s.Retries = 1

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res := newTestExecutor(inf).Execute(ctx, "g", s, &Input{Stage: "a"})

	require.False(t, res.OK())
	assert.Equal(t, KindCancellation, res.Kind())
	assert.True(t, errors.Is(res.Err, ErrCancelled))
	assert.Equal(t, 1, inf.count("a"))
}

func TestExecutor_RequestDeadline(t *testing.T) {
	inf := newFakeInference().on("a", func(ctx context.Context, _ *Input) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := spec("a")
	s.Retries = 1

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := newTestExecutor(inf).Execute(ctx, "g", s, &Input{Stage: "a"})

	assert.Equal(t, KindTransport, res.Kind())
	assert.Equal(t, "request deadline exceeded", res.Err.Message)
	assert.Equal(t, 1, inf.count("a"))
}

func TestExecutor_PanicIsTransportFailure(t *testing.T) {
	inf := newFakeInference().on("a", func(context.Context, *Input) (json.RawMessage, error) {
		panic("boom")
	})

	res := newTestExecutor(inf).Execute(context.Background(), "g", spec("a"), &Input{Stage: "a"})

	assert.Equal(t, KindTransport, res.Kind())
	assert.Contains(t, res.Err.Message, "boom")
}
