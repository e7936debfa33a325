package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stageFunc func(ctx context.Context, in *Input) (json.RawMessage, error)

// fakeInference dispatches on the stage name and counts invocations.
type fakeInference struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]stageFunc
}

func newFakeInference() *fakeInference {
	return &fakeInference{
		calls:    map[string]int{},
		handlers: map[string]stageFunc{},
	}
}

func (f *fakeInference) on(stage string, fn stageFunc) *fakeInference {
	f.handlers[stage] = fn
	return f
}

func (f *fakeInference) reply(stage, body string) *fakeInference {
	return f.on(stage, func(context.Context, *Input) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	})
}

func (f *fakeInference) fail(stage string, err error) *fakeInference {
	return f.on(stage, func(context.Context, *Input) (json.RawMessage, error) {
		return nil, err
	})
}

func (f *fakeInference) Invoke(ctx context.Context, _ string, in *Input, _ Shape) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls[in.Stage]++
	h := f.handlers[in.Stage]
	f.mu.Unlock()
	if h == nil {
		return nil, errors.New("no handler for " + in.Stage)
	}
	return h(ctx, in)
}

func (f *fakeInference) count(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

type note struct {
	Text string `json:"text" validate:"required"`
}

var noteShape = NewShape[note]("note")

func spec(name string, deps ...string) StageSpec {
	return StageSpec{Name: name, Prompt: name, Output: noteShape, Deps: deps}
}

func mustGraph(t *testing.T, name string, specs []StageSpec, opts ...GraphOption) *Graph {
	t.Helper()
	g, err := NewGraph(name, specs, opts...)
	require.NoError(t, err)
	return g
}
