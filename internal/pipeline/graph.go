package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// ErrInvalidGraph wraps every graph construction failure.
var ErrInvalidGraph = errors.New("pipeline: invalid graph")

// Graph is an immutable, validated stage graph partitioned into layers.
type Graph struct {
	name     string
	specs    map[string]StageSpec
	layers   [][]string
	merges   map[string]string
	deadline time.Duration
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithMergeStrategy declares that stages sharing key are combined by the
// named strategy rather than overwriting each other.
func WithMergeStrategy(key, strategy string) GraphOption {
	return func(g *Graph) {
		g.merges[key] = strategy
	}
}

// WithDeadline overrides the composer's request deadline for this graph.
func WithDeadline(d time.Duration) GraphOption {
	return func(g *Graph) {
		g.deadline = d
	}
}

// NewGraph validates specs and computes dependency layers.
func NewGraph(name string, specs []StageSpec, opts ...GraphOption) (*Graph, error) {
	g := &Graph{
		name:   name,
		specs:  make(map[string]StageSpec, len(specs)),
		merges: make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: %s has no stages", ErrInvalidGraph, name)
	}

	for _, s := range specs {
		if err := checkSpec(s); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidGraph, name, err)
		}
		if _, dup := g.specs[s.Name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate stage %q", ErrInvalidGraph, name, s.Name)
		}
		s.Deps = append([]string(nil), s.Deps...)
		s.OptionalDeps = append([]string(nil), s.OptionalDeps...)
		g.specs[s.Name] = s
	}
	for _, s := range g.specs {
		for _, d := range s.OptionalDeps {
			if slices.Contains(s.Deps, d) {
				return nil, fmt.Errorf("%w: %s: stage %q lists %q as both required and optional", ErrInvalidGraph, name, s.Name, d)
			}
		}
		for _, d := range s.allDeps() {
			if _, ok := g.specs[d]; !ok {
				return nil, fmt.Errorf("%w: %s: stage %q depends on unknown stage %q", ErrInvalidGraph, name, s.Name, d)
			}
			if d == s.Name {
				return nil, fmt.Errorf("%w: %s: stage %q depends on itself", ErrInvalidGraph, name, s.Name)
			}
		}
	}

	layers, err := layer(g.specs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidGraph, name, err)
	}
	g.layers = layers

	if err := g.checkMergeKeys(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidGraph, name, err)
	}
	return g, nil
}

func checkSpec(s StageSpec) error {
	switch {
	case s.Name == "":
		return errors.New("stage without name")
	case s.Prompt == "":
		return fmt.Errorf("stage %q has no prompt", s.Name)
	case s.Output == nil:
		return fmt.Errorf("stage %q has no output shape", s.Name)
	case s.Retries < 0 || s.Retries > 1:
		return fmt.Errorf("stage %q: retries must be 0 or 1, got %d", s.Name, s.Retries)
	case s.Timeout < 0:
		return fmt.Errorf("stage %q: negative timeout", s.Name)
	case s.ImageSlot < 0:
		return fmt.Errorf("stage %q: negative image slot", s.Name)
	}
	return nil
}

func (s StageSpec) allDeps() []string {
	return append(append([]string(nil), s.Deps...), s.OptionalDeps...)
}

// layer runs Kahn's algorithm; names inside a layer are sorted so the
// partition is deterministic.
func layer(specs map[string]StageSpec) ([][]string, error) {
	indeg := make(map[string]int, len(specs))
	children := make(map[string][]string, len(specs))
	for name, s := range specs {
		indeg[name] += 0
		for _, d := range s.allDeps() {
			indeg[name]++
			children[d] = append(children[d], name)
		}
	}

	var current []string
	for name, n := range indeg {
		if n == 0 {
			current = append(current, name)
		}
	}

	var layers [][]string
	seen := 0
	for len(current) > 0 {
		sort.Strings(current)
		layers = append(layers, current)
		seen += len(current)
		var next []string
		for _, name := range current {
			for _, c := range children[name] {
				indeg[c]--
				if indeg[c] == 0 {
					next = append(next, c)
				}
			}
		}
		current = next
	}

	if seen != len(specs) {
		var cyclic []string
		for name, n := range indeg {
			if n > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("cycle among stages [%s]", strings.Join(cyclic, ", "))
	}
	return layers, nil
}

func (g *Graph) checkMergeKeys() error {
	for _, names := range g.layers {
		writers := map[string][]string{}
		for _, n := range names {
			if key := g.specs[n].MergeKey; key != "" {
				writers[key] = append(writers[key], n)
			}
		}
		for key, ws := range writers {
			if len(ws) > 1 {
				if _, ok := g.merges[key]; !ok {
					return fmt.Errorf("stages [%s] write merge key %q without a merge strategy", strings.Join(ws, ", "), key)
				}
			}
		}
	}
	return nil
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Deadline returns the graph's own request deadline, zero when unset.
func (g *Graph) Deadline() time.Duration { return g.deadline }

// Layers returns a copy of the dependency layers.
func (g *Graph) Layers() [][]string {
	out := make([][]string, len(g.layers))
	for i, l := range g.layers {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Spec returns the descriptor of a stage.
func (g *Graph) Spec(name string) (StageSpec, bool) {
	s, ok := g.specs[name]
	return s, ok
}

// MergeStrategy returns the strategy declared for a merge key.
func (g *Graph) MergeStrategy(key string) (string, bool) {
	s, ok := g.merges[key]
	return s, ok
}

// Writers lists the stages writing a merge key, in layer order.
func (g *Graph) Writers(key string) []string {
	var out []string
	for _, l := range g.layers {
		for _, n := range l {
			if g.specs[n].MergeKey == key {
				out = append(out, n)
			}
		}
	}
	return out
}

// Optional reports whether a stage may fail without degrading the result.
func (g *Graph) Optional(name string) bool {
	return g.specs[name].Optional
}
