package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
)

// Inference is the external generative service. It receives a prompt
// identifier, the stage input and the declared output shape, and returns a
// raw structured record.
type Inference interface {
	Invoke(ctx context.Context, prompt string, in *Input, out Shape) (json.RawMessage, error)
}

// StageSpec is the static descriptor of one stage.
type StageSpec struct {
	Name   string
	Prompt string
	Output Shape
	Deps   []string
	// OptionalDeps are ordered before the stage and passed upstream when they
	// succeed. Their failure does not fail the stage.
	OptionalDeps []string

	// Timeout bounds a single attempt. Zero means only the request deadline applies.
	Timeout time.Duration
	// Retries is the number of extra attempts after a transport failure (0 or 1).
	Retries int
	// Optional stages may fail without degrading the result.
	Optional bool
	// MergeKey names the slot of the final result this stage contributes to.
	MergeKey string
	// Instruction is a fixed framing passed to the prompt, e.g. a persona bias.
	Instruction string
	// ImageSlot selects the images sent to the stage: 0 sends all of them,
	// n sends only the n-th (1-based).
	ImageSlot int
}

// Input is the immutable snapshot handed to one stage execution.
type Input struct {
	Stage       string
	Style       models.TradingStyle
	Question    string
	Previous    *models.AnalysisResult
	Images      []models.Image
	Timeframe   string
	Timeframes  []string
	Instruction string
	Upstream    map[string]any
}

// NewInput builds the base input of a request. Per-stage fields are filled
// by the composer.
func NewInput(req *models.AnalysisRequest, images []models.Image) *Input {
	in := &Input{
		Style:    req.TradingStyle,
		Question: req.Question,
		Previous: req.Previous,
		Images:   images,
	}
	for i := range images {
		in.Timeframes = append(in.Timeframes, req.TimeframeLabel(i))
	}
	return in
}

// StyleOrDefault returns the trading style or a neutral placeholder for prompts.
func (in *Input) StyleOrDefault() string {
	if in.Style == "" {
		return "Not specified"
	}
	return string(in.Style)
}

// Dep returns an upstream output by stage name.
func (in *Input) Dep(name string) any {
	return in.Upstream[name]
}

func (in *Input) forStage(spec StageSpec, results map[string]StageResult) *Input {
	out := &Input{
		Stage:       spec.Name,
		Style:       in.Style,
		Question:    in.Question,
		Previous:    in.Previous,
		Images:      in.Images,
		Timeframes:  in.Timeframes,
		Instruction: spec.Instruction,
		Upstream:    make(map[string]any, len(spec.Deps)+len(spec.OptionalDeps)),
	}
	if spec.ImageSlot > 0 {
		idx := spec.ImageSlot - 1
		out.Images = nil
		if idx < len(in.Images) {
			out.Images = []models.Image{in.Images[idx]}
		}
		if idx < len(in.Timeframes) {
			out.Timeframe = in.Timeframes[idx]
		}
	}
	for _, dep := range spec.Deps {
		out.Upstream[dep] = results[dep].Value
	}
	for _, dep := range spec.OptionalDeps {
		if res, ok := results[dep]; ok && res.OK() {
			out.Upstream[dep] = res.Value
		}
	}
	return out
}
