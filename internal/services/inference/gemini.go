package inference

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/fighter4/ChartSight/internal/pipeline"
	"github.com/fighter4/ChartSight/pkg/config"
	"github.com/fighter4/ChartSight/pkg/logger"
)

const defaultModel = "gemini-2.0-flash"

// contentGenerator is the subset of genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient runs stage prompts against the Gemini API.
type GeminiClient struct {
	models      contentGenerator
	model       string
	temperature float32
	catalog     *Catalog
	logger      *logger.Logger
}

// NewGeminiClient creates a Gemini backed inference client.
func NewGeminiClient(ctx context.Context, cfg config.InferenceConfig, catalog *Catalog, l *logger.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, catalog, l), nil
}

func newGeminiClient(models contentGenerator, cfg config.InferenceConfig, catalog *Catalog, l *logger.Logger) *GeminiClient {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	if l == nil {
		l = logger.Nop()
	}
	return &GeminiClient{
		models:      models,
		model:       model,
		temperature: cfg.Temperature,
		catalog:     catalog,
		logger:      l,
	}
}

// Invoke implements pipeline.Inference.
func (g *GeminiClient) Invoke(ctx context.Context, prompt string, in *pipeline.Input, out pipeline.Shape) (json.RawMessage, error) {
	p, err := g.catalog.Render(prompt, in, out)
	if err != nil {
		return nil, err
	}

	parts := make([]*genai.Part, 0, len(in.Images)+1)
	for _, img := range in.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(p.User))

	resp, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr(g.temperature),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini %s: %w", prompt, err)
	}
	raw, err := extractJSON(resp.Text())
	if err != nil {
		return nil, fmt.Errorf("gemini %s: %w", prompt, err)
	}
	g.logger.Debug("gemini stage answered",
		logger.String("stage", in.Stage),
		logger.String("prompt", prompt),
		logger.Int("bytes", len(raw)),
	)
	return raw, nil
}
