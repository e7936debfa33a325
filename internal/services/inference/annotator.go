package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/pkg/config"
	"github.com/fighter4/ChartSight/pkg/logger"
)

const defaultImageModel = "gemini-2.0-flash-preview-image-generation"

// ErrNoImageReturned is returned when the model answered without an image part.
var ErrNoImageReturned = errors.New("annotation model returned no image")

// GeminiAnnotator draws an analysis onto its chart with an image capable
// Gemini model.
type GeminiAnnotator struct {
	models contentGenerator
	model  string
	logger *logger.Logger
}

// NewGeminiAnnotator creates an annotator sharing the inference credentials.
func NewGeminiAnnotator(ctx context.Context, cfg config.InferenceConfig, l *logger.Logger) (*GeminiAnnotator, error) {
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
	return newGeminiAnnotator(client.Models, cfg.ImageModel, l), nil
}

func newGeminiAnnotator(models contentGenerator, model string, l *logger.Logger) *GeminiAnnotator {
	if model == "" {
		model = defaultImageModel
	}
	if l == nil {
		l = logger.Nop()
	}
	return &GeminiAnnotator{models: models, model: model, logger: l}
}

// Annotate returns the annotated chart as a data URI.
func (a *GeminiAnnotator) Annotate(ctx context.Context, result *models.AnalysisResult, img models.Image) (string, error) {
	if result == nil {
		return "", errors.New("annotate: nil analysis")
	}
	instructions, err := annotatePrompt.Render(result)
	if err != nil {
		return "", err
	}

	parts := []*genai.Part{
		genai.NewPartFromBytes(img.Data, img.MIMEType),
		genai.NewPartFromText(instructions),
	}
	resp, err := a.models.GenerateContent(ctx, a.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	)
	if err != nil {
		return "", fmt.Errorf("annotate: %w", err)
	}

	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mime := part.InlineData.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			a.logger.Debug("chart annotated", logger.String("mime", mime), logger.Int("bytes", len(part.InlineData.Data)))
			return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(part.InlineData.Data), nil
		}
	}
	return "", ErrNoImageReturned
}
