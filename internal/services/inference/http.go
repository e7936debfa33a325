package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fighter4/ChartSight/internal/pipeline"
	"github.com/fighter4/ChartSight/pkg/config"
	xhttp "github.com/fighter4/ChartSight/pkg/http"
)

// HTTPClient runs stage prompts against an inference sidecar that speaks a
// small JSON protocol: POST {base_url}/v1/generate.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *xhttp.Client
	catalog *Catalog
}

type generateImage struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type generateRequest struct {
	Prompt      string          `json:"prompt"`
	Stage       string          `json:"stage"`
	System      string          `json:"system"`
	User        string          `json:"user"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Images      []generateImage `json:"images"`
	Temperature float32         `json:"temperature"`
}

type generateResponse struct {
	Output json.RawMessage `json:"output"`
	Text   string          `json:"text"`
}

// NewHTTPClient builds a sidecar client with timeout and base URL from config.
func NewHTTPClient(cfg config.InferenceConfig, catalog *Catalog) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("inference.base_url is required for the http provider")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout)),
		catalog: catalog,
	}, nil
}

// Invoke implements pipeline.Inference.
func (h *HTTPClient) Invoke(ctx context.Context, prompt string, in *pipeline.Input, out pipeline.Shape) (json.RawMessage, error) {
	p, err := h.catalog.Render(prompt, in, out)
	if err != nil {
		return nil, err
	}
	req := generateRequest{
		Prompt: prompt,
		Stage:  in.Stage,
		System: p.System,
		User:   p.User,
		Images: make([]generateImage, 0, len(in.Images)),
	}
	if out != nil {
		req.Schema = out.Skeleton()
	}
	for _, img := range in.Images {
		req.Images = append(req.Images, generateImage{MIMEType: img.MIMEType, Data: img.Data})
	}

	var resp generateResponse
	if err := h.postJSON(ctx, "/v1/generate", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Output) > 0 && string(resp.Output) != "null" {
		return resp.Output, nil
	}
	return extractJSON(resp.Text)
}

// postJSON posts the payload to path under baseURL and decodes JSON into dest.
func (h *HTTPClient) postJSON(ctx context.Context, path string, payload interface{}, dest interface{}) error {
	var headers map[string]string
	if h.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + h.apiKey}
	}
	if err := h.client.PostJSON(ctx, h.baseURL+path, headers, payload, dest); err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	return nil
}
