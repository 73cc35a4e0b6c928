package retrieval

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ImageGenerator produces encoded images from a text prompt
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string, count int) ([][]byte, error)
}

// DiffusionConfig configures a text-to-image server
type DiffusionConfig struct {
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	Steps          int           `json:"steps" yaml:"steps"`
	CfgScale       float64       `json:"cfg_scale" yaml:"cfg_scale"`
	Width          int           `json:"width" yaml:"width"`
	Height         int           `json:"height" yaml:"height"`
	SamplerName    string        `json:"sampler_name" yaml:"sampler_name"`
	NegativePrompt string        `json:"negative_prompt" yaml:"negative_prompt"`
	// Minimum interval between generation calls; 0 disables throttling
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DefaultDiffusionConfig returns settings for a local Stable Diffusion WebUI
func DefaultDiffusionConfig() DiffusionConfig {
	return DiffusionConfig{
		BaseURL:        "http://localhost:7860",
		Timeout:        5 * time.Minute,
		Steps:          4,
		CfgScale:       1.0,
		Width:          1024,
		Height:         1024,
		SamplerName:    "Euler",
		NegativePrompt: "blurry, cropped, text, watermark, multiple objects",
	}
}

// Txt2ImgRequest is the /sdapi/v1/txt2img request body
type Txt2ImgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CfgScale       float64 `json:"cfg_scale,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	SamplerName    string  `json:"sampler_name,omitempty"`
	BatchSize      int     `json:"batch_size"`
	Seed           int     `json:"seed"`
}

// Txt2ImgResponse is the /sdapi/v1/txt2img response body
type Txt2ImgResponse struct {
	Images []string `json:"images"` // base64
	Info   string   `json:"info,omitempty"`
}

// DiffusionClient talks to an Automatic1111-compatible text-to-image API
type DiffusionClient struct {
	config  DiffusionConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewDiffusionClient creates a text-to-image client
func NewDiffusionClient(config DiffusionConfig) *DiffusionClient {
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	limit := rate.Inf
	if config.Interval > 0 {
		limit = rate.Every(config.Interval)
	}
	return &DiffusionClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Generate renders count images of prompt
func (c *DiffusionClient) Generate(ctx context.Context, prompt string, count int) ([][]byte, error) {
	if count <= 0 {
		count = 1
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(Txt2ImgRequest{
		Prompt:         prompt,
		NegativePrompt: c.config.NegativePrompt,
		Steps:          c.config.Steps,
		CfgScale:       c.config.CfgScale,
		Width:          c.config.Width,
		Height:         c.config.Height,
		SamplerName:    c.config.SamplerName,
		BatchSize:      count,
		Seed:           -1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/sdapi/v1/txt2img", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("txt2img request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("txt2img returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Txt2ImgResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode txt2img response: %w", err)
	}

	images := make([][]byte, 0, len(out.Images))
	for i, s := range out.Images {
		// some servers prefix a data URL header
		if idx := strings.Index(s, ","); idx >= 0 && strings.HasPrefix(s, "data:") {
			s = s[idx+1:]
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("image %d: invalid base64: %w", i, err)
		}
		images = append(images, data)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("txt2img returned no images")
	}
	return images, nil
}
