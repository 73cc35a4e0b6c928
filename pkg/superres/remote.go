package superres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

// RemoteConfig configures a model server speaking the KServe v2 inference protocol
type RemoteConfig struct {
	BaseURL    string        `json:"base_url" yaml:"base_url"`
	Model      string        `json:"model" yaml:"model"`
	InputName  string        `json:"input_name" yaml:"input_name"`
	OutputName string        `json:"output_name" yaml:"output_name"` // empty selects the first output
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// RemoteEnhancer runs super-resolution on an inference server (Triton, OpenVINO Model Server, KServe)
type RemoteEnhancer struct {
	config     RemoteConfig
	httpClient *http.Client
}

// InferTensor is one named tensor in a v2 inference request or response
type InferTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

// InferRequest is the v2 inference request body
type InferRequest struct {
	Inputs     []InferTensor     `json:"inputs"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// InferResponse is the v2 inference response body
type InferResponse struct {
	ModelName string        `json:"model_name"`
	Outputs   []InferTensor `json:"outputs"`
}

// NewRemoteEnhancer creates a client for the configured model
func NewRemoteEnhancer(config RemoteConfig) (*RemoteEnhancer, error) {
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid super-resolution URL: %w", err)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("super-resolution model name is required")
	}
	if config.InputName == "" {
		config.InputName = "input"
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	return &RemoteEnhancer{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Enhance sends t to the model server and returns the first (or configured) output tensor
func (e *RemoteEnhancer) Enhance(ctx context.Context, t *Tensor, device types.Device) (*Tensor, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	payload := InferRequest{
		Inputs: []InferTensor{{
			Name:     e.config.InputName,
			Shape:    t.Shape[:],
			Datatype: "FP32",
			Data:     t.Data,
		}},
	}
	if device != "" {
		payload.Parameters = map[string]string{"device": string(device)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/models/%s/infer", e.config.BaseURL, url.PathEscape(e.config.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var infer InferResponse
	if err := json.Unmarshal(respBody, &infer); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return e.pickOutput(infer.Outputs)
}

func (e *RemoteEnhancer) pickOutput(outputs []InferTensor) (*Tensor, error) {
	for _, o := range outputs {
		if e.config.OutputName != "" && o.Name != e.config.OutputName {
			continue
		}
		if len(o.Shape) != 4 {
			return nil, fmt.Errorf("output %q has rank %d, want 4", o.Name, len(o.Shape))
		}
		out := &Tensor{Shape: [4]int{o.Shape[0], o.Shape[1], o.Shape[2], o.Shape[3]}, Data: o.Data}
		if err := out.Validate(); err != nil {
			return nil, fmt.Errorf("output %q: %w", o.Name, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("no matching output in inference response")
}
