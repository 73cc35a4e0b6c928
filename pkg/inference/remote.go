package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Catrobat/mArIne3D/pkg/mesh"
	"github.com/Catrobat/mArIne3D/pkg/processing"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// RemoteConfig configures the model server client
type RemoteConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultRemoteConfig returns settings for a model server on localhost
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		BaseURL: "http://localhost:8081",
		Timeout: 15 * time.Minute,
	}
}

// Pipeline kinds understood by the model server
const (
	KindShape = "shape"
	KindPaint = "paint"
)

type loadRequest struct {
	Kind   string     `json:"kind"`
	Source Pretrained `json:"source"`
	Device string     `json:"device"`
}

type loadResponse struct {
	ID string `json:"id"`
}

type deviceRequest struct {
	Device string `json:"device"`
}

type shapeRequest struct {
	Image string `json:"image"` // base64 png
}

type shapeResponse struct {
	Meshes []string `json:"meshes"` // base64 glb
}

type paintRequest struct {
	Mesh  string `json:"mesh"`  // base64 glb
	Image string `json:"image"` // base64 png
}

type paintResponse struct {
	Mesh string `json:"mesh"` // base64 glb with texture
}

// RemoteLoader loads pipelines on a model server that owns the accelerators
type RemoteLoader struct {
	baseURL string
	client  *http.Client
}

var (
	_ Loader       = (*RemoteLoader)(nil)
	_ CacheEvictor = (*RemoteLoader)(nil)
)

// NewRemoteLoader creates a model server client
func NewRemoteLoader(config RemoteConfig) (*RemoteLoader, error) {
	parsed, err := url.Parse(config.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid model server URL %q", config.BaseURL)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &RemoteLoader{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// LoadShape loads a shape generation pipeline
func (l *RemoteLoader) LoadShape(ctx context.Context, src Pretrained, device types.Device) (ShapeModel, error) {
	id, err := l.load(ctx, KindShape, src, device)
	if err != nil {
		return nil, err
	}
	return &remoteShape{remoteHandle{loader: l, id: id}}, nil
}

// LoadPaint loads a texture painting pipeline
func (l *RemoteLoader) LoadPaint(ctx context.Context, src Pretrained, device types.Device) (PaintModel, error) {
	id, err := l.load(ctx, KindPaint, src, device)
	if err != nil {
		return nil, err
	}
	return &remotePaint{remoteHandle{loader: l, id: id}}, nil
}

// EmptyCache asks the server to release cached accelerator memory
func (l *RemoteLoader) EmptyCache(ctx context.Context, device types.Device) error {
	return l.call(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(string(device))+"/empty_cache", nil, nil)
}

func (l *RemoteLoader) load(ctx context.Context, kind string, src Pretrained, device types.Device) (string, error) {
	var resp loadResponse
	err := l.call(ctx, http.MethodPost, "/v1/pipelines", loadRequest{Kind: kind, Source: src, Device: string(device)}, &resp)
	if err != nil {
		return "", fmt.Errorf("load %s pipeline %s: %w", kind, src, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("load %s pipeline %s: server returned no handle", kind, src)
	}
	return resp.ID, nil
}

func (l *RemoteLoader) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("model server request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("model server error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type remoteHandle struct {
	loader *RemoteLoader
	id     string
}

func (h remoteHandle) path(suffix string) string {
	return "/v1/pipelines/" + url.PathEscape(h.id) + suffix
}

// Close unloads the pipeline from the server
func (h remoteHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.loader.call(ctx, http.MethodDelete, h.path(""), nil, nil)
}

type remoteShape struct{ remoteHandle }

func (m *remoteShape) EnableOffload(ctx context.Context, device types.Device) error {
	return m.loader.call(ctx, http.MethodPost, m.path("/offload"), deviceRequest{Device: string(device)}, nil)
}

func (m *remoteShape) Generate(ctx context.Context, img image.Image) ([]*mesh.Mesh, error) {
	imgB64, err := encodePNG(img)
	if err != nil {
		return nil, err
	}

	var resp shapeResponse
	if err := m.loader.call(ctx, http.MethodPost, m.path("/shape"), shapeRequest{Image: imgB64}, &resp); err != nil {
		return nil, err
	}

	meshes := make([]*mesh.Mesh, 0, len(resp.Meshes))
	for i, s := range resp.Meshes {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("mesh %d: invalid base64: %w", i, err)
		}
		decoded, err := mesh.ReadGLB(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("mesh %d: %w", i, err)
		}
		meshes = append(meshes, decoded)
	}
	return meshes, nil
}

type remotePaint struct{ remoteHandle }

func (m *remotePaint) Paint(ctx context.Context, in *mesh.Mesh, img image.Image) (*mesh.TexturedMesh, error) {
	imgB64, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	var glb bytes.Buffer
	if err := mesh.WriteGLB(&glb, in); err != nil {
		return nil, fmt.Errorf("encode mesh: %w", err)
	}

	var resp paintResponse
	req := paintRequest{Mesh: base64.StdEncoding.EncodeToString(glb.Bytes()), Image: imgB64}
	if err := m.loader.call(ctx, http.MethodPost, m.path("/paint"), req, &resp); err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(resp.Mesh)
	if err != nil {
		return nil, fmt.Errorf("painted mesh: invalid base64: %w", err)
	}
	tm, err := mesh.ReadTexturedGLB(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("painted mesh: %w", err)
	}
	return tm, nil
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := processing.EncodeImage(&buf, img, "png", 0, false); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
