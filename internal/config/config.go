package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Catrobat/mArIne3D/pkg/detection"
	"github.com/Catrobat/mArIne3D/pkg/inference"
	"github.com/Catrobat/mArIne3D/pkg/mesh"
	"github.com/Catrobat/mArIne3D/pkg/processing"
	"github.com/Catrobat/mArIne3D/pkg/quality"
	"github.com/Catrobat/mArIne3D/pkg/retrieval"
	"github.com/Catrobat/mArIne3D/pkg/superres"
	"github.com/Catrobat/mArIne3D/pkg/types"
	"github.com/Catrobat/mArIne3D/pkg/vision"
)

// EnvPrefix prefixes every environment override, e.g. MARINE3D_SERVER_ADDR
const EnvPrefix = "MARINE3D"

// Config holds the application configuration
type Config struct {
	DefaultMethod types.Method     `json:"default_method" yaml:"default_method"`
	Retrieval     RetrievalConfig  `json:"retrieval" yaml:"retrieval"`
	Scoring       quality.Config   `json:"scoring" yaml:"scoring"`
	SuperRes      SuperResConfig   `json:"superres" yaml:"superres"`
	Generative    GenerativeConfig `json:"generative" yaml:"generative"`
	Models        ModelsConfig     `json:"models" yaml:"models"`
	Mesh          mesh.Config      `json:"mesh" yaml:"mesh"`
	Output        OutputConfig     `json:"output" yaml:"output"`
	Server        ServerConfig     `json:"server" yaml:"server"`
	History       HistoryConfig    `json:"history" yaml:"history"`
	Log           LogConfig        `json:"log" yaml:"log"`
}

// RetrievalConfig holds the image download and FathomNet settings
type RetrievalConfig struct {
	Fetch     processing.Config         `json:"fetch" yaml:"fetch"`
	FathomNet retrieval.FathomNetConfig `json:"fathomnet" yaml:"fathomnet"`
}

// SuperResConfig holds the super-resolution settings. Disabled super-resolution
// scores every crop on the original image only.
type SuperResConfig struct {
	Enabled bool                  `json:"enabled" yaml:"enabled"`
	Remote  superres.RemoteConfig `json:"remote" yaml:"remote"`
}

// GenerativeConfig holds the settings of the genai retrieval method
type GenerativeConfig struct {
	Source    retrieval.GenerativeConfig `json:"source" yaml:"source"`
	Diffusion retrieval.DiffusionConfig  `json:"diffusion" yaml:"diffusion"`
	Vision    VisionConfig               `json:"vision" yaml:"vision"`
	Detection detection.Config           `json:"detection" yaml:"detection"`
	// Local subject locator, used alone when Vision is disabled and as its fallback otherwise
	Saliency vision.Config `json:"saliency" yaml:"saliency"`
}

// VisionConfig selects the vision LLM used to locate subjects in generated images
type VisionConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Backend string `json:"backend" yaml:"backend"` // ollama or llamacpp
	URL     string `json:"url" yaml:"url"`
}

// ModelsConfig holds the shape and paint model settings
type ModelsConfig struct {
	Server  inference.RemoteConfig `json:"server" yaml:"server"`
	Device  types.Device           `json:"device" yaml:"device"`
	Preload bool                   `json:"preload" yaml:"preload"`
	Shape   inference.Pretrained   `json:"shape" yaml:"shape"`
	Paint   inference.Pretrained   `json:"paint" yaml:"paint"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// Requests that may wait behind the running generation
	QueueSize   int    `json:"queue_size" yaml:"queue_size"`
	AllowOrigin string `json:"allow_origin" yaml:"allow_origin"`
}

// HistoryConfig holds the generation history store settings
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// LogConfig holds the logger settings
type LogConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"` // json or console
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		DefaultMethod: types.MethodFathomNet,
		Retrieval: RetrievalConfig{
			Fetch:     processing.DefaultConfig(),
			FathomNet: retrieval.DefaultFathomNetConfig(),
		},
		Scoring: quality.DefaultConfig(),
		SuperRes: SuperResConfig{
			Enabled: true,
			Remote: superres.RemoteConfig{
				BaseURL:   "http://localhost:9001",
				Model:     "realesrgan",
				InputName: "input",
				Timeout:   2 * time.Minute,
			},
		},
		Generative: GenerativeConfig{
			Source:    retrieval.DefaultGenerativeConfig(),
			Diffusion: retrieval.DefaultDiffusionConfig(),
			Vision: VisionConfig{
				Enabled: true,
				Backend: "ollama",
				URL:     "http://localhost:11434",
			},
			Detection: detection.DefaultConfig(),
			Saliency:  vision.DefaultConfig(),
		},
		Models: ModelsConfig{
			Server: inference.DefaultRemoteConfig(),
			Device: "cuda",
			Shape:  inference.DefaultShapeSource(),
			Paint:  inference.DefaultPaintSource(),
		},
		Mesh: mesh.DefaultConfig(),
		Output: OutputConfig{
			Dir: "./output",
		},
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			QueueSize:       4,
			AllowOrigin:     "*",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "./data/history.db",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
	}
}

// Load builds the configuration from defaults, then the file at path (skipped when
// path is empty), then MARINE3D_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(filename); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if isYAML(filename) {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration as JSON, or YAML for .yaml/.yml names
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := types.ParseMethod(string(c.DefaultMethod), types.MethodFathomNet); err != nil {
		return fmt.Errorf("default_method: %w", err)
	}

	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}

	if err := c.Mesh.Validate(); err != nil {
		return fmt.Errorf("mesh: %w", err)
	}

	if c.Retrieval.FathomNet.BaseURL == "" {
		return fmt.Errorf("retrieval.fathomnet.base_url cannot be empty")
	}

	if c.Retrieval.Fetch.MaxImageBytes <= 0 {
		return fmt.Errorf("retrieval.fetch.max_image_bytes must be positive")
	}

	if c.SuperRes.Enabled && (c.SuperRes.Remote.BaseURL == "" || c.SuperRes.Remote.Model == "") {
		return fmt.Errorf("superres.remote.base_url and superres.remote.model are required when superres is enabled")
	}

	if c.Generative.Source.Count < 1 {
		return fmt.Errorf("generative.source.count must be positive")
	}

	switch c.Generative.Vision.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("generative.vision.backend must be ollama or llamacpp")
	}

	if c.Models.Server.BaseURL == "" {
		return fmt.Errorf("models.server.base_url cannot be empty")
	}

	if c.Models.Shape.ID == "" || c.Models.Paint.ID == "" {
		return fmt.Errorf("models.shape.id and models.paint.id cannot be empty")
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir cannot be empty")
	}

	if c.Server.QueueSize < 0 {
		return fmt.Errorf("server.queue_size must not be negative")
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path cannot be empty when history is enabled")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "marine3d", "config.yaml")
}
