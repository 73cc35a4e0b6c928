package mesh

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultTriangleBudget is the decimation target used unless configured otherwise
const DefaultTriangleBudget = 50000

// Config holds configuration for mesh post-processing
type Config struct {
	// Maximum number of triangles kept by decimation
	TriangleBudget int `json:"triangle_budget" yaml:"triangle_budget"`
	// Vertices closer than this (per axis, after quantization) are merged; 0 merges exact matches only
	MergeEpsilon float64 `json:"merge_epsilon" yaml:"merge_epsilon"`
	// Triangles with an area at or below this are treated as degenerate
	DegenerateAreaEpsilon float64 `json:"degenerate_area_epsilon" yaml:"degenerate_area_epsilon"`
}

// DefaultConfig returns the post-processing defaults
func DefaultConfig() Config {
	return Config{
		TriangleBudget:        DefaultTriangleBudget,
		MergeEpsilon:          0,
		DegenerateAreaEpsilon: 1e-12,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.TriangleBudget < 0 {
		return fmt.Errorf("triangle_budget must not be negative")
	}
	if c.MergeEpsilon < 0 || c.DegenerateAreaEpsilon < 0 {
		return fmt.Errorf("merge_epsilon and degenerate_area_epsilon must not be negative")
	}
	return nil
}

// PostProcessor decimates and repairs raw meshes
type PostProcessor struct {
	config Config
	logger *zap.Logger
}

// New creates a PostProcessor with default configuration
func New() *PostProcessor {
	return NewWithConfig(DefaultConfig(), nil)
}

// NewWithConfig creates a PostProcessor with custom configuration
func NewWithConfig(config Config, logger *zap.Logger) *PostProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostProcessor{config: config, logger: logger.With(zap.String("component", "mesh"))}
}

// Simplify runs SimplifyTo with the configured triangle budget
func (p *PostProcessor) Simplify(raw *Mesh) (*Mesh, error) {
	return p.SimplifyTo(raw, p.config.TriangleBudget)
}

// SimplifyTo validates raw, decimates it to at most budget triangles and removes
// unreferenced vertices, degenerate triangles, duplicated triangles, duplicated
// vertices and non-manifold edges, in that order. raw is never modified and the
// result shares no memory with it. Negative budgets are treated as 0; a budget
// that cannot be reached stops at the smallest mesh decimation can produce.
func (p *PostProcessor) SimplifyTo(raw *Mesh, budget int) (*Mesh, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	if budget < 0 {
		budget = 0
	}

	m := decimate(raw, budget)
	decimated := len(m.Triangles)
	m = removeUnreferencedVertices(m)
	m = removeDegenerateTriangles(m, p.config.DegenerateAreaEpsilon)
	m = removeDuplicatedTriangles(m)
	m = removeDuplicatedVertices(m, p.config.MergeEpsilon, p.config.DegenerateAreaEpsilon)
	m = removeNonManifoldEdges(m)
	m = removeUnreferencedVertices(m).Clone()

	p.logger.Debug("mesh simplified",
		zap.Int("raw_triangles", len(raw.Triangles)),
		zap.Int("raw_vertices", len(raw.Vertices)),
		zap.Int("decimated_triangles", decimated),
		zap.Int("triangles", len(m.Triangles)),
		zap.Int("vertices", len(m.Vertices)),
		zap.Int("budget", budget),
	)
	return m, nil
}
