// Package marine3d turns a text concept into a textured 3D asset.
//
// A run selects the best reference crop of the concept, generates a mesh from it
// with a remote shape model, decimates and repairs the mesh, paints it with a remote
// texture model and exports the results as GLB files.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		marine3d "github.com/Catrobat/mArIne3D"
//		"github.com/Catrobat/mArIne3D/internal/config"
//	)
//
//	func main() {
//		forge, err := marine3d.New(config.Default(), nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer forge.Close()
//
//		res, err := forge.Generate(context.Background(), "octopus", "fathomnet")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(res.Files) // [mesh.glb painted.glb image.png]
//	}
//
// The package wires these components:
//
//  1. Retrieval (pkg/retrieval): FathomNet annotations or generated images
//  2. Selection (pkg/selection): crops scored with and without super-resolution
//  3. Mesh (pkg/mesh): decimation, cleanup and GLB encoding
//  4. Inference (pkg/inference): remote shape and paint models
//  5. Pipeline (pkg/pipeline): the generation state machine and its request queue
package marine3d

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/internal/config"
	"github.com/Catrobat/mArIne3D/internal/history"
	"github.com/Catrobat/mArIne3D/internal/metrics"
	"github.com/Catrobat/mArIne3D/internal/server"
	"github.com/Catrobat/mArIne3D/pkg/client"
	"github.com/Catrobat/mArIne3D/pkg/detection"
	"github.com/Catrobat/mArIne3D/pkg/inference"
	"github.com/Catrobat/mArIne3D/pkg/llamacpp"
	"github.com/Catrobat/mArIne3D/pkg/mesh"
	"github.com/Catrobat/mArIne3D/pkg/ollama"
	"github.com/Catrobat/mArIne3D/pkg/pipeline"
	"github.com/Catrobat/mArIne3D/pkg/processing"
	"github.com/Catrobat/mArIne3D/pkg/quality"
	"github.com/Catrobat/mArIne3D/pkg/retrieval"
	"github.com/Catrobat/mArIne3D/pkg/selection"
	"github.com/Catrobat/mArIne3D/pkg/superres"
	"github.com/Catrobat/mArIne3D/pkg/types"
	"github.com/Catrobat/mArIne3D/pkg/vision"
)

// Version of the marine3d library
const Version = "1.0.0"

// Forge wires every component of the generation pipeline from one configuration
type Forge struct {
	config        *config.Config
	logger        *zap.Logger
	processor     *processing.Processor
	postProcessor *mesh.PostProcessor
	selectors     map[types.Method]*selection.Selector
	registry      *inference.Registry
	orchestrator  *pipeline.Orchestrator
	dispatcher    *pipeline.Dispatcher
	metrics       *metrics.Collector
	history       *history.Store
}

// New builds a Forge. Remote collaborators are contacted lazily, so New succeeds
// without any model server running.
func New(cfg *config.Config, logger *zap.Logger) (*Forge, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	processor := processing.NewProcessorWithConfig(cfg.Retrieval.Fetch, logger)
	scorer := quality.NewWithConfig(cfg.Scoring)

	enhancer := superres.Passthrough
	if cfg.SuperRes.Enabled {
		remote, err := superres.NewRemoteEnhancer(cfg.SuperRes.Remote)
		if err != nil {
			return nil, err
		}
		enhancer = remote
	}

	router, err := newRouter(cfg, processor, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(metrics.DefaultNamespace, logger)

	loader, err := inference.NewRemoteLoader(cfg.Models.Server)
	if err != nil {
		return nil, err
	}
	registry := inference.NewRegistry(loader, cfg.Models.Shape, cfg.Models.Paint, cfg.Models.Device, logger)
	postProcessor := mesh.NewWithConfig(cfg.Mesh, logger)

	orchestrator := pipeline.New(
		registry,
		postProcessor,
		pipeline.NewExporter(cfg.Output.Dir),
		inference.NewMemoryReclaimer(loader, logger),
		pipeline.Config{TriangleBudget: cfg.Mesh.TriangleBudget, DefaultMethod: cfg.DefaultMethod},
		logger,
	).WithObserver(collector)

	selectors := make(map[types.Method]*selection.Selector)
	for _, method := range router.Methods() {
		src, _ := router.Source(method)
		sel := selection.New(src, processor, enhancer, scorer, registry.Device(), logger).WithObserver(collector)
		selectors[method] = sel
		orchestrator.WithSelector(method, sel)
	}

	f := &Forge{
		config:        cfg,
		logger:        logger,
		processor:     processor,
		postProcessor: postProcessor,
		selectors:     selectors,
		registry:      registry,
		orchestrator:  orchestrator,
		metrics:       collector,
	}

	var runner pipeline.Runner = orchestrator
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return nil, err
		}
		f.history = store
		runner = history.NewRecorder(orchestrator, store, logger)
	}

	f.dispatcher = pipeline.NewDispatcher(runner, cfg.Server.QueueSize, logger)
	collector.WatchDispatcher(metrics.DefaultNamespace, f.dispatcher)

	return f, nil
}

func newRouter(cfg *config.Config, processor *processing.Processor, logger *zap.Logger) (*retrieval.Router, error) {
	fathomnet, err := retrieval.NewFathomNetSource(cfg.Retrieval.FathomNet, logger)
	if err != nil {
		return nil, err
	}

	var locator retrieval.SubjectLocator = vision.NewSaliencyLocator(cfg.Generative.Saliency)
	if cfg.Generative.Vision.Enabled {
		vc, err := newVisionClient(cfg.Generative.Vision)
		if err != nil {
			return nil, err
		}
		locator = &vision.FallbackLocator{
			Primary:   detection.NewDetector(vc, cfg.Generative.Detection),
			Secondary: locator,
			Logger:    logger,
		}
	}
	generative := retrieval.NewGenerativeSource(
		retrieval.NewDiffusionClient(cfg.Generative.Diffusion),
		locator,
		processor,
		cfg.Generative.Source,
		logger,
	)

	return retrieval.NewRouter().
		Register(types.MethodFathomNet, fathomnet).
		Register(types.MethodGenAI, generative), nil
}

func newVisionClient(cfg config.VisionConfig) (client.VisionClient, error) {
	switch cfg.Backend {
	case "llamacpp":
		return llamacpp.NewClient(cfg.URL)
	default:
		return ollama.NewClient(cfg.URL)
	}
}

// Preload loads the shape and paint models once so every run shares them
func (f *Forge) Preload(ctx context.Context) error {
	return f.registry.Preload(ctx)
}

// Generate queues a generation run and waits for its result. An empty method uses the
// configured default.
func (f *Forge) Generate(ctx context.Context, concept string, method types.Method) (*pipeline.Result, error) {
	return f.dispatcher.Submit(ctx, pipeline.Request{Concept: concept, Method: method})
}

// SelectBest returns the best crop of concept, or nil when no candidate is usable
func (f *Forge) SelectBest(ctx context.Context, concept string, method types.Method) (*selection.ScoredCrop, error) {
	sel, err := f.selector(method)
	if err != nil {
		return nil, err
	}
	return sel.SelectBest(ctx, concept)
}

// SelectAll returns every crop of concept, best first
func (f *Forge) SelectAll(ctx context.Context, concept string, method types.Method) ([]selection.ScoredCrop, error) {
	sel, err := f.selector(method)
	if err != nil {
		return nil, err
	}
	return sel.SelectAll(ctx, concept)
}

func (f *Forge) selector(method types.Method) (*selection.Selector, error) {
	m, err := types.ParseMethod(string(method), f.config.DefaultMethod)
	if err != nil {
		return nil, err
	}
	sel, ok := f.selectors[m]
	if !ok {
		return nil, fmt.Errorf("%w: no selector for %q", types.ErrUnknownMethod, m)
	}
	return sel, nil
}

// Simplify decimates and repairs raw to at most budget triangles
func (f *Forge) Simplify(raw *mesh.Mesh, budget int) (*mesh.Mesh, error) {
	return f.postProcessor.SimplifyTo(raw, budget)
}

// SimplifyFile reads a GLB file, simplifies it and writes the result to outputPath
func (f *Forge) SimplifyFile(inputPath, outputPath string, budget int) (before, after mesh.Stats, err error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return before, after, fmt.Errorf("failed to open mesh: %w", err)
	}
	raw, err := mesh.ReadGLB(in)
	in.Close()
	if err != nil {
		return before, after, fmt.Errorf("failed to read mesh: %w", err)
	}

	cleaned, err := f.Simplify(raw, budget)
	if err != nil {
		return raw.Stats(), after, err
	}
	if err := mesh.SaveGLB(outputPath, cleaned); err != nil {
		return raw.Stats(), cleaned.Stats(), fmt.Errorf("failed to save mesh: %w", err)
	}
	return raw.Stats(), cleaned.Stats(), nil
}

// SaveCrop writes a crop image in the given format (jpg, png or webp)
func (f *Forge) SaveCrop(crop selection.ScoredCrop, path, format string, quality int, lossless bool) error {
	return f.processor.SaveImage(crop.Image, path, format, quality, lossless)
}

// Handler returns the HTTP API
func (f *Forge) Handler() http.Handler {
	opts := server.Options{
		Generator:   f.dispatcher,
		OutputDir:   f.config.Output.Dir,
		Metrics:     f.metrics.Handler(),
		Recorder:    f.metrics,
		AllowOrigin: f.config.Server.AllowOrigin,
		Logger:      f.logger,
	}
	if f.history != nil {
		opts.History = f.history
	}
	return server.NewHandler(opts)
}

// NewServer returns a server manager for Handler using the configured address and timeouts
func (f *Forge) NewServer() *server.Manager {
	return server.NewManager(f.Handler(), f.config.Server, f.logger)
}

// Config returns the configuration the Forge was built from
func (f *Forge) Config() *config.Config {
	return f.config
}

// Close drains the request queue and releases models and the history database
func (f *Forge) Close() error {
	f.dispatcher.Close()
	err := f.registry.Close()
	if f.history != nil {
		err = errors.Join(err, f.history.Close())
	}
	return err
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
