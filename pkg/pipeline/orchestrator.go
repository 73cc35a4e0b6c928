// Package pipeline turns a concept into textured 3D assets: it selects a reference crop,
// generates a mesh from it, cleans the mesh, paints it and exports the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/pkg/inference"
	"github.com/Catrobat/mArIne3D/pkg/mesh"
	"github.com/Catrobat/mArIne3D/pkg/selection"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

const instrumentationName = "github.com/Catrobat/mArIne3D/pkg/pipeline"

// ImageSelector picks the best reference crop of a concept
type ImageSelector interface {
	SelectBest(ctx context.Context, concept string) (*selection.ScoredCrop, error)
}

// Observer receives stage and run outcomes
type Observer interface {
	ObserveStage(stage State, elapsed time.Duration, err error)
	ObserveRun(method types.Method, final State, elapsed time.Duration)
}

// Request asks for the assets of one concept
type Request struct {
	Concept string       `json:"concept"`
	Method  types.Method `json:"method,omitempty"`
}

// Result describes a completed run
type Result struct {
	SessionID        string            `json:"session_id"`
	Concept          string            `json:"concept"`
	Method           types.Method      `json:"method"`
	Paths            OutputPaths       `json:"paths"`
	Files            []string          `json:"files"`
	Score            float64           `json:"score"`
	Variant          selection.Variant `json:"variant"`
	RawTriangles     int               `json:"raw_triangles"`
	CleanedTriangles int               `json:"cleaned_triangles"`
	Duration         time.Duration     `json:"duration"`
	Transitions      []Transition      `json:"transitions"`
}

// Config holds orchestrator settings
type Config struct {
	TriangleBudget int          `json:"triangle_budget" yaml:"triangle_budget"`
	DefaultMethod  types.Method `json:"default_method" yaml:"default_method"`
}

// DefaultConfig returns the default budget and method
func DefaultConfig() Config {
	return Config{
		TriangleBudget: mesh.DefaultTriangleBudget,
		DefaultMethod:  types.MethodFathomNet,
	}
}

// Orchestrator runs generation sessions. A single Orchestrator must not run two sessions
// at once against preloaded models; use a Dispatcher to serialize requests.
type Orchestrator struct {
	selectors     map[types.Method]ImageSelector
	registry      *inference.Registry
	postProcessor *mesh.PostProcessor
	exporter      *Exporter
	reclaimer     inference.Reclaimer
	config        Config
	observer      Observer
	tracer        trace.Tracer
	logger        *zap.Logger
}

// New creates an orchestrator. Selectors are attached per method with WithSelector.
func New(registry *inference.Registry, postProcessor *mesh.PostProcessor, exporter *Exporter, reclaimer inference.Reclaimer, config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if postProcessor == nil {
		postProcessor = mesh.New()
	}
	if reclaimer == nil {
		reclaimer = inference.NewMemoryReclaimer(nil, logger)
	}
	if config.DefaultMethod == "" {
		config.DefaultMethod = types.MethodFathomNet
	}
	return &Orchestrator{
		selectors:     make(map[types.Method]ImageSelector),
		registry:      registry,
		postProcessor: postProcessor,
		exporter:      exporter,
		reclaimer:     reclaimer,
		config:        config,
		tracer:        otel.Tracer(instrumentationName),
		logger:        logger.With(zap.String("component", "pipeline")),
	}
}

// WithSelector registers the image selector used for method
func (o *Orchestrator) WithSelector(method types.Method, sel ImageSelector) *Orchestrator {
	o.selectors[method] = sel
	return o
}

// WithObserver attaches an observer
func (o *Orchestrator) WithObserver(obs Observer) *Orchestrator {
	o.observer = obs
	return o
}

// Run executes one generation session. Failures, panics included, are returned with their
// stage; no stage is retried.
func (o *Orchestrator) Run(ctx context.Context, req Request) (result *Result, err error) {
	concept := strings.TrimSpace(req.Concept)
	if concept == "" {
		return nil, ErrEmptyConcept
	}
	method, err := types.ParseMethod(string(req.Method), o.config.DefaultMethod)
	if err != nil {
		return nil, err
	}
	selector, ok := o.selectors[method]
	if !ok {
		return nil, fmt.Errorf("%w: no selector for %q", types.ErrUnknownMethod, method)
	}

	sess := newSession(concept, method, o.registry.Device())
	start := time.Now()
	logger := o.logger.With(zap.String("session", sess.ID), zap.String("concept", concept), zap.String("method", string(method)))

	ctx, span := o.tracer.Start(ctx, "marine3d.generate", trace.WithAttributes(
		attribute.String("marine3d.session", sess.ID),
		attribute.String("marine3d.concept", concept),
		attribute.String("marine3d.method", string(method)),
		attribute.String("marine3d.device", string(sess.Device)),
	))
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, wrapStageError(sess.State(), fmt.Errorf("panic: %v", r))
		}
		o.finish(ctx, sess, err, start, logger)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger.Info("generation started")

	var best *selection.ScoredCrop
	err = o.stage(ctx, sess, StateSelectingImage, func(ctx context.Context) error {
		crop, err := selector.SelectBest(ctx, concept)
		if err != nil {
			return err
		}
		if crop == nil || crop.Empty() {
			return &NoCandidateError{Concept: concept, Method: method}
		}
		best = crop
		return nil
	})
	if err != nil {
		return nil, err
	}

	var raw *mesh.Mesh
	err = o.stage(ctx, sess, StateGeneratingMesh, func(ctx context.Context) error {
		lease, err := o.registry.Shape(ctx)
		if err != nil {
			return fmt.Errorf("load shape model: %w", err)
		}
		sess.shape = &lease

		if err := lease.Model.EnableOffload(ctx, sess.Device); err != nil {
			return fmt.Errorf("enable offload: %w", err)
		}
		meshes, err := lease.Model.Generate(ctx, best.Image)
		if err != nil {
			return err
		}
		if len(meshes) == 0 || meshes[0] == nil {
			return errors.New("shape model returned no mesh")
		}
		raw = meshes[0]
		return nil
	})
	if relErr := sess.releaseShape(); relErr != nil {
		logger.Warn("failed to close shape model", zap.Error(relErr))
	}
	o.reclaim(ctx, sess, logger)
	if err != nil {
		return nil, err
	}

	var cleaned *mesh.Mesh
	err = o.stage(ctx, sess, StateSimplifying, func(ctx context.Context) error {
		var err error
		cleaned, err = o.postProcessor.SimplifyTo(raw, o.config.TriangleBudget)
		return err
	})
	if err != nil {
		return nil, err
	}

	var painted *mesh.TexturedMesh
	err = o.stage(ctx, sess, StatePainting, func(ctx context.Context) error {
		lease, err := o.registry.Paint(ctx)
		if err != nil {
			return fmt.Errorf("load paint model: %w", err)
		}
		sess.paint = &lease

		painted, err = lease.Model.Paint(ctx, cleaned, best.Image)
		if err != nil {
			return err
		}
		if painted == nil || painted.Mesh == nil {
			return errors.New("paint model returned no mesh")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.stage(ctx, sess, StateExporting, func(ctx context.Context) error {
		paths, err := o.exporter.Export(ctx, cleaned, painted, best.Image)
		if err != nil {
			return err
		}
		sess.Paths = paths
		return nil
	})
	if err != nil {
		return nil, err
	}

	sess.transition(StateDone)
	return &Result{
		SessionID:        sess.ID,
		Concept:          concept,
		Method:           method,
		Paths:            sess.Paths,
		Files:            sess.Paths.Files(),
		Score:            best.Score,
		Variant:          best.Variant,
		RawTriangles:     raw.TriangleCount(),
		CleanedTriangles: cleaned.TriangleCount(),
		Duration:         time.Since(start),
		Transitions:      sess.Transitions(),
	}, nil
}

// stage moves the session into state, runs fn inside a span and tags its error with the stage
func (o *Orchestrator) stage(ctx context.Context, sess *Session, state State, fn func(context.Context) error) error {
	sess.transition(state)

	ctx, span := o.tracer.Start(ctx, "marine3d."+state.String())
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if o.observer != nil {
		o.observer.ObserveStage(state, elapsed, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return wrapStageError(state, err)
	}
	o.logger.Debug("stage finished",
		zap.String("session", sess.ID),
		zap.Stringer("stage", state),
		zap.Duration("elapsed", elapsed))
	return nil
}

// finish runs on every terminal transition: handles are closed and memory reclaimed
func (o *Orchestrator) finish(ctx context.Context, sess *Session, err error, start time.Time, logger *zap.Logger) {
	if err != nil && !sess.State().Terminal() {
		sess.transition(StateFailed)
	}
	if relErr := sess.release(); relErr != nil {
		logger.Warn("failed to close model handles", zap.Error(relErr))
	}
	o.reclaim(ctx, sess, logger)

	elapsed := time.Since(start)
	if o.observer != nil {
		o.observer.ObserveRun(sess.Method, sess.State(), elapsed)
	}
	if err != nil {
		logger.Error("generation failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	logger.Info("generation finished", zap.Duration("elapsed", elapsed), zap.Strings("files", sess.Paths.Files()))
}

func (o *Orchestrator) reclaim(ctx context.Context, sess *Session, logger *zap.Logger) {
	// reclamation must run even when the request context is already cancelled
	if err := o.reclaimer.Reclaim(context.WithoutCancel(ctx), sess.Device); err != nil {
		logger.Warn("memory reclamation failed", zap.Error(err))
	}
}
