package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/pkg/pipeline"
)

var _ pipeline.Runner = (*Recorder)(nil)

// Recorder wraps a Runner and stores the outcome of every run it executes.
// Failing to store a record is logged and does not change the run's result.
type Recorder struct {
	runner pipeline.Runner
	store  *Store
	logger *zap.Logger
}

// NewRecorder creates a recording runner
func NewRecorder(runner pipeline.Runner, store *Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{runner: runner, store: store, logger: logger.With(zap.String("component", "history"))}
}

// Run implements pipeline.Runner
func (r *Recorder) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	start := time.Now()
	res, err := r.runner.Run(ctx, req)

	var rec *Record
	if err != nil {
		rec = FromError(req, err, time.Since(start))
	} else {
		rec = FromResult(res)
	}
	if storeErr := r.store.Add(context.WithoutCancel(ctx), rec); storeErr != nil {
		r.logger.Warn("failed to record generation", zap.String("concept", req.Concept), zap.Error(storeErr))
	}
	return res, err
}
