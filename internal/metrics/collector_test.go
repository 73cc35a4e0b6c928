package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/pkg/pipeline"
	"github.com/Catrobat/mArIne3D/pkg/selection"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

func TestCollector_ObserveStage(t *testing.T) {
	c := NewCollector("", zap.NewNop())

	c.ObserveStage(pipeline.StateGeneratingMesh, 2*time.Second, nil)
	c.ObserveStage(pipeline.StateGeneratingMesh, time.Second, errors.New("oom"))
	c.ObserveStage(pipeline.StatePainting, time.Second, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageFailures.WithLabelValues("generating_mesh")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.stageFailures.WithLabelValues("painting")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.stageDuration))
}

func TestCollector_ObserveRun(t *testing.T) {
	c := NewCollector("", zap.NewNop())

	c.ObserveRun(types.MethodFathomNet, pipeline.StateDone, time.Minute)
	c.ObserveRun(types.MethodFathomNet, pipeline.StateDone, time.Minute)
	c.ObserveRun(types.MethodGenAI, pipeline.StateFailed, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.generationsTotal.WithLabelValues("fathomnet", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.generationsTotal.WithLabelValues("genai", "failed")))
}

func TestCollector_ObserveSelection(t *testing.T) {
	c := NewCollector("", zap.NewNop())

	c.ObserveSelection("octopus", 3, 2, 1, time.Second)
	c.ObserveItemFailure(selection.StageDecode)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.selectionCandidates))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.selectionCrops))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.itemFailures.WithLabelValues("decode")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("", zap.NewNop())
	c.RecordHTTPRequest("POST", "/generate", 200, time.Second)

	d := pipeline.NewDispatcher(runner{}, 2, nil)
	defer d.Close()
	c.WatchDispatcher("", d)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `marine3d_http_requests_total{method="POST",path="/generate",status="200"} 1`)
	assert.Contains(t, string(body), "marine3d_queue_depth 0")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("", nil)
	b := NewCollector("", nil)
	a.ObserveItemFailure("fetch")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.itemFailures.WithLabelValues("fetch")))
}

type runner struct{}

func (runner) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	return &pipeline.Result{}, nil
}
