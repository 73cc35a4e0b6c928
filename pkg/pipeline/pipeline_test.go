package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catrobat/mArIne3D/pkg/inference"
	"github.com/Catrobat/mArIne3D/pkg/mesh"
	"github.com/Catrobat/mArIne3D/pkg/retrieval"
	"github.com/Catrobat/mArIne3D/pkg/selection"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// gridMesh is a w x h quad grid in the z=0 plane with 2*w*h triangles
func gridMesh(w, h int) *mesh.Mesh {
	m := &mesh.Mesh{}
	for y := 0; y <= h; y++ {
		for x := 0; x <= w; x++ {
			z := float32(0.05 * math.Sin(float64(x)/7) * math.Cos(float64(y)/5))
			m.Vertices = append(m.Vertices, [3]float32{float32(x), float32(y), z})
		}
	}
	row := uint32(w + 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := uint32(y)*row + uint32(x)
			m.Triangles = append(m.Triangles, [3]uint32{i, i + 1, i + row}, [3]uint32{i + 1, i + row + 1, i + row})
		}
	}
	return m
}

func stripes(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(30)
			if (x+y)%3 == 0 {
				v = 230
			}
			img.SetNRGBA(x, y, color.NRGBA{v, v / 2, 255 - v, 255})
		}
	}
	return img
}

type selectorFunc func(ctx context.Context, concept string) (*selection.ScoredCrop, error)

func (f selectorFunc) SelectBest(ctx context.Context, concept string) (*selection.ScoredCrop, error) {
	return f(ctx, concept)
}

func fixedCrop(img *image.NRGBA) ImageSelector {
	return selectorFunc(func(ctx context.Context, concept string) (*selection.ScoredCrop, error) {
		return &selection.ScoredCrop{Score: 0.8, Image: img, Variant: selection.VariantOriginal}, nil
	})
}

type fakeShape struct {
	meshes  []*mesh.Mesh
	err     error
	device  types.Device
	inputs  []image.Image
	closed  int
	offload int
}

func (f *fakeShape) EnableOffload(ctx context.Context, device types.Device) error {
	f.offload++
	f.device = device
	return nil
}

func (f *fakeShape) Generate(ctx context.Context, img image.Image) ([]*mesh.Mesh, error) {
	f.inputs = append(f.inputs, img)
	return f.meshes, f.err
}

func (f *fakeShape) Close() error { f.closed++; return nil }

type fakePaint struct {
	err    error
	crash  string
	closed int
	input  *mesh.Mesh
}

func (f *fakePaint) Paint(ctx context.Context, m *mesh.Mesh, img image.Image) (*mesh.TexturedMesh, error) {
	if f.crash != "" {
		panic(f.crash)
	}
	if f.err != nil {
		return nil, f.err
	}
	f.input = m
	lo, hi := m.Bounds()
	uvs := make([][2]float32, len(m.Vertices))
	for i, v := range m.Vertices {
		uvs[i] = [2]float32{(v[0] - lo[0]) / (hi[0] - lo[0] + 1e-6), (v[1] - lo[1]) / (hi[1] - lo[1] + 1e-6)}
	}
	return &mesh.TexturedMesh{Mesh: m, UVs: uvs, Texture: img}, nil
}

func (f *fakePaint) Close() error { f.closed++; return nil }

type fakeLoader struct {
	mu         sync.Mutex
	shape      *fakeShape
	paint      *fakePaint
	shapeLoads int
	paintLoads int
}

func (l *fakeLoader) LoadShape(ctx context.Context, src inference.Pretrained, device types.Device) (inference.ShapeModel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shapeLoads++
	return l.shape, nil
}

func (l *fakeLoader) LoadPaint(ctx context.Context, src inference.Pretrained, device types.Device) (inference.PaintModel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paintLoads++
	return l.paint, nil
}

type countingReclaimer struct {
	mu      sync.Mutex
	calls   int
	devices []types.Device
}

func (r *countingReclaimer) Reclaim(ctx context.Context, device types.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.devices = append(r.devices, device)
	return nil
}

type recordingObserver struct {
	stages []State
	errs   []error
	final  State
	runs   int
}

func (o *recordingObserver) ObserveStage(stage State, elapsed time.Duration, err error) {
	o.stages = append(o.stages, stage)
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) ObserveRun(method types.Method, final State, elapsed time.Duration) {
	o.final = final
	o.runs++
}

type harness struct {
	loader    *fakeLoader
	reclaimer *countingReclaimer
	observer  *recordingObserver
	registry  *inference.Registry
	orch      *Orchestrator
	dir       string
}

func newHarness(t *testing.T, shapeMesh *mesh.Mesh) *harness {
	t.Helper()
	h := &harness{
		loader: &fakeLoader{
			shape: &fakeShape{meshes: []*mesh.Mesh{shapeMesh}},
			paint: &fakePaint{},
		},
		reclaimer: &countingReclaimer{},
		observer:  &recordingObserver{},
		dir:       filepath.Join(t.TempDir(), "out"),
	}
	h.registry = inference.NewRegistry(h.loader, inference.DefaultShapeSource(), inference.DefaultPaintSource(), "cuda:1", nil)
	h.orch = New(h.registry, mesh.New(), NewExporter(h.dir), h.reclaimer, DefaultConfig(), nil).
		WithObserver(h.observer)
	return h
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestOctopusEndToEnd(t *testing.T) {
	raw := gridMesh(300, 200)
	require.Equal(t, 120000, raw.TriangleCount())

	var seen []string
	source := retrieval.SourceFunc(func(ctx context.Context, concept string) ([]types.ImageCandidate, error) {
		return []types.ImageCandidate{
			{UUID: "one", Data: encodePNG(t, stripes(64, 48)),
				BoundingBoxes: []types.BoundingBox{{Concept: "octopus", X: 4, Y: 4, Width: 40, Height: 30}}},
			{UUID: "broken", Data: []byte{0xff, 0xd8, 0x00},
				BoundingBoxes: []types.BoundingBox{{Concept: "octopus", Width: 10, Height: 10}}},
			{UUID: "two", Data: encodePNG(t, stripes(32, 32)),
				BoundingBoxes: []types.BoundingBox{{Concept: "octopus", X: 0, Y: 0, Width: 16, Height: 16}}},
		}, nil
	})

	sel := selection.New(source, nil, nil, nil, "cuda:1", nil)
	crops, err := sel.Select(context.Background(), "octopus")
	require.NoError(t, err)
	assert.Len(t, crops.Crops, 2)
	assert.Len(t, crops.Failures, 1)

	h := newHarness(t, raw)
	h.orch.WithSelector(types.MethodFathomNet, selectorFunc(func(ctx context.Context, concept string) (*selection.ScoredCrop, error) {
		seen = append(seen, concept)
		return sel.SelectBest(ctx, concept)
	}))

	res, err := h.orch.Run(context.Background(), Request{Concept: "octopus", Method: types.MethodFathomNet})
	require.NoError(t, err)

	assert.Equal(t, []string{"octopus"}, seen)
	assert.Equal(t, []string{"mesh.glb", "painted.glb", "image.png"}, res.Files)
	assert.Equal(t, 120000, res.RawTriangles)
	assert.LessOrEqual(t, res.CleanedTriangles, 50000)
	assert.Positive(t, res.CleanedTriangles)
	assert.NotEmpty(t, res.SessionID)

	// the best crop was handed to the shape model on the configured device
	require.Len(t, h.loader.shape.inputs, 1)
	assert.Equal(t, types.Device("cuda:1"), h.loader.shape.device)
	assert.Equal(t, res.CleanedTriangles, h.loader.paint.input.TriangleCount())

	for _, p := range []string{res.Paths.RawMesh, res.Paths.PaintedMesh, res.Paths.Image} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	f, err := os.Open(res.Paths.RawMesh)
	require.NoError(t, err)
	defer f.Close()
	exported, err := mesh.ReadGLB(f)
	require.NoError(t, err)
	assert.Equal(t, res.CleanedTriangles, exported.TriangleCount())

	// owned handles are closed and memory reclaimed after generation and at the end
	assert.Equal(t, 1, h.loader.shape.closed)
	assert.Equal(t, 1, h.loader.paint.closed)
	assert.Equal(t, 2, h.reclaimer.calls)
	assert.Equal(t, StateDone, h.observer.final)
	assert.Equal(t, []State{StateSelectingImage, StateGeneratingMesh, StateSimplifying, StatePainting, StateExporting}, h.observer.stages)

	var states []State
	for _, tr := range res.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateSelectingImage, StateGeneratingMesh, StateSimplifying, StatePainting, StateExporting, StateDone}, states)
}

func TestNoCandidateLoadsNoModel(t *testing.T) {
	source := retrieval.SourceFunc(func(ctx context.Context, concept string) ([]types.ImageCandidate, error) {
		return []types.ImageCandidate{
			{UUID: "a", Data: encodePNG(t, stripes(16, 16)),
				BoundingBoxes: []types.BoundingBox{{Concept: "squid", Width: 8, Height: 8}}},
		}, nil
	})

	h := newHarness(t, gridMesh(2, 2))
	h.orch.WithSelector(types.MethodFathomNet, selection.New(source, nil, nil, nil, "", nil))

	res, err := h.orch.Run(context.Background(), Request{Concept: "octopus"})
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrNoCandidate)

	var nc *NoCandidateError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, "octopus", nc.Concept)
	assert.Contains(t, err.Error(), "octopus")

	assert.Zero(t, h.loader.shapeLoads)
	assert.Zero(t, h.loader.paintLoads)
	assert.Equal(t, StateFailed, h.observer.final)
	assert.Equal(t, 1, h.reclaimer.calls)

	_, statErr := os.Stat(filepath.Join(h.dir, MeshFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestZeroAreaBestCropIsNoCandidate(t *testing.T) {
	h := newHarness(t, gridMesh(2, 2))
	h.orch.WithSelector(types.MethodFathomNet, fixedCrop(image.NewNRGBA(image.Rect(0, 0, 0, 0))))

	_, err := h.orch.Run(context.Background(), Request{Concept: "eel"})
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Zero(t, h.loader.shapeLoads)
}

func TestShapeModelFailure(t *testing.T) {
	boom := errors.New("CUDA out of memory")
	h := newHarness(t, nil)
	h.loader.shape.meshes = nil
	h.loader.shape.err = boom
	h.orch.WithSelector(types.MethodFathomNet, fixedCrop(stripes(8, 8)))

	_, err := h.orch.Run(context.Background(), Request{Concept: "eel"})
	require.ErrorIs(t, err, boom)

	var mie *ModelInferenceError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, StateGeneratingMesh, mie.Stage)

	assert.Equal(t, 1, h.loader.shape.closed)
	assert.Zero(t, h.loader.paintLoads)
	assert.Equal(t, 2, h.reclaimer.calls)
	assert.Equal(t, StateFailed, h.observer.final)
}

func TestShapeModelReturnsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.loader.shape.meshes = nil
	h.orch.WithSelector(types.MethodFathomNet, fixedCrop(stripes(8, 8)))

	_, err := h.orch.Run(context.Background(), Request{Concept: "eel"})
	var mie *ModelInferenceError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, StateGeneratingMesh, mie.Stage)
}

func TestPaintModelFailure(t *testing.T) {
	boom := errors.New("texture baking failed")
	h := newHarness(t, gridMesh(4, 4))
	h.loader.paint.err = boom
	h.orch.WithSelector(types.MethodFathomNet, fixedCrop(stripes(8, 8)))

	_, err := h.orch.Run(context.Background(), Request{Concept: "eel"})
	require.ErrorIs(t, err, boom)

	var mie *ModelInferenceError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, StatePainting, mie.Stage)
	assert.Equal(t, 1, h.loader.paint.closed)
	assert.Equal(t, StateFailed, h.observer.final)
}

func TestPaintModelPanicFailsSession(t *testing.T) {
	h := newHarness(t, gridMesh(4, 4))
	h.loader.paint.crash = "texture buffer overrun"
	h.orch.WithSelector(types.MethodFathomNet, fixedCrop(stripes(8, 8)))

	res, err := h.orch.Run(context.Background(), Request{Concept: "eel"})
	assert.Nil(t, res)
	require.ErrorContains(t, err, "texture buffer overrun")

	var mie *ModelInferenceError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, StatePainting, mie.Stage)

	assert.Equal(t, StateFailed, h.observer.final)
	assert.Equal(t, 1, h.observer.runs)
	assert.Equal(t, 1, h.loader.paint.closed)
	assert.NoFileExists(t, filepath.Join(h.dir, MeshFile))
}

func TestMalformedMeshIsStructuralError(t *testing.T) {
	bad := gridMesh(2, 2)
	bad.Vertices[0][1] = float32(math.NaN())
	h := newHarness(t, bad)
	h.orch.WithSelector(types.MethodFathomNet, fixedCrop(stripes(8, 8)))

	_, err := h.orch.Run(context.Background(), Request{Concept: "eel"})
	require.ErrorIs(t, err, mesh.ErrStructural)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateSimplifying, se.Stage)
	assert.Zero(t, h.loader.paintLoads)
}

func TestExportFailure(t *testing.T) {
	h := newHarness(t, gridMesh(4, 4))
	require.NoError(t, os.WriteFile(h.dir, []byte("not a directory"), 0o644))
	h.orch.WithSelector(types.MethodFathomNet, fixedCrop(stripes(8, 8)))

	res, err := h.orch.Run(context.Background(), Request{Concept: "eel"})
	assert.Nil(t, res)
	var ee *ExportError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, StateFailed, h.observer.final)
}

func TestPreloadedHandlesAreShared(t *testing.T) {
	h := newHarness(t, gridMesh(4, 4))
	require.NoError(t, h.registry.Preload(context.Background()))
	h.orch.WithSelector(types.MethodGenAI, fixedCrop(stripes(8, 8)))

	for i := 0; i < 2; i++ {
		_, err := h.orch.Run(context.Background(), Request{Concept: "eel", Method: types.MethodGenAI})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.loader.shapeLoads)
	assert.Equal(t, 1, h.loader.paintLoads)
	assert.Zero(t, h.loader.shape.closed)
	assert.Zero(t, h.loader.paint.closed)
	assert.Equal(t, 2, h.loader.shape.offload)
}

func TestRunRejectsBadRequests(t *testing.T) {
	h := newHarness(t, gridMesh(2, 2))
	h.orch.WithSelector(types.MethodFathomNet, fixedCrop(stripes(8, 8)))

	_, err := h.orch.Run(context.Background(), Request{Concept: "  "})
	assert.ErrorIs(t, err, ErrEmptyConcept)

	_, err = h.orch.Run(context.Background(), Request{Concept: "eel", Method: "dalle"})
	assert.ErrorIs(t, err, types.ErrUnknownMethod)

	_, err = h.orch.Run(context.Background(), Request{Concept: "eel", Method: types.MethodGenAI})
	assert.ErrorIs(t, err, types.ErrUnknownMethod)

	assert.Zero(t, h.observer.runs)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateSelectingImage, true},
		{StateIdle, StateGeneratingMesh, false},
		{StateSelectingImage, StateGeneratingMesh, true},
		{StateGeneratingMesh, StateSimplifying, true},
		{StateSimplifying, StatePainting, true},
		{StatePainting, StateExporting, true},
		{StateExporting, StateDone, true},
		{StatePainting, StateFailed, true},
		{StateIdle, StateFailed, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateIdle, false},
		{StateExporting, StateSelectingImage, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}

	s := newSession("eel", types.MethodFathomNet, types.DeviceCPU)
	assert.Panics(t, func() { s.transition(StateDone) })
	assert.Equal(t, "state(42)", State(42).String())
}

func TestExporterLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	e := NewExporter(dir)
	m := gridMesh(3, 3)
	tm := &mesh.TexturedMesh{Mesh: m, UVs: make([][2]float32, len(m.Vertices)), Texture: stripes(4, 4)}

	for i := 0; i < 2; i++ {
		paths, err := e.Export(context.Background(), m, tm, stripes(8, 8))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, ImageFile), paths.Image)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t, []string{MeshFile, PaintedFile, ImageFile}, names)

	// a bad painted mesh fails the whole export and keeps the previous files
	_, err = e.Export(context.Background(), m, &mesh.TexturedMesh{Mesh: m}, stripes(8, 8))
	var ee *ExportError
	require.ErrorAs(t, err, &ee)
	entries, _ = os.ReadDir(dir)
	assert.Len(t, entries, 3)
}

func TestExporterRestoresPreviousSetWhenRenameFails(t *testing.T) {
	dir := t.TempDir()
	e := NewExporter(dir)

	first := gridMesh(2, 2)
	_, err := e.Export(context.Background(), first,
		&mesh.TexturedMesh{Mesh: first, UVs: make([][2]float32, len(first.Vertices)), Texture: stripes(4, 4)}, stripes(8, 8))
	require.NoError(t, err)

	previous := make(map[string][]byte)
	for _, name := range []string{MeshFile, PaintedFile, ImageFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		previous[name] = data
	}

	diskFull := errors.New("no space left on device")
	e.rename = func(oldpath, newpath string) error {
		if filepath.Base(newpath) == PaintedFile {
			return diskFull
		}
		return os.Rename(oldpath, newpath)
	}

	second := gridMesh(5, 5)
	_, err = e.Export(context.Background(), second,
		&mesh.TexturedMesh{Mesh: second, UVs: make([][2]float32, len(second.Vertices)), Texture: stripes(4, 4)}, stripes(16, 16))
	require.ErrorIs(t, err, diskFull)
	var ee *ExportError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, filepath.Join(dir, PaintedFile), ee.Path)

	for name, want := range previous {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
