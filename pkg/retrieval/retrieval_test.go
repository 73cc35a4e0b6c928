package retrieval

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catrobat/mArIne3D/internal/retry"
	"github.com/Catrobat/mArIne3D/pkg/processing"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestFathomNetFindByConcept(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "/api/images/find/concept/Octopus rubescens", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"uuid":"a","url":"https://img/a.png","width":640,"height":480,
			 "boundingBoxes":[{"concept":"Octopus rubescens","x":10,"y":20,"width":100,"height":50},
			                  {"concept":"Sebastes","x":0,"y":0,"width":5,"height":5}]},
			{"uuid":"b","url":"https://img/b.png","width":320,"height":240,"boundingBoxes":[]}
		]`))
	}))
	defer srv.Close()

	src, err := NewFathomNetSource(FathomNetConfig{BaseURL: srv.URL + "/api/", Retry: fastRetry()}, nil)
	require.NoError(t, err)

	got, err := src.FindByConcept(context.Background(), "Octopus rubescens")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int32(2), calls.Load())

	assert.Equal(t, "a", got[0].UUID)
	assert.Equal(t, 640, got[0].Width)
	assert.Equal(t, []types.BoundingBox{{Concept: "Octopus rubescens", X: 10, Y: 20, Width: 100, Height: 50}},
		got[0].BoxesFor("Octopus rubescens"))
	assert.Empty(t, got[1].BoundingBoxes)
}

func TestFathomNetClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	src, err := NewFathomNetSource(FathomNetConfig{BaseURL: srv.URL, Retry: fastRetry()}, nil)
	require.NoError(t, err)

	_, err = src.FindByConcept(context.Background(), "octopus")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	got, err := src.FindByConcept(context.Background(), "  ")
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestFathomNetLimitAndBadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"uuid":"1"},{"uuid":"2"},{"uuid":"3"}]`))
	}))
	defer srv.Close()

	src, err := NewFathomNetSource(FathomNetConfig{BaseURL: srv.URL, Limit: 2}, nil)
	require.NoError(t, err)
	got, err := src.FindByConcept(context.Background(), "octopus")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = NewFathomNetSource(FathomNetConfig{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}

func TestDiffusionClientGenerate(t *testing.T) {
	img := pngBytes(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdapi/v1/txt2img", r.URL.Path)
		var req Txt2ImgRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a jellyfish", req.Prompt)
		assert.Equal(t, 2, req.BatchSize)

		json.NewEncoder(w).Encode(Txt2ImgResponse{Images: []string{
			base64.StdEncoding.EncodeToString(img),
			"data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
		}})
	}))
	defer srv.Close()

	cfg := DefaultDiffusionConfig()
	cfg.BaseURL = srv.URL
	images, err := NewDiffusionClient(cfg).Generate(context.Background(), "a jellyfish", 2)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, img, images[0])
	assert.Equal(t, img, images[1])
}

func TestDiffusionClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewDiffusionClient(DiffusionConfig{BaseURL: srv.URL}).Generate(context.Background(), "x", 1)
	assert.ErrorContains(t, err, "CUDA out of memory")

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"images":[]}`))
	}))
	defer empty.Close()

	_, err = NewDiffusionClient(DiffusionConfig{BaseURL: empty.URL}).Generate(context.Background(), "x", 1)
	assert.ErrorContains(t, err, "no images")
}

type stubGenerator struct {
	images [][]byte
	err    error
	prompt string
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, count int) ([][]byte, error) {
	g.prompt = prompt
	return g.images, g.err
}

type stubLocator struct {
	box types.BoundingBox
	err error
}

func (l stubLocator) LocateSubject(ctx context.Context, img image.Image, concept string) (types.BoundingBox, error) {
	return l.box, l.err
}

func TestGenerativeSource(t *testing.T) {
	gen := &stubGenerator{images: [][]byte{pngBytes(t, 40, 30), []byte("garbage")}}
	loc := stubLocator{box: types.BoundingBox{X: 5, Y: 5, Width: 10, Height: 10}}

	src := NewGenerativeSource(gen, loc, processing.NewProcessor(), DefaultGenerativeConfig(), nil)
	got, err := src.FindByConcept(context.Background(), "octopus")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, gen.prompt, "octopus")

	assert.Equal(t, 40, got[0].Width)
	assert.Equal(t, []types.BoundingBox{{Concept: "octopus", X: 5, Y: 5, Width: 10, Height: 10}}, got[0].BoundingBoxes)
	assert.NotEmpty(t, got[0].Data)
	assert.NotEmpty(t, got[0].UUID)

	// undecodable images are passed through without boxes
	assert.Empty(t, got[1].BoundingBoxes)
	assert.Equal(t, []byte("garbage"), got[1].Data)
}

func TestGenerativeSourceFullFrameFallback(t *testing.T) {
	gen := &stubGenerator{images: [][]byte{pngBytes(t, 40, 30)}}
	loc := stubLocator{err: errors.New("no subject located")}

	src := NewGenerativeSource(gen, loc, processing.NewProcessor(), GenerativeConfig{}, nil)
	got, err := src.FindByConcept(context.Background(), "crab")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []types.BoundingBox{{Concept: "crab", Width: 40, Height: 30}}, got[0].BoundingBoxes)

	src = NewGenerativeSource(&stubGenerator{err: errors.New("offline")}, nil, processing.NewProcessor(), GenerativeConfig{}, nil)
	_, err = src.FindByConcept(context.Background(), "crab")
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	fathom := SourceFunc(func(ctx context.Context, concept string) ([]types.ImageCandidate, error) {
		return []types.ImageCandidate{{UUID: "f"}}, nil
	})
	r := NewRouter().Register(types.MethodFathomNet, fathom)

	src, err := r.Source(types.MethodFathomNet)
	require.NoError(t, err)
	got, _ := src.FindByConcept(context.Background(), "x")
	assert.Equal(t, "f", got[0].UUID)

	_, err = r.Source(types.MethodGenAI)
	assert.ErrorIs(t, err, types.ErrUnknownMethod)
	assert.Equal(t, []types.Method{types.MethodFathomNet}, r.Methods())
}
