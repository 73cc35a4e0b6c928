package processing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catrobat/mArIne3D/internal/retry"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 255 / width), uint8(y * 255 / height), 128, 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.Retry = retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return cfg
}

func TestCropToBoxClipsToBounds(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(100, 80)

	tests := []struct {
		name  string
		box   types.BoundingBox
		wantW int
		wantH int
	}{
		{"inside", types.BoundingBox{X: 10, Y: 10, Width: 30, Height: 20}, 30, 20},
		{"overflow right and bottom", types.BoundingBox{X: 90, Y: 70, Width: 50, Height: 50}, 10, 10},
		{"negative origin", types.BoundingBox{X: -20, Y: -10, Width: 40, Height: 30}, 20, 20},
		{"outside", types.BoundingBox{X: 200, Y: 200, Width: 10, Height: 10}, 0, 0},
		{"zero size", types.BoundingBox{X: 5, Y: 5}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop := p.CropToBox(img, tt.box)
			assert.Equal(t, tt.wantW, crop.Bounds().Dx())
			assert.Equal(t, tt.wantH, crop.Bounds().Dy())
			assert.LessOrEqual(t, crop.Bounds().Dx(), img.Bounds().Dx())
			assert.LessOrEqual(t, crop.Bounds().Dy(), img.Bounds().Dy())
		})
	}
}

func TestCropToBoxCopiesPixels(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(50, 50)

	crop := p.CropToBox(img, types.BoundingBox{X: 10, Y: 20, Width: 5, Height: 5})
	assert.Equal(t, img.NRGBAAt(10, 20), crop.NRGBAAt(0, 0))

	crop.SetNRGBA(0, 0, color.NRGBA{1, 2, 3, 255})
	assert.NotEqual(t, color.NRGBA{1, 2, 3, 255}, img.NRGBAAt(10, 20))
}

func TestResizeExact(t *testing.T) {
	p := NewProcessor()
	out := p.ResizeExact(createTestImage(40, 30), 160, 120)
	assert.Equal(t, image.Rect(0, 0, 160, 120), out.Bounds())

	same := p.ResizeExact(createTestImage(40, 30), 40, 30)
	assert.Equal(t, image.Rect(0, 0, 40, 30), same.Bounds())
}

func TestDecodeImage(t *testing.T) {
	p := NewProcessor()

	img, err := p.DecodeImage(encodePNG(t, createTestImage(12, 7)))
	require.NoError(t, err)
	assert.Equal(t, 12, img.Bounds().Dx())
	assert.Equal(t, 7, img.Bounds().Dy())

	_, err = p.DecodeImage([]byte("definitely not an image"))
	assert.Error(t, err)

	_, err = p.DecodeImage(nil)
	assert.Error(t, err)
}

func TestEncodeImageFormats(t *testing.T) {
	img := createTestImage(8, 8)
	for _, format := range []string{"png", "jpg", "webp"} {
		var buf bytes.Buffer
		require.NoError(t, EncodeImage(&buf, img, format, 90, false), format)
		decoded, err := NewProcessor().DecodeImage(buf.Bytes())
		require.NoError(t, err, format)
		assert.Equal(t, img.Bounds(), decoded.Bounds(), format)
	}

	assert.Error(t, EncodeImage(&bytes.Buffer{}, img, "tiff", 90, false))
}

func TestSaveAndLoadImage(t *testing.T) {
	p := NewProcessor()
	path := filepath.Join(t.TempDir(), "crop.png")

	require.NoError(t, p.SaveImage(createTestImage(20, 10), path, "png", 0, false))
	img, err := p.LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 10), img.Bounds())

	_, err = p.LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestFetchImageCachesByURL(t *testing.T) {
	payload := encodePNG(t, createTestImage(4, 4))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer srv.Close()

	p := NewProcessorWithConfig(testConfig(), nil)
	for i := 0; i < 3; i++ {
		data, err := p.FetchImage(context.Background(), srv.URL+"/a.png")
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchImageErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	p := NewProcessorWithConfig(testConfig(), nil)
	ctx := context.Background()

	_, err := p.FetchImage(ctx, srv.URL+"/missing")
	assert.Error(t, err)
	assert.Equal(t, int32(1), hits.Load(), "4xx responses are not retried")

	_, err = p.FetchImage(ctx, srv.URL+"/html")
	assert.Error(t, err)

	hits.Store(0)
	_, err = p.FetchImage(ctx, srv.URL+"/flaky")
	assert.Error(t, err)
	assert.Equal(t, int32(2), hits.Load(), "5xx responses are retried")

	_, err = p.FetchImage(ctx, "ftp://example.com/a.png")
	assert.Error(t, err)
}

func TestFetchImageSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxImageBytes = 1024
	_, err := NewProcessorWithConfig(cfg, nil).FetchImage(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestPrepareImageForModel(t *testing.T) {
	b64, err := PrepareImageForModel(createTestImage(300, 100), "png", 150, 85)
	require.NoError(t, err)
	assert.NotEmpty(t, b64)
}
