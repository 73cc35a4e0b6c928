package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/time/rate"

	"github.com/Catrobat/mArIne3D/internal/retry"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// Config holds configuration for image fetching
type Config struct {
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	UserAgent         string        `json:"user_agent" yaml:"user_agent"`
	MaxImageBytes     int64         `json:"max_image_bytes" yaml:"max_image_bytes"`
	CacheTTL          time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"` // 0 disables limiting
	Burst             int           `json:"burst" yaml:"burst"`
	Retry             retry.Policy  `json:"retry" yaml:"retry"`
}

// DefaultConfig returns the fetch settings used against public image hosts
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		UserAgent:         "mArIne3D/1.0 (+https://github.com/Catrobat/mArIne3D)",
		MaxImageBytes:     32 << 20,
		CacheTTL:          30 * time.Minute,
		RequestsPerSecond: 4,
		Burst:             2,
		Retry:             *retry.DefaultPolicy(),
	}
}

// Processor handles image fetching, decoding and pixel operations
type Processor struct {
	config  Config
	client  *http.Client
	cache   *cache.Cache
	limiter *rate.Limiter
	retryer retry.Retryer
	logger  *zap.Logger
}

// NewProcessor creates a new image processor with default configuration
func NewProcessor() *Processor {
	return NewProcessorWithConfig(DefaultConfig(), nil)
}

// NewProcessorWithConfig creates a new image processor
func NewProcessorWithConfig(config Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}

	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}

	policy := config.Retry
	return &Processor{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		cache:   cache.New(ttl, 2*ttl),
		limiter: rate.NewLimiter(limit, burst),
		retryer: retry.NewBackoffRetryer(&policy, logger),
		logger:  logger.With(zap.String("component", "processing")),
	}
}

// FetchImage downloads the encoded bytes of an image. Successful downloads are cached by URL.
func (p *Processor) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %q (only http and https are supported)", parsedURL.Scheme)
	}

	if data, ok := p.cache.Get(imageURL); ok {
		return data.([]byte), nil
	}

	var data []byte
	err = p.retryer.Do(ctx, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		var fetchErr error
		data, fetchErr = p.download(ctx, imageURL)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	p.cache.SetDefault(imageURL, data)
	p.logger.Debug("fetched image", zap.String("url", imageURL), zap.Int("bytes", len(data)))
	return data, nil
}

func (p *Processor) download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", p.config.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, retry.Permanent(fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType))
	}

	body := io.Reader(resp.Body)
	if p.config.MaxImageBytes > 0 {
		body = io.LimitReader(resp.Body, p.config.MaxImageBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if p.config.MaxImageBytes > 0 && int64(len(data)) > p.config.MaxImageBytes {
		return nil, retry.Permanent(fmt.Errorf("image exceeds %d bytes", p.config.MaxImageBytes))
	}
	return data, nil
}

// DecodeImage decodes encoded image bytes (jpeg, png, gif, webp) into an NRGBA buffer
func (p *Processor) DecodeImage(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image: empty data")
	}

	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return imaging.Clone(img), nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return imaging.Clone(img), nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (*image.NRGBA, error) {
	if img, err := imaging.Open(path); err == nil {
		return imaging.Clone(img), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := p.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// CropToBox copies the part of img covered by box. The box is clipped to the image
// bounds first; a box entirely outside the image yields an empty image.
func (p *Processor) CropToBox(img image.Image, box types.BoundingBox) *image.NRGBA {
	bounds := img.Bounds()
	rect := image.Rect(
		bounds.Min.X+box.X,
		bounds.Min.Y+box.Y,
		bounds.Min.X+box.X+box.Width,
		bounds.Min.Y+box.Y+box.Height,
	).Intersect(bounds)

	if rect.Empty() {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	return imaging.Crop(img, rect)
}

// ResizeExact resamples img to exactly width x height
func (p *Processor) ResizeExact(img image.Image, width, height int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return imaging.Clone(img)
	}
	return imaging.Resize(img, width, height, imaging.Linear)
}

// PrepareImageForModel converts an image to base64 for sending to model servers
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	return PrepareImageForModel(img, format, maxDim, quality)
}

// PrepareImageForModel converts an image to base64, downscaling its long side to maxDim
func PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodeImage writes img to w in the given format (png, webp, jpg)
func EncodeImage(w io.Writer, img image.Image, format string, quality int, lossless bool) error {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	switch strings.ToLower(format) {
	case "webp":
		return webp.Encode(w, img, &webp.Options{Lossless: lossless, Quality: float32(quality)})
	case "png":
		return imaging.Encode(w, img, imaging.PNG)
	case "jpg", "jpeg":
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		return fmt.Errorf("unsupported image format: %s", format)
	}
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeImage(f, img, format, quality, lossless); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
