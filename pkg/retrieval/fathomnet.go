package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/internal/retry"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// DefaultFathomNetURL is the public FathomNet REST API
const DefaultFathomNetURL = "https://database.fathomnet.org/api"

// FathomNetConfig configures the FathomNet client
type FathomNetConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Limit   int           `json:"limit" yaml:"limit"` // 0 keeps every image
	Retry   retry.Policy  `json:"retry" yaml:"retry"`
}

// DefaultFathomNetConfig returns the public API settings
func DefaultFathomNetConfig() FathomNetConfig {
	return FathomNetConfig{
		BaseURL: DefaultFathomNetURL,
		Timeout: 60 * time.Second,
		Retry:   *retry.DefaultPolicy(),
	}
}

// fathomNetImage is the subset of the FathomNet image DTO we read
type fathomNetImage struct {
	UUID          string                 `json:"uuid"`
	URL           string                 `json:"url"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	BoundingBoxes []fathomNetBoundingBox `json:"boundingBoxes"`
}

type fathomNetBoundingBox struct {
	UUID    string `json:"uuid"`
	Concept string `json:"concept"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// FathomNetSource queries annotated underwater images by concept
type FathomNetSource struct {
	config  FathomNetConfig
	client  *http.Client
	retryer retry.Retryer
	logger  *zap.Logger
}

// NewFathomNetSource creates a FathomNet source
func NewFathomNetSource(config FathomNetConfig, logger *zap.Logger) (*FathomNetSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultFathomNetURL
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid FathomNet URL %q", config.BaseURL)
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	policy := config.Retry
	return &FathomNetSource{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		retryer: retry.NewBackoffRetryer(&policy, logger),
		logger:  logger.With(zap.String("component", "fathomnet")),
	}, nil
}

// FindByConcept lists the images annotated with concept
func (s *FathomNetSource) FindByConcept(ctx context.Context, concept string) ([]types.ImageCandidate, error) {
	if strings.TrimSpace(concept) == "" {
		return nil, nil
	}

	endpoint := s.config.BaseURL + "/images/find/concept/" + url.PathEscape(concept)

	var dtos []fathomNetImage
	err := s.retryer.Do(ctx, func() error {
		var err error
		dtos, err = s.query(ctx, endpoint)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fathomnet query %q: %w", concept, err)
	}

	if s.config.Limit > 0 && len(dtos) > s.config.Limit {
		dtos = dtos[:s.config.Limit]
	}

	candidates := make([]types.ImageCandidate, 0, len(dtos))
	for _, d := range dtos {
		c := types.ImageCandidate{
			UUID:          d.UUID,
			URL:           d.URL,
			Width:         d.Width,
			Height:        d.Height,
			BoundingBoxes: make([]types.BoundingBox, 0, len(d.BoundingBoxes)),
		}
		for _, b := range d.BoundingBoxes {
			c.BoundingBoxes = append(c.BoundingBoxes, types.BoundingBox{
				Concept: b.Concept,
				X:       b.X,
				Y:       b.Y,
				Width:   b.Width,
				Height:  b.Height,
			})
		}
		candidates = append(candidates, c)
	}

	s.logger.Info("fathomnet query",
		zap.String("concept", concept),
		zap.Int("images", len(candidates)))
	return candidates, nil
}

func (s *FathomNetSource) query(ctx context.Context, endpoint string) ([]fathomNetImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var dtos []fathomNetImage
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return dtos, nil
}
