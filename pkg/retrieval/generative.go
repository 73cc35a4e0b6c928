package retrieval

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

// SubjectLocator finds the pixel box of a concept inside an image
type SubjectLocator interface {
	LocateSubject(ctx context.Context, img image.Image, concept string) (types.BoundingBox, error)
}

// Decoder turns encoded bytes into pixels
type Decoder interface {
	DecodeImage(data []byte) (*image.NRGBA, error)
}

// GenerativeConfig configures a GenerativeSource
type GenerativeConfig struct {
	Count          int    `json:"count" yaml:"count"`
	PromptTemplate string `json:"prompt_template" yaml:"prompt_template"` // %s is the concept
}

// DefaultGenerativeConfig returns the default prompt and image count
func DefaultGenerativeConfig() GenerativeConfig {
	return GenerativeConfig{
		Count:          2,
		PromptTemplate: "a single %s, full body, centered, isolated on a plain background, studio lighting, high detail photograph",
	}
}

// GenerativeSource renders reference images of a concept and locates the subject in each.
// Images whose subject cannot be located are boxed as a whole.
type GenerativeSource struct {
	generator ImageGenerator
	locator   SubjectLocator
	decoder   Decoder
	config    GenerativeConfig
	logger    *zap.Logger
}

// NewGenerativeSource creates a generative source. locator may be nil, in which case
// every image is boxed as a whole.
func NewGenerativeSource(generator ImageGenerator, locator SubjectLocator, decoder Decoder, config GenerativeConfig, logger *zap.Logger) *GenerativeSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Count <= 0 {
		config.Count = 1
	}
	if config.PromptTemplate == "" {
		config.PromptTemplate = DefaultGenerativeConfig().PromptTemplate
	}
	return &GenerativeSource{
		generator: generator,
		locator:   locator,
		decoder:   decoder,
		config:    config,
		logger:    logger.With(zap.String("component", "generative")),
	}
}

// FindByConcept generates images of concept. An undecodable image is still returned so the
// selector can record it as a failed candidate.
func (s *GenerativeSource) FindByConcept(ctx context.Context, concept string) ([]types.ImageCandidate, error) {
	if strings.TrimSpace(concept) == "" {
		return nil, nil
	}

	prompt := s.config.PromptTemplate
	if strings.Contains(prompt, "%s") {
		prompt = fmt.Sprintf(prompt, concept)
	}

	images, err := s.generator.Generate(ctx, prompt, s.config.Count)
	if err != nil {
		return nil, fmt.Errorf("generate %q: %w", concept, err)
	}

	candidates := make([]types.ImageCandidate, 0, len(images))
	for _, data := range images {
		c := types.ImageCandidate{
			UUID: uuid.NewString(),
			URL:  "generated://" + concept,
			Data: data,
		}

		img, err := s.decoder.DecodeImage(data)
		if err != nil {
			s.logger.Warn("generated image is not decodable", zap.String("uuid", c.UUID), zap.Error(err))
			candidates = append(candidates, c)
			continue
		}
		b := img.Bounds()
		c.Width, c.Height = b.Dx(), b.Dy()
		c.BoundingBoxes = []types.BoundingBox{s.locate(ctx, img, concept)}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (s *GenerativeSource) locate(ctx context.Context, img *image.NRGBA, concept string) types.BoundingBox {
	b := img.Bounds()
	full := types.BoundingBox{Concept: concept, Width: b.Dx(), Height: b.Dy()}
	if s.locator == nil {
		return full
	}

	box, err := s.locator.LocateSubject(ctx, img, concept)
	if err != nil {
		level := s.logger.Warn
		if errors.Is(err, context.Canceled) {
			level = s.logger.Debug
		}
		level("subject not located, using full frame", zap.String("concept", concept), zap.Error(err))
		return full
	}
	box.Concept = concept
	return box
}
