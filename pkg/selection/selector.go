// Package selection ranks the reference crops of a concept by image quality.
package selection

import (
	"context"
	"fmt"
	"image"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/pkg/processing"
	"github.com/Catrobat/mArIne3D/pkg/quality"
	"github.com/Catrobat/mArIne3D/pkg/retrieval"
	"github.com/Catrobat/mArIne3D/pkg/superres"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// Variant tells which image buffer a crop was taken from
type Variant string

const (
	VariantOriginal Variant = "original"
	VariantSuperRes Variant = "superres"
)

// Stages at which a single candidate can fail
const (
	StageFetch    = "fetch"
	StageDecode   = "decode"
	StageSuperRes = "superres"
	StageCrop     = "crop"
)

// ScoredCrop is one crop together with its quality score
type ScoredCrop struct {
	Score         float64
	Image         *image.NRGBA
	Variant       Variant
	CandidateID   string
	URL           string
	Box           types.BoundingBox
	OriginalScore float64
	SuperResScore float64
}

// ItemError records why one candidate produced no crops
type ItemError struct {
	CandidateID string
	URL         string
	Stage       string
	Err         error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("candidate %s (%s): %s: %v", e.CandidateID, e.URL, e.Stage, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Selection is the outcome of one retrieval pass
type Selection struct {
	Candidates int
	Crops      []ScoredCrop
	Failures   []*ItemError
}

// Observer receives selection statistics
type Observer interface {
	ObserveSelection(concept string, candidates, crops, failures int, elapsed time.Duration)
	ObserveItemFailure(stage string)
}

// Selector fetches, enhances, crops and scores the candidates of a concept
type Selector struct {
	source    retrieval.Source
	processor *processing.Processor
	enhancer  superres.Enhancer
	scorer    *quality.Scorer
	device    types.Device
	logger    *zap.Logger
	observer  Observer
}

// New creates a selector. A nil enhancer disables super-resolution and a nil scorer uses default weights.
func New(source retrieval.Source, processor *processing.Processor, enhancer superres.Enhancer, scorer *quality.Scorer, device types.Device, logger *zap.Logger) *Selector {
	if processor == nil {
		processor = processing.NewProcessor()
	}
	if enhancer == nil {
		enhancer = superres.Passthrough
	}
	if scorer == nil {
		scorer = quality.New()
	}
	if device == "" {
		device = types.DeviceCPU
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		source:    source,
		processor: processor,
		enhancer:  enhancer,
		scorer:    scorer,
		device:    device,
		logger:    logger.With(zap.String("component", "selection")),
	}
}

// WithObserver attaches an observer
func (s *Selector) WithObserver(o Observer) *Selector {
	s.observer = o
	return s
}

// Select runs one retrieval pass and scores every crop of concept in source order.
// Failing candidates are collected in Failures; only a failed retrieval query or a
// cancelled context is returned as an error.
func (s *Selector) Select(ctx context.Context, concept string) (*Selection, error) {
	start := time.Now()

	candidates, err := s.source.FindByConcept(ctx, concept)
	if err != nil {
		return nil, fmt.Errorf("retrieval for %q failed: %w", concept, err)
	}

	sel := &Selection{Candidates: len(candidates)}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		crops, itemErr := s.processCandidate(ctx, c, concept)
		if itemErr != nil {
			sel.Failures = append(sel.Failures, itemErr)
			s.logger.Warn("skipping candidate",
				zap.String("concept", concept),
				zap.String("candidate", itemErr.CandidateID),
				zap.String("stage", itemErr.Stage),
				zap.Error(itemErr.Err))
			if s.observer != nil {
				s.observer.ObserveItemFailure(itemErr.Stage)
			}
			continue
		}
		sel.Crops = append(sel.Crops, crops...)
	}

	elapsed := time.Since(start)
	s.logger.Info("selection finished",
		zap.String("concept", concept),
		zap.Int("candidates", sel.Candidates),
		zap.Int("crops", len(sel.Crops)),
		zap.Int("failures", len(sel.Failures)),
		zap.Duration("elapsed", elapsed))
	if s.observer != nil {
		s.observer.ObserveSelection(concept, sel.Candidates, len(sel.Crops), len(sel.Failures), elapsed)
	}
	return sel, nil
}

// SelectAll returns every scored crop sorted by descending score. Equal scores keep retrieval order.
func (s *Selector) SelectAll(ctx context.Context, concept string) ([]ScoredCrop, error) {
	sel, err := s.Select(ctx, concept)
	if err != nil {
		return nil, err
	}
	return Rank(sel.Crops), nil
}

// SelectBest returns the highest scored crop, or nil when there is none
func (s *Selector) SelectBest(ctx context.Context, concept string) (*ScoredCrop, error) {
	crops, err := s.SelectAll(ctx, concept)
	if err != nil {
		return nil, err
	}
	if len(crops) == 0 {
		return nil, nil
	}
	best := crops[0]
	return &best, nil
}

// Empty reports whether the crop has no pixels, as when its box lies outside the image
func (c ScoredCrop) Empty() bool {
	return c.Image == nil || c.Image.Bounds().Empty()
}

// Rank sorts crops in place by descending score. On equal scores non-empty crops come
// before empty ones, otherwise insertion order is kept.
func Rank(crops []ScoredCrop) []ScoredCrop {
	sort.SliceStable(crops, func(i, j int) bool {
		if crops[i].Score != crops[j].Score {
			return crops[i].Score > crops[j].Score
		}
		return !crops[i].Empty() && crops[j].Empty()
	})
	return crops
}

func (s *Selector) processCandidate(ctx context.Context, c types.ImageCandidate, concept string) (crops []ScoredCrop, itemErr *ItemError) {
	stage := StageFetch
	fail := func(err error) *ItemError {
		return &ItemError{CandidateID: c.UUID, URL: c.URL, Stage: stage, Err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			crops = nil
			itemErr = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	boxes := c.BoxesFor(concept)
	if len(boxes) == 0 {
		return nil, nil
	}

	data := c.Data
	if len(data) == 0 {
		var err error
		data, err = s.processor.FetchImage(ctx, c.URL)
		if err != nil {
			return nil, fail(err)
		}
	}

	stage = StageDecode
	original, err := s.processor.DecodeImage(data)
	if err != nil {
		return nil, fail(err)
	}
	b := original.Bounds()

	stage = StageSuperRes
	enhanced, err := superres.EnhanceImage(ctx, s.enhancer, original, s.device)
	if err != nil {
		return nil, fail(err)
	}
	enhanced = s.processor.ResizeExact(enhanced, b.Dx(), b.Dy())

	stage = StageCrop
	for _, box := range boxes {
		cropOrig := s.processor.CropToBox(original, box)
		cropSR := s.processor.CropToBox(enhanced, box)

		scoreOrig := s.scorer.Score(cropOrig)
		scoreSR := s.scorer.Score(cropSR)

		sc := ScoredCrop{
			Score:         scoreOrig,
			Image:         cropOrig,
			Variant:       VariantOriginal,
			CandidateID:   c.UUID,
			URL:           c.URL,
			Box:           box,
			OriginalScore: scoreOrig,
			SuperResScore: scoreSR,
		}
		if scoreSR > scoreOrig {
			sc.Score = scoreSR
			sc.Image = cropSR
			sc.Variant = VariantSuperRes
		}
		crops = append(crops, sc)
	}
	return crops, nil
}
