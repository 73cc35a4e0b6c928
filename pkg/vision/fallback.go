package vision

import (
	"context"
	"errors"
	"image"

	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

// Locator finds the pixel box of a concept inside an image
type Locator interface {
	LocateSubject(ctx context.Context, img image.Image, concept string) (types.BoundingBox, error)
}

// FallbackLocator asks Primary first and Secondary when Primary fails. Cancellation is
// never retried.
type FallbackLocator struct {
	Primary   Locator
	Secondary Locator
	Logger    *zap.Logger
}

// LocateSubject implements Locator
func (f *FallbackLocator) LocateSubject(ctx context.Context, img image.Image, concept string) (types.BoundingBox, error) {
	box, err := f.Primary.LocateSubject(ctx, img, concept)
	if err == nil {
		return box, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.BoundingBox{}, err
	}

	if f.Logger != nil {
		f.Logger.Debug("primary locator failed, using fallback", zap.String("concept", concept), zap.Error(err))
	}
	box, fbErr := f.Secondary.LocateSubject(ctx, img, concept)
	if fbErr != nil {
		return types.BoundingBox{}, errors.Join(err, fbErr)
	}
	return box, nil
}
