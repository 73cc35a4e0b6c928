package client

import (
	"context"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

// VisionClient is a vision language model backend able to answer questions about an image
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error)
}
