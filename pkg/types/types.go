package types

import (
	"errors"
	"fmt"
	"strings"
)

// Method selects how reference images are obtained for a concept
type Method string

const (
	// MethodFathomNet retrieves annotated photographs from the FathomNet database
	MethodFathomNet Method = "fathomnet"
	// MethodGenAI generates reference images with a text-to-image backend
	MethodGenAI Method = "genai"
)

// ErrUnknownMethod is returned for methods other than fathomnet and genai
var ErrUnknownMethod = errors.New("unknown retrieval method")

// ParseMethod normalizes a method name, falling back to def when s is empty
func ParseMethod(s string, def Method) (Method, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def, nil
	}
	switch Method(s) {
	case MethodFathomNet, MethodGenAI:
		return Method(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Device identifies the compute device models run on ("cuda", "cuda:1", "cpu")
type Device string

// DeviceCPU is used when no accelerator is configured
const DeviceCPU Device = "cpu"

// BoundingBox is a pixel-space rectangle tagged with the concept it depicts
type BoundingBox struct {
	Concept string `json:"concept"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// ImageCandidate is one image returned by a retrieval source.
// Data holds the encoded bytes when the source already has them; otherwise they are fetched from URL.
type ImageCandidate struct {
	UUID          string        `json:"uuid"`
	URL           string        `json:"url"`
	Data          []byte        `json:"-"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	BoundingBoxes []BoundingBox `json:"boundingBoxes"`
}

// BoxesFor returns the boxes tagged with exactly the given concept
func (c ImageCandidate) BoxesFor(concept string) []BoundingBox {
	var out []BoundingBox
	for _, b := range c.BoundingBoxes {
		if b.Concept == concept {
			out = append(out, b)
		}
	}
	return out
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Primary represents the primary subject detected in an image
type Primary struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
	Cx         float64 `json:"cx"`
	Cy         float64 `json:"cy"`
}

// AnalysisResult contains the complete analysis result from the vision model
type AnalysisResult struct {
	Primary     Primary  `json:"primary"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}
