package client

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInlineComment = regexp.MustCompile(`(?m)//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// fallbackResult is returned when the model answer cannot be parsed. Its "none"
// label tells callers no subject was located.
func fallbackResult(reason string, tags ...string) *types.AnalysisResult {
	return &types.AnalysisResult{
		Primary: types.Primary{
			Label:      "none",
			Confidence: 0.0,
			Box:        types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5},
			Cx:         0.5,
			Cy:         0.5,
		},
		Description: reason,
		Tags:        append(tags, "fallback"),
	}
}

// ParseAnalysisResult parses the JSON answer of a vision model. Answers that are
// not JSON produce a "none" result instead of an error.
func ParseAnalysisResult(raw string) (*types.AnalysisResult, error) {
	raw = SanitizeModelJSON(raw)

	if !strings.HasPrefix(raw, "{") {
		return fallbackResult("Model returned non-JSON response", "non-json"), nil
	}

	var result types.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fallbackResult("Failed to parse model response", "parse-error"), nil
	}
	return &result, nil
}

// SanitizeModelJSON removes code fences, comments and trailing commas and keeps the outermost object
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reInlineComment.ReplaceAllString(raw, "")
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
