package pipeline

import (
	"errors"
	"fmt"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

var (
	// ErrNoCandidate matches every NoCandidateError
	ErrNoCandidate = errors.New("no suitable reference image")
	// ErrEmptyConcept is returned for a blank concept
	ErrEmptyConcept = errors.New("concept is required")
)

// NoCandidateError means selection produced no usable crop. No model is loaded after it.
type NoCandidateError struct {
	Concept  string
	Method   types.Method
	Failures int
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no suitable reference image for concept %q (method %s)", e.Concept, e.Method)
}

func (e *NoCandidateError) Is(target error) bool {
	return target == ErrNoCandidate
}

// ModelInferenceError is a failure of the shape or paint model, tagged with the stage it happened in
type ModelInferenceError struct {
	Stage State
	Err   error
}

func (e *ModelInferenceError) Error() string {
	return fmt.Sprintf("model inference failed while %s: %v", e.Stage, e.Err)
}

func (e *ModelInferenceError) Unwrap() error {
	return e.Err
}

// StageError is any other failure of a pipeline stage
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExportError is a failure to write an output file
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// wrapStageError tags err with the stage it came from. Errors that already carry
// their own type are returned unchanged.
func wrapStageError(stage State, err error) error {
	var (
		noCandidate *NoCandidateError
		exportErr   *ExportError
		modelErr    *ModelInferenceError
	)
	switch {
	case errors.As(err, &noCandidate), errors.As(err, &exportErr), errors.As(err, &modelErr):
		return err
	case stage.isModelStage():
		return &ModelInferenceError{Stage: stage, Err: err}
	default:
		return &StageError{Stage: stage, Err: err}
	}
}
