// Package retrieval finds reference images of a concept, either in an annotated
// image database or by generating them.
package retrieval

import (
	"context"
	"fmt"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

// Source returns candidate images for a concept. Each call performs a fresh query.
type Source interface {
	FindByConcept(ctx context.Context, concept string) ([]types.ImageCandidate, error)
}

// SourceFunc adapts a function to a Source
type SourceFunc func(ctx context.Context, concept string) ([]types.ImageCandidate, error)

// FindByConcept calls f
func (f SourceFunc) FindByConcept(ctx context.Context, concept string) ([]types.ImageCandidate, error) {
	return f(ctx, concept)
}

// Router maps a retrieval method to its source
type Router struct {
	sources map[types.Method]Source
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{sources: make(map[types.Method]Source)}
}

// Register binds a source to a method, replacing any previous binding
func (r *Router) Register(method types.Method, src Source) *Router {
	r.sources[method] = src
	return r
}

// Source returns the source registered for method
func (r *Router) Source(method types.Method) (Source, error) {
	src, ok := r.sources[method]
	if !ok || src == nil {
		return nil, fmt.Errorf("%w: no source registered for %q", types.ErrUnknownMethod, method)
	}
	return src, nil
}

// Methods lists the registered methods
func (r *Router) Methods() []types.Method {
	out := make([]types.Method, 0, len(r.sources))
	for _, m := range []types.Method{types.MethodFathomNet, types.MethodGenAI} {
		if _, ok := r.sources[m]; ok {
			out = append(out, m)
		}
	}
	return out
}
