// Package mesh holds triangle meshes produced by shape models and the
// post-processing that turns them into compact, well-formed assets.
package mesh

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// Mesh is an indexed triangle mesh. Triangle entries index into Vertices.
type Mesh struct {
	Vertices  [][3]float32
	Triangles [][3]uint32
}

// TexturedMesh is a mesh with per-vertex texture coordinates and a base colour texture
type TexturedMesh struct {
	Mesh    *Mesh
	UVs     [][2]float32
	Texture image.Image
}

// ErrStructural matches every *StructuralError
var ErrStructural = errors.New("malformed mesh")

// StructuralError reports a mesh that cannot be processed
type StructuralError struct {
	Reason string
	Index  int // offending vertex or triangle index, -1 when not applicable
}

func (e *StructuralError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("malformed mesh: %s (index %d)", e.Reason, e.Index)
	}
	return "malformed mesh: " + e.Reason
}

// Is makes errors.Is(err, ErrStructural) true for structural errors
func (e *StructuralError) Is(target error) bool {
	return target == ErrStructural
}

// VertexCount returns the number of vertices
func (m *Mesh) VertexCount() int { return len(m.Vertices) }

// TriangleCount returns the number of triangles
func (m *Mesh) TriangleCount() int { return len(m.Triangles) }

// IsEmpty reports whether the mesh has no triangles
func (m *Mesh) IsEmpty() bool { return len(m.Triangles) == 0 }

// Validate checks that every coordinate is finite and every index is in range
func (m *Mesh) Validate() error {
	if m == nil {
		return &StructuralError{Reason: "nil mesh", Index: -1}
	}
	for i, v := range m.Vertices {
		for _, c := range v {
			f := float64(c)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return &StructuralError{Reason: "non-finite vertex coordinate", Index: i}
			}
		}
	}
	n := uint32(len(m.Vertices))
	for i, t := range m.Triangles {
		if t[0] >= n || t[1] >= n || t[2] >= n {
			return &StructuralError{Reason: "triangle index out of range", Index: i}
		}
	}
	return nil
}

// Clone returns a deep copy of the mesh
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Vertices:  make([][3]float32, len(m.Vertices)),
		Triangles: make([][3]uint32, len(m.Triangles)),
	}
	copy(out.Vertices, m.Vertices)
	copy(out.Triangles, m.Triangles)
	return out
}

// Bounds returns the axis-aligned bounding box of the vertices
func (m *Mesh) Bounds() (min, max [3]float32) {
	if len(m.Vertices) == 0 {
		return
	}
	min, max = m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		for k := 0; k < 3; k++ {
			if v[k] < min[k] {
				min[k] = v[k]
			}
			if v[k] > max[k] {
				max[k] = v[k]
			}
		}
	}
	return min, max
}

// TriangleArea returns the area of triangle t
func (m *Mesh) TriangleArea(t [3]uint32) float64 {
	return triangleArea(m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]])
}

// VertexNormals returns area-weighted per-vertex normals. Isolated vertices get +Y.
func (m *Mesh) VertexNormals() [][3]float32 {
	acc := make([]vec3, len(m.Vertices))
	for _, t := range m.Triangles {
		a, b, c := toVec(m.Vertices[t[0]]), toVec(m.Vertices[t[1]]), toVec(m.Vertices[t[2]])
		n := b.sub(a).cross(c.sub(a))
		for _, i := range t {
			acc[i] = acc[i].add(n)
		}
	}
	out := make([][3]float32, len(acc))
	for i, n := range acc {
		l := n.length()
		if l == 0 {
			out[i] = [3]float32{0, 1, 0}
			continue
		}
		out[i] = [3]float32{float32(n[0] / l), float32(n[1] / l), float32(n[2] / l)}
	}
	return out
}

// Stats summarizes a mesh for logging
type Stats struct {
	Vertices  int
	Triangles int
	Area      float64
}

// Stats computes counts and total surface area
func (m *Mesh) Stats() Stats {
	s := Stats{Vertices: len(m.Vertices), Triangles: len(m.Triangles)}
	for _, t := range m.Triangles {
		s.Area += m.TriangleArea(t)
	}
	return s
}

type vec3 [3]float64

func toVec(v [3]float32) vec3 {
	return vec3{float64(v[0]), float64(v[1]), float64(v[2])}
}

func (a vec3) add(b vec3) vec3 { return vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }

func (a vec3) sub(b vec3) vec3 { return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func (a vec3) scale(s float64) vec3 { return vec3{a[0] * s, a[1] * s, a[2] * s} }

func (a vec3) dot(b vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func (a vec3) cross(b vec3) vec3 {
	return vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a vec3) length() float64 { return math.Sqrt(a.dot(a)) }

func triangleArea(a, b, c [3]float32) float64 {
	va, vb, vc := toVec(a), toVec(b), toVec(c)
	return 0.5 * vb.sub(va).cross(vc.sub(va)).length()
}
