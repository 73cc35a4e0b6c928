package mesh

import (
	"math"
	"sort"
)

// removeUnreferencedVertices drops vertices no triangle uses and reindexes the triangles
func removeUnreferencedVertices(m *Mesh) *Mesh {
	remap := make([]int64, len(m.Vertices))
	for i := range remap {
		remap[i] = -1
	}
	for _, t := range m.Triangles {
		for _, vi := range t {
			remap[vi] = 0
		}
	}

	out := &Mesh{Triangles: make([][3]uint32, len(m.Triangles))}
	for i, v := range m.Vertices {
		if remap[i] < 0 {
			continue
		}
		remap[i] = int64(len(out.Vertices))
		out.Vertices = append(out.Vertices, v)
	}
	for i, t := range m.Triangles {
		out.Triangles[i] = [3]uint32{uint32(remap[t[0]]), uint32(remap[t[1]]), uint32(remap[t[2]])}
	}
	return out
}

func isDegenerate(m *Mesh, t [3]uint32, areaEps float64) bool {
	if t[0] == t[1] || t[1] == t[2] || t[0] == t[2] {
		return true
	}
	return m.TriangleArea(t) <= areaEps
}

// removeDegenerateTriangles drops triangles with repeated vertices or (near) zero area
func removeDegenerateTriangles(m *Mesh, areaEps float64) *Mesh {
	out := &Mesh{Vertices: m.Vertices, Triangles: make([][3]uint32, 0, len(m.Triangles))}
	for _, t := range m.Triangles {
		if !isDegenerate(m, t, areaEps) {
			out.Triangles = append(out.Triangles, t)
		}
	}
	return out
}

func triangleKey(t [3]uint32) [3]uint32 {
	if t[0] > t[1] {
		t[0], t[1] = t[1], t[0]
	}
	if t[1] > t[2] {
		t[1], t[2] = t[2], t[1]
	}
	if t[0] > t[1] {
		t[0], t[1] = t[1], t[0]
	}
	return t
}

// removeDuplicatedTriangles keeps the first triangle of every vertex set, regardless of winding
func removeDuplicatedTriangles(m *Mesh) *Mesh {
	seen := make(map[[3]uint32]struct{}, len(m.Triangles))
	out := &Mesh{Vertices: m.Vertices, Triangles: make([][3]uint32, 0, len(m.Triangles))}
	for _, t := range m.Triangles {
		k := triangleKey(t)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Triangles = append(out.Triangles, t)
	}
	return out
}

type positionKey [3]int64

func quantize(v [3]float32, eps float64) positionKey {
	var k positionKey
	for i, c := range v {
		if eps > 0 {
			k[i] = int64(math.Round(float64(c) / eps))
			continue
		}
		if c == 0 {
			c = 0 // fold -0 into +0
		}
		k[i] = int64(math.Float32bits(c))
	}
	return k
}

// removeDuplicatedVertices merges vertices whose positions coincide (within eps when
// eps > 0) into the first occurrence. Triangles the merge collapses or duplicates are dropped.
func removeDuplicatedVertices(m *Mesh, eps, areaEps float64) *Mesh {
	first := make(map[positionKey]uint32, len(m.Vertices))
	remap := make([]uint32, len(m.Vertices))
	out := &Mesh{Vertices: make([][3]float32, 0, len(m.Vertices))}

	for i, v := range m.Vertices {
		k := quantize(v, eps)
		if j, ok := first[k]; ok {
			remap[i] = j
			continue
		}
		j := uint32(len(out.Vertices))
		first[k] = j
		remap[i] = j
		out.Vertices = append(out.Vertices, v)
	}

	if len(out.Vertices) == len(m.Vertices) {
		return &Mesh{Vertices: out.Vertices, Triangles: m.Triangles}
	}

	out.Triangles = make([][3]uint32, 0, len(m.Triangles))
	for _, t := range m.Triangles {
		out.Triangles = append(out.Triangles, [3]uint32{remap[t[0]], remap[t[1]], remap[t[2]]})
	}
	return removeDuplicatedTriangles(removeDegenerateTriangles(out, areaEps))
}

// removeNonManifoldEdges drops the smallest triangles around every edge shared by more
// than two triangles until exactly two remain
func removeNonManifoldEdges(m *Mesh) *Mesh {
	edges := make(map[uint64][]int, len(m.Triangles)*3/2)
	for ti, t := range m.Triangles {
		for k := 0; k < 3; k++ {
			key := edgeKey(t[k], t[(k+1)%3])
			edges[key] = append(edges[key], ti)
		}
	}

	var crowded []uint64
	for key, tris := range edges {
		if len(tris) > 2 {
			crowded = append(crowded, key)
		}
	}
	if len(crowded) == 0 {
		return m
	}
	sort.Slice(crowded, func(i, j int) bool { return crowded[i] < crowded[j] })

	removed := make([]bool, len(m.Triangles))
	for _, key := range crowded {
		var live []int
		for _, ti := range edges[key] {
			if !removed[ti] {
				live = append(live, ti)
			}
		}
		if len(live) <= 2 {
			continue
		}
		sort.SliceStable(live, func(i, j int) bool {
			return m.TriangleArea(m.Triangles[live[i]]) < m.TriangleArea(m.Triangles[live[j]])
		})
		for _, ti := range live[:len(live)-2] {
			removed[ti] = true
		}
	}

	out := &Mesh{Vertices: m.Vertices, Triangles: make([][3]uint32, 0, len(m.Triangles))}
	for ti, t := range m.Triangles {
		if !removed[ti] {
			out.Triangles = append(out.Triangles, t)
		}
	}
	return out
}
