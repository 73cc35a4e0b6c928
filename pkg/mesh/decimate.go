package mesh

import (
	"container/heap"
	"math"
)

// boundaryWeight scales the penalty planes placed along open boundaries
const boundaryWeight = 1000.0

// quadric is a symmetric 4x4 error quadric stored as its upper triangle:
// a2 ab ac ad b2 bc bd c2 cd d2
type quadric [10]float64

func planeQuadric(n vec3, d, w float64) quadric {
	a, b, c := n[0], n[1], n[2]
	return quadric{
		w * a * a, w * a * b, w * a * c, w * a * d,
		w * b * b, w * b * c, w * b * d,
		w * c * c, w * c * d,
		w * d * d,
	}
}

func (q quadric) add(o quadric) quadric {
	for i := range q {
		q[i] += o[i]
	}
	return q
}

// eval returns v^T Q v for the homogeneous point (v, 1)
func (q quadric) eval(v vec3) float64 {
	x, y, z := v[0], v[1], v[2]
	return q[0]*x*x + 2*q[1]*x*y + 2*q[2]*x*z + 2*q[3]*x +
		q[4]*y*y + 2*q[5]*y*z + 2*q[6]*y +
		q[7]*z*z + 2*q[8]*z +
		q[9]
}

// optimal solves for the point minimizing the quadric; false when the system is singular
func (q quadric) optimal() (vec3, bool) {
	a11, a12, a13 := q[0], q[1], q[2]
	a22, a23 := q[4], q[5]
	a33 := q[7]
	b := vec3{-q[3], -q[6], -q[8]}

	det := a11*(a22*a33-a23*a23) - a12*(a12*a33-a23*a13) + a13*(a12*a23-a22*a13)
	scale := math.Abs(a11) + math.Abs(a22) + math.Abs(a33)
	if scale == 0 || math.Abs(det) <= 1e-10*scale*scale*scale {
		return vec3{}, false
	}

	x := (b[0]*(a22*a33-a23*a23) - a12*(b[1]*a33-a23*b[2]) + a13*(b[1]*a23-a22*b[2])) / det
	y := (a11*(b[1]*a33-a23*b[2]) - b[0]*(a12*a33-a23*a13) + a13*(a12*b[2]-b[1]*a13)) / det
	z := (a11*(a22*b[2]-b[1]*a23) - a12*(a12*b[2]-b[1]*a13) + b[0]*(a12*a23-a22*a13)) / det
	return vec3{x, y, z}, true
}

type collapse struct {
	cost   float64
	u, v   uint32
	target vec3
	verU   uint32
	verV   uint32
}

type collapseHeap []collapse

func (h collapseHeap) Len() int           { return len(h) }
func (h collapseHeap) Less(i, j int) bool { return h[i].cost < h[j].cost }
func (h collapseHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *collapseHeap) Push(x any)        { *h = append(*h, x.(collapse)) }
func (h *collapseHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// decimator performs quadric error edge collapse on a working copy of a mesh
type decimator struct {
	pos       []vec3
	quadrics  []quadric
	tris      [][3]uint32
	triAlive  []bool
	vertAlive []bool
	vertTris  [][]int
	version   []uint32
	live      int
	queue     collapseHeap
}

func newDecimator(m *Mesh) *decimator {
	d := &decimator{
		pos:       make([]vec3, len(m.Vertices)),
		quadrics:  make([]quadric, len(m.Vertices)),
		tris:      make([][3]uint32, len(m.Triangles)),
		triAlive:  make([]bool, len(m.Triangles)),
		vertAlive: make([]bool, len(m.Vertices)),
		vertTris:  make([][]int, len(m.Vertices)),
		version:   make([]uint32, len(m.Vertices)),
		live:      len(m.Triangles),
	}
	for i, v := range m.Vertices {
		d.pos[i] = toVec(v)
		d.vertAlive[i] = true
	}
	copy(d.tris, m.Triangles)

	edgeUse := make(map[uint64]int, len(m.Triangles)*3/2)
	for ti, t := range d.tris {
		d.triAlive[ti] = true
		for k, vi := range t {
			if k > 0 && (vi == t[0] || (k == 2 && vi == t[1])) {
				continue
			}
			d.vertTris[vi] = append(d.vertTris[vi], ti)
		}

		a, b, c := d.pos[t[0]], d.pos[t[1]], d.pos[t[2]]
		n := b.sub(a).cross(c.sub(a))
		l := n.length()
		if l > 0 {
			n = n.scale(1 / l)
			q := planeQuadric(n, -n.dot(a), l/2)
			for _, vi := range t {
				d.quadrics[vi] = d.quadrics[vi].add(q)
			}
		}
		for k := 0; k < 3; k++ {
			edgeUse[edgeKey(t[k], t[(k+1)%3])]++
		}
	}

	// constrain open boundaries with planes perpendicular to the adjacent face
	for _, t := range d.tris {
		a, b, c := d.pos[t[0]], d.pos[t[1]], d.pos[t[2]]
		fn := b.sub(a).cross(c.sub(a))
		if fn.length() == 0 {
			continue
		}
		for k := 0; k < 3; k++ {
			i, j := t[k], t[(k+1)%3]
			if i == j || edgeUse[edgeKey(i, j)] != 1 {
				continue
			}
			e := d.pos[j].sub(d.pos[i])
			bn := e.cross(fn)
			bl := bn.length()
			if bl == 0 {
				continue
			}
			bn = bn.scale(1 / bl)
			q := planeQuadric(bn, -bn.dot(d.pos[i]), boundaryWeight*e.dot(e))
			d.quadrics[i] = d.quadrics[i].add(q)
			d.quadrics[j] = d.quadrics[j].add(q)
		}
	}
	return d
}

func edgeKey(a, b uint32) uint64 {
	if a > b {
		a, b = b, a
	}
	return uint64(a)<<32 | uint64(b)
}

// run collapses edges until at most target triangles remain or no candidate is left.
// With checkFlips set, collapses that would invert a face normal are skipped.
func (d *decimator) run(target int, checkFlips bool) {
	d.rebuildQueue()
	for d.live > target && d.queue.Len() > 0 {
		c := heap.Pop(&d.queue).(collapse)
		if !d.vertAlive[c.u] || !d.vertAlive[c.v] || d.version[c.u] != c.verU || d.version[c.v] != c.verV {
			continue
		}
		if checkFlips && (d.flips(c.u, c.v, c.target) || d.flips(c.v, c.u, c.target)) {
			continue
		}
		d.collapse(c.u, c.v, c.target)
	}
}

func (d *decimator) rebuildQueue() {
	d.queue = d.queue[:0]
	seen := make(map[uint64]struct{}, d.live*3/2)
	for ti, t := range d.tris {
		if !d.triAlive[ti] {
			continue
		}
		for k := 0; k < 3; k++ {
			i, j := t[k], t[(k+1)%3]
			if i == j {
				continue
			}
			key := edgeKey(i, j)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			d.queue = append(d.queue, d.candidate(i, j))
		}
	}
	heap.Init(&d.queue)
}

func (d *decimator) candidate(u, v uint32) collapse {
	q := d.quadrics[u].add(d.quadrics[v])
	mid := d.pos[u].add(d.pos[v]).scale(0.5)
	target, ok := q.optimal()
	// nearly singular systems can place the optimum far from the edge
	if ok && target.sub(mid).length() > 4*d.pos[v].sub(d.pos[u]).length() {
		ok = false
	}
	cost := q.eval(target)
	if !ok {
		target, cost = mid, q.eval(mid)
		for _, p := range []vec3{d.pos[u], d.pos[v]} {
			if e := q.eval(p); e < cost {
				target, cost = p, e
			}
		}
	}
	return collapse{
		cost:   math.Max(0, cost),
		u:      u,
		v:      v,
		target: target,
		verU:   d.version[u],
		verV:   d.version[v],
	}
}

// flips reports whether moving vertex moved to target inverts or degenerates any
// live triangle around it that does not also contain other
func (d *decimator) flips(moved, other uint32, target vec3) bool {
	for _, ti := range d.vertTris[moved] {
		if !d.triAlive[ti] {
			continue
		}
		t := d.tris[ti]
		if t[0] == other || t[1] == other || t[2] == other {
			continue
		}
		var before, after [3]vec3
		for k, vi := range t {
			before[k] = d.pos[vi]
			after[k] = d.pos[vi]
			if vi == moved {
				after[k] = target
			}
		}
		n0 := before[1].sub(before[0]).cross(before[2].sub(before[0]))
		n1 := after[1].sub(after[0]).cross(after[2].sub(after[0]))
		if n1.length() <= 1e-12*math.Max(1, n0.length()) || n0.dot(n1) <= 0 {
			return true
		}
	}
	return false
}

// collapse merges v into u and places u at target
func (d *decimator) collapse(u, v uint32, target vec3) {
	d.pos[u] = target
	d.quadrics[u] = d.quadrics[u].add(d.quadrics[v])

	for _, ti := range d.vertTris[v] {
		if !d.triAlive[ti] {
			continue
		}
		t := &d.tris[ti]
		if t[0] == u || t[1] == u || t[2] == u {
			d.triAlive[ti] = false
			d.live--
			continue
		}
		for k := range t {
			if t[k] == v {
				t[k] = u
			}
		}
		d.vertTris[u] = append(d.vertTris[u], ti)
	}

	d.vertAlive[v] = false
	d.vertTris[v] = nil
	d.version[u]++
	d.version[v]++

	// prune dead triangles and requeue the edges around u
	alive := d.vertTris[u][:0]
	neighbours := make(map[uint32]struct{})
	for _, ti := range d.vertTris[u] {
		if !d.triAlive[ti] {
			continue
		}
		alive = append(alive, ti)
		for _, w := range d.tris[ti] {
			if w != u {
				neighbours[w] = struct{}{}
			}
		}
	}
	d.vertTris[u] = alive
	for w := range neighbours {
		heap.Push(&d.queue, d.candidate(u, w))
	}
}

// result returns every vertex (collapsed ones become unreferenced) and the live triangles
func (d *decimator) result() *Mesh {
	out := &Mesh{
		Vertices:  make([][3]float32, len(d.pos)),
		Triangles: make([][3]uint32, 0, d.live),
	}
	for i, p := range d.pos {
		out.Vertices[i] = [3]float32{float32(p[0]), float32(p[1]), float32(p[2])}
	}
	for ti, t := range d.tris {
		if d.triAlive[ti] {
			out.Triangles = append(out.Triangles, t)
		}
	}
	return out
}

// decimate reduces m to at most target triangles with quadric error metrics.
// A first pass refuses collapses that flip faces; if that stalls above target a
// second pass drops the restriction. Meshes already within target are copied unchanged.
func decimate(m *Mesh, target int) *Mesh {
	if target < 0 {
		target = 0
	}
	if len(m.Triangles) <= target {
		return m.Clone()
	}

	d := newDecimator(m)
	d.run(target, true)
	if d.live > target {
		d.run(target, false)
	}
	return d.result()
}
