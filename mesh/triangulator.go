package mesh

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/spatial/r3"
)

// VertexSeparation is the smallest XY distance allowed between two vertices
const VertexSeparation = 1e-6

var (
	// ErrOutsideBounds is returned for a vertex not strictly inside the seeded bounds
	ErrOutsideBounds = errors.New("vertex outside triangulation bounds")
	// ErrCoincidentVertex is returned for a vertex that lands on an existing one
	ErrCoincidentVertex = errors.New("vertex coincides with an existing vertex")
)

// Triangulator maintains an incremental planar mesh over ground-plane (XY)
// positions and answers interpolation-weight queries against it.
//
// The mesh is seeded by a bounding quad of four off-graph vertices. Real
// vertices are inserted one at a time, subdividing the enclosing triangle.
// Indices returned from Find are remapped so the seed vertices never show up:
// real vertex i (in insertion order) is reported as index i.
//
// Not safe for concurrent use.
type Triangulator struct {
	vertices  []orb.Point
	triangles []Triangle
	exterior  []Edge
}

// NewTriangulator returns an empty triangulator; call SetBounds before Add
func NewTriangulator() *Triangulator {
	return &Triangulator{}
}

// Clear removes all vertices, triangles and exterior edges
func (t *Triangulator) Clear() {
	t.vertices = t.vertices[:0]
	t.triangles = t.triangles[:0]
	t.exterior = t.exterior[:0]
}

// SetBounds seeds the mesh with a bounding quad spanning min..max.
// It panics if the mesh already holds vertices; Clear first to re-seed.
func (t *Triangulator) SetBounds(min, max orb.Point) {
	if len(t.vertices) != 0 {
		panic("mesh: SetBounds on a populated triangulator")
	}
	t.vertices = append(t.vertices,
		orb.Point{min.X(), max.Y()},
		orb.Point{min.X(), min.Y()},
		orb.Point{max.X(), min.Y()},
		orb.Point{max.X(), max.Y()},
	)
	t.triangles = append(t.triangles,
		t.makeTriangle(1, 2, 0),
		t.makeTriangle(0, 2, 3),
	)
}

// Add inserts points into the mesh, then improves it with a single pass of
// long-edge flips and recomputes the exterior edges. Only X and Y are used.
// Every point must pass CheckVertex against the mesh as it grows; use
// Insertable to filter a batch first.
func (t *Triangulator) Add(points []r3.Vec) {
	if len(t.vertices) < seedVertexCount {
		panic("mesh: Add before SetBounds")
	}
	for _, p := range points {
		if err := t.CheckVertex(p); err != nil {
			panic(fmt.Sprintf("mesh: adding (%g, %g): %v", p.X, p.Y, err))
		}
		t.addVertexSubdividing(orb.Point{p.X, p.Y})
	}
	t.flipLongEdges()
	t.findExteriorEdges()
}

// CheckVertex reports whether p can be added: finite, strictly inside the
// bounds and at least VertexSeparation from every vertex already present.
func (t *Triangulator) CheckVertex(p r3.Vec) error {
	if len(t.vertices) < seedVertexCount {
		return ErrOutsideBounds
	}
	pt := orb.Point{p.X, p.Y}
	if !t.strictlyInside(pt) {
		return ErrOutsideBounds
	}
	for _, v := range t.vertices[seedVertexCount:] {
		if tooClose(v, pt) {
			return ErrCoincidentVertex
		}
	}
	return nil
}

// Insertable returns the indices of the points Add would accept, in order.
// A point is dropped when it fails CheckVertex or lands on an earlier
// accepted point of the same batch.
func (t *Triangulator) Insertable(points []r3.Vec) []int {
	var kept []int
	for i, p := range points {
		if t.CheckVertex(p) != nil {
			continue
		}
		pt := orb.Point{p.X, p.Y}
		dup := false
		for _, k := range kept {
			if tooClose(orb.Point{points[k].X, points[k].Y}, pt) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, i)
		}
	}
	return kept
}

func (t *Triangulator) strictlyInside(p orb.Point) bool {
	if math.IsNaN(p.X()) || math.IsNaN(p.Y()) {
		return false
	}
	min, max := t.vertices[1], t.vertices[3]
	return p.X() > min.X() && p.X() < max.X() && p.Y() > min.Y() && p.Y() < max.Y()
}

func tooClose(a, b orb.Point) bool {
	return planar.DistanceSquared(a, b) < VertexSeparation*VertexSeparation
}

// Find returns interpolation weights for pos. Inside the hull of real
// vertices this is the barycentric interpolant of the enclosing triangle;
// outside it is a two-point interpolant along the nearest exterior edge.
// A lone real vertex takes all the weight. Returns false if the mesh has no
// real vertices.
func (t *Triangulator) Find(pos r3.Vec) (Interpolant, bool) {
	bary, ok := t.findTriangleOrEdgeOrVertex(orb.Point{pos.X, pos.Y})
	if !ok {
		return Interpolant{}, false
	}
	for i := 0; i < 3; i++ {
		if isSeed(bary.Idx[i]) {
			if bary.Weights[i] != 0 {
				panic(fmt.Sprintf("mesh: seed vertex %d carries weight %g", bary.Idx[i], bary.Weights[i]))
			}
			bary.Idx[i] = 0
			continue
		}
		bary.Idx[i] -= seedVertexCount
	}
	return bary, true
}

// Bounds returns the seeded bounding rectangle
func (t *Triangulator) Bounds() orb.Bound {
	if len(t.vertices) < seedVertexCount {
		return orb.Bound{}
	}
	return orb.Bound{Min: t.vertices[1], Max: t.vertices[3]}
}

// Vertices returns the real vertices in insertion order
func (t *Triangulator) Vertices() []orb.Point {
	if len(t.vertices) <= seedVertexCount {
		return nil
	}
	out := make([]orb.Point, len(t.vertices)-seedVertexCount)
	copy(out, t.vertices[seedVertexCount:])
	return out
}

// Triangles returns the triangles whose corners are all real vertices,
// using real-vertex indices.
func (t *Triangulator) Triangles() []Triangle {
	var out []Triangle
	for _, tri := range t.triangles {
		if isSeed(tri.Idx[0]) || isSeed(tri.Idx[1]) || isSeed(tri.Idx[2]) {
			continue
		}
		out = append(out, Triangle{Idx: [3]int{
			tri.Idx[0] - seedVertexCount,
			tri.Idx[1] - seedVertexCount,
			tri.Idx[2] - seedVertexCount,
		}})
	}
	return out
}

// ExteriorEdges returns the hull edges of the real vertices, using real-vertex indices
func (t *Triangulator) ExteriorEdges() []Edge {
	out := make([]Edge, len(t.exterior))
	for i, e := range t.exterior {
		out[i] = Edge{A: e.A - seedVertexCount, B: e.B - seedVertexCount}
	}
	return out
}

// makeTriangle orders the indices counter-clockwise and panics on zero area
func (t *Triangulator) makeTriangle(i0, i1, i2 int) Triangle {
	area := orient(t.vertices[i0], t.vertices[i1], t.vertices[i2])
	if area == 0 {
		panic(fmt.Sprintf("mesh: degenerate triangle (%d, %d, %d)", i0, i1, i2))
	}
	if area < 0 {
		return Triangle{Idx: [3]int{i0, i2, i1}}
	}
	return Triangle{Idx: [3]int{i0, i1, i2}}
}

// findTriangle returns the first triangle containing p and its barycentric weights
// emitTriangle returns (i0, i1, i2) as given, panicking unless it is wound
// counter-clockwise with positive area
func (t *Triangulator) emitTriangle(i0, i1, i2 int) Triangle {
	if orient(t.vertices[i0], t.vertices[i1], t.vertices[i2]) <= 0 {
		panic(fmt.Sprintf("mesh: emitting non-positive triangle (%d, %d, %d)", i0, i1, i2))
	}
	return Triangle{Idx: [3]int{i0, i1, i2}}
}

// positive reports whether (i0, i1, i2) has positive area as wound
func (t *Triangulator) positive(i0, i1, i2 int) bool {
	return orient(t.vertices[i0], t.vertices[i1], t.vertices[i2]) > 0
}

func (t *Triangulator) findTriangle(p orb.Point) (int, Interpolant) {
	for i, tri := range t.triangles {
		p0 := t.vertices[tri.Idx[0]]
		p1 := t.vertices[tri.Idx[1]]
		p2 := t.vertices[tri.Idx[2]]

		area := orient(p0, p1, p2)
		if area <= 0 {
			panic(fmt.Sprintf("mesh: degenerate triangle %d (%v) in find", i, tri.Idx))
		}

		bary := Interpolant{
			Idx: tri.Idx,
			Weights: [3]float64{
				orient(p1, p2, p) / area,
				orient(p2, p0, p) / area,
				orient(p0, p1, p) / area,
			},
		}
		if bary.IsInterior() {
			return i, bary
		}
	}
	panic(fmt.Sprintf("mesh: no triangle contains (%g, %g)", p.X(), p.Y()))
}

func (t *Triangulator) addVertexSubdividing(p orb.Point) {
	t.vertices = append(t.vertices, p)
	newIdx := len(t.vertices) - 1

	triIdx, bary := t.findTriangle(p)
	edge := t.closestEdge(triIdx, bary)
	opposite := t.findTriangleWithEdge(edge, triIdx)

	if t.canSplit(edge, opposite, newIdx) {
		t.splitEdge(triIdx, edge, newIdx)
		t.splitEdge(opposite, edge, newIdx)
		return
	}
	t.splitMidTriangle(triIdx, newIdx)
}

// closestEdge returns the edge opposite the smallest barycentric weight
func (t *Triangulator) closestEdge(triIdx int, bary Interpolant) Edge {
	tri := t.triangles[triIdx].Idx
	edge := Edge{A: tri[1], B: tri[2]}
	minWeight := bary.Weights[0]
	if bary.Weights[1] < minWeight {
		edge = Edge{A: tri[0], B: tri[2]}
		minWeight = bary.Weights[1]
	}
	if bary.Weights[2] < minWeight {
		edge = Edge{A: tri[0], B: tri[1]}
	}
	return edge
}

// findTriangleWithEdge returns the first triangle other than skip that uses edge, or -1
func (t *Triangulator) findTriangleWithEdge(edge Edge, skip int) int {
	for i, tri := range t.triangles {
		if i == skip {
			continue
		}
		if edge.matches(tri.Idx[0], tri.Idx[1]) ||
			edge.matches(tri.Idx[1], tri.Idx[2]) ||
			edge.matches(tri.Idx[2], tri.Idx[0]) {
			return i
		}
	}
	return -1
}

// canSplit reports whether the new vertex lies strictly inside the non-shared
// edges of the neighbor triangle, so splitting the shared edge inverts nothing.
func (t *Triangulator) canSplit(edge Edge, triIdx, newIdx int) bool {
	if triIdx < 0 {
		return false
	}
	tri := t.triangles[triIdx].Idx
	for k := 0; k < 3; k++ {
		a, b := tri[k], tri[(k+1)%3]
		if edge.matches(a, b) {
			continue
		}
		if orient(t.vertices[a], t.vertices[b], t.vertices[newIdx]) <= 0 {
			return false
		}
	}
	return true
}

func (t *Triangulator) splitMidTriangle(triIdx, newIdx int) {
	tri := t.triangles[triIdx].Idx
	t0 := t.emitTriangle(tri[0], tri[1], newIdx)
	t1 := t.emitTriangle(tri[1], tri[2], newIdx)
	t2 := t.emitTriangle(tri[2], tri[0], newIdx)
	t.triangles[triIdx] = t0
	t.triangles = append(t.triangles, t1, t2)
}

func (t *Triangulator) splitEdge(triIdx int, edge Edge, newIdx int) {
	tri := t.triangles[triIdx].Idx
	var t0, t1 Triangle
	switch {
	case edge.matches(tri[0], tri[1]):
		t0 = t.emitTriangle(tri[0], newIdx, tri[2])
		t1 = t.emitTriangle(newIdx, tri[1], tri[2])
	case edge.matches(tri[1], tri[2]):
		t0 = t.emitTriangle(tri[0], tri[1], newIdx)
		t1 = t.emitTriangle(newIdx, tri[2], tri[0])
	case edge.matches(tri[2], tri[0]):
		t0 = t.emitTriangle(newIdx, tri[1], tri[2])
		t1 = t.emitTriangle(newIdx, tri[0], tri[1])
	default:
		panic(fmt.Sprintf("mesh: edge (%d, %d) not on triangle %v", edge.A, edge.B, tri))
	}
	t.triangles[triIdx] = t0
	t.triangles = append(t.triangles, t1)
}

// listSharedEdges collects each triangle edge once per owning triangle,
// oriented low to high, sorted longest first.
func (t *Triangulator) listSharedEdges() []Edge {
	var edges []Edge
	for _, tri := range t.triangles {
		for k := 0; k < 3; k++ {
			a, b := tri.Idx[k], tri.Idx[(k+1)%3]
			if a < b {
				edges = append(edges, Edge{A: a, B: b})
			}
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return t.lengthSquared(edges[i]) > t.lengthSquared(edges[j])
	})
	return edges
}

func (t *Triangulator) lengthSquared(e Edge) float64 {
	return planar.DistanceSquared(t.vertices[e.A], t.vertices[e.B])
}

// insideTriangle reports whether vertex test is inside (v0, v1, v2), with a
// small tolerance relative to the triangle's area.
func (t *Triangulator) insideTriangle(v0, v1, v2, test int) bool {
	p0, p1, p2 := t.vertices[v0], t.vertices[v1], t.vertices[v2]
	pt := t.vertices[test]
	nearIn := -orient(p0, p1, p2) * 1.0e-4
	return orient(p0, p1, pt) >= nearIn &&
		orient(p1, p2, pt) >= nearIn &&
		orient(p2, p0, pt) >= nearIn
}

// flipLongEdges swaps the diagonal of each pair of adjacent triangles to the
// shorter one when the quad they form is convex enough. One pass, longest
// edges first; this is a local improvement and not a Delaunay guarantee.
func (t *Triangulator) flipLongEdges() {
	for _, edge := range t.listSharedEdges() {
		tri0 := t.findTriangleWithEdge(edge, -1)
		if tri0 < 0 {
			panic(fmt.Sprintf("mesh: no triangle with known edge (%d, %d)", edge.A, edge.B))
		}
		tri1 := t.findTriangleWithEdge(edge, tri0)
		if tri1 < 0 {
			continue
		}

		// Shift to (i,j,k) and (k,j,l) where (j,k) is the shared edge
		t.shiftTriangles(edge, tri0, tri1)
		a := t.triangles[tri0].Idx
		b := t.triangles[tri1].Idx
		i, j, k, l := a[0], a[1], a[2], b[2]

		if t.insideTriangle(i, j, l, k) || t.insideTriangle(i, l, k, j) {
			continue
		}

		// A non-convex quad would flip into an inverted pair
		if !t.positive(k, i, l) || !t.positive(l, i, j) {
			continue
		}

		cross := planar.DistanceSquared(t.vertices[i], t.vertices[l])
		if cross < t.lengthSquared(edge) {
			t.triangles[tri0] = t.emitTriangle(k, i, l)
			t.triangles[tri1] = t.emitTriangle(l, i, j)
		}
	}
}

// shiftTriangles rotates tri0 so its first vertex is off the edge and tri1
// so its last vertex is off the edge.
func (t *Triangulator) shiftTriangles(edge Edge, tri0, tri1 int) {
	a := t.triangles[tri0].Idx
	for edge.has(a[0]) {
		a = [3]int{a[1], a[2], a[0]}
	}
	if !edge.has(a[1]) || !edge.has(a[2]) {
		panic(fmt.Sprintf("mesh: triangle %v does not share edge (%d, %d)", a, edge.A, edge.B))
	}
	t.triangles[tri0].Idx = a

	b := t.triangles[tri1].Idx
	for edge.has(b[2]) {
		b = [3]int{b[1], b[2], b[0]}
	}
	if !edge.has(b[0]) || !edge.has(b[1]) {
		panic(fmt.Sprintf("mesh: triangle %v does not share edge (%d, %d)", b, edge.A, edge.B))
	}
	t.triangles[tri1].Idx = b
}

// findExteriorEdges collects the edge opposite the lone seed corner of every
// triangle that has exactly one, then removes duplicates.
func (t *Triangulator) findExteriorEdges() {
	t.exterior = t.exterior[:0]
	for _, tri := range t.triangles {
		seedCorner := -1
		seeds := 0
		for k := 0; k < 3; k++ {
			if isSeed(tri.Idx[k]) {
				seeds++
				seedCorner = k
			}
		}
		if seeds != 1 {
			continue
		}
		edge := Edge{A: tri.Idx[(seedCorner+1)%3], B: tri.Idx[(seedCorner+2)%3]}
		t.exterior = append(t.exterior, edge.ordered())
	}
	t.exterior = removeRedundantEdges(t.exterior)
}

// removeRedundantEdges sorts edges by (A, B) and drops exact duplicates
func removeRedundantEdges(edges []Edge) []Edge {
	if len(edges) < 2 {
		return edges
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	out := edges[:1]
	for _, e := range edges[1:] {
		if e != out[len(out)-1] {
			out = append(out, e)
		}
	}
	return out
}

func (t *Triangulator) pointInsideBounds(p orb.Point) bool {
	if len(t.vertices) < seedVertexCount {
		return false
	}
	return t.Bounds().Contains(p)
}

func (t *Triangulator) findTriangleOrEdgeOrVertex(p orb.Point) (Interpolant, bool) {
	if t.pointInsideBounds(p) {
		_, bary := t.findTriangle(p)
		if !isSeed(bary.Idx[0]) && !isSeed(bary.Idx[1]) && !isSeed(bary.Idx[2]) {
			return bary, true
		}
	}
	return t.findClosestExteriorEdge(p)
}

func (t *Triangulator) findClosestExteriorEdge(p orb.Point) (Interpolant, bool) {
	if len(t.exterior) == 0 {
		if len(t.vertices) == seedVertexCount+1 {
			// A single real vertex takes all the weight
			return Interpolant{
				Idx:     [3]int{seedVertexCount, seedVertexCount, seedVertexCount},
				Weights: [3]float64{1, 0, 0},
			}, true
		}
		return Interpolant{}, false
	}

	closest := -1
	closestDist := math.MaxFloat64
	closestParm := 0.0
	for i, e := range t.exterior {
		parm, dist := t.positionOnEdge(e, p)
		if dist < closestDist {
			closest = i
			closestDist = dist
			closestParm = parm
		}
	}

	e := t.exterior[closest]
	return Interpolant{
		Idx:     [3]int{e.A, e.B, 0},
		Weights: [3]float64{1 - closestParm, closestParm, 0},
	}, true
}

// positionOnEdge projects p onto e, clamped to the segment, returning the
// parameter along the edge and the squared distance to the projection.
func (t *Triangulator) positionOnEdge(e Edge, p orb.Point) (float64, float64) {
	p0, p1 := t.vertices[e.A], t.vertices[e.B]
	dx, dy := p1.X()-p0.X(), p1.Y()-p0.Y()
	lenSq := dx*dx + dy*dy
	if lenSq <= 0 {
		panic(fmt.Sprintf("mesh: zero-length exterior edge (%d, %d)", e.A, e.B))
	}
	parm := ((p.X()-p0.X())*dx + (p.Y()-p0.Y())*dy) / lenSq
	parm = math.Max(0, math.Min(1, parm))
	onEdge := orb.Point{p0.X() + parm*dx, p0.Y() + parm*dy}
	return parm, planar.DistanceSquared(onEdge, p)
}
