package mesh

import "github.com/paulmach/orb"

// seedVertexCount is the number of bounding-quad vertices that precede real vertices
const seedVertexCount = 4

// Interpolant holds up to three vertex indices and their blend weights.
// Interior results carry three weights summing to 1; exterior results
// carry one or two nonzero weights.
type Interpolant struct {
	Idx     [3]int     `json:"idx"`
	Weights [3]float64 `json:"weights"`
}

// IsInterior returns true if no weight is negative
func (b Interpolant) IsInterior() bool {
	return b.Weights[0] >= 0 && b.Weights[1] >= 0 && b.Weights[2] >= 0
}

// WeightOf sums the weight assigned to a vertex index
func (b Interpolant) WeightOf(idx int) float64 {
	var w float64
	for i := 0; i < 3; i++ {
		if b.Idx[i] == idx {
			w += b.Weights[i]
		}
	}
	return w
}

// Triangle holds three vertex indices, wound counter-clockwise in the XY plane
type Triangle struct {
	Idx [3]int
}

// Edge connects two vertex indices
type Edge struct {
	A, B int
}

// matches returns true if the edge joins i and j in either direction
func (e Edge) matches(i, j int) bool {
	return (e.A == i && e.B == j) || (e.A == j && e.B == i)
}

// has returns true if v is one of the edge endpoints
func (e Edge) has(v int) bool {
	return e.A == v || e.B == v
}

// ordered returns the edge with A <= B
func (e Edge) ordered() Edge {
	if e.A > e.B {
		return Edge{A: e.B, B: e.A}
	}
	return e
}

// orient returns twice the signed area of (a, b, c); positive when counter-clockwise
func orient(a, b, c orb.Point) float64 {
	return (b.X()-a.X())*(c.Y()-a.Y()) - (b.Y()-a.Y())*(c.X()-a.X())
}

// isSeed returns true for the four bounding-quad vertex indices
func isSeed(idx int) bool {
	return idx < seedVertexCount
}
