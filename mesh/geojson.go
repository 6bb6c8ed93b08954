package mesh

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// GeometryType represents the GeoJSON geometry type
type GeometryType string

const (
	GeometryPoint      GeometryType = "Point"
	GeometryLineString GeometryType = "LineString"
	GeometryPolygon    GeometryType = "Polygon"
)

// Geometry represents a GeoJSON geometry object
type Geometry struct {
	Type        GeometryType    `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature represents a GeoJSON feature with geometry and properties
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   *Geometry              `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
	ID         interface{}            `json:"id,omitempty"`
}

// FeatureCollection represents a GeoJSON FeatureCollection
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection creates a new empty FeatureCollection
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]*Feature, 0),
	}
}

// AddFeature appends a feature to the collection
func (fc *FeatureCollection) AddFeature(f *Feature) {
	fc.Features = append(fc.Features, f)
}

// NewFeature creates a Feature with the given geometry and properties
func NewFeature(geom *Geometry, props map[string]interface{}) *Feature {
	if props == nil {
		props = make(map[string]interface{})
	}
	return &Feature{
		Type:       "Feature",
		Geometry:   geom,
		Properties: props,
	}
}

// PointGeometry converts an orb.Point to a GeoJSON Point geometry
func PointGeometry(p orb.Point) *Geometry {
	coordsJSON, _ := json.Marshal([2]float64{p[0], p[1]})
	return &Geometry{
		Type:        GeometryPoint,
		Coordinates: coordsJSON,
	}
}

// LineStringGeometry converts an orb.LineString to a GeoJSON LineString geometry
func LineStringGeometry(ls orb.LineString) *Geometry {
	coords := make([][2]float64, len(ls))
	for i, p := range ls {
		coords[i] = [2]float64{p[0], p[1]}
	}
	coordsJSON, _ := json.Marshal(coords)
	return &Geometry{
		Type:        GeometryLineString,
		Coordinates: coordsJSON,
	}
}

// RingGeometry converts a single ring to a GeoJSON Polygon geometry,
// closing the ring if the last point differs from the first.
func RingGeometry(ring orb.Ring) *Geometry {
	coords := make([][2]float64, len(ring))
	for i, p := range ring {
		coords[i] = [2]float64{p[0], p[1]}
	}
	if len(coords) > 0 && coords[0] != coords[len(coords)-1] {
		coords = append(coords, coords[0])
	}

	// GeoJSON Polygon coordinates are an array of linear rings
	coordsJSON, _ := json.Marshal([][][2]float64{coords})
	return &Geometry{
		Type:        GeometryPolygon,
		Coordinates: coordsJSON,
	}
}

// MeshLabels carries optional per-vertex annotations for export.
// Names[i] labels real vertex i.
type MeshLabels struct {
	Names []string
}

func (l MeshLabels) name(i int) string {
	if i < len(l.Names) {
		return l.Names[i]
	}
	return ""
}

// MeshToFeatureCollection exports the triangulated mesh in ground-plane
// coordinates. Triangles become Polygons, hull edges become LineStrings and
// vertices become Points. Feature "kind" properties are "triangle",
// "exterior" and "vertex".
func MeshToFeatureCollection(tri *Triangulator, labels MeshLabels) *FeatureCollection {
	fc := NewFeatureCollection()
	if tri == nil {
		return fc
	}

	verts := tri.Vertices()
	for i, t := range tri.Triangles() {
		ring := orb.Ring{verts[t.Idx[0]], verts[t.Idx[1]], verts[t.Idx[2]], verts[t.Idx[0]]}
		f := NewFeature(RingGeometry(ring), map[string]interface{}{
			"kind":     "triangle",
			"vertices": []int{t.Idx[0], t.Idx[1], t.Idx[2]},
			"area":     planar.Area(ring),
		})
		f.ID = i
		fc.AddFeature(f)
	}

	for _, e := range tri.ExteriorEdges() {
		ls := orb.LineString{verts[e.A], verts[e.B]}
		fc.AddFeature(NewFeature(LineStringGeometry(ls), map[string]interface{}{
			"kind":     "exterior",
			"vertices": []int{e.A, e.B},
			"length":   planar.Length(ls),
		}))
	}

	for i, v := range verts {
		props := map[string]interface{}{
			"kind":  "vertex",
			"index": i,
		}
		if name := labels.name(i); name != "" {
			props["name"] = name
		}
		fc.AddFeature(NewFeature(PointGeometry(v), props))
	}

	return fc
}
