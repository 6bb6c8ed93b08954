package anchor

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/worldlock/mesh"
)

// BuildPinMesh triangulates the locked positions of pins the same way the
// alignment manager does. With activeOnly, inactive pins are skipped.
// labels[i] names real vertex i; pins the mesh cannot take are left out.
func BuildPinMesh(pins []PinStatus, activeOnly bool) (*mesh.Triangulator, []string) {
	tri := mesh.NewTriangulator()
	var positions []r3.Vec
	var labels []string
	for _, p := range pins {
		if activeOnly && !p.Active {
			continue
		}
		positions = append(positions, p.Locked.Position)
		labels = append(labels, p.Name)
	}
	if len(positions) == 0 {
		return tri, nil
	}
	kept := triangulatePins(tri, positions)
	meshLabels := make([]string, len(kept))
	for i, k := range kept {
		meshLabels[i] = labels[k]
	}
	return tri, meshLabels
}

// PinsFromRecords lists stored pins for offline use, sorted by name
func PinsFromRecords(records map[string]PoseRecord) []PinStatus {
	db := NewPoseDB(nil)
	db.Replace(records)
	out := make([]PinStatus, 0, db.Len())
	for _, name := range db.Names() {
		rec, _ := db.Get(name)
		out = append(out, PinStatus{Name: name, Virtual: rec.Virtual, Locked: rec.Locked})
	}
	return out
}
