package anchor

import (
	"log"

	"github.com/kwv/worldlock/mesh"
)

// Fragment holds the attachment points believed consistent with each other.
// Every point it holds reports its FragmentID.
type Fragment struct {
	ID     FragmentID
	State  AttachmentState
	points []Handle
	arena  *PointArena
}

func newFragment(id FragmentID, arena *PointArena) *Fragment {
	return &Fragment{ID: id, State: StateInvalid, arena: arena}
}

// Points returns the handles of the points in the fragment
func (f *Fragment) Points() []Handle {
	return append([]Handle(nil), f.points...)
}

// Len returns the number of points in the fragment
func (f *Fragment) Len() int {
	return len(f.points)
}

// UpdateState pushes a new state to every point when it differs from the current one
func (f *Fragment) UpdateState(state AttachmentState) {
	if f.State == state {
		return
	}
	f.State = state
	for _, h := range f.Points() {
		f.arena.HandleStateChange(h, state)
	}
}

// AddAttachmentPoint takes ownership of h and brings it to the fragment state
func (f *Fragment) AddAttachmentPoint(h Handle) {
	f.arena.HandleStateChange(h, f.State)
	f.points = append(f.points, h)
}

// ReleaseAttachmentPoint drops h from the fragment and marks it released
func (f *Fragment) ReleaseAttachmentPoint(h Handle) {
	if !f.detach(h) {
		return
	}
	f.arena.HandleStateChange(h, StateReleased)
}

// detach removes h without any notification
func (f *Fragment) detach(h Handle) bool {
	for i, p := range f.points {
		if p == h {
			f.points = append(f.points[:i], f.points[i+1:]...)
			return true
		}
	}
	return false
}

// AbsorbOtherFragment moves every point of other into f, applying adjustment
// to each when it is non-nil. other is left empty.
func (f *Fragment) AbsorbOtherFragment(other *Fragment, adjustment *mesh.Pose) {
	if other == f {
		panic("anchor: fragment cannot absorb itself")
	}
	for _, h := range other.Points() {
		p, ok := f.arena.Get(h)
		if !ok {
			continue
		}
		f.arena.Set(h, f.ID, p.CachedPosition, p.AnchorID, p.LocationFromAnchor)
		if adjustment != nil {
			f.arena.HandlePoseAdjustment(h, *adjustment)
		}
		f.arena.HandleStateChange(h, f.State)
		f.points = append(f.points, h)
	}
	other.releaseAll()
}

func (f *Fragment) releaseAll() {
	f.points = nil
}

// AdjustAll rebinds every point after a refreeze and applies its adjustment.
// It must run between Engine.Refreeze and Engine.RefreezeFinish.
func (f *Fragment) AdjustAll(engine Engine) {
	for _, h := range f.Points() {
		p, ok := f.arena.Get(h)
		if !ok {
			continue
		}
		anchor, location, adj, ok := engine.ComputeAttachmentPointAdjustment(p.AnchorID, p.LocationFromAnchor)
		if !ok {
			log.Printf("[FRAGMENT] no adjustment during refreeze for anchor %d", p.AnchorID)
			continue
		}
		f.arena.Set(h, f.ID, p.CachedPosition, anchor, location)
		f.arena.HandlePoseAdjustment(h, adj)
	}
}
