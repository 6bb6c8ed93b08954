package anchor

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/worldlock/mesh"
)

// Handle is the stable key of an attachment point in a PointArena.
// The zero Handle refers to no point.
type Handle uint64

// NoHandle is the absent handle, used for "no context"
const NoHandle Handle = 0

// LocationHandler receives the incremental adjustment applied to a point.
// Callers apply it to whatever they attached; it is not cumulative.
type LocationHandler func(adjustment mesh.Pose)

// StateHandler receives connectivity transitions of a point
type StateHandler func(state AttachmentState)

// AttachmentPoint binds one object to the anchor graph
type AttachmentPoint struct {
	FragmentID FragmentID
	AnchorID   AnchorID

	// LocationFromAnchor is the displacement of the point from its anchor
	LocationFromAnchor r3.Vec

	// CachedPosition is the position in locked space when last bound
	CachedPosition r3.Vec

	// ObjectPosition tracks the attached object through adjustments
	ObjectPosition r3.Vec

	// ObjectAdjustment accumulates every adjustment applied so far
	ObjectAdjustment mesh.Pose

	State AttachmentState
}

type pointSlot struct {
	point      AttachmentPoint
	onLocation LocationHandler
	onState    StateHandler
}

// PointArena owns every live attachment point. Fragments and the pending
// queue hold handles only, so ownership transfers reduce to moving handles.
type PointArena struct {
	next  Handle
	slots map[Handle]*pointSlot
}

// NewPointArena creates an empty arena
func NewPointArena() *PointArena {
	return &PointArena{slots: make(map[Handle]*pointSlot)}
}

// New allocates a point in StateInvalid with the given observers.
// Either handler may be nil.
func (a *PointArena) New(onLocation LocationHandler, onState StateHandler) Handle {
	a.next++
	a.slots[a.next] = &pointSlot{
		point:      AttachmentPoint{ObjectAdjustment: mesh.Identity()},
		onLocation: onLocation,
		onState:    onState,
	}
	return a.next
}

// Free drops the point; later calls with h are no-ops
func (a *PointArena) Free(h Handle) {
	delete(a.slots, h)
}

// Len returns the number of live points
func (a *PointArena) Len() int {
	return len(a.slots)
}

// Get returns a copy of the point
func (a *PointArena) Get(h Handle) (AttachmentPoint, bool) {
	s, ok := a.slots[h]
	if !ok {
		return AttachmentPoint{}, false
	}
	return s.point, true
}

// FragmentOf returns the fragment h reports, or InvalidFragment for an unknown handle
func (a *PointArena) FragmentOf(h Handle) FragmentID {
	if s, ok := a.slots[h]; ok {
		return s.point.FragmentID
	}
	return InvalidFragment
}

// SetObjectPosition moves the tracked object position without firing handlers
func (a *PointArena) SetObjectPosition(h Handle, pos r3.Vec) {
	if s, ok := a.slots[h]; ok {
		s.point.ObjectPosition = pos
	}
}

// Set updates the identity fields of a point in one step
func (a *PointArena) Set(h Handle, fragment FragmentID, cachedPosition r3.Vec, anchor AnchorID, locationFromAnchor r3.Vec) {
	s, ok := a.slots[h]
	if !ok {
		return
	}
	s.point.FragmentID = fragment
	s.point.CachedPosition = cachedPosition
	s.point.AnchorID = anchor
	s.point.LocationFromAnchor = locationFromAnchor
}

// HandleStateChange records a new state and notifies the state observer.
// Repeating the current state does nothing.
func (a *PointArena) HandleStateChange(h Handle, state AttachmentState) {
	s, ok := a.slots[h]
	if !ok || s.point.State == state {
		return
	}
	s.point.State = state
	if s.onState != nil {
		s.onState(state)
	}
}

// HandlePoseAdjustment composes adj on the left of the cumulative adjustment
// and the object position, then passes adj to the location observer.
func (a *PointArena) HandlePoseAdjustment(h Handle, adj mesh.Pose) {
	s, ok := a.slots[h]
	if !ok {
		return
	}
	s.point.ObjectPosition = mesh.TransformPosition(adj, s.point.ObjectPosition)
	s.point.ObjectAdjustment = mesh.Multiply(adj, s.point.ObjectAdjustment)
	if s.onLocation != nil {
		s.onLocation(adj)
	}
}

// BindLocation replaces the location observer; nil unbinds it
func (a *PointArena) BindLocation(h Handle, fn LocationHandler) {
	if s, ok := a.slots[h]; ok {
		s.onLocation = fn
	}
}

// BindState replaces the state observer; nil unbinds it
func (a *PointArena) BindState(h Handle, fn StateHandler) {
	if s, ok := a.slots[h]; ok {
		s.onState = fn
	}
}
