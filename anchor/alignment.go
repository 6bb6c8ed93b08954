package anchor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/worldlock/mesh"
)

// triangulationExtent bounds the pin mesh in locked space
const triangulationExtent = 100000.0

var (
	// ErrPinOutOfRange rejects a pin whose locked position cannot be triangulated
	ErrPinOutOfRange = errors.New("pin position out of range")
	// ErrPinCoincident rejects a pin on top of another pin of the same fragment
	ErrPinCoincident = errors.New("pin coincides with an existing pin")
)

// CheckPinPosition reports whether a locked position fits in the pin mesh:
// finite and strictly within the triangulation extent on X and Y
func CheckPinPosition(pos r3.Vec) error {
	if !finite(pos) {
		return fmt.Errorf("%w: not finite", ErrPinOutOfRange)
	}
	if math.Abs(pos.X) >= triangulationExtent || math.Abs(pos.Y) >= triangulationExtent {
		return fmt.Errorf("%w: beyond %g", ErrPinOutOfRange, triangulationExtent)
	}
	return nil
}

// triangulatePins seeds tri with the pin extent and adds the positions it
// can take. It returns the indices of the positions that became vertices,
// in vertex order.
func triangulatePins(tri *mesh.Triangulator, positions []r3.Vec) []int {
	tri.SetBounds(
		orb.Point{-triangulationExtent, -triangulationExtent},
		orb.Point{triangulationExtent, triangulationExtent},
	)
	kept := tri.Insertable(positions)
	accepted := make([]r3.Vec, len(kept))
	for i, k := range kept {
		accepted[i] = positions[k]
	}
	tri.Add(accepted)
	return kept
}

// ReferencePose is a pin: a correspondence between a virtual pose and the
// pose it is locked to in the stabilized frame
type ReferencePose struct {
	Name        string     `json:"name"`
	AnchorID    AnchorID   `json:"anchorId"`
	FragmentID  FragmentID `json:"fragmentId"`
	VirtualPose mesh.Pose  `json:"virtualPose"`
	LockedPose  mesh.Pose  `json:"lockedPose"`
	Point       Handle     `json:"-"`
}

// IsActive reports whether the pin belongs to the current fragment
func (r *ReferencePose) IsActive(current FragmentID) bool {
	return r.FragmentID == current
}

// PinnedFromLocked is the correction this pin alone would apply
func (r *ReferencePose) PinnedFromLocked() mesh.Pose {
	return mesh.Multiply(r.VirtualPose, mesh.Inverse(r.LockedPose))
}

// WeightedPose is a pose with a non-normalized blend weight
type WeightedPose struct {
	Pose   mesh.Pose
	Weight float64
}

// AlignmentManager blends the pins of the current fragment into one
// corrective pose for the viewer position. It is not safe for concurrent use.
type AlignmentManager struct {
	fragments *FragmentManager
	notifier  *Notifier
	db        *PoseDB
	tri       *mesh.Triangulator

	referencePoses []*ReferencePose
	sentPoses      []*ReferencePose
	activePoses    []*ReferencePose
	meshPoses      []*ReferencePose // vertex i of tri is meshPoses[i]
	toSave         []*ReferencePose

	activeFragmentID FragmentID
	nextAnchorID     AnchorID

	needSend     bool
	needFragment bool
	needSave     bool
	needActivate bool
	needRebuild  bool

	pinnedFromLocked mesh.Pose
}

// NewAlignmentManager wires a manager to its fragment manager, pin table and notifier
func NewAlignmentManager(fragments *FragmentManager, db *PoseDB, notifier *Notifier) *AlignmentManager {
	if db == nil {
		db = NewPoseDB(nil)
	}
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &AlignmentManager{
		fragments:        fragments,
		notifier:         notifier,
		db:               db,
		tri:              mesh.NewTriangulator(),
		activeFragmentID: UnknownFragment,
		nextAnchorID:     1,
		pinnedFromLocked: mesh.Identity(),
	}
}

// PoseDB returns the pin table
func (a *AlignmentManager) PoseDB() *PoseDB {
	return a.db
}

// PinnedFromLocked returns the result of the last ComputePose
func (a *AlignmentManager) PinnedFromLocked() mesh.Pose {
	return a.pinnedFromLocked
}

// ActiveFragmentID returns the fragment whose pins are active
func (a *AlignmentManager) ActiveFragmentID() FragmentID {
	return a.activeFragmentID
}

// ActiveCount returns the number of pins contributing to the blend
func (a *AlignmentManager) ActiveCount() int {
	return len(a.activePoses)
}

// NeedSave reports whether pins changed since the last successful save
func (a *AlignmentManager) NeedSave() bool {
	return a.needSave || len(a.toSave) > 0
}

// StageSave flushes staged pins into the table and returns a copy to be
// written elsewhere. The save flag is cleared; call MarkUnsaved if that
// write fails.
func (a *AlignmentManager) StageSave() map[string]PoseRecord {
	a.checkSave()
	a.needSave = false
	return a.db.Snapshot()
}

// MarkUnsaved flags the table as needing another save
func (a *AlignmentManager) MarkUnsaved() {
	a.needSave = true
}

// FindByName returns a copy of the pin with the given name
func (a *AlignmentManager) FindByName(name string) (ReferencePose, bool) {
	if ref := a.findByName(name); ref != nil {
		return *ref, true
	}
	return ReferencePose{}, false
}

// ReferencePoses returns copies of every pin in insertion order
func (a *AlignmentManager) ReferencePoses() []ReferencePose {
	out := make([]ReferencePose, 0, len(a.referencePoses))
	for _, r := range a.referencePoses {
		out = append(out, *r)
	}
	return out
}

// ActivePoses returns copies of the pins of the active fragment
func (a *AlignmentManager) ActivePoses() []ReferencePose {
	out := make([]ReferencePose, 0, len(a.activePoses))
	for _, r := range a.activePoses {
		out = append(out, *r)
	}
	return out
}

// Triangulation returns the mesh over the active pins' locked positions
func (a *AlignmentManager) Triangulation() *mesh.Triangulator {
	return a.tri
}

// ClaimAnchorID hands out the next pin id
func (a *AlignmentManager) ClaimAnchorID() AnchorID {
	id := a.nextAnchorID
	a.nextAnchorID++
	return id
}

// ComputePose applies queued pin changes and returns the corrective pose
// for a viewer at lockedHead. With no active pins it is the identity.
func (a *AlignmentManager) ComputePose(lockedHead mesh.Pose) mesh.Pose {
	a.checkSend()
	a.checkFragment()
	a.checkSave()
	if a.needRebuild {
		a.buildTriangulation()
	}

	a.pinnedFromLocked = mesh.Identity()
	if len(a.meshPoses) == 0 {
		return a.pinnedFromLocked
	}

	interp, ok := a.tri.Find(lockedHead.Position)
	if !ok {
		return a.pinnedFromLocked
	}

	poses := make([]WeightedPose, 0, 3)
	for i := 0; i < 3; i++ {
		ref := a.meshPoses[interp.Idx[i]]
		poses = append(poses, WeightedPose{
			Pose:   ref.PinnedFromLocked(),
			Weight: interp.Weights[i],
		})
	}
	a.pinnedFromLocked = WeightedAverage(poses)
	return a.pinnedFromLocked
}

// WeightedAverage collapses poses pairwise from the right. Each pair blends
// with parameter right/(left+right); a pair with no weight becomes the
// identity with zero weight.
func WeightedAverage(poses []WeightedPose) mesh.Pose {
	if len(poses) == 0 {
		return mesh.Identity()
	}
	work := append([]WeightedPose(nil), poses...)
	for len(work) > 1 {
		n := len(work)
		work[n-2] = combine(work[n-2], work[n-1])
		work = work[:n-1]
	}
	return work[0].Pose
}

func combine(left, right WeightedPose) WeightedPose {
	sum := left.Weight + right.Weight
	if sum <= 0 {
		return WeightedPose{Pose: mesh.Identity()}
	}
	return WeightedPose{
		Pose:   mesh.Interpolate(left.Pose, right.Pose, right.Weight/sum),
		Weight: sum,
	}
}

// CheckPlacement reports whether a pin locked at lockedPose could join the
// current fragment. A pin named replacing is ignored, so a pin can be
// re-placed where it already is.
func (a *AlignmentManager) CheckPlacement(lockedPose mesh.Pose, replacing string) error {
	pos := lockedPose.Position
	if err := CheckPinPosition(pos); err != nil {
		return err
	}
	fragment := a.fragments.CurrentFragmentID()
	for _, r := range a.referencePoses {
		if r.Name == replacing && replacing != "" {
			continue
		}
		// pins without a known fragment get back-filled into the current one
		if r.FragmentID != fragment && r.FragmentID.IsKnown() {
			continue
		}
		dx := r.LockedPose.Position.X - pos.X
		dy := r.LockedPose.Position.Y - pos.Y
		if dx*dx+dy*dy < mesh.VertexSeparation*mesh.VertexSeparation {
			return fmt.Errorf("%w %q", ErrPinCoincident, r.Name)
		}
	}
	return nil
}

// AddAlignmentAnchor creates a pin in the current fragment and stages it
// for saving. It takes effect after SendAlignmentAnchors and the next tick.
// Pins failing CheckPlacement are refused.
func (a *AlignmentManager) AddAlignmentAnchor(name string, virtualPose, lockedPose mesh.Pose) (AnchorID, error) {
	if err := a.CheckPlacement(lockedPose, ""); err != nil {
		return InvalidAnchor, err
	}
	fragment := a.fragments.CurrentFragmentID()
	ref := &ReferencePose{
		Name:        name,
		AnchorID:    a.ClaimAnchorID(),
		FragmentID:  fragment,
		VirtualPose: virtualPose,
	}
	a.setLockedPose(ref, lockedPose)
	a.referencePoses = append(a.referencePoses, ref)
	a.queueForSave(ref)
	if !fragment.IsKnown() {
		a.needFragment = true
	}
	return ref.AnchorID, nil
}

// SendAlignmentAnchors commits the current pin set; it activates on the next tick
func (a *AlignmentManager) SendAlignmentAnchors() {
	a.needSend = true
}

// GetAlignmentPose returns the locked pose of a pin
func (a *AlignmentManager) GetAlignmentPose(id AnchorID) (mesh.Pose, bool) {
	for _, r := range a.referencePoses {
		if r.AnchorID == id {
			return r.LockedPose, true
		}
	}
	return mesh.Identity(), false
}

// RemoveAlignmentAnchor deletes a pin and forgets its persisted entry.
// It reports false for an unknown id.
func (a *AlignmentManager) RemoveAlignmentAnchor(id AnchorID) bool {
	if !id.IsKnown() {
		return false
	}
	var found bool
	kept := a.referencePoses[:0]
	for _, r := range a.referencePoses {
		if r.AnchorID != id {
			kept = append(kept, r)
			continue
		}
		found = true
		a.db.Forget(r.Name)
		a.fragments.ReleaseAttachmentPoint(r.Point)
	}
	a.referencePoses = kept
	if !found {
		return false
	}

	a.toSave = dropAnchor(a.toSave, id)
	a.sentPoses = dropAnchor(a.sentPoses, id)
	before := len(a.activePoses)
	a.activePoses = dropAnchor(a.activePoses, id)
	if len(a.activePoses) != before {
		a.needRebuild = true
	}
	a.needSave = true
	return true
}

func dropAnchor(list []*ReferencePose, id AnchorID) []*ReferencePose {
	out := list[:0]
	for _, r := range list {
		if r.AnchorID != id {
			out = append(out, r)
		}
	}
	return out
}

// ClearAlignmentAnchors removes every pin, wipes the pin table and
// broadcasts a reset
func (a *AlignmentManager) ClearAlignmentAnchors() {
	a.db.Empty()
	for _, r := range a.referencePoses {
		a.fragments.ReleaseAttachmentPoint(r.Point)
	}
	a.referencePoses = nil
	a.toSave = nil
	a.sentPoses = nil
	a.activePoses = nil
	a.meshPoses = nil
	a.needRebuild = true
	a.needSave = true
	a.pinnedFromLocked = mesh.Identity()
	a.notifier.reset()
}

// RestoreAlignmentAnchor recreates a persisted pin by name with the given
// virtual pose, keeping the anchor id of an existing pin of that name.
// It returns InvalidAnchor when name is not persisted.
func (a *AlignmentManager) RestoreAlignmentAnchor(name string, virtualPose mesh.Pose) AnchorID {
	rec, ok := a.db.Get(name)
	if !ok {
		return InvalidAnchor
	}
	fragment := a.fragments.CurrentFragmentID()

	ref := a.findByName(name)
	if ref == nil {
		ref = &ReferencePose{Name: name, AnchorID: a.ClaimAnchorID()}
		a.referencePoses = append(a.referencePoses, ref)
	}
	ref.FragmentID = fragment
	ref.VirtualPose = virtualPose
	a.setLockedPose(ref, rec.Locked)

	if !fragment.IsKnown() {
		a.needFragment = true
	}
	return ref.AnchorID
}

func (a *AlignmentManager) findByName(name string) *ReferencePose {
	for _, r := range a.referencePoses {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Save flushes staged pins into the table and writes it to the store
func (a *AlignmentManager) Save(ctx context.Context) error {
	a.checkSave()
	if err := a.db.Save(ctx); err != nil {
		return err
	}
	a.needSave = false
	return nil
}

// Load reads the store and applies it with ApplyLoaded. Nothing stored is
// not an error.
func (a *AlignmentManager) Load(ctx context.Context) error {
	records, err := a.db.Fetch(ctx)
	if err != nil {
		return err
	}
	if records != nil {
		a.ApplyLoaded(records)
	}
	return nil
}

// ApplyLoaded replaces the pin table, notifies load listeners so they can
// restore their pins, and re-sends the pin set
func (a *AlignmentManager) ApplyLoaded(records map[string]PoseRecord) {
	a.db.Replace(records)
	a.notifier.loaded()
	a.SendAlignmentAnchors()
	a.needSave = false
}

// RestoreAll restores every persisted pin with its stored virtual pose
func (a *AlignmentManager) RestoreAll() {
	for _, name := range a.db.Names() {
		rec, _ := a.db.Get(name)
		a.RestoreAlignmentAnchor(name, rec.Virtual)
	}
}

// setLockedPose binds ref to the anchor graph at lockedPose, creating its
// attachment point or teleporting the existing one
func (a *AlignmentManager) setLockedPose(ref *ReferencePose, lockedPose mesh.Pose) {
	ref.LockedPose = lockedPose
	if ref.Point == NoHandle {
		ref.Point = a.fragments.CreateAttachmentPoint(lockedPose.Position, NoHandle, a.onLocationUpdate(ref), nil)
		return
	}
	a.fragments.TeleportAttachmentPoint(ref.Point, lockedPose.Position, NoHandle)
}

// onLocationUpdate follows refits of the pin's attachment point
func (a *AlignmentManager) onLocationUpdate(ref *ReferencePose) LocationHandler {
	return func(adjustment mesh.Pose) {
		current := a.fragments.CurrentFragmentID()
		if ref.FragmentID != current {
			ref.FragmentID = current
			a.needActivate = true
		}
		ref.LockedPose = mesh.Multiply(adjustment, ref.LockedPose)
		a.needRebuild = true
	}
}

func (a *AlignmentManager) queueForSave(ref *ReferencePose) {
	for i, r := range a.toSave {
		if r.AnchorID == ref.AnchorID {
			a.toSave[i] = ref
			return
		}
	}
	a.toSave = append(a.toSave, ref)
}

func (a *AlignmentManager) checkSave() {
	if len(a.toSave) == 0 {
		return
	}
	for _, r := range a.toSave {
		a.db.Set(r.Name, PoseRecord{Virtual: r.VirtualPose, Locked: r.LockedPose})
	}
	a.toSave = nil
	a.needSave = true
}

func (a *AlignmentManager) checkSend() {
	if !a.needSend {
		return
	}
	a.needSend = false
	a.sentPoses = append([]*ReferencePose(nil), a.referencePoses...)
	a.activateCurrentFragment()
}

// checkFragment back-fills pins created before any fragment was known,
// and reactivates when the current fragment changes
func (a *AlignmentManager) checkFragment() {
	current := a.fragments.CurrentFragmentID()
	changed := a.needActivate || a.activeFragmentID != current
	if a.needFragment && current.IsKnown() {
		for _, r := range a.referencePoses {
			if !r.FragmentID.IsKnown() {
				r.FragmentID = current
			}
		}
		a.needFragment = false
		changed = true
	}
	if changed {
		a.activateCurrentFragment()
	}
}

func (a *AlignmentManager) activateCurrentFragment() {
	current := a.fragments.CurrentFragmentID()
	a.activePoses = a.activePoses[:0]
	for _, r := range a.sentPoses {
		if r.IsActive(current) {
			a.activePoses = append(a.activePoses, r)
		}
	}
	a.activeFragmentID = current
	a.needActivate = false
	a.needRebuild = true
}

// buildTriangulation meshes the active pins. Pins the mesh cannot take
// (out of range, or on top of an earlier pin after a refit or load) are
// left out of the blend.
func (a *AlignmentManager) buildTriangulation() {
	a.needRebuild = false
	a.tri.Clear()
	a.meshPoses = a.meshPoses[:0]
	if len(a.activePoses) == 0 {
		return
	}
	positions := make([]r3.Vec, len(a.activePoses))
	for i, r := range a.activePoses {
		positions[i] = r.LockedPose.Position
	}
	kept := triangulatePins(a.tri, positions)
	if len(kept) != len(positions) {
		log.Printf("[ALIGN] %d of %d active pins left out of the mesh", len(positions)-len(kept), len(positions))
	}
	for _, i := range kept {
		a.meshPoses = append(a.meshPoses, a.activePoses[i])
	}
}
