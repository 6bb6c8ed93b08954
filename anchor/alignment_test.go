package anchor

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/worldlock/mesh"
)

type pinData struct {
	name    string
	virtual mesh.Pose
	locked  mesh.Pose
}

func testPins() []pinData {
	return []pinData{
		{"pin0", mesh.Translation(0, 0, 0), mesh.Translation(0, 0, 0)},
		{"pin1", mesh.Translation(0, 100, 0), mesh.Translation(0, 200, 0)},
		{"pin2", mesh.Translation(100, 100, 0), mesh.Translation(200, 200, 0)},
		{"pin3", mesh.Translation(100, 0, 0), mesh.Translation(200, 0, 0)},
	}
}

// memStore keeps persisted pins in memory
type memStore struct {
	poses   map[string]PoseRecord
	saves   int
	failing error
}

func (s *memStore) SavePoses(_ context.Context, poses map[string]PoseRecord) error {
	if s.failing != nil {
		return s.failing
	}
	s.saves++
	s.poses = poses
	return nil
}

func (s *memStore) LoadPoses(_ context.Context) (map[string]PoseRecord, error) {
	if s.failing != nil {
		return nil, s.failing
	}
	return s.poses, nil
}

type alignmentFixture struct {
	eng       *fakeEngine
	fragments *FragmentManager
	notifier  *Notifier
	store     *memStore
	am        *AlignmentManager
}

func newAlignmentFixture(current FragmentID) *alignmentFixture {
	f := &alignmentFixture{
		eng:      newFakeEngine(),
		notifier: NewNotifier(),
		store:    &memStore{},
	}
	f.eng.current = current
	f.fragments = NewFragmentManager(f.eng, f.notifier)
	f.fragments.Update(false, false)
	f.am = NewAlignmentManager(f.fragments, NewPoseDB(f.store), f.notifier)
	return f
}

func mustAddPin(t *testing.T, am *AlignmentManager, pin pinData) AnchorID {
	t.Helper()
	id, err := am.AddAlignmentAnchor(pin.name, pin.virtual, pin.locked)
	require.NoError(t, err)
	return id
}

// checkAlignment verifies that the correction computed at lockedPos maps
// virtualPos back onto lockedPos
func checkAlignment(t *testing.T, am *AlignmentManager, virtualPos, lockedPos r3.Vec) {
	t.Helper()
	pinnedFromLocked := am.ComputePose(mesh.NewPose(lockedPos, mesh.Identity().Rotation))
	got := mesh.TransformPosition(mesh.Inverse(pinnedFromLocked), virtualPos)
	assert.InDelta(t, lockedPos.X, got.X, 1e-6, "x at %v", lockedPos)
	assert.InDelta(t, lockedPos.Y, got.Y, 1e-6, "y at %v", lockedPos)
	assert.InDelta(t, lockedPos.Z, got.Z, 1e-6, "z at %v", lockedPos)
}

func TestAlignment_SinglePin(t *testing.T) {
	pins := testPins()
	for _, idx := range []int{0, 1} {
		pin := pins[idx]
		t.Run(pin.name, func(t *testing.T) {
			f := newAlignmentFixture(1)
			mustAddPin(t, f.am, pin)
			f.am.SendAlignmentAnchors()

			checkAlignment(t, f.am, pin.virtual.Position, pin.locked.Position)

			offset := r3.Vec{Y: 100}
			checkAlignment(t, f.am, r3.Add(pin.virtual.Position, offset), r3.Add(pin.locked.Position, offset))
		})
	}
}

func TestAlignment_DualPins(t *testing.T) {
	pins := testPins()
	tests := []struct {
		name string
		a, b int
	}{
		{"pin0 and pin1", 0, 1},
		{"pin1 and pin2", 1, 2},
		{"pin0 and pin2", 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAlignmentFixture(1)
			a, b := pins[tt.a], pins[tt.b]
			f.am.AddAlignmentAnchor(a.name, a.virtual, a.locked)
			f.am.AddAlignmentAnchor(b.name, b.virtual, b.locked)
			f.am.SendAlignmentAnchors()

			checkAlignment(t, f.am, a.virtual.Position, a.locked.Position)
			checkAlignment(t, f.am, b.virtual.Position, b.locked.Position)
			checkAlignment(t, f.am,
				r3.Scale(0.5, r3.Add(a.virtual.Position, b.virtual.Position)),
				r3.Scale(0.5, r3.Add(a.locked.Position, b.locked.Position)))
		})
	}
}

func TestAlignment_FourPinsInterior(t *testing.T) {
	f := newAlignmentFixture(1)
	for _, pin := range testPins() {
		mustAddPin(t, f.am, pin)
	}
	f.am.SendAlignmentAnchors()

	for _, pin := range testPins() {
		checkAlignment(t, f.am, pin.virtual.Position, pin.locked.Position)
	}
	assert.Equal(t, 4, f.am.ActiveCount())
	assert.Len(t, f.am.Triangulation().Triangles(), 2)
}

func TestAlignment_DeferredUntilSent(t *testing.T) {
	f := newAlignmentFixture(1)
	pin := testPins()[1]
	mustAddPin(t, f.am, pin)

	got := f.am.ComputePose(pin.locked)
	assert.True(t, mesh.ApproxEqual(mesh.Identity(), got, 1e-9), "unsent pin applied")
	assert.Equal(t, 0, f.am.ActiveCount())

	f.am.SendAlignmentAnchors()
	got = f.am.ComputePose(pin.locked)
	assert.True(t, mesh.ApproxEqual(mesh.Translation(0, -100, 0), got, 1e-9))
	assert.True(t, mesh.ApproxEqual(got, f.am.PinnedFromLocked(), 1e-12))
}

func TestAlignment_ClearReturnsIdentity(t *testing.T) {
	f := newAlignmentFixture(1)
	var resets int
	f.notifier.OnReset(func() { resets++ })

	for _, pin := range testPins()[:2] {
		mustAddPin(t, f.am, pin)
	}
	f.am.SendAlignmentAnchors()
	f.am.ComputePose(mesh.Translation(0, 150, 0))
	require.Equal(t, 2, f.am.PoseDB().Len())

	f.am.ClearAlignmentAnchors()

	for _, viewer := range []mesh.Pose{mesh.Identity(), mesh.Translation(0, 150, 0), mesh.Translation(-40, 9, 3)} {
		got := f.am.ComputePose(viewer)
		assert.True(t, mesh.ApproxEqual(mesh.Identity(), got, 1e-12), "viewer %v got %v", viewer, got)
	}
	assert.Equal(t, 1, resets)
	assert.Equal(t, 0, f.am.PoseDB().Len())
	assert.Empty(t, f.am.ReferencePoses())

	// attachment points of cleared pins are released
	fr, _ := f.fragments.Fragment(1)
	assert.Equal(t, 0, fr.Len())
}

func TestAlignment_RemoveAlignmentAnchor(t *testing.T) {
	f := newAlignmentFixture(1)
	pins := testPins()
	id0 := mustAddPin(t, f.am, pins[0])
	id1 := mustAddPin(t, f.am, pins[1])
	f.am.SendAlignmentAnchors()
	f.am.ComputePose(mesh.Identity())

	assert.False(t, f.am.RemoveAlignmentAnchor(InvalidAnchor))
	assert.False(t, f.am.RemoveAlignmentAnchor(UnknownAnchor))
	assert.False(t, f.am.RemoveAlignmentAnchor(id1+10))

	require.True(t, f.am.RemoveAlignmentAnchor(id1))
	_, ok := f.am.GetAlignmentPose(id1)
	assert.False(t, ok)
	_, ok = f.am.PoseDB().Get(pins[1].name)
	assert.False(t, ok)

	pose, ok := f.am.GetAlignmentPose(id0)
	require.True(t, ok)
	assert.True(t, mesh.ApproxEqual(pins[0].locked, pose, 1e-12))

	// only pin0 remains, which is the identity correction
	got := f.am.ComputePose(mesh.Translation(0, 200, 0))
	assert.True(t, mesh.ApproxEqual(mesh.Identity(), got, 1e-9))
	assert.Equal(t, 1, f.am.ActiveCount())
}

func TestAlignment_AnchorIDsIncrease(t *testing.T) {
	f := newAlignmentFixture(1)
	var last AnchorID
	for _, pin := range testPins() {
		id := mustAddPin(t, f.am, pin)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestAlignment_RestoreKeepsAnchorID(t *testing.T) {
	f := newAlignmentFixture(1)
	pin := testPins()[2]
	id := mustAddPin(t, f.am, pin)
	require.NoError(t, f.am.Save(context.Background()))

	moved := mesh.Translation(1, 2, 3)
	assert.Equal(t, id, f.am.RestoreAlignmentAnchor(pin.name, moved))
	assert.Len(t, f.am.ReferencePoses(), 1)
	assert.True(t, mesh.ApproxEqual(moved, f.am.ReferencePoses()[0].VirtualPose, 1e-12))

	assert.Equal(t, InvalidAnchor, f.am.RestoreAlignmentAnchor("missing", moved))
	assert.Len(t, f.am.ReferencePoses(), 1)
}

func TestAlignment_BackfillsFragment(t *testing.T) {
	f := newAlignmentFixture(InvalidFragment)
	pin := testPins()[1]
	id := mustAddPin(t, f.am, pin)
	f.am.SendAlignmentAnchors()
	f.am.ComputePose(pin.locked)
	assert.Equal(t, InvalidFragment, f.am.ReferencePoses()[0].FragmentID)

	f.eng.current = 4
	f.fragments.Update(false, false)
	f.am.ComputePose(pin.locked)

	refs := f.am.ReferencePoses()
	require.Len(t, refs, 1)
	assert.Equal(t, id, refs[0].AnchorID)
	assert.Equal(t, FragmentID(4), refs[0].FragmentID)
	assert.Equal(t, FragmentID(4), f.am.ActiveFragmentID())
	assert.Equal(t, 1, f.am.ActiveCount())
	checkAlignment(t, f.am, pin.virtual.Position, pin.locked.Position)
}

func TestAlignment_PinFollowsMerge(t *testing.T) {
	f := newAlignmentFixture(1)
	pin := testPins()[1]
	id := mustAddPin(t, f.am, pin)
	f.am.SendAlignmentAnchors()
	f.am.ComputePose(pin.locked)
	require.Equal(t, 1, f.am.ActiveCount())

	// tracking moves to a new fragment: the pin goes inactive
	f.eng.current = 2
	f.fragments.Update(false, false)
	got := f.am.ComputePose(pin.locked)
	assert.Equal(t, 0, f.am.ActiveCount())
	assert.True(t, mesh.ApproxEqual(mesh.Identity(), got, 1e-12))

	f.eng.metrics.RefitMergeIndicated = true
	f.eng.mergeOK = true
	f.eng.mergeTarget = 2
	f.eng.mergeSources = []FragmentPose{{FragmentID: 1, Pose: mesh.Translation(5, 0, 0)}}
	f.fragments.Update(false, true)

	locked, ok := f.am.GetAlignmentPose(id)
	require.True(t, ok)
	assert.InDelta(t, 5, locked.Position.X, 1e-9)
	assert.InDelta(t, 200, locked.Position.Y, 1e-9)

	f.am.ComputePose(locked)
	assert.Equal(t, 1, f.am.ActiveCount())
	checkAlignment(t, f.am, pin.virtual.Position, locked.Position)
}

func TestAlignment_SaveAndLoad(t *testing.T) {
	f := newAlignmentFixture(1)
	for _, pin := range testPins()[:3] {
		mustAddPin(t, f.am, pin)
	}
	f.am.ComputePose(mesh.Identity())
	require.True(t, f.am.NeedSave())
	require.NoError(t, f.am.Save(context.Background()))
	assert.False(t, f.am.NeedSave())
	assert.Len(t, f.store.poses, 3)

	// a fresh manager over the same store
	g := newAlignmentFixture(1)
	g.store.poses = f.store.poses
	var loads int
	g.notifier.OnLoad(func() {
		loads++
		g.am.RestoreAll()
	})
	require.NoError(t, g.am.Load(context.Background()))
	assert.Equal(t, 1, loads)
	assert.Len(t, g.am.ReferencePoses(), 3)
	assert.False(t, g.am.NeedSave())

	pin := testPins()[2]
	checkAlignment(t, g.am, pin.virtual.Position, pin.locked.Position)
	assert.Equal(t, 3, g.am.ActiveCount())
}

func TestAlignment_LoadEmptyStoreAndErrors(t *testing.T) {
	f := newAlignmentFixture(1)
	var loads int
	f.notifier.OnLoad(func() { loads++ })

	require.NoError(t, f.am.Load(context.Background()))
	assert.Equal(t, 0, loads)

	f.store.failing = errors.New("disk gone")
	assert.Error(t, f.am.Load(context.Background()))

	f.am.AddAlignmentAnchor("a", mesh.Identity(), mesh.Identity())
	err := f.am.Save(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, f.store.failing)
	assert.True(t, f.am.NeedSave())
}

func TestAlignment_RefusesCoincidentPin(t *testing.T) {
	tests := []struct {
		name   string
		second mesh.Pose
	}{
		{"same position", mesh.Translation(1, 1, 0)},
		{"same ground position, different height", mesh.Translation(1, 1, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAlignmentFixture(1)
			_, err := f.am.AddAlignmentAnchor("a", mesh.Translation(1, 1, 0), mesh.Translation(1, 1, 0))
			require.NoError(t, err)

			id, err := f.am.AddAlignmentAnchor("b", tt.second, tt.second)
			assert.ErrorIs(t, err, ErrPinCoincident)
			assert.Equal(t, InvalidAnchor, id)
			assert.Len(t, f.am.ReferencePoses(), 1)

			f.am.SendAlignmentAnchors()
			assert.NotPanics(t, func() { f.am.ComputePose(mesh.Identity()) })
			assert.Equal(t, 1, f.am.ActiveCount())

			// re-placing a pin where it already is
			assert.NoError(t, f.am.CheckPlacement(mesh.Translation(1, 1, 0), "a"))
		})
	}
}

func TestAlignment_CoincidentPinInOtherFragment(t *testing.T) {
	f := newAlignmentFixture(1)
	mustAddPin(t, f.am, pinData{"a", mesh.Translation(1, 1, 0), mesh.Translation(1, 1, 0)})

	f.eng.current = 2
	f.fragments.Update(false, false)
	mustAddPin(t, f.am, pinData{"b", mesh.Translation(2, 2, 0), mesh.Translation(1, 1, 0)})
	f.am.SendAlignmentAnchors()
	f.am.ComputePose(mesh.Translation(1, 1, 0))
	assert.Equal(t, 1, f.am.ActiveCount())

	// merging stacks both pins on the same ground position
	f.eng.metrics.RefitMergeIndicated = true
	f.eng.mergeOK = true
	f.eng.mergeTarget = 2
	f.eng.mergeSources = []FragmentPose{{FragmentID: 1, Pose: mesh.Identity()}}
	f.fragments.Update(false, true)

	var got mesh.Pose
	require.NotPanics(t, func() { got = f.am.ComputePose(mesh.Translation(1, 1, 0)) })
	assert.Equal(t, 2, f.am.ActiveCount())
	assert.Len(t, f.am.Triangulation().Vertices(), 1)
	assert.True(t, mesh.ApproxEqual(mesh.Identity(), got, 1e-9), "first pin should win, got %+v", got)
}

func TestAlignment_RefusesOutOfRangePin(t *testing.T) {
	tests := []struct {
		name   string
		locked mesh.Pose
	}{
		{"beyond +x", mesh.Translation(150000, 0, 0)},
		{"beyond -y", mesh.Translation(0, -150000, 0)},
		{"on the extent", mesh.Translation(triangulationExtent, 0, 0)},
		{"not finite", mesh.Translation(math.Inf(1), 0, 0)},
		{"nan height", mesh.Translation(0, 0, math.NaN())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAlignmentFixture(1)
			_, err := f.am.AddAlignmentAnchor("far", tt.locked, tt.locked)
			assert.ErrorIs(t, err, ErrPinOutOfRange)
			assert.Empty(t, f.am.ReferencePoses())

			f.am.SendAlignmentAnchors()
			assert.NotPanics(t, func() { f.am.ComputePose(mesh.Identity()) })
		})
	}
}

func TestAlignment_LoadedPinsTheMeshCannotTake(t *testing.T) {
	f := newAlignmentFixture(1)
	f.store.poses = map[string]PoseRecord{
		"a":   {Virtual: mesh.Translation(0, 5, 0), Locked: mesh.Translation(0, 0, 0)},
		"b":   {Virtual: mesh.Translation(9, 9, 0), Locked: mesh.Translation(0, 0, 2)},
		"c":   {Virtual: mesh.Translation(10, 5, 0), Locked: mesh.Translation(10, 0, 0)},
		"far": {Virtual: mesh.Identity(), Locked: mesh.Translation(150000, 0, 0)},
	}
	f.notifier.OnLoad(f.am.RestoreAll)
	require.NoError(t, f.am.Load(context.Background()))
	assert.Len(t, f.am.ReferencePoses(), 4)

	var got mesh.Pose
	require.NotPanics(t, func() { got = f.am.ComputePose(mesh.Translation(5, 0, 0)) })
	assert.Equal(t, 4, f.am.ActiveCount())
	// names restore in sorted order, so a wins over b
	assert.Len(t, f.am.Triangulation().Vertices(), 2)
	assert.True(t, mesh.ApproxEqual(mesh.Translation(0, 5, 0), got, 1e-9), "got %+v", got)
}

func TestWeightedAverage(t *testing.T) {
	tests := []struct {
		name  string
		poses []WeightedPose
		want  mesh.Pose
	}{
		{"empty", nil, mesh.Identity()},
		{"all zero weight", []WeightedPose{
			{Pose: mesh.Translation(3, 0, 0)},
			{Pose: mesh.Translation(0, 3, 0)},
		}, mesh.Identity()},
		{"single", []WeightedPose{{Pose: mesh.Translation(1, 2, 3), Weight: 0.2}}, mesh.Translation(1, 2, 3)},
		{"weighted pair", []WeightedPose{
			{Pose: mesh.Translation(0, 0, 0), Weight: 1},
			{Pose: mesh.Translation(4, 0, 0), Weight: 3},
		}, mesh.Translation(3, 0, 0)},
		{"three way", []WeightedPose{
			{Pose: mesh.Translation(3, 0, 0), Weight: 1},
			{Pose: mesh.Translation(0, 3, 0), Weight: 1},
			{Pose: mesh.Translation(0, 0, 3), Weight: 1},
		}, mesh.Translation(1, 1, 1)},
		{"zero tail ignored", []WeightedPose{
			{Pose: mesh.Translation(2, 0, 0), Weight: 1},
			{Pose: mesh.Translation(9, 9, 9), Weight: 0},
			{Pose: mesh.Translation(9, 9, 9), Weight: 0},
		}, mesh.Translation(2, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedAverage(tt.poses)
			assert.True(t, mesh.ApproxEqual(tt.want, got, 1e-9), "got %v want %v", got, tt.want)
		})
	}
}
