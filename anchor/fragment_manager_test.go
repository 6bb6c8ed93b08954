package anchor

import (
	"bytes"
	"log"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/worldlock/mesh"
)

func TestFragmentManager_UpdateWithoutFragment(t *testing.T) {
	eng := newFakeEngine()
	fm := NewFragmentManager(eng, nil)

	assert.False(t, fm.Update(true, true))
	assert.Equal(t, InvalidFragment, fm.CurrentFragmentID())
	assert.Empty(t, fm.FragmentIDs())

	eng.current = UnknownFragment
	assert.False(t, fm.Update(true, true))
	assert.Empty(t, fm.FragmentIDs())
}

func TestFragmentManager_CreateQueuesUntilFragmentKnown(t *testing.T) {
	eng := newFakeEngine()
	fm := NewFragmentManager(eng, nil)
	log := newStateLog()

	h := fm.CreateAttachmentPoint(r3.Vec{X: 1}, NoHandle, nil, log.handler("a"))
	assert.Equal(t, StatePending, log.last["a"])
	assert.Equal(t, 1, fm.PendingCount())

	eng.current = 3
	require.True(t, fm.Update(false, false))

	p, ok := fm.Point(h)
	require.True(t, ok)
	assert.Equal(t, FragmentID(3), p.FragmentID)
	assert.Equal(t, StateNormal, p.State)
	assert.Equal(t, r3.Vec{X: 1}, p.CachedPosition)
	assert.True(t, p.AnchorID.IsKnown())
	assert.Equal(t, 0, fm.PendingCount())
	assert.Equal(t, []string{"a:pending", "a:normal"}, log.events)
}

func TestFragmentManager_CreateWithKnownFragment(t *testing.T) {
	eng := newFakeEngine()
	eng.current = 5
	fm := NewFragmentManager(eng, nil)
	fm.Update(false, false)

	log := newStateLog()
	h := fm.CreateAttachmentPoint(r3.Vec{Y: 2}, NoHandle, nil, log.handler("a"))

	f, ok := fm.Fragment(5)
	require.True(t, ok)
	assert.Equal(t, []Handle{h}, f.Points())
	assert.Equal(t, []string{"a:normal"}, log.events)
	assert.Equal(t, 0, fm.PendingCount())
}

func TestFragmentManager_PendingQueueOrdering(t *testing.T) {
	eng := newFakeEngine()
	fm := NewFragmentManager(eng, nil)
	log := newStateLog()

	first := fm.CreateAttachmentPoint(r3.Vec{X: 1}, NoHandle, nil, log.handler("first"))
	second := fm.CreateAttachmentPoint(r3.Vec{X: 2}, first, nil, log.handler("second"))
	assert.Equal(t, 2, fm.PendingCount())

	eng.current = 9
	require.True(t, fm.Update(false, false))

	p1, _ := fm.Point(first)
	p2, _ := fm.Point(second)
	assert.Equal(t, FragmentID(9), p1.FragmentID)
	assert.Equal(t, FragmentID(9), p2.FragmentID)

	// second spawned from first after first was bound
	require.Len(t, eng.spawned, 1)
	assert.Equal(t, p1.AnchorID, eng.spawned[0])

	assert.Equal(t, []string{
		"first:pending", "second:pending",
		"first:normal", "second:normal",
	}, log.events)
}

func TestFragmentManager_MergePreservesMembership(t *testing.T) {
	eng := newFakeEngine()
	notifier := NewNotifier()
	var refits [][]FragmentID
	var merged FragmentID
	notifier.OnRefit(func(target FragmentID, absorbed []FragmentID) {
		merged = target
		refits = append(refits, absorbed)
	})
	fm := NewFragmentManager(eng, notifier)
	log := newStateLog()

	eng.current = 1
	fm.Update(false, false)
	var adjustments []mesh.Pose
	moved := fm.CreateAttachmentPoint(r3.Vec{X: 1, Y: 2}, NoHandle, func(adj mesh.Pose) {
		adjustments = append(adjustments, adj)
	}, log.handler("moved"))

	eng.current = 2
	fm.Update(false, false)
	assert.Equal(t, StateUnconnected, log.last["moved"])
	stay := fm.CreateAttachmentPoint(r3.Vec{}, NoHandle, nil, log.handler("stay"))

	eng.metrics.RefitMergeIndicated = true
	eng.mergeOK = true
	eng.mergeTarget = 2
	eng.mergeSources = []FragmentPose{{FragmentID: 1, Pose: mesh.Translation(1, 0, 0)}}
	require.True(t, fm.Update(false, true))

	_, ok := fm.Fragment(1)
	assert.False(t, ok, "absorbed fragment still retrievable")
	assert.Equal(t, []FragmentID{2}, fm.FragmentIDs())

	p, _ := fm.Point(moved)
	assert.Equal(t, FragmentID(2), p.FragmentID)
	assert.Equal(t, StateNormal, p.State)
	assert.InDelta(t, 2.0, p.ObjectPosition.X, 1e-9)
	assert.InDelta(t, 2.0, p.ObjectPosition.Y, 1e-9)

	require.Len(t, adjustments, 1)
	assert.True(t, mesh.ApproxEqual(mesh.Translation(1, 0, 0), adjustments[0], 1e-9))

	f, _ := fm.Fragment(2)
	assert.ElementsMatch(t, []Handle{moved, stay}, f.Points())

	assert.Equal(t, FragmentID(2), merged)
	assert.Equal(t, [][]FragmentID{{1}}, refits)
}

func TestFragmentManager_MergeTargetListedAsSource(t *testing.T) {
	eng := newFakeEngine()
	notifier := NewNotifier()
	var refits [][]FragmentID
	notifier.OnRefit(func(_ FragmentID, absorbed []FragmentID) {
		refits = append(refits, absorbed)
	})
	fm := NewFragmentManager(eng, notifier)

	eng.current = 1
	fm.Update(false, false)
	fm.CreateAttachmentPoint(r3.Vec{X: 1}, NoHandle, nil, nil)
	eng.current = 2
	fm.Update(false, false)
	fm.CreateAttachmentPoint(r3.Vec{X: 2}, NoHandle, nil, nil)

	eng.mergeOK = true
	eng.mergeTarget = 2
	eng.mergeSources = []FragmentPose{
		{FragmentID: 2, Pose: mesh.Identity()},
		{FragmentID: 1, Pose: mesh.Translation(1, 0, 0)},
	}
	require.True(t, fm.Merge())
	assert.Equal(t, [][]FragmentID{{1}}, refits)

	f, _ := fm.Fragment(2)
	assert.Equal(t, 2, f.Len())
}

func TestFragmentManager_MergeLogsMissingSource(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	eng := newFakeEngine()
	eng.current = 1
	fm := NewFragmentManager(eng, nil)
	fm.Update(false, false)

	eng.mergeOK = true
	eng.mergeTarget = 1
	eng.mergeSources = []FragmentPose{{FragmentID: 9, Pose: mesh.Identity()}}
	require.True(t, fm.Merge())
	assert.Contains(t, buf.String(), "[FRAGMENT] merge: fragment")
}

func TestFragmentManager_MergeIntoUnseenFragment(t *testing.T) {
	eng := newFakeEngine()
	fm := NewFragmentManager(eng, nil)
	log := newStateLog()

	eng.current = 1
	fm.Update(false, false)
	h := fm.CreateAttachmentPoint(r3.Vec{X: 1}, NoHandle, nil, log.handler("a"))

	// the engine merges into a fragment the manager has not seen yet
	eng.mergeOK = true
	eng.mergeTarget = 3
	eng.mergeSources = []FragmentPose{{FragmentID: 1, Pose: mesh.Identity()}}
	require.True(t, fm.Merge())

	p, _ := fm.Point(h)
	assert.Equal(t, FragmentID(3), p.FragmentID)
	assert.Equal(t, StateNormal, p.State)
	assert.Equal(t, []string{"a:normal"}, log.events, "absorbed point passed through another state")
}

func TestFragmentManager_RefreezeReportsOnlyAbsorbed(t *testing.T) {
	eng := newFakeEngine()
	notifier := NewNotifier()
	var refits [][]FragmentID
	notifier.OnRefit(func(_ FragmentID, absorbed []FragmentID) {
		refits = append(refits, absorbed)
	})
	fm := NewFragmentManager(eng, notifier)
	log := newStateLog()

	eng.current = 1
	fm.Update(false, false)
	fm.CreateAttachmentPoint(r3.Vec{X: 1}, NoHandle, nil, log.handler("a"))

	eng.refreezeOK = true
	eng.refreezeTarget = 4
	eng.refreezeAbsorbed = []FragmentID{4, 1}
	eng.refreezeAdj = mesh.Identity()
	require.True(t, fm.Refreeze())

	assert.Equal(t, [][]FragmentID{{1}}, refits)
	assert.Equal(t, []FragmentID{4}, fm.FragmentIDs())
	assert.Equal(t, []string{"a:normal"}, log.events)
}

func TestFragmentManager_MergeDisabledOrDeclined(t *testing.T) {
	eng := newFakeEngine()
	eng.current = 1
	fm := NewFragmentManager(eng, nil)

	eng.metrics.RefitMergeIndicated = true
	fm.Update(false, false)
	assert.Empty(t, eng.calls, "merge ran while disabled")

	eng.mergeOK = false
	assert.False(t, fm.Merge())
}

func TestFragmentManager_MergeInvalidTargetPanics(t *testing.T) {
	eng := newFakeEngine()
	eng.mergeOK = true
	eng.mergeTarget = InvalidFragment
	fm := NewFragmentManager(eng, nil)

	assert.Panics(t, func() { fm.Merge() })
}

func TestFragmentManager_RefreezeAdjustsBeforeFinish(t *testing.T) {
	eng := newFakeEngine()
	fm := NewFragmentManager(eng, nil)

	eng.current = 1
	fm.Update(false, false)
	a := fm.CreateAttachmentPoint(r3.Vec{X: 1}, NoHandle, nil, nil)

	eng.current = 2
	fm.Update(false, false)
	b := fm.CreateAttachmentPoint(r3.Vec{X: 2}, NoHandle, nil, nil)
	before, _ := fm.Point(b)

	eng.metrics.RefitRefreezeIndicated = true
	eng.metrics.RefitMergeIndicated = true
	eng.refreezeOK = true
	eng.refreezeTarget = 2
	eng.refreezeAbsorbed = []FragmentID{1, 2}
	eng.refreezeAdj = mesh.Translation(0, 0, 1)
	require.True(t, fm.Update(true, true))

	// refreeze wins over merge; both points adjust before finish
	assert.Equal(t, []string{"refreeze", "adjust", "adjust", "finish"}, eng.calls)
	assert.Equal(t, []FragmentID{2}, fm.FragmentIDs())

	pa, _ := fm.Point(a)
	pb, _ := fm.Point(b)
	assert.Equal(t, FragmentID(2), pa.FragmentID)
	assert.Equal(t, before.AnchorID+100, pb.AnchorID)
	assert.InDelta(t, 1.0, pb.ObjectPosition.Z, 1e-9)
	assert.InDelta(t, 1.0, pa.ObjectPosition.Z, 1e-9)
}

func TestFragmentManager_ReleasePending(t *testing.T) {
	eng := newFakeEngine()
	fm := NewFragmentManager(eng, nil)
	log := newStateLog()

	ctx := fm.CreateAttachmentPoint(r3.Vec{X: 1}, NoHandle, nil, log.handler("ctx"))
	child := fm.CreateAttachmentPoint(r3.Vec{X: 2}, ctx, nil, log.handler("child"))

	fm.ReleaseAttachmentPoint(ctx)
	assert.Equal(t, StateReleased, log.last["ctx"])
	assert.Equal(t, 1, fm.PendingCount())
	_, ok := fm.Point(ctx)
	assert.False(t, ok)

	eng.current = 4
	fm.Update(false, false)

	// child resolves as if it had no context
	assert.Empty(t, eng.spawned)
	p, _ := fm.Point(child)
	assert.Equal(t, FragmentID(4), p.FragmentID)
	assert.Equal(t, StateNormal, p.State)
}

func TestFragmentManager_ReleaseFromFragment(t *testing.T) {
	eng := newFakeEngine()
	eng.current = 1
	fm := NewFragmentManager(eng, nil)
	fm.Update(false, false)
	log := newStateLog()

	h := fm.CreateAttachmentPoint(r3.Vec{}, NoHandle, nil, log.handler("a"))
	fm.ReleaseAttachmentPoint(h)

	f, _ := fm.Fragment(1)
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, []string{"a:normal", "a:released"}, log.events)

	// released points no longer react to fragment changes
	fm.Pause()
	assert.Equal(t, []string{"a:normal", "a:released"}, log.events)
}

func TestFragmentManager_PauseAndResume(t *testing.T) {
	eng := newFakeEngine()
	eng.current = 1
	fm := NewFragmentManager(eng, nil)
	fm.Update(false, false)
	log := newStateLog()
	fm.CreateAttachmentPoint(r3.Vec{}, NoHandle, nil, log.handler("a"))

	fm.Pause()
	assert.Equal(t, InvalidFragment, fm.CurrentFragmentID())
	assert.Equal(t, StateUnconnected, log.last["a"])

	fm.Update(false, false)
	assert.Equal(t, StateNormal, log.last["a"])
	assert.Equal(t, []string{"a:normal", "a:unconnected", "a:normal"}, log.events)
}

func TestFragmentManager_Teleport(t *testing.T) {
	t.Run("moves between fragments without release", func(t *testing.T) {
		eng := newFakeEngine()
		fm := NewFragmentManager(eng, nil)
		log := newStateLog()

		eng.current = 1
		fm.Update(false, false)
		h := fm.CreateAttachmentPoint(r3.Vec{}, NoHandle, nil, log.handler("a"))

		eng.current = 2
		fm.Update(false, false)
		ctx := fm.CreateAttachmentPoint(r3.Vec{X: 5}, NoHandle, nil, nil)

		var adjusted bool
		fm.arena.BindLocation(h, func(mesh.Pose) { adjusted = true })
		fm.TeleportAttachmentPoint(h, r3.Vec{X: 6}, ctx)

		p, _ := fm.Point(h)
		assert.Equal(t, FragmentID(2), p.FragmentID)
		assert.Equal(t, r3.Vec{X: 6}, p.ObjectPosition)
		assert.False(t, adjusted, "teleport must not produce an adjustment")
		assert.NotContains(t, log.events, "a:released")

		f1, _ := fm.Fragment(1)
		f2, _ := fm.Fragment(2)
		assert.Equal(t, 0, f1.Len())
		assert.ElementsMatch(t, []Handle{ctx, h}, f2.Points())
	})

	t.Run("requeues without destination", func(t *testing.T) {
		eng := newFakeEngine()
		eng.current = 1
		fm := NewFragmentManager(eng, nil)
		fm.Update(false, false)
		h := fm.CreateAttachmentPoint(r3.Vec{}, NoHandle, nil, nil)

		fm.Pause()
		fm.TeleportAttachmentPoint(h, r3.Vec{Y: 3}, NoHandle)
		p, _ := fm.Point(h)
		assert.Equal(t, StatePending, p.State)
		assert.Equal(t, 1, fm.PendingCount())
		f1, _ := fm.Fragment(1)
		assert.Equal(t, 0, f1.Len())

		fm.Update(false, false)
		p, _ = fm.Point(h)
		assert.Equal(t, FragmentID(1), p.FragmentID)
		assert.Equal(t, r3.Vec{Y: 3}, p.CachedPosition)
		assert.Equal(t, 1, f1.Len())
	})

	t.Run("pending point only moves", func(t *testing.T) {
		eng := newFakeEngine()
		fm := NewFragmentManager(eng, nil)
		h := fm.CreateAttachmentPoint(r3.Vec{}, NoHandle, nil, nil)
		fm.TeleportAttachmentPoint(h, r3.Vec{Z: 1}, NoHandle)
		assert.Equal(t, 1, fm.PendingCount())

		eng.current = 1
		fm.Update(false, false)
		p, _ := fm.Point(h)
		assert.Equal(t, r3.Vec{Z: 1}, p.CachedPosition)
	})
}

func TestFragmentManager_Reset(t *testing.T) {
	eng := newFakeEngine()
	notifier := NewNotifier()
	var got []FragmentID
	notifier.OnRefit(func(target FragmentID, _ []FragmentID) { got = append(got, target) })
	fm := NewFragmentManager(eng, notifier)

	eng.current = 1
	fm.Update(false, false)
	h := fm.CreateAttachmentPoint(r3.Vec{}, NoHandle, nil, nil)

	fm.Reset()
	assert.Empty(t, fm.FragmentIDs())
	assert.Equal(t, InvalidFragment, fm.CurrentFragmentID())
	assert.Equal(t, []FragmentID{InvalidFragment}, got)

	p, _ := fm.Point(h)
	assert.Equal(t, StatePending, p.State)

	eng.current = 8
	fm.Update(false, false)
	p, _ = fm.Point(h)
	assert.Equal(t, FragmentID(8), p.FragmentID)
}

func TestFragment_AbsorbSelfPanics(t *testing.T) {
	f := newFragment(1, NewPointArena())
	assert.Panics(t, func() { f.AbsorbOtherFragment(f, nil) })
}

func TestPointArena_HandleStateChangeOnce(t *testing.T) {
	arena := NewPointArena()
	var calls int
	h := arena.New(nil, func(AttachmentState) { calls++ })

	arena.HandleStateChange(h, StateNormal)
	arena.HandleStateChange(h, StateNormal)
	assert.Equal(t, 1, calls)

	arena.BindState(h, nil)
	arena.HandleStateChange(h, StateUnconnected)
	assert.Equal(t, 1, calls)
	p, _ := arena.Get(h)
	assert.Equal(t, StateUnconnected, p.State)
}

func TestPointArena_PoseAdjustmentComposesOnLeft(t *testing.T) {
	arena := NewPointArena()
	var got []mesh.Pose
	h := arena.New(func(adj mesh.Pose) { got = append(got, adj) }, nil)
	arena.SetObjectPosition(h, r3.Vec{X: 1})

	rot := mesh.NewPose(r3.Vec{}, mesh.Yaw(math.Pi/2))
	shift := mesh.Translation(0, 0, 2)
	arena.HandlePoseAdjustment(h, rot)
	arena.HandlePoseAdjustment(h, shift)

	p, _ := arena.Get(h)
	assert.InDelta(t, 0, p.ObjectPosition.X, 1e-9)
	assert.InDelta(t, 1, p.ObjectPosition.Y, 1e-9)
	assert.InDelta(t, 2, p.ObjectPosition.Z, 1e-9)
	assert.True(t, mesh.ApproxEqual(mesh.Multiply(shift, rot), p.ObjectAdjustment, 1e-9))
	require.Len(t, got, 2)
	assert.True(t, mesh.ApproxEqual(shift, got[1], 1e-9))
}
