package anchor

import (
	"log"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// pendingPoint is a point waiting for a valid fragment, with the optional
// point it was spawned from
type pendingPoint struct {
	target  Handle
	context Handle
}

// FragmentManager owns the fragments and routes every attachment point into
// exactly one of them, queueing points until a fragment is known.
// It is not safe for concurrent use.
type FragmentManager struct {
	engine    Engine
	arena     *PointArena
	notifier  *Notifier
	fragments map[FragmentID]*Fragment
	current   FragmentID
	pending   []pendingPoint
}

// NewFragmentManager creates a manager over engine; refits go to notifier
func NewFragmentManager(engine Engine, notifier *Notifier) *FragmentManager {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &FragmentManager{
		engine:    engine,
		arena:     NewPointArena(),
		notifier:  notifier,
		fragments: make(map[FragmentID]*Fragment),
		current:   InvalidFragment,
	}
}

// CurrentFragmentID returns the fragment currently being tracked
func (m *FragmentManager) CurrentFragmentID() FragmentID {
	return m.current
}

// Fragment returns the fragment with the given id
func (m *FragmentManager) Fragment(id FragmentID) (*Fragment, bool) {
	f, ok := m.fragments[id]
	return f, ok
}

// FragmentIDs returns the ids of all fragments in ascending order
func (m *FragmentManager) FragmentIDs() []FragmentID {
	ids := make([]FragmentID, 0, len(m.fragments))
	for id := range m.fragments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Point returns a copy of the attachment point behind h
func (m *FragmentManager) Point(h Handle) (AttachmentPoint, bool) {
	return m.arena.Get(h)
}

// PendingCount returns the number of points waiting for a fragment
func (m *FragmentManager) PendingCount() int {
	return len(m.pending)
}

// Pause marks every fragment unconnected while tracking is lost.
// Nothing is discarded, so tracking resumes where it left off.
func (m *FragmentManager) Pause() {
	if m.current != InvalidFragment {
		m.current = InvalidFragment
		m.applyActiveCurrentFragment()
	}
}

// Update pulls the current fragment from the engine, runs a refreeze or a
// merge when indicated and enabled, refreshes fragment states and drains
// the pending queue. It returns false while no fragment is known.
func (m *FragmentManager) Update(autoRefreeze, autoMerge bool) bool {
	m.current = m.engine.MostSignificantFragmentID()
	if !m.current.IsKnown() {
		return false
	}
	m.ensureFragment(m.current)

	metrics := m.engine.Metrics()
	if metrics.RefitRefreezeIndicated && autoRefreeze {
		m.Refreeze()
	} else if metrics.RefitMergeIndicated && autoMerge {
		m.Merge()
	}

	m.applyActiveCurrentFragment()
	m.processPending()
	return true
}

// Reset drops every fragment. Points they held go back to the pending
// queue and are rebound once a fragment is known again.
func (m *FragmentManager) Reset() {
	for _, id := range m.FragmentIDs() {
		for _, h := range m.fragments[id].Points() {
			m.arena.Set(h, InvalidFragment, r3.Vec{}, InvalidAnchor, r3.Vec{})
			m.addPending(h, NoHandle)
		}
	}
	m.fragments = make(map[FragmentID]*Fragment)
	m.current = InvalidFragment
	refitsTotal.WithLabelValues("reset").Inc()
	m.notifier.refit(InvalidFragment, nil)
}

// CreateAttachmentPoint binds a new point at lockedPosition. With a context
// point it joins the context's fragment, otherwise the current one. When
// neither is known the point waits in the pending queue.
func (m *FragmentManager) CreateAttachmentPoint(lockedPosition r3.Vec, context Handle, onLocation LocationHandler, onState StateHandler) Handle {
	h := m.arena.New(onLocation, onState)
	m.arena.SetObjectPosition(h, lockedPosition)

	target := m.targetFragmentID(context)
	if target.IsKnown() {
		m.setupAttachmentPoint(h, context)
		m.ensureFragment(target).AddAttachmentPoint(h)
	} else {
		m.addPending(h, context)
	}
	return h
}

// TeleportAttachmentPoint rebinds h at a new position without producing an
// adjustment. A pending point only has its position updated.
func (m *FragmentManager) TeleportAttachmentPoint(h Handle, lockedPosition r3.Vec, context Handle) {
	p, ok := m.arena.Get(h)
	if !ok {
		return
	}
	m.arena.SetObjectPosition(h, lockedPosition)

	old := p.FragmentID
	if !old.IsKnown() {
		return
	}

	if m.targetFragmentID(context).IsKnown() {
		m.setupAttachmentPoint(h, context)
		if next := m.arena.FragmentOf(h); next != old {
			m.changeAttachmentPointFragment(old, h)
		}
		return
	}

	// No destination yet: leave the old fragment and wait
	if f, ok := m.fragments[old]; ok {
		f.detach(h)
	}
	m.arena.Set(h, InvalidFragment, p.CachedPosition, p.AnchorID, p.LocationFromAnchor)
	m.addPending(h, context)
}

// ReleaseAttachmentPoint disposes of h. A pending point leaves the queue,
// and pending points spawned from h lose their context.
func (m *FragmentManager) ReleaseAttachmentPoint(h Handle) {
	p, ok := m.arena.Get(h)
	if !ok {
		return
	}

	if f, ok := m.fragments[p.FragmentID]; ok {
		f.ReleaseAttachmentPoint(h)
	}
	m.arena.HandleStateChange(h, StateReleased)

	// Contexts only appear after their target, so walk backwards
	for i := len(m.pending) - 1; i >= 0; i-- {
		if m.pending[i].context == h {
			m.pending[i].context = NoHandle
		}
		if m.pending[i].target == h {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
		}
	}
	m.arena.Free(h)
}

// Merge folds the fragments the engine reports into its target fragment.
// It returns false when the engine has nothing to merge.
func (m *FragmentManager) Merge() bool {
	target, sources, ok := m.engine.Merge()
	if !ok {
		return false
	}
	if !target.IsKnown() {
		panic("anchor: merge returned an invalid target fragment")
	}
	targetFragment := m.ensureFragment(target)
	// The target becomes current; absorbed points must not pass through Invalid
	targetFragment.UpdateState(StateNormal)

	absorbed := make([]FragmentID, 0, len(sources))
	for _, src := range sources {
		if src.FragmentID == target {
			continue
		}
		absorbed = append(absorbed, src.FragmentID)
		other, ok := m.fragments[src.FragmentID]
		if !ok {
			log.Printf("[FRAGMENT] merge: fragment %s not found", src.FragmentID)
			continue
		}
		adj := src.Pose
		targetFragment.AbsorbOtherFragment(other, &adj)
		delete(m.fragments, src.FragmentID)
	}
	m.current = target

	m.applyActiveCurrentFragment()
	refitsTotal.WithLabelValues("merge").Inc()
	m.notifier.refit(target, absorbed)
	return true
}

// Refreeze applies a full re-optimization: affected fragments are folded
// into the target without adjustment, then every point in the target gets
// its own adjustment. It returns false when the engine declines.
func (m *FragmentManager) Refreeze() bool {
	target, absorbed, ok := m.engine.Refreeze()
	if !ok {
		return false
	}
	if !target.IsKnown() {
		panic("anchor: refreeze returned an invalid target fragment")
	}
	targetFragment := m.ensureFragment(target)
	targetFragment.UpdateState(StateNormal)

	others := make([]FragmentID, 0, len(absorbed))
	for _, id := range absorbed {
		if id == target {
			continue
		}
		others = append(others, id)
		if other, ok := m.fragments[id]; ok {
			targetFragment.AbsorbOtherFragment(other, nil)
			delete(m.fragments, id)
		}
	}
	m.current = target

	targetFragment.AdjustAll(m.engine)
	m.engine.RefreezeFinish()

	refitsTotal.WithLabelValues("refreeze").Inc()
	m.notifier.refit(target, others)
	return true
}

func (m *FragmentManager) ensureFragment(id FragmentID) *Fragment {
	if !id.IsKnown() {
		return nil
	}
	f, ok := m.fragments[id]
	if !ok {
		f = newFragment(id, m.arena)
		m.fragments[id] = f
	}
	return f
}

func (m *FragmentManager) applyActiveCurrentFragment() {
	for id, f := range m.fragments {
		if id == m.current {
			f.UpdateState(StateNormal)
		} else {
			f.UpdateState(StateUnconnected)
		}
	}
}

// processPending drains the queue in submission order, so a context
// point is always bound before the points spawned from it.
func (m *FragmentManager) processPending() {
	if !m.current.IsKnown() || len(m.pending) == 0 {
		return
	}
	queue := m.pending
	m.pending = nil
	for _, pp := range queue {
		m.setupAttachmentPoint(pp.target, pp.context)

		id := m.targetFragmentID(pp.context)
		if !id.IsKnown() {
			panic("anchor: pending point resolved to an invalid fragment")
		}
		m.ensureFragment(id).AddAttachmentPoint(pp.target)
	}
}

// setupAttachmentPoint binds h to an anchor near its object position,
// spawning from the context point when there is one
func (m *FragmentManager) setupAttachmentPoint(h Handle, context Handle) {
	p, ok := m.arena.Get(h)
	if !ok {
		return
	}
	if ctx, ok := m.arena.Get(context); ok {
		anchor, location := m.engine.CreateAttachmentPointFromSpawner(ctx.AnchorID, ctx.LocationFromAnchor, p.ObjectPosition)
		m.arena.Set(h, ctx.FragmentID, p.ObjectPosition, anchor, location)
		return
	}
	anchor, location := m.engine.CreateAttachmentPointFromHead(p.ObjectPosition)
	m.arena.Set(h, m.current, p.ObjectPosition, anchor, location)
}

func (m *FragmentManager) addPending(h Handle, context Handle) {
	m.arena.HandleStateChange(h, StatePending)
	m.pending = append(m.pending, pendingPoint{target: h, context: context})
}

func (m *FragmentManager) targetFragmentID(context Handle) FragmentID {
	if context != NoHandle {
		if ctx, ok := m.arena.Get(context); ok {
			return ctx.FragmentID
		}
	}
	return m.current
}

// changeAttachmentPointFragment moves h, which already reports its new
// fragment, out of old. The point is not released on the way.
func (m *FragmentManager) changeAttachmentPointFragment(old FragmentID, h Handle) {
	next := m.arena.FragmentOf(h)
	if next == old {
		panic("anchor: moving attachment point to the fragment it is in")
	}
	m.ensureFragment(next).AddAttachmentPoint(h)
	if f, ok := m.fragments[old]; ok {
		f.detach(h)
	}
}
