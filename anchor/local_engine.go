package anchor

import (
	"log"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/worldlock/mesh"
)

// EngineSettings tune how LocalEngine grows its anchor graph
type EngineSettings struct {
	MinNewAnchorDistance float64 // a new anchor is dropped when the head is farther than this from every anchor
	MaxAnchorEdgeLength  float64 // anchors closer than this are linked
	MaxLocalAnchors      int     // 0 = unlimited
}

// EngineSettingsFromConfig extracts the engine settings
func EngineSettingsFromConfig(cfg WorldLockConfig) EngineSettings {
	return EngineSettings{
		MinNewAnchorDistance: cfg.MinNewAnchorDistance,
		MaxAnchorEdgeLength:  cfg.MaxAnchorEdgeLength,
		MaxLocalAnchors:      cfg.MaxLocalAnchors,
	}
}

type localAnchor struct {
	id       AnchorID
	fragment FragmentID
	position r3.Vec
	edges    map[AnchorID]struct{}
}

// LocalEngine is an in-process Engine and Tracker. It keeps a graph of
// spongy anchors dropped along the head path and groups them into fragments
// that split on tracking loss and merge when the head reconnects them.
// It models no drift: every adjustment it reports is the identity.
type LocalEngine struct {
	settings EngineSettings

	anchors      map[AnchorID]*localAnchor
	nextAnchor   AnchorID
	nextFragment FragmentID
	current      FragmentID
	tracking     bool

	lockedFromSpongy mesh.Pose

	mergeIndicated    bool
	refreezeRequested bool
	inRefreeze        bool
}

// NewLocalEngine creates an empty engine
func NewLocalEngine(settings EngineSettings) *LocalEngine {
	if settings.MinNewAnchorDistance <= 0 {
		settings.MinNewAnchorDistance = 1.0
	}
	if settings.MaxAnchorEdgeLength <= 0 {
		settings.MaxAnchorEdgeLength = 1.2
	}
	return &LocalEngine{
		settings:         settings,
		anchors:          make(map[AnchorID]*localAnchor),
		nextAnchor:       1,
		nextFragment:     1,
		current:          InvalidFragment,
		lockedFromSpongy: mesh.Identity(),
	}
}

// Step feeds one head pose. Losing tracking drops the current fragment;
// regaining it opens a new one.
func (e *LocalEngine) Step(spongyHead mesh.Pose, tracking bool) bool {
	if !tracking {
		if e.tracking {
			log.Printf("[ENGINE] tracking lost in fragment %s", e.current)
		}
		e.tracking = false
		e.current = InvalidFragment
		return false
	}
	if !e.tracking {
		e.tracking = true
		e.current = e.nextFragment
		e.nextFragment++
		log.Printf("[ENGINE] tracking started, fragment %s", e.current)
	}

	head := mesh.TransformPosition(e.lockedFromSpongy, spongyHead.Position)
	if e.nearestInFragment(head, e.current) > e.settings.MinNewAnchorDistance {
		e.addAnchor(head)
	}
	e.mergeIndicated = e.mergeIndicated || e.reachesOtherFragment(head)

	return e.fragmentSize(e.current) > 0
}

// LockedFromSpongy returns the fixed spongy-to-locked transform
func (e *LocalEngine) LockedFromSpongy() mesh.Pose {
	return e.lockedFromSpongy
}

// SetLockedFromSpongy replaces the spongy-to-locked transform
func (e *LocalEngine) SetLockedFromSpongy(p mesh.Pose) {
	e.lockedFromSpongy = p
}

// Reset forgets every anchor. Fragment ids keep increasing.
func (e *LocalEngine) Reset() {
	e.anchors = make(map[AnchorID]*localAnchor)
	e.current = InvalidFragment
	e.tracking = false
	e.mergeIndicated = false
	e.refreezeRequested = false
	e.inRefreeze = false
	e.lockedFromSpongy = mesh.Identity()
}

// RequestRefreeze raises the refreeze indicator for the next update
func (e *LocalEngine) RequestRefreeze() {
	e.refreezeRequested = true
}

// AnchorCount returns the number of spongy anchors
func (e *LocalEngine) AnchorCount() int {
	return len(e.anchors)
}

// MostSignificantFragmentID returns the fragment being tracked, or Invalid
func (e *LocalEngine) MostSignificantFragmentID() FragmentID {
	return e.current
}

// Metrics reports the refit indicators
func (e *LocalEngine) Metrics() Metrics {
	return Metrics{
		RefitMergeIndicated:    e.mergeIndicated,
		RefitRefreezeIndicated: e.refreezeRequested,
		NumTrackableFragments:  len(e.fragmentIDs()),
	}
}

// Merge folds every other fragment into the current one with an identity adjustment
func (e *LocalEngine) Merge() (FragmentID, []FragmentPose, bool) {
	if !e.mergeIndicated || !e.current.IsKnown() {
		return InvalidFragment, nil, false
	}
	e.mergeIndicated = false

	var sources []FragmentPose
	for _, id := range e.fragmentIDs() {
		if id == e.current {
			continue
		}
		sources = append(sources, FragmentPose{FragmentID: id, Pose: mesh.Identity()})
	}
	if len(sources) == 0 {
		return InvalidFragment, nil, false
	}
	e.absorbAll(e.current)
	return e.current, sources, true
}

// Refreeze folds every fragment into the current one. Attachment points
// then query ComputeAttachmentPointAdjustment until RefreezeFinish.
func (e *LocalEngine) Refreeze() (FragmentID, []FragmentID, bool) {
	if !e.current.IsKnown() {
		return InvalidFragment, nil, false
	}
	e.refreezeRequested = false
	e.mergeIndicated = false

	absorbed := e.fragmentIDs()
	if len(absorbed) == 0 {
		absorbed = []FragmentID{e.current}
	}
	e.absorbAll(e.current)
	e.inRefreeze = true
	return e.current, absorbed, true
}

// RefreezeFinish closes the refreeze window
func (e *LocalEngine) RefreezeFinish() {
	e.inRefreeze = false
}

// ComputeAttachmentPointAdjustment keeps a point on its anchor with no correction
func (e *LocalEngine) ComputeAttachmentPointAdjustment(anchor AnchorID, locationFromAnchor r3.Vec) (AnchorID, r3.Vec, mesh.Pose, bool) {
	if !e.inRefreeze {
		return InvalidAnchor, r3.Vec{}, mesh.Identity(), false
	}
	if _, ok := e.anchors[anchor]; !ok {
		return InvalidAnchor, r3.Vec{}, mesh.Identity(), false
	}
	return anchor, locationFromAnchor, mesh.Identity(), true
}

// CreateAttachmentPointFromHead binds a position to the closest anchor of the current fragment
func (e *LocalEngine) CreateAttachmentPointFromHead(lockedPosition r3.Vec) (AnchorID, r3.Vec) {
	a := e.nearestAnchor(lockedPosition, e.current)
	if a == nil {
		return InvalidAnchor, lockedPosition
	}
	return a.id, r3.Sub(lockedPosition, a.position)
}

// CreateAttachmentPointFromSpawner binds a position relative to the context point's anchor
func (e *LocalEngine) CreateAttachmentPointFromSpawner(contextAnchor AnchorID, contextLocation r3.Vec, lockedPosition r3.Vec) (AnchorID, r3.Vec) {
	a, ok := e.anchors[contextAnchor]
	if !ok {
		return e.CreateAttachmentPointFromHead(lockedPosition)
	}
	return a.id, r3.Sub(lockedPosition, a.position)
}

func (e *LocalEngine) addAnchor(position r3.Vec) {
	if e.settings.MaxLocalAnchors > 0 && len(e.anchors) >= e.settings.MaxLocalAnchors {
		return
	}
	a := &localAnchor{
		id:       e.nextAnchor,
		fragment: e.current,
		position: position,
		edges:    make(map[AnchorID]struct{}),
	}
	e.nextAnchor++
	for _, other := range e.anchors {
		if other.fragment == a.fragment && r3.Norm(r3.Sub(other.position, position)) < e.settings.MaxAnchorEdgeLength {
			a.edges[other.id] = struct{}{}
			other.edges[a.id] = struct{}{}
		}
	}
	e.anchors[a.id] = a
}

// absorbAll moves every anchor into target and links anchors the move brought within reach
func (e *LocalEngine) absorbAll(target FragmentID) {
	for _, a := range e.anchors {
		a.fragment = target
	}
	for _, a := range e.anchors {
		for _, b := range e.anchors {
			if a.id < b.id && r3.Norm(r3.Sub(a.position, b.position)) < e.settings.MaxAnchorEdgeLength {
				a.edges[b.id] = struct{}{}
				b.edges[a.id] = struct{}{}
			}
		}
	}
}

func (e *LocalEngine) nearestAnchor(p r3.Vec, fragment FragmentID) *localAnchor {
	var best *localAnchor
	bestDist := math.Inf(1)
	for _, a := range e.anchors {
		if a.fragment != fragment {
			continue
		}
		d := r3.Norm(r3.Sub(a.position, p))
		if d < bestDist || (d == bestDist && best != nil && a.id < best.id) {
			best, bestDist = a, d
		}
	}
	return best
}

func (e *LocalEngine) nearestInFragment(p r3.Vec, fragment FragmentID) float64 {
	if a := e.nearestAnchor(p, fragment); a != nil {
		return r3.Norm(r3.Sub(a.position, p))
	}
	return math.Inf(1)
}

func (e *LocalEngine) reachesOtherFragment(p r3.Vec) bool {
	for _, a := range e.anchors {
		if a.fragment != e.current && r3.Norm(r3.Sub(a.position, p)) < e.settings.MaxAnchorEdgeLength {
			return true
		}
	}
	return false
}

func (e *LocalEngine) fragmentSize(id FragmentID) int {
	n := 0
	for _, a := range e.anchors {
		if a.fragment == id {
			n++
		}
	}
	return n
}

func (e *LocalEngine) fragmentIDs() []FragmentID {
	seen := make(map[FragmentID]struct{})
	for _, a := range e.anchors {
		seen[a.fragment] = struct{}{}
	}
	ids := make([]FragmentID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
