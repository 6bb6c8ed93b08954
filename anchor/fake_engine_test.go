package anchor

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/worldlock/mesh"
)

// fakeEngine scripts engine answers and records the calls made to it
type fakeEngine struct {
	current    FragmentID
	metrics    Metrics
	nextAnchor AnchorID

	mergeTarget  FragmentID
	mergeSources []FragmentPose
	mergeOK      bool

	refreezeTarget   FragmentID
	refreezeAbsorbed []FragmentID
	refreezeOK       bool
	refreezeAdj      mesh.Pose

	spawned []AnchorID // context anchors passed to CreateAttachmentPointFromSpawner
	calls   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{current: InvalidFragment, refreezeAdj: mesh.Identity()}
}

func (e *fakeEngine) MostSignificantFragmentID() FragmentID { return e.current }

func (e *fakeEngine) Metrics() Metrics { return e.metrics }

func (e *fakeEngine) Merge() (FragmentID, []FragmentPose, bool) {
	e.calls = append(e.calls, "merge")
	e.metrics.RefitMergeIndicated = false
	return e.mergeTarget, e.mergeSources, e.mergeOK
}

func (e *fakeEngine) Refreeze() (FragmentID, []FragmentID, bool) {
	e.calls = append(e.calls, "refreeze")
	e.metrics.RefitRefreezeIndicated = false
	return e.refreezeTarget, e.refreezeAbsorbed, e.refreezeOK
}

func (e *fakeEngine) RefreezeFinish() {
	e.calls = append(e.calls, "finish")
}

func (e *fakeEngine) ComputeAttachmentPointAdjustment(anchor AnchorID, loc r3.Vec) (AnchorID, r3.Vec, mesh.Pose, bool) {
	e.calls = append(e.calls, "adjust")
	return anchor + 100, loc, e.refreezeAdj, true
}

func (e *fakeEngine) CreateAttachmentPointFromHead(pos r3.Vec) (AnchorID, r3.Vec) {
	e.nextAnchor++
	return e.nextAnchor, r3.Vec{}
}

func (e *fakeEngine) CreateAttachmentPointFromSpawner(ctx AnchorID, ctxLoc r3.Vec, pos r3.Vec) (AnchorID, r3.Vec) {
	e.spawned = append(e.spawned, ctx)
	e.nextAnchor++
	return e.nextAnchor, r3.Vec{}
}

// stateLog records state transitions per named point
type stateLog struct {
	events []string
	last   map[string]AttachmentState
}

func newStateLog() *stateLog {
	return &stateLog{last: make(map[string]AttachmentState)}
}

func (l *stateLog) handler(name string) StateHandler {
	return func(s AttachmentState) {
		l.events = append(l.events, name+":"+s.String())
		l.last[name] = s
	}
}
