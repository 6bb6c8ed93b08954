package anchor

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/worldlock/mesh"
)

// Metrics are the per-tick indicators the engine reports
type Metrics struct {
	RefitMergeIndicated    bool `json:"refitMergeIndicated"`
	RefitRefreezeIndicated bool `json:"refitRefreezeIndicated"`
	NumTrackableFragments  int  `json:"numTrackableFragments"`
}

// FragmentPose pairs a fragment absorbed by a merge with the adjustment
// that carries its contents into the target fragment.
type FragmentPose struct {
	FragmentID FragmentID
	Pose       mesh.Pose
}

// Engine is the alignment engine that owns the anchor graph. It decides
// fragment identity and computes the merge and refreeze corrections.
type Engine interface {
	MostSignificantFragmentID() FragmentID
	Metrics() Metrics

	// Merge returns the target fragment and the fragments folded into it
	// with their adjustments. ok is false when nothing can be merged.
	Merge() (target FragmentID, sources []FragmentPose, ok bool)

	// Refreeze re-optimizes the graph. absorbed lists every fragment
	// affected, the target included. RefreezeFinish must follow once every
	// attachment point has consumed its adjustment.
	Refreeze() (target FragmentID, absorbed []FragmentID, ok bool)
	RefreezeFinish()

	// ComputeAttachmentPointAdjustment is only valid between Refreeze and RefreezeFinish
	ComputeAttachmentPointAdjustment(anchor AnchorID, locationFromAnchor r3.Vec) (newAnchor AnchorID, newLocation r3.Vec, adjustment mesh.Pose, ok bool)

	CreateAttachmentPointFromHead(lockedPosition r3.Vec) (AnchorID, r3.Vec)
	CreateAttachmentPointFromSpawner(contextAnchor AnchorID, contextLocation r3.Vec, lockedPosition r3.Vec) (AnchorID, r3.Vec)
}

// Tracker is the platform side of the engine: it consumes the live head
// pose and maintains the spongy-to-locked correction.
type Tracker interface {
	// Step feeds one viewer pose and reports whether any anchors are active
	Step(spongyHead mesh.Pose, tracking bool) bool
	LockedFromSpongy() mesh.Pose
	Reset()
}
