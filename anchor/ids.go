// Package anchor keeps content locked to the real world. It routes
// attachment points into fragments of the anchor graph, blends user pins
// into a corrective pose, and drives the per-tick update session.
package anchor

import (
	"fmt"
	"math"
)

// AnchorID identifies an anchor in the external engine or a pin
type AnchorID uint64

// FragmentID identifies a fragment of mutually consistent anchors
type FragmentID uint64

const (
	// InvalidAnchor and InvalidFragment mark "none"
	InvalidAnchor   AnchorID   = 0
	InvalidFragment FragmentID = 0

	// UnknownAnchor and UnknownFragment mark "not yet determined"
	UnknownAnchor   AnchorID   = math.MaxUint64
	UnknownFragment FragmentID = math.MaxUint64
)

// IsKnown reports whether id names a real fragment
func (id FragmentID) IsKnown() bool {
	return id != InvalidFragment && id != UnknownFragment
}

func (id FragmentID) String() string {
	switch id {
	case InvalidFragment:
		return "invalid"
	case UnknownFragment:
		return "unknown"
	}
	return fmt.Sprintf("%d", uint64(id))
}

// IsKnown reports whether id names a real anchor
func (id AnchorID) IsKnown() bool {
	return id != InvalidAnchor && id != UnknownAnchor
}

// AttachmentState is the connectivity of an attachment point
type AttachmentState int

const (
	StateInvalid AttachmentState = iota
	StatePending
	StateNormal
	StateUnconnected
	StateReleased
)

func (s AttachmentState) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StatePending:
		return "pending"
	case StateNormal:
		return "normal"
	case StateUnconnected:
		return "unconnected"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("AttachmentState(%d)", int(s))
}
