package anchor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kwv/worldlock/mesh"
)

// HeadSample is one viewer pose report in the spongy (device) frame
type HeadSample struct {
	Pose      mesh.Pose `json:"pose"`
	Tracking  bool      `json:"tracking"`
	Timestamp time.Time `json:"timestamp"`
}

// HeadTracker holds the latest viewer pose for the update loop.
// Producers (MQTT, HTTP) write; the session reads once per tick.
type HeadTracker struct {
	mu      sync.RWMutex
	sample  HeadSample
	seen    bool
	updates uint64
}

// NewHeadTracker creates a tracker with an identity, non-tracking sample
func NewHeadTracker() *HeadTracker {
	return &HeadTracker{
		sample: HeadSample{Pose: mesh.Identity()},
	}
}

// Update records a new viewer pose
func (h *HeadTracker) Update(pose mesh.Pose, tracking bool) {
	h.UpdateSample(HeadSample{Pose: pose, Tracking: tracking, Timestamp: time.Now()})
}

// UpdateSample records a sample, stamping it if the timestamp is zero
func (h *HeadTracker) UpdateSample(s HeadSample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sample = s
	h.seen = true
	h.updates++
}

// Latest returns the most recent sample and whether any was ever received
func (h *HeadTracker) Latest() (HeadSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sample, h.seen
}

// Current returns the latest sample as of now. A sample older than
// staleAfter is reported as not tracking; staleAfter <= 0 disables this.
func (h *HeadTracker) Current(now time.Time, staleAfter time.Duration) HeadSample {
	s, seen := h.Latest()
	if !seen {
		s.Tracking = false
		return s
	}
	if staleAfter > 0 && now.Sub(s.Timestamp) > staleAfter {
		s.Tracking = false
	}
	return s
}

// Updates returns how many samples have been recorded
func (h *HeadTracker) Updates() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.updates
}

type headPayload struct {
	Pose      *mesh.Pose `json:"pose"`
	Position  *struct{}  `json:"position"`
	Tracking  *bool      `json:"tracking"`
	Timestamp int64      `json:"timestamp"` // unix milliseconds, optional
}

// ParseHeadPayload decodes a head message. Both {"pose":{...},"tracking":true}
// and a bare pose object are accepted; tracking defaults to true.
func ParseHeadPayload(payload []byte) (HeadSample, error) {
	var hp headPayload
	if err := json.Unmarshal(payload, &hp); err != nil {
		return HeadSample{}, fmt.Errorf("parsing head payload: %w", err)
	}

	s := HeadSample{Tracking: true}
	switch {
	case hp.Pose != nil:
		s.Pose = *hp.Pose
	case hp.Position != nil:
		if err := json.Unmarshal(payload, &s.Pose); err != nil {
			return HeadSample{}, fmt.Errorf("parsing head pose: %w", err)
		}
	default:
		return HeadSample{}, fmt.Errorf("head payload has no pose")
	}
	if hp.Tracking != nil {
		s.Tracking = *hp.Tracking
	}
	if hp.Timestamp > 0 {
		s.Timestamp = time.UnixMilli(hp.Timestamp)
	}
	return s, nil
}
