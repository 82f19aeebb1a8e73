package hal

import (
	"sync/atomic"
	"time"
)

// ControlTarget is the externally supplied desired behavior. Policies only
// read it.
type ControlTarget struct {
	// Direct drive, used by the "direct" policy.
	Steering float64 `json:"steering"`
	Throttle float64 `json:"throttle"`

	HeadingDeg float64 `json:"heading_deg"`
	SpeedMps   float64 `json:"speed_mps"`
	Waypoint   *LatLon `json:"waypoint,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Age returns how old the target is at now. A never-set target is
// infinitely old.
func (t ControlTarget) Age(now time.Time) time.Duration {
	if t.UpdatedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(t.UpdatedAt)
}

// TargetStore holds the latest ControlTarget. The external command source is
// the only writer.
type TargetStore struct {
	v atomic.Pointer[ControlTarget]
}

func NewTargetStore() *TargetStore {
	return &TargetStore{}
}

// Set replaces the target. A zero UpdatedAt is stamped with the wall clock.
func (s *TargetStore) Set(t ControlTarget) {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	s.v.Store(&t)
}

// Load returns a copy of the current target (zero value if never set).
func (s *TargetStore) Load() ControlTarget {
	if s == nil {
		return ControlTarget{}
	}
	p := s.v.Load()
	if p == nil {
		return ControlTarget{}
	}
	return *p
}
