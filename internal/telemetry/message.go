package telemetry

import (
	"time"

	"rcvehicle/internal/hal"
	"rcvehicle/internal/loop"
)

// Message is the compact wire view of one snapshot.
type Message struct {
	Tick  uint64    `json:"tick"`
	Phase string    `json:"phase"`
	Time  time.Time `json:"time"`

	PositionValid  bool    `json:"position_valid"`
	PositionSource string  `json:"position_source"`
	LatDeg         float64 `json:"lat_deg"`
	LonDeg         float64 `json:"lon_deg"`
	AltM           float64 `json:"alt_m"`

	SpeedMps   float64 `json:"speed_mps"`
	HeadingDeg float64 `json:"heading_deg"`
	RollDeg    float64 `json:"roll_deg"`
	PitchDeg   float64 `json:"pitch_deg"`
	YawRateDps float64 `json:"yaw_rate_dps"`
	BatteryV   float64 `json:"battery_v,omitempty"`

	Steering float64 `json:"steering"`
	Throttle float64 `json:"throttle"`
	Policy   string  `json:"policy"`

	DeadlineMiss bool              `json:"deadline_miss,omitempty"`
	Sources      map[string]string `json:"sources,omitempty"`
}

func NewMessage(s loop.Snapshot) Message {
	st := s.State
	m := Message{
		Tick:           s.Tick,
		Phase:          string(s.Phase),
		Time:           st.Timestamp.UTC(),
		PositionValid:  st.PositionValid,
		PositionSource: string(st.PositionSource),
		LatDeg:         st.Position.LatDeg,
		LonDeg:         st.Position.LonDeg,
		AltM:           st.Position.AltM,
		SpeedMps:       st.SpeedMps,
		HeadingDeg:     st.HeadingDeg,
		RollDeg:        st.RollDeg,
		PitchDeg:       st.PitchDeg,
		YawRateDps:     st.YawRateDps,
		Steering:       s.Command.Steering,
		Throttle:       s.Command.Throttle,
		Policy:         s.Command.Policy,
		DeadlineMiss:   st.DeadlineMiss,
	}
	if st.BatteryValid {
		m.BatteryV = st.BatteryV
	}
	if len(st.Sources) > 0 {
		m.Sources = make(map[string]string, len(st.Sources))
		for k, v := range st.Sources {
			m.Sources[string(k)] = string(v.Health)
		}
	}
	return m
}

// Healthy reports whether every known source is fresh.
func (m Message) Healthy() bool {
	for _, h := range m.Sources {
		if h != string(hal.SourceFresh) {
			return false
		}
	}
	return true
}
