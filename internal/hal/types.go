package hal

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// SensorKind identifies the payload semantics of a SensorPort.
type SensorKind string

const (
	KindPosition  SensorKind = "position"
	KindInertial  SensorKind = "inertial"
	KindBarometer SensorKind = "barometer"
	KindMagnetic  SensorKind = "magnetic"
	KindBattery   SensorKind = "battery"
)

// Capability is fixed at process start for every port.
type Capability int

const (
	Real Capability = iota
	Simulated
)

func (c Capability) String() string {
	switch c {
	case Real:
		return "real"
	case Simulated:
		return "sim"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// ParseCapability accepts the config spellings "real" and "sim".
func ParseCapability(s string) (Capability, error) {
	switch s {
	case "real":
		return Real, nil
	case "sim", "simulated":
		return Simulated, nil
	default:
		return 0, fmt.Errorf("unknown capability %q (want real or sim)", s)
	}
}

// Channel names a logical actuator.
type Channel string

const (
	Steering Channel = "steering"
	Throttle Channel = "throttle"
)

// Inertial is one accelerometer+gyro reading in the body frame.
// Accel is specific force in m/s^2 (reads +g on Z at rest), Gyro is rad/s.
type Inertial struct {
	Accel r3.Vec
	Gyro  r3.Vec
}

// Scalar is a single-valued reading (barometric altitude, battery voltage).
type Scalar struct {
	Value float64
	Unit  string
}

// Magnetic carries the raw field and the tilt-uncompensated heading.
type Magnetic struct {
	Field      r3.Vec
	HeadingDeg float64
}

// SensorSample is produced by one Acquire call and consumed once.
// Exactly one payload field is set, matching Kind.
type SensorSample struct {
	Source    string
	Kind      SensorKind
	Timestamp time.Time

	Sentences []string
	Inertial  *Inertial
	Scalar    *Scalar
	Magnetic  *Magnetic
}

// LatLon is a geodetic coordinate in degrees.
type LatLon struct {
	LatDeg float64 `json:"lat_deg" yaml:"lat_deg"`
	LonDeg float64 `json:"lon_deg" yaml:"lon_deg"`
}

// Position is a geodetic position with altitude above MSL.
type Position struct {
	LatDeg float64 `json:"lat_deg" yaml:"lat_deg"`
	LonDeg float64 `json:"lon_deg" yaml:"lon_deg"`
	AltM   float64 `json:"alt_m" yaml:"alt_m"`
}

// SourceHealth is the per-kind fusion status reported with each state.
type SourceHealth string

const (
	SourceMissing     SourceHealth = "missing"
	SourceFresh       SourceHealth = "fresh"
	SourceStale       SourceHealth = "stale"
	SourceDegraded    SourceHealth = "degraded"
	SourceImplausible SourceHealth = "implausible"
)

// SourceStatus is what the estimator knows about one sensor kind.
type SourceStatus struct {
	Health     SourceHealth `json:"health"`
	LastSample time.Time    `json:"last_sample,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

// PositionSource tells whether Position came from a fix or from integration.
type PositionSource string

const (
	PositionNone         PositionSource = "none"
	PositionFix          PositionSource = "fix"
	PositionDeadReckoned PositionSource = "dead_reckoning"
)

// VehicleState is an immutable snapshot; a new one replaces the previous
// each tick.
type VehicleState struct {
	Timestamp time.Time `json:"timestamp"`
	Tick      uint64    `json:"tick"`

	Position       Position       `json:"position"`
	PositionValid  bool           `json:"position_valid"`
	PositionSource PositionSource `json:"position_source"`
	// Local is east/north/up metres from the first accepted fix.
	Local    r3.Vec `json:"local"`
	Velocity r3.Vec `json:"velocity"`

	Orientation quat.Number `json:"orientation"`

	SpeedMps   float64 `json:"speed_mps"`
	HeadingDeg float64 `json:"heading_deg"`
	RollDeg    float64 `json:"roll_deg"`
	PitchDeg   float64 `json:"pitch_deg"`
	YawRateDps float64 `json:"yaw_rate_dps"`

	BatteryV     float64 `json:"battery_v,omitempty"`
	BatteryValid bool    `json:"battery_valid"`
	FixQuality   int     `json:"fix_quality,omitempty"`
	Satellites   int     `json:"satellites,omitempty"`
	SatsInView   int     `json:"sats_in_view,omitempty"`
	SpeedClamped bool    `json:"speed_clamped,omitempty"`
	DeadlineMiss bool    `json:"deadline_miss,omitempty"`

	Sources map[SensorKind]SourceStatus `json:"sources"`
}

// Source returns the status for kind, or SourceMissing.
func (s *VehicleState) Source(kind SensorKind) SourceStatus {
	if s == nil || s.Sources == nil {
		return SourceStatus{Health: SourceMissing}
	}
	st, ok := s.Sources[kind]
	if !ok {
		return SourceStatus{Health: SourceMissing}
	}
	return st
}

// Envelope is the safe range of one actuator channel.
type Envelope struct {
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	Neutral float64 `yaml:"neutral" json:"neutral"`
}

// Contains reports whether v lies inside the envelope. NaN never does.
func (e Envelope) Contains(v float64) bool {
	return !math.IsNaN(v) && v >= e.Min && v <= e.Max
}

// Clamp forces v into the envelope; NaN maps to Neutral.
func (e Envelope) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return e.Neutral
	}
	if v < e.Min {
		return e.Min
	}
	if v > e.Max {
		return e.Max
	}
	return v
}

// Validate checks Min <= Neutral <= Max.
func (e Envelope) Validate() error {
	if !(e.Min < e.Max) {
		return fmt.Errorf("envelope min=%v must be < max=%v", e.Min, e.Max)
	}
	if !e.Contains(e.Neutral) {
		return fmt.Errorf("envelope neutral=%v outside [%v, %v]", e.Neutral, e.Min, e.Max)
	}
	return nil
}

// ActuatorCommand is the value handed to exactly one ActuatorPort.
type ActuatorCommand struct {
	Channel   Channel   `json:"channel"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Policy    string    `json:"policy"`
}

// Command is everything a policy decides for one tick.
type Command struct {
	Timestamp time.Time `json:"timestamp"`
	Policy    string    `json:"policy"`
	Steering  float64   `json:"steering"`
	Throttle  float64   `json:"throttle"`
}

// For extracts the command for one channel. Unknown channels get NaN so
// that the port rejects them.
func (c Command) For(ch Channel) ActuatorCommand {
	v := math.NaN()
	switch ch {
	case Steering:
		v = c.Steering
	case Throttle:
		v = c.Throttle
	}
	return ActuatorCommand{Channel: ch, Value: v, Timestamp: c.Timestamp, Policy: c.Policy}
}

// NeutralCommand returns the safe-rest command for a port.
func NeutralCommand(p ActuatorPort, at time.Time) ActuatorCommand {
	return ActuatorCommand{Channel: p.Channel(), Value: p.Envelope().Neutral, Timestamp: at, Policy: "neutral"}
}
