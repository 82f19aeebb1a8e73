// Package policy maps a VehicleState and the current ControlTarget to an
// actuator Command. Policies are pure: the same inputs always produce the
// same Command, and every output lies inside the configured envelopes.
package policy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"rcvehicle/internal/geo"
	"rcvehicle/internal/hal"
)

// Policy is one control law. Evaluate must not retain or mutate its inputs.
type Policy interface {
	Name() string
	Evaluate(st hal.VehicleState, tgt hal.ControlTarget) hal.Command
}

const (
	KindDirect  = "direct"
	KindHeading = "heading"
	KindPursuit = "pursuit"
)

type Config struct {
	Kind string `yaml:"kind"`

	Steering hal.Envelope `yaml:"steering"`
	Throttle hal.Envelope `yaml:"throttle"`

	// DeadmanTimeout forces neutral throttle when the target is older than
	// this at the state's timestamp. Negative disables it.
	DeadmanTimeout time.Duration `yaml:"deadman_timeout"`

	// Heading hold: steering per degree of heading error, and per deg/s of
	// yaw rate subtracted as damping.
	HeadingKp float64 `yaml:"heading_kp"`
	YawRateKd float64 `yaml:"yaw_rate_kd"`

	// Speed hold: throttle per m/s of target (feed-forward) and per m/s of
	// error.
	SpeedFF float64 `yaml:"speed_ff"`
	SpeedKp float64 `yaml:"speed_kp"`

	// Pure pursuit geometry.
	LookaheadM     float64 `yaml:"lookahead_m"`
	WheelbaseM     float64 `yaml:"wheelbase_m"`
	MaxSteerDeg    float64 `yaml:"max_steer_deg"`
	CruiseSpeedMps float64 `yaml:"cruise_speed_mps"`
	SlowRadiusM    float64 `yaml:"slow_radius_m"`
	ArrivalRadiusM float64 `yaml:"arrival_radius_m"`
}

func DefaultConfig() Config {
	return Config{
		Kind:           KindDirect,
		Steering:       hal.Envelope{Min: -1, Max: 1, Neutral: 0},
		Throttle:       hal.Envelope{Min: -1, Max: 1, Neutral: 0},
		DeadmanTimeout: 500 * time.Millisecond,
		HeadingKp:      1.0 / 45,
		YawRateKd:      0.005,
		SpeedFF:        0.1,
		SpeedKp:        0.25,
		LookaheadM:     3,
		WheelbaseM:     0.33,
		MaxSteerDeg:    30,
		CruiseSpeedMps: 3,
		SlowRadiusM:    8,
		ArrivalRadiusM: 1.5,
	}
}

// Normalize fills zero fields with defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.Kind == "" {
		c.Kind = d.Kind
	}
	if c.Steering == (hal.Envelope{}) {
		c.Steering = d.Steering
	}
	if c.Throttle == (hal.Envelope{}) {
		c.Throttle = d.Throttle
	}
	if c.DeadmanTimeout == 0 {
		c.DeadmanTimeout = d.DeadmanTimeout
	}
	if c.HeadingKp == 0 {
		c.HeadingKp = d.HeadingKp
	}
	if c.YawRateKd == 0 {
		c.YawRateKd = d.YawRateKd
	}
	if c.SpeedFF == 0 {
		c.SpeedFF = d.SpeedFF
	}
	if c.SpeedKp == 0 {
		c.SpeedKp = d.SpeedKp
	}
	if c.LookaheadM == 0 {
		c.LookaheadM = d.LookaheadM
	}
	if c.WheelbaseM == 0 {
		c.WheelbaseM = d.WheelbaseM
	}
	if c.MaxSteerDeg == 0 {
		c.MaxSteerDeg = d.MaxSteerDeg
	}
	if c.CruiseSpeedMps == 0 {
		c.CruiseSpeedMps = d.CruiseSpeedMps
	}
	if c.SlowRadiusM == 0 {
		c.SlowRadiusM = d.SlowRadiusM
	}
	if c.ArrivalRadiusM == 0 {
		c.ArrivalRadiusM = d.ArrivalRadiusM
	}
	return c
}

func (c Config) Validate() error {
	if _, ok := constructors[c.Kind]; !ok {
		return fmt.Errorf("policy.kind %q unknown (want one of %v)", c.Kind, Kinds())
	}
	if err := c.Steering.Validate(); err != nil {
		return fmt.Errorf("policy.steering: %w", err)
	}
	if err := c.Throttle.Validate(); err != nil {
		return fmt.Errorf("policy.throttle: %w", err)
	}
	if c.LookaheadM <= 0 || c.WheelbaseM <= 0 || c.MaxSteerDeg <= 0 || c.MaxSteerDeg >= 90 {
		return fmt.Errorf("policy: lookahead_m, wheelbase_m must be > 0 and max_steer_deg in (0, 90)")
	}
	if c.ArrivalRadiusM < 0 || c.SlowRadiusM < c.ArrivalRadiusM {
		return fmt.Errorf("policy: slow_radius_m must be >= arrival_radius_m >= 0")
	}
	return nil
}

var constructors = map[string]func(Config) Policy{
	KindDirect:  func(c Config) Policy { return &Direct{base{c}} },
	KindHeading: func(c Config) Policy { return &Heading{base{c}} },
	KindPursuit: func(c Config) Policy { return &Pursuit{base{c}} },
}

// Kinds lists the registered policy names.
func Kinds() []string {
	out := make([]string, 0, len(constructors))
	for k := range constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the policy named by cfg.Kind.
func New(cfg Config) (Policy, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return constructors[cfg.Kind](cfg), nil
}

// base carries the envelopes and the dead-man check shared by all variants.
type base struct {
	cfg Config
}

func (b base) Config() Config { return b.cfg }

func (b base) expired(st hal.VehicleState, tgt hal.ControlTarget) bool {
	if b.cfg.DeadmanTimeout < 0 {
		return false
	}
	return tgt.Age(st.Timestamp) > b.cfg.DeadmanTimeout
}

func (b base) neutral(st hal.VehicleState, name string) hal.Command {
	return hal.Command{
		Timestamp: st.Timestamp,
		Policy:    name,
		Steering:  b.cfg.Steering.Neutral,
		Throttle:  b.cfg.Throttle.Neutral,
	}
}

// finish clamps into the envelopes and applies the dead-man.
func (b base) finish(st hal.VehicleState, tgt hal.ControlTarget, name string, steer, throttle float64) hal.Command {
	if b.expired(st, tgt) {
		throttle = b.cfg.Throttle.Neutral
	}
	return hal.Command{
		Timestamp: st.Timestamp,
		Policy:    name,
		Steering:  b.cfg.Steering.Clamp(steer),
		Throttle:  b.cfg.Throttle.Clamp(throttle),
	}
}

// Direct passes the target's steering and throttle through.
type Direct struct{ base }

func (*Direct) Name() string { return KindDirect }

func (p *Direct) Evaluate(st hal.VehicleState, tgt hal.ControlTarget) hal.Command {
	return p.finish(st, tgt, KindDirect, tgt.Steering, tgt.Throttle)
}

// Heading holds the target heading and speed: proportional steering with
// yaw-rate damping, feed-forward plus proportional throttle.
type Heading struct{ base }

func (*Heading) Name() string { return KindHeading }

func (p *Heading) Evaluate(st hal.VehicleState, tgt hal.ControlTarget) hal.Command {
	if !finite(st.HeadingDeg, tgt.HeadingDeg) {
		return p.neutral(st, KindHeading)
	}
	errDeg := geo.AngleDiff(st.HeadingDeg, tgt.HeadingDeg)
	steer := p.cfg.HeadingKp*errDeg - p.cfg.YawRateKd*st.YawRateDps
	return p.finish(st, tgt, KindHeading, steer, p.throttleFor(st, tgt.SpeedMps))
}

func (b base) throttleFor(st hal.VehicleState, want float64) float64 {
	return b.cfg.SpeedFF*want + b.cfg.SpeedKp*(want-st.SpeedMps)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
