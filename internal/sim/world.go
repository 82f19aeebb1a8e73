package sim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"rcvehicle/internal/geo"
	"rcvehicle/internal/hal"
)

// Standard gravity, m/s^2.
const gravity = 9.80665

// Model selects how the simulated vehicle moves.
type Model string

const (
	// ModelKinematic is a bicycle model driven by the simulated actuators.
	ModelKinematic Model = "kinematic"
	// ModelFigure8 follows a fixed figure-eight and ignores commands.
	ModelFigure8 Model = "figure8"
)

// WorldConfig describes the simulated vehicle and its surroundings.
type WorldConfig struct {
	Seed   uint64
	Model  Model
	Origin hal.Position
	// HeadingDeg is the initial heading (kinematic model).
	HeadingDeg float64

	// Kinematic model.
	MaxSpeedMps float64 // throttle 1.0
	WheelbaseM  float64
	MaxSteerDeg float64 // steering 1.0, positive steers right
	SpeedTau    time.Duration

	// Figure-eight model.
	RadiusM float64
	Period  time.Duration

	// Measurement noise (1 sigma).
	GPSNoiseM     float64
	AccelNoise    float64 // m/s^2
	GyroNoise     float64 // rad/s
	GyroBiasZ     float64 // rad/s
	BaroNoiseM    float64
	MagNoise      float64 // uT
	BatteryV      float64
	BatteryNoiseV float64

	DeclinationDeg float64
}

func (c WorldConfig) withDefaults() WorldConfig {
	if c.Model == "" {
		c.Model = ModelKinematic
	}
	if c.MaxSpeedMps <= 0 {
		c.MaxSpeedMps = 8
	}
	if c.WheelbaseM <= 0 {
		c.WheelbaseM = 0.33
	}
	if c.MaxSteerDeg <= 0 {
		c.MaxSteerDeg = 30
	}
	if c.SpeedTau <= 0 {
		c.SpeedTau = 500 * time.Millisecond
	}
	if c.RadiusM <= 0 {
		c.RadiusM = 40
	}
	if c.Period <= 0 {
		c.Period = 60 * time.Second
	}
	if c.BatteryV <= 0 {
		c.BatteryV = 7.4
	}
	return c
}

// Validate reports configuration errors.
func (c WorldConfig) Validate() error {
	switch c.Model {
	case "", ModelKinematic, ModelFigure8:
	default:
		return fmt.Errorf("sim.model must be %q or %q", ModelKinematic, ModelFigure8)
	}
	if c.Origin.LatDeg < -89 || c.Origin.LatDeg > 89 {
		return fmt.Errorf("sim.origin.lat_deg must be within [-89, 89]")
	}
	if c.Origin.LonDeg < -180 || c.Origin.LonDeg > 180 {
		return fmt.Errorf("sim.origin.lon_deg must be within [-180, 180]")
	}
	return nil
}

// Truth is the simulated vehicle's exact state.
type Truth struct {
	At      time.Time
	Elapsed time.Duration // since the world started

	Local    r3.Vec // ENU metres from origin
	Position hal.Position
	Velocity r3.Vec // ENU m/s

	SpeedMps   float64
	HeadingDeg float64
	// YawRateDps is positive when turning right.
	YawRateDps float64
	// LongAccel is the along-track acceleration, m/s^2.
	LongAccel float64
}

// World is the single deterministic stand-in for physics shared by every
// simulated port. Given the same seed and the same sequence of queries it
// produces the same readings.
type World struct {
	cfg    WorldConfig
	now    func() time.Time
	faults *FaultPlan

	mu       sync.Mutex
	rng      *rand.Rand
	start    time.Time
	last     time.Time
	truth    Truth
	steering float64
	throttle float64
}

// NewWorld starts the clock at now(). A nil now uses the wall clock; a nil
// plan injects no faults.
func NewWorld(cfg WorldConfig, plan *FaultPlan, now func() time.Time) *World {
	cfg = cfg.withDefaults()
	if now == nil {
		now = time.Now
	}
	start := now()
	w := &World{
		cfg:    cfg,
		now:    now,
		faults: plan,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		start:  start,
		last:   start,
	}
	w.truth = Truth{At: start, Position: cfg.Origin, HeadingDeg: geo.Wrap360(cfg.HeadingDeg)}
	if cfg.Model == ModelFigure8 {
		w.truth = w.figure8(0)
		w.truth.At = start
	}
	return w
}

func (w *World) Config() WorldConfig { return w.cfg }

// Now is the world clock.
func (w *World) Now() time.Time { return w.now() }

// Elapsed is the time since the world started.
func (w *World) Elapsed() time.Duration { return w.now().Sub(w.start) }

// Fault returns the fault scripted for a port right now.
func (w *World) Fault(port string) FaultKind {
	if w.faults == nil {
		return FaultNone
	}
	return w.faults.Active(port, w.Elapsed())
}

// SetCommand records an actuator output for the kinematic model.
func (w *World) SetCommand(ch hal.Channel, v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advanceLocked(w.now())
	switch ch {
	case hal.Steering:
		w.steering = v
	case hal.Throttle:
		w.throttle = v
	}
}

// Truth advances the model to now and returns the exact state.
func (w *World) Truth() Truth {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advanceLocked(w.now())
	return w.truth
}

// noise draws a zero-mean gaussian with the given sigma.
func (w *World) noise(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.NormFloat64() * sigma
}

// chance returns true with probability p.
func (w *World) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.Float64() < p
}

// Fixed integration step keeps results independent of query spacing.
const simStep = 5 * time.Millisecond

func (w *World) advanceLocked(now time.Time) {
	if !now.After(w.last) {
		return
	}
	if w.cfg.Model == ModelFigure8 {
		w.truth = w.figure8(now.Sub(w.start))
		w.truth.At = now
		w.last = now
		return
	}
	for w.last.Before(now) {
		step := min(simStep, now.Sub(w.last))
		w.stepKinematic(step.Seconds())
		w.last = w.last.Add(step)
	}
	w.truth.At = now
	w.truth.Elapsed = now.Sub(w.start)
	w.truth.Position = geo.FromENU(w.cfg.Origin, w.truth.Local)
}

func (w *World) stepKinematic(dt float64) {
	t := &w.truth
	target := clamp(w.throttle, -1, 1) * w.cfg.MaxSpeedMps
	alpha := math.Min(dt/w.cfg.SpeedTau.Seconds(), 1)
	dv := (target - t.SpeedMps) * alpha
	t.SpeedMps += dv
	t.LongAccel = dv / dt

	steer := clamp(w.steering, -1, 1) * w.cfg.MaxSteerDeg * math.Pi / 180
	yawRate := t.SpeedMps / w.cfg.WheelbaseM * math.Tan(steer) // rad/s, clockwise
	t.YawRateDps = yawRate * 180 / math.Pi
	t.HeadingDeg = geo.Wrap360(t.HeadingDeg + t.YawRateDps*dt)

	h := t.HeadingDeg * math.Pi / 180
	t.Velocity = r3.Vec{X: t.SpeedMps * math.Sin(h), Y: t.SpeedMps * math.Cos(h)}
	t.Local = r3.Add(t.Local, r3.Scale(dt, t.Velocity))
}

// figure8 samples a Lissajous figure-eight of RadiusM around the origin.
func (w *World) figure8(elapsed time.Duration) Truth {
	period := w.cfg.Period.Seconds()
	r := w.cfg.RadiusM
	om := 2 * math.Pi / period
	ph := om * elapsed.Seconds()

	// x = r cos(wt), y = r/2 sin(2wt)
	pos := r3.Vec{X: r * math.Cos(ph), Y: 0.5 * r * math.Sin(2*ph)}
	vel := r3.Vec{X: -r * om * math.Sin(ph), Y: r * om * math.Cos(2*ph)}
	acc := r3.Vec{X: -r * om * om * math.Cos(ph), Y: -2 * r * om * om * math.Sin(2*ph)}

	speed := r3.Norm(vel)
	out := Truth{
		Elapsed:    elapsed,
		Local:      pos,
		Velocity:   vel,
		SpeedMps:   speed,
		HeadingDeg: geo.HeadingOf(vel),
		Position:   geo.FromENU(w.cfg.Origin, pos),
	}
	if speed > 1e-9 {
		out.LongAccel = r3.Dot(acc, vel) / speed
		// Counter-clockwise turn rate in the ENU plane, negated for
		// clockwise-positive.
		ccw := (vel.X*acc.Y - vel.Y*acc.X) / (speed * speed)
		out.YawRateDps = -ccw * 180 / math.Pi
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
