package estimator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"rcvehicle/internal/geo"
	"rcvehicle/internal/gps"
	"rcvehicle/internal/hal"
)

const gravity = 9.80665

type Config struct {
	// PositionStaleAfter is the fix age beyond which position is dead
	// reckoned.
	PositionStaleAfter time.Duration `yaml:"position_stale_after"`
	// SensorStaleAfter is the sample age beyond which a non-positioning
	// source stops contributing.
	SensorStaleAfter time.Duration `yaml:"sensor_stale_after"`
	// MaxIMUGap bounds one integration step; longer gaps only re-anchor.
	MaxIMUGap time.Duration `yaml:"max_imu_gap"`

	MaxSpeedMps       float64 `yaml:"max_speed_mps"`
	MinCourseSpeedMps float64 `yaml:"min_course_speed_mps"`

	HeadingToleranceDeg float64 `yaml:"heading_tolerance_deg"`
	AltitudeToleranceM  float64 `yaml:"altitude_tolerance_m"`
	SpeedToleranceMps   float64 `yaml:"speed_tolerance_mps"`

	// TiltGain pulls roll/pitch toward the accelerometer's gravity vector;
	// negative disables the correction.
	TiltGain float64 `yaml:"tilt_gain"`
	// BiasCalibration is how long the first stationary IMU samples are
	// averaged into a gyro bias; negative disables it.
	BiasCalibration time.Duration `yaml:"bias_calibration"`

	Sources map[string]SourceParams `yaml:"sources"`
}

func DefaultConfig() Config {
	return Config{
		PositionStaleAfter:  time.Second,
		SensorStaleAfter:    500 * time.Millisecond,
		MaxIMUGap:           500 * time.Millisecond,
		MaxSpeedMps:         30,
		MinCourseSpeedMps:   1,
		HeadingToleranceDeg: 25,
		AltitudeToleranceM:  15,
		SpeedToleranceMps:   1.5,
		TiltGain:            0.5,
		BiasCalibration:     2 * time.Second,
		Sources: map[string]SourceParams{
			SourceGPS:          {Trust: 1.0, Latency: 100 * time.Millisecond},
			SourceMagnetometer: {Trust: 0.6, Latency: 20 * time.Millisecond},
			SourceBarometer:    {Trust: 0.8, Latency: 50 * time.Millisecond},
			// Integrated yaw and speed drift, so they lose every disagreement
			// with an absolute reference.
			SourceIMU: {Trust: 0.3, Latency: 250 * time.Millisecond},
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PositionStaleAfter <= 0 {
		c.PositionStaleAfter = d.PositionStaleAfter
	}
	if c.SensorStaleAfter <= 0 {
		c.SensorStaleAfter = d.SensorStaleAfter
	}
	if c.MaxIMUGap <= 0 {
		c.MaxIMUGap = d.MaxIMUGap
	}
	if c.MaxSpeedMps <= 0 {
		c.MaxSpeedMps = d.MaxSpeedMps
	}
	if c.MinCourseSpeedMps <= 0 {
		c.MinCourseSpeedMps = d.MinCourseSpeedMps
	}
	if c.HeadingToleranceDeg <= 0 {
		c.HeadingToleranceDeg = d.HeadingToleranceDeg
	}
	if c.AltitudeToleranceM <= 0 {
		c.AltitudeToleranceM = d.AltitudeToleranceM
	}
	if c.SpeedToleranceMps <= 0 {
		c.SpeedToleranceMps = d.SpeedToleranceMps
	}
	if c.TiltGain == 0 {
		c.TiltGain = d.TiltGain
	}
	if c.BiasCalibration == 0 {
		c.BiasCalibration = d.BiasCalibration
	}
	merged := make(map[string]SourceParams, len(d.Sources))
	for k, v := range d.Sources {
		merged[k] = v
	}
	for k, v := range c.Sources {
		merged[k] = v
	}
	c.Sources = merged
	return c
}

type sourceState struct {
	last        time.Time
	lastErr     string
	stale       bool
	degraded    bool
	implausible bool
}

// Estimator fuses samples into VehicleState snapshots. It is owned by the
// control loop; the mutex only guards against the loop's own fan-in
// goroutines.
type Estimator struct {
	cfg Config

	mu      sync.Mutex
	sources map[hal.SensorKind]*sourceState

	// Orientation, body (FLU) to world (ENU).
	q        quat.Number
	haveQ    bool
	lastIMU  time.Time
	gyro     r3.Vec // bias-corrected, rad/s
	bias     r3.Vec
	biasSum  r3.Vec
	biasN    int
	biasDone bool
	biasFrom time.Time

	// Inertially propagated ground speed along the forward axis.
	inertialSpeed float64
	haveInertial  bool

	fix        gps.Fix
	haveFix    bool
	fixSpeedOK bool
	origin     hal.Position
	haveOrig   bool

	magHeading float64
	baroAlt    float64
	baroPrev   float64
	baroPrevAt time.Time
	vSpeed     float64
	batteryV   float64

	local       r3.Vec
	velocity    r3.Vec
	speed       float64
	heading     float64
	haveHeading bool
	propagated  time.Time
	lastStamp   time.Time
}

func New(cfg Config) *Estimator {
	return &Estimator{
		cfg:     cfg.withDefaults(),
		sources: map[hal.SensorKind]*sourceState{},
		q:       identity,
	}
}

func (e *Estimator) Config() Config { return e.cfg }

// Expect registers kinds so they are reported as missing until their first
// sample.
func (e *Estimator) Expect(kinds ...hal.SensorKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range kinds {
		e.source(k)
	}
}

func (e *Estimator) source(k hal.SensorKind) *sourceState {
	s, ok := e.sources[k]
	if !ok {
		s = &sourceState{}
		e.sources[k] = s
	}
	return s
}

// MarkStale records that kind missed this tick; its last sample keeps being
// used until it ages out.
func (e *Estimator) MarkStale(kind hal.SensorKind, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.source(kind)
	s.stale = true
	if err != nil {
		s.lastErr = err.Error()
	}
}

// MarkDegraded records a hardware fault on kind; it stops contributing until
// it delivers again.
func (e *Estimator) MarkDegraded(kind hal.SensorKind, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.source(kind)
	s.degraded = true
	if err != nil {
		s.lastErr = err.Error()
	}
}

func (e *Estimator) touch(kind hal.SensorKind, at time.Time) *sourceState {
	s := e.source(kind)
	s.last = at
	s.stale = false
	s.degraded = false
	s.implausible = false
	s.lastErr = ""
	return s
}

// Ingest consumes one non-positioning sample. An implausible reading is
// recorded on its source and returned as ErrImplausibleReading.
func (e *Estimator) Ingest(s hal.SensorSample) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case s.Inertial != nil:
		return e.ingestInertial(s.Timestamp, *s.Inertial)
	case s.Magnetic != nil:
		src := e.touch(hal.KindMagnetic, s.Timestamp)
		h := s.Magnetic.HeadingDeg
		if math.IsNaN(h) || math.IsInf(h, 0) {
			return e.implausible(src, "magnetic heading %v", h)
		}
		e.magHeading = geo.Wrap360(h)
	case s.Scalar != nil && s.Kind == hal.KindBarometer:
		src := e.touch(hal.KindBarometer, s.Timestamp)
		alt := s.Scalar.Value
		if math.IsNaN(alt) || alt < -1000 || alt > 10000 {
			return e.implausible(src, "barometric altitude %.1fm", alt)
		}
		e.ingestBaro(s.Timestamp, alt)
	case s.Scalar != nil && s.Kind == hal.KindBattery:
		src := e.touch(hal.KindBattery, s.Timestamp)
		v := s.Scalar.Value
		if math.IsNaN(v) || v <= 0 || v > 100 {
			return e.implausible(src, "battery %.2fV", v)
		}
		e.batteryV = v
	case len(s.Sentences) > 0 || s.Kind == hal.KindPosition:
		return fmt.Errorf("estimator: positioning samples go through the decoder")
	default:
		return fmt.Errorf("estimator: sample from %q has no payload", s.Source)
	}
	return nil
}

func (e *Estimator) implausible(src *sourceState, format string, args ...any) error {
	src.implausible = true
	err := fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), hal.ErrImplausibleReading)
	src.lastErr = err.Error()
	return err
}

// ingestBaro tracks vertical speed as an EMA of the altitude derivative.
func (e *Estimator) ingestBaro(at time.Time, alt float64) {
	e.baroAlt = alt
	if !e.baroPrevAt.IsZero() {
		if dt := at.Sub(e.baroPrevAt).Seconds(); dt > 0.05 {
			raw := (alt - e.baroPrev) / dt
			const alpha = 0.2
			e.vSpeed = (1-alpha)*e.vSpeed + alpha*raw
			e.baroPrev, e.baroPrevAt = alt, at
		}
		return
	}
	e.baroPrev, e.baroPrevAt = alt, at
}

func (e *Estimator) ingestInertial(at time.Time, in hal.Inertial) error {
	src := e.touch(hal.KindInertial, at)
	if !finite(in.Accel) || !finite(in.Gyro) {
		e.lastIMU = time.Time{}
		return e.implausible(src, "non-finite inertial sample")
	}
	e.calibrateBias(at, in)
	w := r3.Sub(in.Gyro, e.bias)
	e.gyro = w

	if !e.haveQ {
		// First sample: level the estimate from gravity.
		if r3.Norm(in.Accel) > 0.5*gravity {
			e.q = normalize(fromTo(in.Accel, worldUp))
		}
		e.haveQ = true
		e.lastIMU = at
		return nil
	}

	dt := at.Sub(e.lastIMU)
	e.lastIMU = at
	if dt <= 0 || dt > e.cfg.MaxIMUGap {
		return nil
	}
	sec := dt.Seconds()

	if e.cfg.TiltGain > 0 {
		if n := r3.Norm(in.Accel); math.Abs(n-gravity) < 0.1*gravity {
			// Mahony-style correction toward the measured up direction.
			errVec := r3.Cross(r3.Unit(in.Accel), worldUpInBody(e.q))
			w = r3.Add(w, r3.Scale(e.cfg.TiltGain, errVec))
		}
	}
	e.q = integrate(e.q, w, sec)

	// Along-track specific force minus the gravity share on a slope.
	fwd := rotate(e.q, bodyFwd)
	long := in.Accel.X - gravity*fwd.Z
	e.inertialSpeed += long * sec
	e.haveInertial = true
	return nil
}

// calibrateBias averages gyro output during the first stationary samples.
func (e *Estimator) calibrateBias(at time.Time, in hal.Inertial) {
	if e.biasDone || e.cfg.BiasCalibration < 0 {
		return
	}
	still := r3.Norm(in.Gyro) < 0.1 && math.Abs(r3.Norm(in.Accel)-gravity) < 0.05*gravity
	if !still || (e.haveFix && e.fixSpeedOK && e.fix.SpeedMps > 0.2) {
		// Moving: restart the window.
		e.biasSum, e.biasN, e.biasFrom = r3.Vec{}, 0, time.Time{}
		return
	}
	if e.biasFrom.IsZero() {
		e.biasFrom = at
	}
	e.biasSum = r3.Add(e.biasSum, in.Gyro)
	e.biasN++
	if at.Sub(e.biasFrom) >= e.cfg.BiasCalibration && e.biasN > 0 {
		e.bias = r3.Scale(1/float64(e.biasN), e.biasSum)
		e.biasDone = true
	}
}

// IngestFix consumes the decoder's current fix after a sentence moved it.
func (e *Estimator) IngestFix(at time.Time, fix gps.Fix) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !fix.Valid {
		return nil
	}
	src := e.touch(hal.KindPosition, at)
	e.fix = fix
	e.haveFix = true
	e.fixSpeedOK = true
	if !e.haveOrig {
		e.origin = hal.Position{LatDeg: fix.LatDeg, LonDeg: fix.LonDeg, AltM: fix.AltM}
		e.haveOrig = true
	}
	if fix.HasSpeed && (math.IsNaN(fix.SpeedMps) || fix.SpeedMps > e.cfg.MaxSpeedMps) {
		e.fixSpeedOK = false
		return e.implausible(src, "ground speed %.1fm/s above %.1fm/s", fix.SpeedMps, e.cfg.MaxSpeedMps)
	}
	return nil
}

// Origin returns the local frame origin (the first accepted fix).
func (e *Estimator) Origin() (hal.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.origin, e.haveOrig
}

func (e *Estimator) fresh(kind hal.SensorKind, now time.Time, maxAge time.Duration) bool {
	s, ok := e.sources[kind]
	if !ok || s.last.IsZero() || s.degraded {
		return false
	}
	return now.Sub(s.last) <= maxAge
}

func (e *Estimator) params(name string) SourceParams {
	return e.cfg.Sources[name]
}

func (e *Estimator) cand(name string, v float64) candidate {
	p := e.params(name)
	return candidate{source: name, value: v, trust: p.Trust, latency: p.Latency}
}

// Snapshot propagates the state to now and returns a new VehicleState. The
// timestamp is strictly later than the previous snapshot's.
func (e *Estimator) Snapshot(now time.Time, tick uint64) hal.VehicleState {
	e.mu.Lock()
	defer e.mu.Unlock()

	stamp := now
	if !e.lastStamp.IsZero() && !stamp.After(e.lastStamp) {
		stamp = e.lastStamp.Add(time.Nanosecond)
	}
	e.lastStamp = stamp

	imuFresh := e.haveQ && e.fresh(hal.KindInertial, now, e.cfg.SensorStaleAfter)
	fixFresh := e.haveFix && e.fresh(hal.KindPosition, now, e.cfg.PositionStaleAfter) &&
		now.Sub(e.fix.At) <= e.cfg.PositionStaleAfter
	velFresh := fixFresh && e.fix.HasSpeed && e.fixSpeedOK && now.Sub(e.fix.VelocityAt) <= e.cfg.PositionStaleAfter

	// Speed.
	var speeds []candidate
	if velFresh {
		speeds = append(speeds, e.cand(SourceGPS, e.fix.SpeedMps))
	}
	if imuFresh && e.haveInertial {
		speeds = append(speeds, e.cand(SourceIMU, e.inertialSpeed))
	}
	clamped := false
	if v, _, ok := fuse(speeds, e.cfg.SpeedToleranceMps, false); ok {
		e.speed = v
	}
	if math.Abs(e.speed) > e.cfg.MaxSpeedMps {
		e.speed = math.Copysign(e.cfg.MaxSpeedMps, e.speed)
		clamped = true
		if s, ok := e.sources[hal.KindInertial]; ok && imuFresh {
			s.implausible = true
			s.lastErr = fmt.Sprintf("inertial speed above %.1fm/s: %v", e.cfg.MaxSpeedMps, hal.ErrImplausibleReading)
		}
	}
	// Re-anchor the integrator so drift does not accumulate.
	e.inertialSpeed = e.speed

	// Heading.
	var headings []candidate
	if velFresh && e.fix.HasCourse && e.fix.SpeedMps >= e.cfg.MinCourseSpeedMps {
		headings = append(headings, e.cand(SourceGPS, e.fix.CourseDeg))
	}
	if e.fresh(hal.KindMagnetic, now, e.cfg.SensorStaleAfter) && !e.sources[hal.KindMagnetic].implausible {
		headings = append(headings, e.cand(SourceMagnetometer, e.magHeading))
	}
	if imuFresh && e.haveHeading {
		headings = append(headings, e.cand(SourceIMU, headingOf(e.q)))
	}
	if h, _, ok := fuse(headings, e.cfg.HeadingToleranceDeg, true); ok {
		e.heading = h
		e.haveHeading = true
		e.q = setHeading(e.q, h)
	} else if e.haveQ {
		e.heading = headingOf(e.q)
	}

	// Altitude.
	var alts []candidate
	if fixFresh && e.fix.HasAlt {
		alts = append(alts, e.cand(SourceGPS, e.fix.AltM))
	}
	baroFresh := e.fresh(hal.KindBarometer, now, e.cfg.SensorStaleAfter) && !e.sources[hal.KindBarometer].implausible
	if baroFresh {
		alts = append(alts, e.cand(SourceBarometer, e.baroAlt))
	}
	alt, _, haveAlt := fuse(alts, e.cfg.AltitudeToleranceM, false)

	// Velocity: course over ground when the receiver has one, else heading.
	dir := e.heading
	if velFresh && e.fix.HasCourse {
		dir = e.fix.CourseDeg
	}
	rad := dir * math.Pi / 180
	e.velocity = r3.Vec{X: e.speed * math.Sin(rad), Y: e.speed * math.Cos(rad)}
	if baroFresh {
		e.velocity.Z = e.vSpeed
	}

	// Position.
	source := hal.PositionDeadReckoned
	if fixFresh {
		source = hal.PositionFix
		fixPos := hal.Position{LatDeg: e.fix.LatDeg, LonDeg: e.fix.LonDeg, AltM: e.fix.AltM}
		if !e.fix.HasAlt {
			fixPos.AltM = e.origin.AltM + e.local.Z
		}
		// Carry the fix forward by the time it has been waiting.
		age := max(now.Sub(e.fix.At), 0).Seconds()
		e.local = r3.Add(geo.ToENU(e.origin, fixPos), r3.Scale(age, e.velocity))
	} else if !e.propagated.IsZero() {
		if dt := now.Sub(e.propagated); dt > 0 && dt <= 5*time.Second {
			e.local = r3.Add(e.local, r3.Scale(dt.Seconds(), e.velocity))
		}
	}
	if haveAlt {
		e.local.Z = alt - e.origin.AltM
	}
	e.propagated = now

	st := hal.VehicleState{
		Timestamp:      stamp,
		Tick:           tick,
		PositionValid:  e.haveOrig,
		PositionSource: source,
		Local:          e.local,
		Velocity:       e.velocity,
		Orientation:    normalize(e.q),
		SpeedMps:       e.speed,
		HeadingDeg:     geo.Wrap360(e.heading),
		SpeedClamped:   clamped,
		Sources:        make(map[hal.SensorKind]hal.SourceStatus, len(e.sources)),
	}
	if !e.haveOrig && !e.haveInertial && e.speed == 0 {
		st.PositionSource = hal.PositionNone
	}
	if e.haveOrig {
		st.Position = geo.FromENU(e.origin, e.local)
	}
	st.RollDeg, st.PitchDeg = rollPitch(e.q)
	if imuFresh {
		st.YawRateDps = -rotate(e.q, e.gyro).Z * 180 / math.Pi
	}
	if e.fresh(hal.KindBattery, now, 5*e.cfg.SensorStaleAfter) {
		st.BatteryV = e.batteryV
		st.BatteryValid = true
	}
	if e.haveFix {
		st.FixQuality = e.fix.Quality
		st.Satellites = e.fix.Satellites
		st.SatsInView = e.fix.SatsInView
	}
	for kind, s := range e.sources {
		maxAge := e.cfg.SensorStaleAfter
		if kind == hal.KindPosition {
			maxAge = e.cfg.PositionStaleAfter
		}
		st.Sources[kind] = hal.SourceStatus{
			Health:     health(s, now, maxAge),
			LastSample: s.last,
			LastError:  s.lastErr,
		}
	}
	return st
}

func health(s *sourceState, now time.Time, maxAge time.Duration) hal.SourceHealth {
	switch {
	case s.degraded:
		return hal.SourceDegraded
	case s.last.IsZero():
		return hal.SourceMissing
	case s.stale || now.Sub(s.last) > maxAge:
		return hal.SourceStale
	case s.implausible:
		return hal.SourceImplausible
	default:
		return hal.SourceFresh
	}
}

func finite(v r3.Vec) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
