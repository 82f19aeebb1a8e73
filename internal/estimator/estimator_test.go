package estimator

import (
	"errors"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"rcvehicle/internal/gps"
	"rcvehicle/internal/hal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func imuSample(at time.Time, gyro r3.Vec) hal.SensorSample {
	return hal.SensorSample{
		Source:    "imu",
		Kind:      hal.KindInertial,
		Timestamp: at,
		Inertial:  &hal.Inertial{Accel: r3.Vec{Z: gravity}, Gyro: gyro},
	}
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestConstantYawRate_MatchesAnalyticRotation(t *testing.T) {
	e := New(Config{BiasCalibration: -1})
	w := r3.Vec{Z: 0.5} // rad/s, counter-clockwise
	for i := 0; i <= 50; i++ {
		if err := e.Ingest(imuSample(t0.Add(time.Duration(i)*20*time.Millisecond), w)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	st := e.Snapshot(t0.Add(time.Second), 1)

	want := aboutUp(0.5)
	if d := quat.Abs(quat.Sub(st.Orientation, want)); d > 1e-6 {
		t.Fatalf("orientation=%v want %v (|diff|=%v)", st.Orientation, want, d)
	}
	// Forward starts east (90) and turns counter-clockwise by ~28.6 deg.
	if !approx(st.HeadingDeg, 90-0.5*180/math.Pi, 1e-3) {
		t.Fatalf("heading=%v", st.HeadingDeg)
	}
	if !approx(st.YawRateDps, -0.5*180/math.Pi, 1e-6) {
		t.Fatalf("yaw rate=%v", st.YawRateDps)
	}
	if st.PositionSource != hal.PositionDeadReckoned {
		t.Fatalf("position source=%q want dead_reckoning", st.PositionSource)
	}
	if st.PositionValid {
		t.Fatalf("position valid without any fix")
	}
}

func TestArbitraryAxisRotation_StaysUnitNorm(t *testing.T) {
	e := New(Config{TiltGain: -1, BiasCalibration: -1})
	w := r3.Vec{X: 0.3, Y: -0.7, Z: 1.1}
	for i := 0; i <= 500; i++ {
		s := imuSample(t0.Add(time.Duration(i)*10*time.Millisecond), w)
		if err := e.Ingest(s); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if i%50 == 0 {
			st := e.Snapshot(s.Timestamp, uint64(i))
			if n := quat.Abs(st.Orientation); !approx(n, 1, 1e-9) {
				t.Fatalf("step %d: |q|=%v", i, n)
			}
		}
	}

	// 5s at |w| rad/s about a fixed axis has a closed form.
	angle := r3.Norm(w) * 5
	axis := r3.Unit(w)
	s, c := math.Sincos(angle / 2)
	want := normalize(quat.Number{Real: c, Imag: s * axis.X, Jmag: s * axis.Y, Kmag: s * axis.Z})
	e.mu.Lock()
	got := normalize(e.q)
	e.mu.Unlock()
	if d := quat.Abs(quat.Sub(got, want)); d > 1e-6 {
		t.Fatalf("q=%v want %v", got, want)
	}
}

func TestIMUGap_OnlyReanchors(t *testing.T) {
	e := New(Config{BiasCalibration: -1})
	w := r3.Vec{Z: 1}
	_ = e.Ingest(imuSample(t0, w))
	_ = e.Ingest(imuSample(t0.Add(2*time.Second), w)) // gap > MaxIMUGap
	_ = e.Ingest(imuSample(t0.Add(2*time.Second), w)) // dt == 0
	e.mu.Lock()
	q := e.q
	e.mu.Unlock()
	if d := quat.Abs(quat.Sub(normalize(q), identity)); d > 1e-9 {
		t.Fatalf("orientation moved across a gap: %v", q)
	}
}

func TestTiltCorrection_LevelsFromGravity(t *testing.T) {
	e := New(Config{BiasCalibration: -1, TiltGain: 2})
	_ = e.Ingest(imuSample(t0, r3.Vec{}))
	// Nose up 10 degrees: the accelerometer sees part of gravity on +X.
	p := 10 * math.Pi / 180
	acc := r3.Vec{X: math.Sin(p) * gravity, Z: math.Cos(p) * gravity}
	for i := 1; i <= 400; i++ {
		_ = e.Ingest(hal.SensorSample{
			Kind:      hal.KindInertial,
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Millisecond),
			Inertial:  &hal.Inertial{Accel: acc},
		})
	}
	st := e.Snapshot(t0.Add(4*time.Second), 1)
	if !approx(st.PitchDeg, 10, 0.5) {
		t.Fatalf("pitch=%v want 10", st.PitchDeg)
	}
	if !approx(st.RollDeg, 0, 0.5) {
		t.Fatalf("roll=%v", st.RollDeg)
	}
}

func TestGyroBiasCalibration(t *testing.T) {
	e := New(Config{BiasCalibration: time.Second})
	bias := r3.Vec{Z: 0.02}
	for i := 0; i <= 150; i++ {
		_ = e.Ingest(imuSample(t0.Add(time.Duration(i)*10*time.Millisecond), bias))
	}
	e.mu.Lock()
	done, got := e.biasDone, e.bias
	e.mu.Unlock()
	if !done {
		t.Fatalf("bias calibration did not finish")
	}
	if !approx(got.Z, 0.02, 1e-9) {
		t.Fatalf("bias=%v", got)
	}
	st := e.Snapshot(t0.Add(1500*time.Millisecond), 1)
	if !approx(st.YawRateDps, 0, 1e-6) {
		t.Fatalf("yaw rate after calibration=%v", st.YawRateDps)
	}
}

func fixAt(at time.Time, lat, lon, speed, course float64) gps.Fix {
	return gps.Fix{
		Valid: true, At: at, VelocityAt: at,
		LatDeg: lat, LonDeg: lon, AltM: 100, HasAlt: true,
		SpeedMps: speed, HasSpeed: true, CourseDeg: course, HasCourse: true,
		Quality: 1, Satellites: 8,
	}
}

func TestFreshFix_ThenDeadReckoning(t *testing.T) {
	e := New(Config{BiasCalibration: -1})
	if err := e.IngestFix(t0, fixAt(t0, 47, 8, 2, 0)); err != nil {
		t.Fatalf("IngestFix: %v", err)
	}
	st := e.Snapshot(t0.Add(100*time.Millisecond), 1)
	if st.PositionSource != hal.PositionFix || !st.PositionValid {
		t.Fatalf("source=%q valid=%v", st.PositionSource, st.PositionValid)
	}
	// Carried forward by 0.1s at 2 m/s north.
	if !approx(st.Local.Y, 0.2, 1e-6) || !approx(st.Local.X, 0, 1e-6) {
		t.Fatalf("local=%v", st.Local)
	}
	if !approx(st.HeadingDeg, 0, 1e-9) || !approx(st.SpeedMps, 2, 1e-9) {
		t.Fatalf("heading=%v speed=%v", st.HeadingDeg, st.SpeedMps)
	}

	// Fix goes stale: position keeps moving along the last velocity.
	st = e.Snapshot(t0.Add(1500*time.Millisecond), 2)
	if st.PositionSource != hal.PositionDeadReckoned {
		t.Fatalf("source=%q want dead_reckoning", st.PositionSource)
	}
	if st.Source(hal.KindPosition).Health != hal.SourceStale {
		t.Fatalf("position health=%q", st.Source(hal.KindPosition).Health)
	}
	prev := st.Local.Y
	st = e.Snapshot(t0.Add(2500*time.Millisecond), 3)
	if !approx(st.Local.Y-prev, 2, 1e-6) {
		t.Fatalf("dead reckoned %v m in 1s at 2 m/s", st.Local.Y-prev)
	}
	if !st.PositionValid {
		t.Fatalf("position invalid while dead reckoning from an origin")
	}
}

func TestImplausibleSpeed_FlaggedAndClamped(t *testing.T) {
	e := New(Config{MaxSpeedMps: 20, BiasCalibration: -1})
	err := e.IngestFix(t0, fixAt(t0, 47, 8, 250, 90))
	if !errors.Is(err, hal.ErrImplausibleReading) {
		t.Fatalf("err=%v want ErrImplausibleReading", err)
	}
	st := e.Snapshot(t0.Add(10*time.Millisecond), 1)
	if st.SpeedMps > 20 {
		t.Fatalf("speed=%v not clamped", st.SpeedMps)
	}
	if h := st.Source(hal.KindPosition).Health; h != hal.SourceImplausible {
		t.Fatalf("position health=%q want implausible", h)
	}
	// Position still comes from the fix.
	if st.PositionSource != hal.PositionFix {
		t.Fatalf("source=%q", st.PositionSource)
	}
}

func TestInertialSpeedClamped(t *testing.T) {
	e := New(Config{MaxSpeedMps: 5, BiasCalibration: -1, TiltGain: -1})
	_ = e.Ingest(imuSample(t0, r3.Vec{}))
	// Flat out forward acceleration for 2s = 20 m/s.
	for i := 1; i <= 200; i++ {
		_ = e.Ingest(hal.SensorSample{
			Kind:      hal.KindInertial,
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Millisecond),
			Inertial:  &hal.Inertial{Accel: r3.Vec{X: 10, Z: gravity}},
		})
	}
	st := e.Snapshot(t0.Add(2*time.Second), 1)
	if !st.SpeedClamped || !approx(st.SpeedMps, 5, 1e-9) {
		t.Fatalf("speed=%v clamped=%v", st.SpeedMps, st.SpeedClamped)
	}
	if h := st.Source(hal.KindInertial).Health; h != hal.SourceImplausible {
		t.Fatalf("imu health=%q", h)
	}
}

func TestSnapshot_StrictlyIncreasingTimestamps(t *testing.T) {
	e := New(Config{})
	a := e.Snapshot(t0, 1)
	b := e.Snapshot(t0, 2)
	c := e.Snapshot(t0.Add(-time.Second), 3)
	if !b.Timestamp.After(a.Timestamp) || !c.Timestamp.After(b.Timestamp) {
		t.Fatalf("timestamps not increasing: %v %v %v", a.Timestamp, b.Timestamp, c.Timestamp)
	}
}

func TestSourceHealth(t *testing.T) {
	e := New(Config{})
	e.Expect(hal.KindInertial, hal.KindBarometer, hal.KindBattery)
	st := e.Snapshot(t0, 1)
	if h := st.Source(hal.KindBarometer).Health; h != hal.SourceMissing {
		t.Fatalf("baro=%q want missing", h)
	}

	_ = e.Ingest(hal.SensorSample{Kind: hal.KindBarometer, Timestamp: t0, Scalar: &hal.Scalar{Value: 420, Unit: "m"}})
	_ = e.Ingest(hal.SensorSample{Kind: hal.KindBattery, Timestamp: t0, Scalar: &hal.Scalar{Value: 7.4, Unit: "V"}})
	e.MarkDegraded(hal.KindInertial, errors.New("i2c: remote I/O error"))
	st = e.Snapshot(t0.Add(10*time.Millisecond), 2)
	if h := st.Source(hal.KindBarometer).Health; h != hal.SourceFresh {
		t.Fatalf("baro=%q want fresh", h)
	}
	if s := st.Source(hal.KindInertial); s.Health != hal.SourceDegraded || s.LastError == "" {
		t.Fatalf("imu=%+v", s)
	}
	if !st.BatteryValid || st.BatteryV != 7.4 {
		t.Fatalf("battery=%v valid=%v", st.BatteryV, st.BatteryValid)
	}

	e.MarkStale(hal.KindBarometer, nil)
	st = e.Snapshot(t0.Add(20*time.Millisecond), 3)
	if h := st.Source(hal.KindBarometer).Health; h != hal.SourceStale {
		t.Fatalf("baro=%q want stale", h)
	}

	err := e.Ingest(hal.SensorSample{Kind: hal.KindBarometer, Timestamp: t0.Add(30 * time.Millisecond), Scalar: &hal.Scalar{Value: math.NaN()}})
	if !errors.Is(err, hal.ErrImplausibleReading) {
		t.Fatalf("err=%v", err)
	}
	st = e.Snapshot(t0.Add(40*time.Millisecond), 4)
	if h := st.Source(hal.KindBarometer).Health; h != hal.SourceImplausible {
		t.Fatalf("baro=%q want implausible", h)
	}
}

func TestHeadingFusion_GPSAndMagnetometer(t *testing.T) {
	e := New(Config{BiasCalibration: -1})
	_ = e.IngestFix(t0, fixAt(t0, 47, 8, 3, 10))
	_ = e.Ingest(hal.SensorSample{Kind: hal.KindMagnetic, Timestamp: t0, Magnetic: &hal.Magnetic{HeadingDeg: 20}})
	st := e.Snapshot(t0.Add(10*time.Millisecond), 1)
	// Agree within tolerance: trust-weighted, between the two.
	if st.HeadingDeg <= 10 || st.HeadingDeg >= 20 {
		t.Fatalf("heading=%v want between 10 and 20", st.HeadingDeg)
	}

	_ = e.Ingest(hal.SensorSample{Kind: hal.KindMagnetic, Timestamp: t0.Add(20 * time.Millisecond), Magnetic: &hal.Magnetic{HeadingDeg: 200}})
	st = e.Snapshot(t0.Add(30*time.Millisecond), 2)
	// Disagree: the magnetometer declares the lower latency.
	if !approx(st.HeadingDeg, 200, 1e-9) {
		t.Fatalf("heading=%v want 200", st.HeadingDeg)
	}
}

func TestAltitudeFusion(t *testing.T) {
	e := New(Config{})
	_ = e.IngestFix(t0, fixAt(t0, 47, 8, 0, 0)) // origin alt 100
	_ = e.Ingest(hal.SensorSample{Kind: hal.KindBarometer, Timestamp: t0, Scalar: &hal.Scalar{Value: 104}})
	st := e.Snapshot(t0.Add(10*time.Millisecond), 1)
	if st.Position.AltM <= 100 || st.Position.AltM >= 104 {
		t.Fatalf("alt=%v want blend of 100 and 104", st.Position.AltM)
	}
	_ = e.Ingest(hal.SensorSample{Kind: hal.KindBarometer, Timestamp: t0.Add(20 * time.Millisecond), Scalar: &hal.Scalar{Value: 300}})
	st = e.Snapshot(t0.Add(30*time.Millisecond), 2)
	// Barometer's 50ms beats the GPS's 100ms.
	if !approx(st.Position.AltM, 300, 1e-6) {
		t.Fatalf("alt=%v want 300", st.Position.AltM)
	}
}
