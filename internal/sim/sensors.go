package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"rcvehicle/internal/hal"
	"rcvehicle/internal/sensors/qmc5883l"
)

// Earth field used by the simulated magnetometer, uT.
const (
	fieldHorizontalUT = 20.0
	fieldVerticalUT   = -45.0
)

// SensorPort is a simulated hal.SensorPort that samples the world truth.
type SensorPort struct {
	world   *World
	name    string
	kind    hal.SensorKind
	timeout time.Duration
	read    func(tr Truth, implausible bool) hal.SensorSample
}

var _ hal.SensorPort = (*SensorPort)(nil)

func (p *SensorPort) Name() string               { return p.name }
func (p *SensorPort) Kind() hal.SensorKind       { return p.kind }
func (p *SensorPort) Capability() hal.Capability { return hal.Simulated }
func (p *SensorPort) Timeout() time.Duration     { return p.timeout }

func (p *SensorPort) Acquire(ctx context.Context) (hal.SensorSample, error) {
	if err := ctx.Err(); err != nil {
		return hal.SensorSample{}, err
	}
	fault := p.world.Fault(p.name)
	switch fault {
	case FaultTimeout:
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return hal.SensorSample{}, fmt.Errorf("%s: %w", p.name, hal.ErrAcquisitionTimeout)
		}
		return hal.SensorSample{}, ctx.Err()
	case FaultError:
		return hal.SensorSample{}, fmt.Errorf("%s: simulated device error: %w", p.name, hal.ErrHardwareFault)
	}
	tr := p.world.Truth()
	s := p.read(tr, fault == FaultImplausible)
	s.Source = p.name
	s.Kind = p.kind
	s.Timestamp = tr.At
	return s, nil
}

func (w *World) newSensor(name string, kind hal.SensorKind, timeout time.Duration, read func(Truth, bool) hal.SensorSample) *SensorPort {
	if name == "" {
		name = string(kind)
	}
	if timeout <= 0 {
		timeout = 20 * time.Millisecond
	}
	return &SensorPort{world: w, name: name, kind: kind, timeout: timeout, read: read}
}

// NewIMU reports body-frame specific force and rotation rate for a level
// vehicle.
func (w *World) NewIMU(name string, timeout time.Duration) *SensorPort {
	return w.newSensor(name, hal.KindInertial, timeout, func(tr Truth, implausible bool) hal.SensorSample {
		// Body z is up, so a right turn is a negative rotation about z.
		yawRate := -tr.YawRateDps * math.Pi / 180
		accel := r3.Vec{
			X: tr.LongAccel + w.noise(w.cfg.AccelNoise),
			Y: tr.SpeedMps*yawRate + w.noise(w.cfg.AccelNoise),
			Z: gravity + w.noise(w.cfg.AccelNoise),
		}
		gyro := r3.Vec{
			X: w.noise(w.cfg.GyroNoise),
			Y: w.noise(w.cfg.GyroNoise),
			Z: yawRate + w.cfg.GyroBiasZ + w.noise(w.cfg.GyroNoise),
		}
		if implausible {
			accel.X += 16 * gravity
			gyro.Z += 30
		}
		return hal.SensorSample{Inertial: &hal.Inertial{Accel: accel, Gyro: gyro}}
	})
}

// NewBarometer reports altitude in metres.
func (w *World) NewBarometer(name string, timeout time.Duration) *SensorPort {
	return w.newSensor(name, hal.KindBarometer, timeout, func(tr Truth, implausible bool) hal.SensorSample {
		alt := tr.Position.AltM + w.noise(w.cfg.BaroNoiseM)
		if implausible {
			alt += 5000
		}
		return hal.SensorSample{Scalar: &hal.Scalar{Value: alt, Unit: "m"}}
	})
}

// NewMagnetometer reports the body-frame field and the declination corrected
// heading.
func (w *World) NewMagnetometer(name string, timeout time.Duration) *SensorPort {
	return w.newSensor(name, hal.KindMagnetic, timeout, func(tr Truth, implausible bool) hal.SensorSample {
		magHeading := (tr.HeadingDeg - w.cfg.DeclinationDeg) * math.Pi / 180
		if implausible {
			magHeading += math.Pi
		}
		field := r3.Vec{
			X: fieldHorizontalUT*math.Cos(magHeading) + w.noise(w.cfg.MagNoise),
			Y: fieldHorizontalUT*math.Sin(magHeading) + w.noise(w.cfg.MagNoise),
			Z: fieldVerticalUT + w.noise(w.cfg.MagNoise),
		}
		return hal.SensorSample{Magnetic: &hal.Magnetic{
			Field:      field,
			HeadingDeg: qmc5883l.Heading(field, w.cfg.DeclinationDeg),
		}}
	})
}

// NewBattery reports pack voltage with a slow linear drain.
func (w *World) NewBattery(name string, timeout time.Duration) *SensorPort {
	return w.newSensor(name, hal.KindBattery, timeout, func(tr Truth, implausible bool) hal.SensorSample {
		v := w.cfg.BatteryV - 0.0005*tr.Elapsed.Seconds() + w.noise(w.cfg.BatteryNoiseV)
		if implausible {
			v = 0
		}
		return hal.SensorSample{Scalar: &hal.Scalar{Value: math.Max(v, 0), Unit: "V"}}
	})
}
