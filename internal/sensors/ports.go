package sensors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"rcvehicle/internal/hal"
	"rcvehicle/internal/sensors/bmp280"
	"rcvehicle/internal/sensors/icm20948"
	"rcvehicle/internal/sensors/qmc5883l"
)

// Minimum spacing between attempts to (re)open a device that failed probing.
const reopenInterval = time.Second

// IMU, Barometer, Magnetometer and ADC are the driver surfaces the ports
// need; the concrete drivers satisfy them.
type IMU interface {
	Read() (icm20948.Sample, error)
}

type Barometer interface {
	Read() (bmp280.Reading, error)
}

type Magnetometer interface {
	Read() (qmc5883l.Sample, error)
}

type ADC interface {
	ReadVolts(channel int) (float64, error)
}

type PortConfig struct {
	Name    string
	Timeout time.Duration
}

// Port is a real-hardware hal.SensorPort over one I2C device. Device I/O
// runs in a goroutine so Acquire can honor its context. At most one read is
// outstanding; while a hung read is still running, Acquire fails fast.
type Port struct {
	cfg  PortConfig
	kind hal.SensorKind
	open func() (func() (hal.SensorSample, error), error)

	inFlight atomic.Bool

	mu       sync.Mutex
	read     func() (hal.SensorSample, error)
	lastOpen time.Time
}

func newPort(cfg PortConfig, kind hal.SensorKind, open func() (func() (hal.SensorSample, error), error)) *Port {
	if cfg.Name == "" {
		cfg.Name = string(kind)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Millisecond
	}
	return &Port{cfg: cfg, kind: kind, open: open}
}

// NewIMUPort reports accel+gyro in the body frame.
func NewIMUPort(cfg PortConfig, open func() (IMU, error)) *Port {
	return newPort(cfg, hal.KindInertial, func() (func() (hal.SensorSample, error), error) {
		dev, err := open()
		if err != nil {
			return nil, err
		}
		return func() (hal.SensorSample, error) {
			s, err := dev.Read()
			if err != nil {
				return hal.SensorSample{}, err
			}
			return hal.SensorSample{Timestamp: s.Time, Inertial: &hal.Inertial{Accel: s.Accel, Gyro: s.Gyro}}, nil
		}, nil
	})
}

// NewBaroPort reports pressure altitude in metres.
func NewBaroPort(cfg PortConfig, seaLevelPa float64, open func() (Barometer, error)) *Port {
	return newPort(cfg, hal.KindBarometer, func() (func() (hal.SensorSample, error), error) {
		dev, err := open()
		if err != nil {
			return nil, err
		}
		return func() (hal.SensorSample, error) {
			r, err := dev.Read()
			if err != nil {
				return hal.SensorSample{}, err
			}
			alt := bmp280.AltitudeM(r.PressPa, seaLevelPa)
			return hal.SensorSample{Timestamp: r.Time, Scalar: &hal.Scalar{Value: alt, Unit: "m"}}, nil
		}, nil
	})
}

// NewMagPort reports the field and magnetic heading.
func NewMagPort(cfg PortConfig, open func() (Magnetometer, error)) *Port {
	return newPort(cfg, hal.KindMagnetic, func() (func() (hal.SensorSample, error), error) {
		dev, err := open()
		if err != nil {
			return nil, err
		}
		return func() (hal.SensorSample, error) {
			s, err := dev.Read()
			if err != nil {
				return hal.SensorSample{}, err
			}
			return hal.SensorSample{Timestamp: s.Time, Magnetic: &hal.Magnetic{Field: s.Field, HeadingDeg: s.HeadingDeg}}, nil
		}, nil
	})
}

// NewBatteryPort reports pack voltage measured through a resistor divider;
// divider is Vpack/Vadc.
func NewBatteryPort(cfg PortConfig, channel int, divider float64, open func() (ADC, error)) *Port {
	if divider <= 0 {
		divider = 1
	}
	return newPort(cfg, hal.KindBattery, func() (func() (hal.SensorSample, error), error) {
		dev, err := open()
		if err != nil {
			return nil, err
		}
		return func() (hal.SensorSample, error) {
			v, err := dev.ReadVolts(channel)
			if err != nil {
				return hal.SensorSample{}, err
			}
			return hal.SensorSample{Timestamp: time.Now(), Scalar: &hal.Scalar{Value: v * divider, Unit: "V"}}, nil
		}, nil
	})
}

func (p *Port) Name() string               { return p.cfg.Name }
func (p *Port) Kind() hal.SensorKind       { return p.kind }
func (p *Port) Capability() hal.Capability { return hal.Real }
func (p *Port) Timeout() time.Duration     { return p.cfg.Timeout }

// Init probes the device. A failure is returned but the port stays usable:
// Acquire retries the probe at most once per second.
func (p *Port) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openLocked(time.Now()); err != nil {
		return err
	}
	log.Printf("sensor enabled name=%s kind=%s", p.cfg.Name, p.kind)
	return nil
}

func (p *Port) openLocked(now time.Time) error {
	if p.read != nil {
		return nil
	}
	if !p.lastOpen.IsZero() && now.Sub(p.lastOpen) < reopenInterval {
		return fmt.Errorf("%s: device not open: %w", p.cfg.Name, hal.ErrHardwareFault)
	}
	p.lastOpen = now
	read, err := p.open()
	if err != nil {
		return fmt.Errorf("%s: open: %v: %w", p.cfg.Name, err, hal.ErrHardwareFault)
	}
	p.read = read
	return nil
}

type result struct {
	s   hal.SensorSample
	err error
}

func (p *Port) Acquire(ctx context.Context) (hal.SensorSample, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return hal.SensorSample{}, fmt.Errorf("%s: previous read still pending: %w", p.cfg.Name, hal.ErrAcquisitionTimeout)
	}
	done := make(chan result, 1)
	go func() {
		defer p.inFlight.Store(false)
		p.mu.Lock()
		defer p.mu.Unlock()
		if ctx.Err() != nil {
			done <- result{err: ctx.Err()}
			return
		}
		if err := p.openLocked(time.Now()); err != nil {
			done <- result{err: err}
			return
		}
		s, err := p.read()
		done <- result{s: s, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return hal.SensorSample{}, fmt.Errorf("%s: %w", p.cfg.Name, hal.ErrAcquisitionTimeout)
		}
		return hal.SensorSample{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, hal.ErrHardwareFault) || errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded) {
				return hal.SensorSample{}, r.err
			}
			return hal.SensorSample{}, fmt.Errorf("%s: %v: %w", p.cfg.Name, r.err, hal.ErrHardwareFault)
		}
		r.s.Source = p.cfg.Name
		r.s.Kind = p.kind
		if r.s.Timestamp.IsZero() {
			r.s.Timestamp = time.Now()
		}
		return r.s, nil
	}
}
