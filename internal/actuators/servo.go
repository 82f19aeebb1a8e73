package actuators

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"rcvehicle/internal/hal"
)

// ServoConfig describes one hobby-PWM output (steering servo or ESC).
type ServoConfig struct {
	Name    string
	Channel hal.Channel

	// Chip selects /sys/class/pwm/pwmchipN; -1 picks the first chip with
	// enough channels.
	Chip       int
	PWMChannel int

	Envelope hal.Envelope

	// Period defaults to 20ms (50Hz).
	Period time.Duration
	// Pulse widths at Envelope.Min / Neutral / Max. Defaults 1000/1500/2000us.
	MinPulse    time.Duration
	CenterPulse time.Duration
	MaxPulse    time.Duration
	Inverted    bool

	// ArmLine is an optional GPIO line name driven high while the output is
	// live (ESC enable, servo power relay).
	ArmLine string

	// OpenPWM replaces the sysfs backend, e.g. for a bench rig; nil means
	// sysfs.
	OpenPWM func(chip, channel int) (PWMOutput, error)
}

func (c ServoConfig) withDefaults() ServoConfig {
	if c.Period <= 0 {
		c.Period = 20 * time.Millisecond
	}
	if c.MinPulse <= 0 {
		c.MinPulse = 1000 * time.Microsecond
	}
	if c.CenterPulse <= 0 {
		c.CenterPulse = 1500 * time.Microsecond
	}
	if c.MaxPulse <= 0 {
		c.MaxPulse = 2000 * time.Microsecond
	}
	if c.Envelope == (hal.Envelope{}) {
		c.Envelope = hal.Envelope{Min: -1, Max: 1, Neutral: 0}
	}
	return c
}

func (c ServoConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("actuators: name is required")
	}
	if c.Channel != hal.Steering && c.Channel != hal.Throttle {
		return fmt.Errorf("actuators: %s: unknown channel %q", c.Name, c.Channel)
	}
	if err := c.Envelope.Validate(); err != nil {
		return fmt.Errorf("actuators: %s: %w", c.Name, err)
	}
	if !(c.MinPulse < c.CenterPulse && c.CenterPulse < c.MaxPulse) {
		return fmt.Errorf("actuators: %s: pulses must satisfy min < center < max", c.Name)
	}
	if c.MaxPulse >= c.Period {
		return fmt.Errorf("actuators: %s: max pulse %v must be shorter than period %v", c.Name, c.MaxPulse, c.Period)
	}
	return nil
}

// Servo is a real hal.ActuatorPort backed by sysfs PWM.
type Servo struct {
	cfg ServoConfig

	mu    sync.Mutex
	pwm   PWMOutput
	arm   armingLine
	pulse time.Duration
}

// NewServo validates cfg. Hardware is opened by Init.
func NewServo(cfg ServoConfig) (*Servo, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Servo{cfg: cfg}, nil
}

func (s *Servo) Name() string               { return s.cfg.Name }
func (s *Servo) Channel() hal.Channel       { return s.cfg.Channel }
func (s *Servo) Capability() hal.Capability { return hal.Real }
func (s *Servo) Envelope() hal.Envelope     { return s.cfg.Envelope }

// Init opens the PWM output, drives it to neutral and then raises the arming
// line. The order matters for ESCs, which must see neutral before power.
func (s *Servo) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pwm != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	open := s.cfg.OpenPWM
	if open == nil {
		open = openPWMFn
	}
	p, err := open(s.cfg.Chip, s.cfg.PWMChannel)
	if err != nil {
		return fmt.Errorf("%s: open pwm: %w", s.cfg.Name, err)
	}
	if err := p.SetPeriod(s.cfg.Period); err != nil {
		_ = p.Close()
		return fmt.Errorf("%s: set period: %w", s.cfg.Name, err)
	}
	neutral := s.PulseFor(s.cfg.Envelope.Neutral)
	if err := p.SetPulse(neutral); err != nil {
		_ = p.Close()
		return fmt.Errorf("%s: set neutral: %w", s.cfg.Name, err)
	}
	s.pwm = p
	s.pulse = neutral

	if s.cfg.ArmLine != "" {
		line, err := openLineFn(s.cfg.ArmLine)
		if err != nil {
			s.closeLocked()
			return fmt.Errorf("%s: arm line: %w", s.cfg.Name, err)
		}
		if err := line.SetValue(1); err != nil {
			_ = line.Close()
			s.closeLocked()
			return fmt.Errorf("%s: arm: %w", s.cfg.Name, err)
		}
		s.arm = line
	}
	log.Printf("actuator enabled name=%s channel=%s chip=%d pwm=%d arm=%q", s.cfg.Name, s.cfg.Channel, s.cfg.Chip, s.cfg.PWMChannel, s.cfg.ArmLine)
	return nil
}

// Apply validates cmd against the envelope and then writes the pulse width.
func (s *Servo) Apply(ctx context.Context, cmd hal.ActuatorCommand) error {
	if err := hal.Validate(s, cmd); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pwm == nil {
		return fmt.Errorf("%s: not initialized: %w", s.cfg.Name, hal.ErrActuatorFault)
	}
	pulse := s.PulseFor(cmd.Value)
	if err := s.pwm.SetPulse(pulse); err != nil {
		return fmt.Errorf("%s: %v: %w", s.cfg.Name, err, hal.ErrActuatorFault)
	}
	s.pulse = pulse
	return nil
}

// Pulse returns the last pulse width written.
func (s *Servo) Pulse() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulse
}

// PulseFor maps an envelope value onto a pulse width, piecewise linear on
// each side of neutral. Values are clamped to the envelope first.
func (s *Servo) PulseFor(v float64) time.Duration {
	env := s.cfg.Envelope
	v = env.Clamp(v)
	if s.cfg.Inverted {
		// Mirror around neutral, then clamp again for asymmetric envelopes.
		v = env.Clamp(2*env.Neutral - v)
	}
	center := float64(s.cfg.CenterPulse)
	switch {
	case v > env.Neutral:
		frac := (v - env.Neutral) / (env.Max - env.Neutral)
		return time.Duration(center + frac*float64(s.cfg.MaxPulse-s.cfg.CenterPulse))
	case v < env.Neutral:
		frac := (env.Neutral - v) / (env.Neutral - env.Min)
		return time.Duration(center - frac*float64(s.cfg.CenterPulse-s.cfg.MinPulse))
	default:
		return s.cfg.CenterPulse
	}
}

// Close drives neutral, drops the arming line and releases the PWM output.
func (s *Servo) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Servo) closeLocked() error {
	var errs []error
	if s.pwm != nil {
		if err := s.pwm.SetPulse(s.PulseFor(s.cfg.Envelope.Neutral)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.arm != nil {
		errs = append(errs, s.arm.Close())
		s.arm = nil
	}
	if s.pwm != nil {
		errs = append(errs, s.pwm.Close())
		s.pwm = nil
	}
	return errors.Join(errs...)
}
