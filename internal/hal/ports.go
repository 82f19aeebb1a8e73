package hal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SensorPort is the uniform read contract over physical and simulated sensors.
type SensorPort interface {
	Name() string
	Kind() SensorKind
	Capability() Capability
	// Timeout bounds a single Acquire call.
	Timeout() time.Duration
	// Acquire returns the next sample. It must honor ctx and fail with
	// ErrAcquisitionTimeout or ErrHardwareFault.
	Acquire(ctx context.Context) (SensorSample, error)
}

// ActuatorPort is the uniform write contract over physical and simulated
// actuators.
type ActuatorPort interface {
	Name() string
	Channel() Channel
	Capability() Capability
	Envelope() Envelope
	// Apply validates cmd against Envelope before any physical effect and
	// returns ErrCommandRejected if it is outside. Device errors wrap
	// ErrActuatorFault.
	Apply(ctx context.Context, cmd ActuatorCommand) error
}

// Initializer is implemented by ports that need to open a device before the
// loop starts ticking.
type Initializer interface {
	Init(ctx context.Context) error
}

// AcquireWithin runs one Acquire bounded by the port timeout. A deadline
// that elapses inside the port is reported as ErrAcquisitionTimeout.
func AcquireWithin(ctx context.Context, p SensorPort) (SensorSample, error) {
	timeout := p.Timeout()
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := p.Acquire(actx)
	if err == nil {
		if s.Kind == "" {
			s.Kind = p.Kind()
		}
		if s.Source == "" {
			s.Source = p.Name()
		}
		return s, nil
	}
	if errors.Is(err, ErrAcquisitionTimeout) || errors.Is(err, ErrHardwareFault) {
		return SensorSample{}, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return SensorSample{}, fmt.Errorf("%s: %w", p.Name(), ErrAcquisitionTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return SensorSample{}, err
	}
	return SensorSample{}, fmt.Errorf("%s: %v: %w", p.Name(), err, ErrHardwareFault)
}

// Validate is the envelope check every ActuatorPort runs before acting.
func Validate(p ActuatorPort, cmd ActuatorCommand) error {
	if cmd.Channel != p.Channel() {
		return fmt.Errorf("%s: command for channel %q: %w", p.Name(), cmd.Channel, ErrCommandRejected)
	}
	env := p.Envelope()
	if !env.Contains(cmd.Value) {
		return fmt.Errorf("%s: value %v outside [%v, %v]: %w", p.Name(), cmd.Value, env.Min, env.Max, ErrCommandRejected)
	}
	return nil
}

// CheckCapabilities verifies that every port in a set shares one capability.
func CheckCapabilities(sensors []SensorPort, actuators []ActuatorPort) error {
	for i := 1; i < len(sensors); i++ {
		if sensors[i].Capability() != sensors[0].Capability() {
			return fmt.Errorf("sensor %s is %s but %s is %s: capabilities cannot be mixed",
				sensors[i].Name(), sensors[i].Capability(), sensors[0].Name(), sensors[0].Capability())
		}
	}
	for i := 1; i < len(actuators); i++ {
		if actuators[i].Capability() != actuators[0].Capability() {
			return fmt.Errorf("actuator %s is %s but %s is %s: capabilities cannot be mixed",
				actuators[i].Name(), actuators[i].Capability(), actuators[0].Name(), actuators[0].Capability())
		}
	}
	seen := make(map[Channel]string, len(actuators))
	for _, a := range actuators {
		if prev, ok := seen[a.Channel()]; ok {
			return fmt.Errorf("actuators %s and %s both drive channel %q", prev, a.Name(), a.Channel())
		}
		seen[a.Channel()] = a.Name()
	}
	return nil
}
