package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rcvehicle/internal/hal"
)

// Actuator is a simulated hal.ActuatorPort. Accepted commands move the
// kinematic model; scripted error windows fail Apply with ErrActuatorFault.
type Actuator struct {
	world *World
	name  string
	ch    hal.Channel
	env   hal.Envelope

	mu      sync.Mutex
	last    hal.ActuatorCommand
	applied int
	failN   int
}

var _ hal.ActuatorPort = (*Actuator)(nil)

// NewActuator returns a simulated port for ch. A zero envelope means
// [-1, 1] with neutral 0.
func (w *World) NewActuator(name string, ch hal.Channel, env hal.Envelope) *Actuator {
	if name == "" {
		name = string(ch)
	}
	if env == (hal.Envelope{}) {
		env = hal.Envelope{Min: -1, Max: 1, Neutral: 0}
	}
	return &Actuator{world: w, name: name, ch: ch, env: env}
}

func (a *Actuator) Name() string               { return a.name }
func (a *Actuator) Channel() hal.Channel       { return a.ch }
func (a *Actuator) Capability() hal.Capability { return hal.Simulated }
func (a *Actuator) Envelope() hal.Envelope     { return a.env }

func (a *Actuator) Apply(ctx context.Context, cmd hal.ActuatorCommand) error {
	if err := hal.Validate(a, cmd); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failN > 0 {
		a.failN--
		return fmt.Errorf("%s: injected fault: %w", a.name, hal.ErrActuatorFault)
	}
	switch a.world.Fault(a.name) {
	case FaultError:
		return fmt.Errorf("%s: simulated device error: %w", a.name, hal.ErrActuatorFault)
	case FaultTimeout:
		// A hung driver: hold until the actuation deadline.
		<-ctx.Done()
		return fmt.Errorf("%s: %v: %w", a.name, ctx.Err(), hal.ErrActuatorFault)
	}
	a.world.SetCommand(a.ch, cmd.Value)
	a.last = cmd
	a.applied++
	return nil
}

// FailNext makes the next n Apply calls fail with ErrActuatorFault.
func (a *Actuator) FailNext(n int) {
	a.mu.Lock()
	a.failN = n
	a.mu.Unlock()
}

// Last returns the last accepted command and the number of accepted commands.
func (a *Actuator) Last() (hal.ActuatorCommand, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.applied
}

// Close parks the channel at neutral.
func (a *Actuator) Close() error {
	a.world.SetCommand(a.ch, a.env.Neutral)
	a.mu.Lock()
	a.last = hal.ActuatorCommand{Channel: a.ch, Value: a.env.Neutral, Timestamp: time.Now(), Policy: "neutral"}
	a.mu.Unlock()
	return nil
}
