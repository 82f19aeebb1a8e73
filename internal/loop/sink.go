package loop

import (
	"time"

	"rcvehicle/internal/hal"
)

// Snapshot is what the loop publishes once per tick.
type Snapshot struct {
	Tick    uint64           `json:"tick"`
	Phase   Phase            `json:"phase"`
	State   hal.VehicleState `json:"state"`
	Command hal.Command      `json:"command"`
	// Duration is how long the tick took up to publication.
	Duration time.Duration `json:"duration_ns"`
}

// Sink consumes snapshots. Publish is called on the loop goroutine and must
// not block; slow sinks drop.
type Sink interface {
	Publish(s Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

func (f SinkFunc) Publish(s Snapshot) { f(s) }

// Observer receives loop events for metrics. Calls come from the loop
// goroutine and its per-tick tasks.
type Observer interface {
	TickDone(d time.Duration, missed bool)
	SensorFault(kind hal.SensorKind, fault string)
	ActuatorFault(ch hal.Channel, fault string)
	DecodeError(source string)
	PhaseChanged(p Phase)
}

type nopObserver struct{}

func (nopObserver) TickDone(time.Duration, bool)       {}
func (nopObserver) SensorFault(hal.SensorKind, string) {}
func (nopObserver) ActuatorFault(hal.Channel, string)  {}
func (nopObserver) DecodeError(string)                 {}
func (nopObserver) PhaseChanged(Phase)                 {}
