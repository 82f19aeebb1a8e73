package loop

import "time"

// Phase is the control loop state.
type Phase string

const (
	Idle       Phase = "idle"
	Running    Phase = "running"
	SafeStop   Phase = "safe_stop"
	Terminated Phase = "terminated"
)

// Reason explains why the loop left Running.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonActuatorFatal Reason = "actuator_fatal"
	ReasonSensorLoss    Reason = "sensor_loss"
	ReasonShutdown      Reason = "shutdown"
	ReasonInitFailed    Reason = "init_failed"
)

// Status is the current phase with the reason and error that caused it.
type Status struct {
	Phase  Phase     `json:"phase"`
	Reason Reason    `json:"reason,omitempty"`
	Err    string    `json:"error,omitempty"`
	Since  time.Time `json:"since"`
}

// Transition is reported to the OnTransition hook.
type Transition struct {
	From   Phase
	To     Phase
	Reason Reason
	Err    error
	At     time.Time
}

// PhaseValue maps a phase onto a number for gauges.
func PhaseValue(p Phase) float64 {
	switch p {
	case Idle:
		return 0
	case Running:
		return 1
	case SafeStop:
		return 2
	case Terminated:
		return 3
	default:
		return -1
	}
}
