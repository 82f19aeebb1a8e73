package hal

import "errors"

// Fault taxonomy shared by ports, estimator and loop. Callers wrap these with
// fmt.Errorf("...: %w", Err...) and match with errors.Is.
var (
	// ErrAcquisitionTimeout is retryable: the loop keeps the last sample and
	// marks the source stale.
	ErrAcquisitionTimeout = errors.New("acquisition timeout")
	// ErrHardwareFault is not retried within a tick; the source is degraded.
	ErrHardwareFault = errors.New("hardware fault")
	// ErrDecode marks a discarded positioning sentence.
	ErrDecode = errors.New("decode error")
	// ErrImplausibleReading marks a value excluded from fusion.
	ErrImplausibleReading = errors.New("implausible reading")
	// ErrCommandRejected is returned by an ActuatorPort for an out-of-envelope
	// command. It has no physical effect.
	ErrCommandRejected = errors.New("command rejected")
	// ErrActuatorFault is a device error while applying a command.
	ErrActuatorFault = errors.New("actuator fault")
	// ErrActuatorFatal is the second consecutive ErrActuatorFault on one port.
	ErrActuatorFatal = errors.New("actuator fault: fatal")
	// ErrDeadlineMiss reports a tick that overran its period.
	ErrDeadlineMiss = errors.New("deadline miss")
)

// FaultName maps an error onto its taxonomy label for logs and metrics.
func FaultName(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrActuatorFatal):
		return "actuator_fatal"
	case errors.Is(err, ErrAcquisitionTimeout):
		return "acquisition_timeout"
	case errors.Is(err, ErrHardwareFault):
		return "hardware_fault"
	case errors.Is(err, ErrDecode):
		return "decode_error"
	case errors.Is(err, ErrImplausibleReading):
		return "implausible_reading"
	case errors.Is(err, ErrCommandRejected):
		return "command_rejected"
	case errors.Is(err, ErrActuatorFault):
		return "actuator_fault"
	case errors.Is(err, ErrDeadlineMiss):
		return "deadline_miss"
	default:
		return "other"
	}
}
