package actuators

import "time"

// PWMOutput is the minimal interface a servo/ESC channel needs from a PWM
// backend. Close must leave the output in a safe state.
type PWMOutput interface {
	SetPeriod(d time.Duration) error
	SetPulse(d time.Duration) error
	Close() error
}

// armingLine is a digital output that enables the ESC power stage.
type armingLine interface {
	SetValue(v int) error
	Close() error
}

var (
	openPWMFn  = openPWM
	openLineFn = openLine
)
