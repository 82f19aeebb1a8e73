//go:build !linux

package actuators

import "fmt"

func openPWM(chip, channel int) (PWMOutput, error) {
	return nil, fmt.Errorf("actuators: sysfs pwm unsupported on this platform")
}
