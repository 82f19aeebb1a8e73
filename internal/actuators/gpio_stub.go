//go:build !linux

package actuators

import "fmt"

func openLine(name string) (armingLine, error) {
	return nil, fmt.Errorf("actuators: gpio unsupported on this platform")
}
