// Package sensors adapts the I2C drivers in its subpackages to
// hal.SensorPort.
package sensors
