// Package actuators drives steering servos and ESCs from hobby PWM pulses
// using the kernel sysfs PWM interface, with an optional GPIO arming line.
//
// On a Raspberry Pi, enable the two-channel overlay in config.txt:
//
//	dtoverlay=pwm-2chan,pin=18,func=2,pin2=19,func2=2
package actuators
