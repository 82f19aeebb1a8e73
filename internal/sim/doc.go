// Package sim provides deterministic stand-ins for every hardware port: a
// kinematic world model, simulated sensors and actuators, a synthetic NMEA
// receiver and YAML-scripted fault injection. A seeded World yields the same
// readings for the same sequence of queries.
package sim
