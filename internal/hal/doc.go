// Package hal defines the hardware abstraction used by the control loop:
// sensor and actuator capability interfaces, the values that flow between
// them, and the fault taxonomy.
//
// A port is either Real or Simulated. The choice is made once at process
// start; the loop never branches on it.
package hal
