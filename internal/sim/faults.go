package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// FaultKind is what a simulated port does while a fault window is open.
type FaultKind string

const (
	FaultNone FaultKind = ""
	// FaultTimeout makes Acquire block until its deadline (sensors) or the
	// GPS feed go silent.
	FaultTimeout FaultKind = "timeout"
	// FaultError makes the port fail: ErrHardwareFault for sensors, a link
	// drop for GPS, ErrActuatorFault for actuators.
	FaultError FaultKind = "error"
	// FaultMalformed corrupts GPS sentence checksums.
	FaultMalformed FaultKind = "malformed"
	// FaultImplausible reports wildly wrong values (GPS speed x50, sensor
	// spikes).
	FaultImplausible FaultKind = "implausible"
)

// FaultScript is a deterministic, script-driven fault schedule.
//
// Times are Go duration strings relative to the start of the simulated
// world. A window with a zero duration stays open forever.
//
// YAML schema (v1):
//
//	version: 1
//	faults:
//	  - port: imu
//	    kind: timeout
//	    start: 2s
//	    duration: 500ms
//	  - port: steering
//	    kind: error
//	    start: 5s
//	    duration: 40ms
type FaultScript struct {
	Version int           `yaml:"version"`
	Faults  []FaultWindow `yaml:"faults"`
}

// FaultWindow is one scripted fault on one port.
type FaultWindow struct {
	Port     string        `yaml:"port"`
	Kind     FaultKind     `yaml:"kind"`
	Start    time.Duration `yaml:"start"`
	Duration time.Duration `yaml:"duration"`
}

func (w FaultWindow) open(elapsed time.Duration) bool {
	if elapsed < w.Start {
		return false
	}
	return w.Duration <= 0 || elapsed < w.Start+w.Duration
}

// FaultPlan is the validated runtime form of a FaultScript.
type FaultPlan struct {
	byPort map[string][]FaultWindow
}

// LoadFaultScript reads and unmarshals a YAML fault script from path.
func LoadFaultScript(path string) (FaultScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return FaultScript{}, err
	}
	return ParseFaultScriptYAML(b)
}

// ParseFaultScriptYAML parses a YAML fault script.
func ParseFaultScriptYAML(b []byte) (FaultScript, error) {
	var s FaultScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return FaultScript{}, err
	}
	return s, nil
}

// NewFaultPlan validates script.
func NewFaultPlan(script FaultScript) (*FaultPlan, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported fault script version %d", script.Version)
	}
	p := &FaultPlan{byPort: map[string][]FaultWindow{}}
	for i, f := range script.Faults {
		if f.Port == "" {
			return nil, fmt.Errorf("faults[%d].port is required", i)
		}
		switch f.Kind {
		case FaultTimeout, FaultError, FaultMalformed, FaultImplausible:
		default:
			return nil, fmt.Errorf("faults[%d].kind %q is not one of timeout, error, malformed, implausible", i, f.Kind)
		}
		if f.Start < 0 {
			return nil, fmt.Errorf("faults[%d].start must be >= 0", i)
		}
		if f.Duration < 0 {
			return nil, fmt.Errorf("faults[%d].duration must be >= 0", i)
		}
		p.byPort[f.Port] = append(p.byPort[f.Port], f)
	}
	for port := range p.byPort {
		ws := p.byPort[port]
		sort.SliceStable(ws, func(i, j int) bool { return ws[i].Start < ws[j].Start })
	}
	return p, nil
}

// Active returns the fault open for port at elapsed. When windows overlap the
// one that started last wins.
func (p *FaultPlan) Active(port string, elapsed time.Duration) FaultKind {
	if p == nil {
		return FaultNone
	}
	ws := p.byPort[port]
	for i := len(ws) - 1; i >= 0; i-- {
		if ws[i].open(elapsed) {
			return ws[i].Kind
		}
	}
	return FaultNone
}
