package sim

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"rcvehicle/internal/geo"
	"rcvehicle/internal/hal"
)

// TargetScript is a keyframed stand-in for the external command source.
//
// YAML schema (v1):
//
//	version: 1
//	loop: true
//	keyframes:
//	  - t: 0s
//	    throttle: 0.3
//	    steering: 0
//	  - t: 5s
//	    heading_deg: 90
//	    speed_mps: 2
//	    waypoint: {lat_deg: 47.6001, lon_deg: -122.3}
//
// Numeric fields are interpolated between keyframes (headings along the
// shortest arc); the waypoint is taken from the segment start.
type TargetScript struct {
	Version   int              `yaml:"version"`
	Loop      bool             `yaml:"loop"`
	Keyframes []TargetKeyframe `yaml:"keyframes"`
}

// TargetKeyframe is a time-stamped control target.
type TargetKeyframe struct {
	T          time.Duration `yaml:"t"`
	Steering   float64       `yaml:"steering"`
	Throttle   float64       `yaml:"throttle"`
	HeadingDeg float64       `yaml:"heading_deg"`
	SpeedMps   float64       `yaml:"speed_mps"`
	Waypoint   *hal.LatLon   `yaml:"waypoint"`
}

// TargetPlayer publishes a TargetScript into a TargetStore.
type TargetPlayer struct {
	script   TargetScript
	duration time.Duration
}

// LoadTargetScript reads and unmarshals a YAML target script from path.
func LoadTargetScript(path string) (TargetScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TargetScript{}, err
	}
	var s TargetScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return TargetScript{}, err
	}
	return s, nil
}

// NewTargetPlayer validates script.
func NewTargetPlayer(script TargetScript) (*TargetPlayer, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported target script version %d", script.Version)
	}
	kfs := script.Keyframes
	if len(kfs) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i := range kfs {
		if kfs[i].T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kfs[i].T < kfs[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
	}
	return &TargetPlayer{script: script, duration: kfs[len(kfs)-1].T}, nil
}

// TargetAt computes the target at elapsed. With Loop set elapsed wraps around
// the last keyframe time; otherwise the last keyframe holds.
func (p *TargetPlayer) TargetAt(elapsed time.Duration) hal.ControlTarget {
	if elapsed < 0 {
		elapsed = 0
	}
	if p.duration > 0 {
		if p.script.Loop {
			elapsed %= p.duration
		} else if elapsed > p.duration {
			elapsed = p.duration
		}
	}
	k0, k1, alpha := selectSegment(p.script.Keyframes, elapsed)
	return hal.ControlTarget{
		Steering:   lerp(k0.Steering, k1.Steering, alpha),
		Throttle:   lerp(k0.Throttle, k1.Throttle, alpha),
		HeadingDeg: geo.Wrap360(k0.HeadingDeg + geo.AngleDiff(k0.HeadingDeg, k1.HeadingDeg)*alpha),
		SpeedMps:   lerp(k0.SpeedMps, k1.SpeedMps, alpha),
		Waypoint:   k0.Waypoint,
	}
}

// Run refreshes store every interval until ctx ends. Each refresh carries a
// new UpdatedAt, so the target never trips the dead-man timeout while the
// player runs.
func (p *TargetPlayer) Run(ctx context.Context, w *World, store *hal.TargetStore, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		tgt := p.TargetAt(w.Elapsed())
		tgt.UpdatedAt = w.Now()
		store.Set(tgt)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func selectSegment(kfs []TargetKeyframe, t time.Duration) (TargetKeyframe, TargetKeyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	return k0, k1, min(max(alpha, 0), 1)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
