package policy

import (
	"math"

	"rcvehicle/internal/geo"
	"rcvehicle/internal/hal"
)

// Pursuit steers toward the target waypoint with the pure pursuit law and
// slows down inside the slow radius. Inside the arrival radius it stops.
// Without a waypoint or a valid position it commands neutral.
type Pursuit struct{ base }

func (*Pursuit) Name() string { return KindPursuit }

func (p *Pursuit) Evaluate(st hal.VehicleState, tgt hal.ControlTarget) hal.Command {
	if tgt.Waypoint == nil || !st.PositionValid ||
		!finite(st.Position.LatDeg, st.Position.LonDeg, st.HeadingDeg, tgt.Waypoint.LatDeg, tgt.Waypoint.LonDeg) {
		return p.neutral(st, KindPursuit)
	}
	here := hal.LatLon{LatDeg: st.Position.LatDeg, LonDeg: st.Position.LonDeg}
	dist := geo.Distance(here, *tgt.Waypoint)
	if dist <= p.cfg.ArrivalRadiusM {
		return p.finish(st, tgt, KindPursuit, p.cfg.Steering.Neutral, p.throttleFor(st, 0))
	}

	// alpha is the bearing to the goal relative to the nose, positive right.
	alpha := geo.AngleDiff(st.HeadingDeg, geo.Bearing(here, *tgt.Waypoint)) * math.Pi / 180
	ld := math.Max(p.cfg.LookaheadM, math.Min(dist, 2*p.cfg.LookaheadM))
	delta := math.Atan(2 * p.cfg.WheelbaseM * math.Sin(alpha) / ld)
	steer := delta / (p.cfg.MaxSteerDeg * math.Pi / 180)
	if math.Abs(alpha) > math.Pi/2 {
		// Goal behind: full lock toward it.
		steer = math.Copysign(1, alpha)
	}
	steer = scale(steer, p.cfg.Steering)

	speed := tgt.SpeedMps
	if !(speed > 0) || math.IsInf(speed, 0) {
		speed = p.cfg.CruiseSpeedMps
	}
	if dist < p.cfg.SlowRadiusM && p.cfg.SlowRadiusM > p.cfg.ArrivalRadiusM {
		f := (dist - p.cfg.ArrivalRadiusM) / (p.cfg.SlowRadiusM - p.cfg.ArrivalRadiusM)
		speed *= math.Max(f, 0.2)
	}
	return p.finish(st, tgt, KindPursuit, steer, p.throttleFor(st, speed))
}

// scale maps a unit steering demand onto the envelope around neutral.
func scale(u float64, env hal.Envelope) float64 {
	if u >= 0 {
		return env.Neutral + u*(env.Max-env.Neutral)
	}
	return env.Neutral + u*(env.Neutral-env.Min)
}
