package estimator

import (
	"math"
	"time"

	"rcvehicle/internal/geo"
)

// SourceParams declares how much a source is trusted and how stale its
// readings are by the time they arrive.
type SourceParams struct {
	Trust   float64       `yaml:"trust"`
	Latency time.Duration `yaml:"latency"`
}

// Source names used for tie-breaking.
const (
	SourceGPS          = "gps"
	SourceIMU          = "imu"
	SourceMagnetometer = "magnetometer"
	SourceBarometer    = "barometer"
)

type candidate struct {
	source  string
	value   float64
	trust   float64
	latency time.Duration
}

// fuse combines readings of one physical quantity. Readings that agree
// within tol are blended by trust weight; otherwise the reading with the
// smallest declared latency wins, then the most trusted one, then the first
// offered. Circular quantities are in degrees.
func fuse(cands []candidate, tol float64, circular bool) (value float64, winner string, ok bool) {
	switch len(cands) {
	case 0:
		return 0, "", false
	case 1:
		return cands[0].value, cands[0].source, true
	}

	agree := true
	for i := 0; i < len(cands) && agree; i++ {
		for j := i + 1; j < len(cands); j++ {
			if diff(cands[i].value, cands[j].value, circular) > tol {
				agree = false
				break
			}
		}
	}
	if agree {
		return blend(cands, circular), "blend", true
	}

	best := cands[0]
	for _, c := range cands[1:] {
		if c.latency < best.latency || (c.latency == best.latency && c.trust > best.trust) {
			best = c
		}
	}
	return best.value, best.source, true
}

func diff(a, b float64, circular bool) float64 {
	if circular {
		return math.Abs(geo.AngleDiff(a, b))
	}
	return math.Abs(a - b)
}

func blend(cands []candidate, circular bool) float64 {
	var sumW float64
	for _, c := range cands {
		sumW += max(c.trust, 0)
	}
	weight := func(c candidate) float64 {
		if sumW <= 0 {
			return 1
		}
		return max(c.trust, 0)
	}
	if !circular {
		var num, den float64
		for _, c := range cands {
			w := weight(c)
			num += w * c.value
			den += w
		}
		return num / den
	}
	var x, y float64
	for _, c := range cands {
		w := weight(c)
		rad := c.value * math.Pi / 180
		x += w * math.Cos(rad)
		y += w * math.Sin(rad)
	}
	return geo.Wrap360(math.Atan2(y, x) * 180 / math.Pi)
}
