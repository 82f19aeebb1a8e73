// Package geo converts between geodetic coordinates and a local
// east/north/up tangent plane. The flat-earth approximation is accurate to a
// few centimetres over the few hundred metres a ground vehicle covers between
// origin resets.
package geo

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"rcvehicle/internal/hal"
)

// EarthRadiusM is the mean Earth radius.
const EarthRadiusM = 6371000.0

const degToRad = math.Pi / 180

// ToENU returns the east/north offset of p from origin in metres. Z is the
// altitude difference.
func ToENU(origin hal.Position, p hal.Position) r3.Vec {
	lat0 := origin.LatDeg * degToRad
	north := (p.LatDeg - origin.LatDeg) * degToRad * EarthRadiusM
	east := WrapDeg180(p.LonDeg-origin.LonDeg) * degToRad * EarthRadiusM * math.Cos(lat0)
	return r3.Vec{X: east, Y: north, Z: p.AltM - origin.AltM}
}

// FromENU is the inverse of ToENU.
func FromENU(origin hal.Position, v r3.Vec) hal.Position {
	lat0 := origin.LatDeg * degToRad
	lat := origin.LatDeg + v.Y/EarthRadiusM/degToRad
	lon := origin.LonDeg
	if c := math.Cos(lat0); c > 1e-9 {
		lon += v.X / (EarthRadiusM * c) / degToRad
	}
	return hal.Position{LatDeg: lat, LonDeg: WrapDeg180(lon), AltM: origin.AltM + v.Z}
}

// Distance is the haversine great-circle distance in metres.
func Distance(a, b hal.LatLon) float64 {
	lat1 := a.LatDeg * degToRad
	lat2 := b.LatDeg * degToRad
	dLat := lat2 - lat1
	dLon := (b.LonDeg - a.LonDeg) * degToRad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Bearing is the initial course from a to b, degrees clockwise from north in
// [0, 360).
func Bearing(a, b hal.LatLon) float64 {
	lat1 := a.LatDeg * degToRad
	lat2 := b.LatDeg * degToRad
	dLon := (b.LonDeg - a.LonDeg) * degToRad
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return Wrap360(math.Atan2(y, x) / degToRad)
}

// HeadingOf returns the compass heading of a horizontal ENU vector.
func HeadingOf(v r3.Vec) float64 {
	return Wrap360(math.Atan2(v.X, v.Y) / degToRad)
}

// Wrap360 normalizes an angle into [0, 360).
func Wrap360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// WrapDeg180 normalizes an angle into [-180, 180).
func WrapDeg180(deg float64) float64 {
	deg = math.Mod(deg+180, 360)
	if deg < 0 {
		deg += 360
	}
	return deg - 180
}

// AngleDiff returns the signed shortest rotation from a to b in degrees,
// positive clockwise.
func AngleDiff(a, b float64) float64 {
	return WrapDeg180(b - a)
}
