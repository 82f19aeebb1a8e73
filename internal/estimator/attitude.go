package estimator

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"rcvehicle/internal/geo"
)

var (
	identity = quat.Number{Real: 1}
	worldUp  = r3.Vec{Z: 1}
	bodyFwd  = r3.Vec{X: 1}
	bodyLeft = r3.Vec{Y: 1}
)

// normalize returns q scaled to unit norm; a degenerate q becomes identity.
func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < 1e-12 || math.IsNaN(n) || math.IsInf(n, 0) {
		return identity
	}
	q = quat.Scale(1/n, q)
	// Keep the scalar part non-negative so equal rotations compare equal.
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// integrate advances the body-to-world rotation q by body rate w (rad/s)
// over dt seconds: q <- q * exp(w dt / 2).
func integrate(q quat.Number, w r3.Vec, dt float64) quat.Number {
	half := r3.Scale(dt/2, w)
	dq := quat.Exp(quat.Number{Imag: half.X, Jmag: half.Y, Kmag: half.Z})
	return normalize(quat.Mul(q, dq))
}

func rotate(q quat.Number, v r3.Vec) r3.Vec {
	return r3.Rotation(q).Rotate(v)
}

// fromTo returns the shortest rotation taking unit vector a onto unit vector b.
func fromTo(a, b r3.Vec) quat.Number {
	a, b = r3.Unit(a), r3.Unit(b)
	d := r3.Dot(a, b)
	if d > 1-1e-12 {
		return identity
	}
	if d < -1+1e-12 {
		// Half turn about any axis perpendicular to a.
		axis := r3.Cross(a, r3.Vec{X: 1})
		if r3.Norm(axis) < 1e-6 {
			axis = r3.Cross(a, r3.Vec{Y: 1})
		}
		axis = r3.Unit(axis)
		return quat.Number{Imag: axis.X, Jmag: axis.Y, Kmag: axis.Z}
	}
	c := r3.Cross(a, b)
	return normalize(quat.Number{Real: 1 + d, Imag: c.X, Jmag: c.Y, Kmag: c.Z})
}

// aboutUp is a rotation of rad radians counter-clockwise about world up.
func aboutUp(rad float64) quat.Number {
	s, c := math.Sincos(rad / 2)
	return quat.Number{Real: c, Kmag: s}
}

// headingOf returns the compass heading of the body forward axis.
func headingOf(q quat.Number) float64 {
	return geo.HeadingOf(rotate(q, bodyFwd))
}

// rollPitch returns roll (positive right side down) and pitch (positive nose
// up) in degrees.
func rollPitch(q quat.Number) (roll, pitch float64) {
	fwd := rotate(q, bodyFwd)
	left := rotate(q, bodyLeft)
	up := rotate(q, r3.Vec{Z: 1})
	pitch = math.Asin(math.Max(-1, math.Min(1, fwd.Z))) * 180 / math.Pi
	roll = math.Atan2(left.Z, up.Z) * 180 / math.Pi
	return roll, pitch
}

// worldUpInBody expresses world up in body coordinates.
func worldUpInBody(q quat.Number) r3.Vec {
	return rotate(quat.Conj(q), worldUp)
}

// setHeading rotates q about world up so that its heading becomes deg.
func setHeading(q quat.Number, deg float64) quat.Number {
	delta := geo.AngleDiff(headingOf(q), deg)
	// Heading is clockwise, rotations about up are counter-clockwise.
	return normalize(quat.Mul(aboutUp(-delta*math.Pi/180), q))
}
