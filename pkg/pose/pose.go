// Package pose holds the robot's field-frame pose and the angle arithmetic
// shared by the localization and motion packages.
package pose

import "math"

// Pose is the robot's estimated position and heading in field coordinates.
// X and Y are metres, Theta is radians measured counter-clockwise from the
// field's +X axis. Theta accumulates across full rotations; it is only
// wrapped when computing angular errors.
type Pose struct {
	X     float64
	Y     float64
	Theta float64
}

// NormalizeAngle wraps an angle into (-pi, pi]. Computing the wrap via
// atan2 keeps angular errors on the shortest arc, so a controller fed the
// result never turns the long way round.
func NormalizeAngle(a float64) float64 {
	return math.Atan2(math.Sin(a), math.Cos(a))
}

// DistanceTo returns the Euclidean distance from p to q.
func (p Pose) DistanceTo(q Pose) float64 {
	return math.Hypot(q.X-p.X, q.Y-p.Y)
}

// BearingTo returns the field-frame direction from p to q.
func (p Pose) BearingTo(q Pose) float64 {
	return math.Atan2(q.Y-p.Y, q.X-p.X)
}
