// Package motionprofile shapes straight-line speed with a trapezoidal
// velocity profile.
package motionprofile

import "math"

// Profile computes speed targets from instantaneous elapsed time and
// remaining distance. It keeps no phase state: the three constraints below
// are recomputed fresh every call, so the profile self-corrects if the robot
// falls behind or overshoots its nominal trajectory.
type Profile struct {
	maxVelocity     float64 // m/s
	maxAcceleration float64 // m/s^2
}

func New(maxVelocity, maxAcceleration float64) Profile {
	return Profile{maxVelocity: maxVelocity, maxAcceleration: maxAcceleration}
}

// TargetVelocity returns the speed to command given time since the motion
// started (assumed from rest) and the distance still to cover. It is the
// minimum of:
//
//  1. the acceleration ramp, a*t
//  2. the cruise cap, vmax
//  3. the deceleration constraint sqrt(2*a*d), the fastest speed from which
//     the robot can still stop within the remaining distance
//
// The result is never negative and is exactly zero when distanceToGo is zero.
func (p Profile) TargetVelocity(elapsed, distanceToGo float64) float64 {
	accelV := p.maxAcceleration * elapsed
	decelV := math.Sqrt(2 * p.maxAcceleration * math.Abs(distanceToGo))

	v := math.Min(p.maxVelocity, math.Min(accelV, decelV))
	if v < 0 {
		return 0
	}
	return v
}
