// Package hw defines the interfaces between the motion/localization core and
// the platform layer. Everything that touches real hardware lives behind one
// of these interfaces so the core can be exercised against simulated or dummy
// implementations.
package hw

import (
	"context"
	"time"
)

// MaxDriveVoltage is the symmetric safe command range for drive motors.
// Implementations clamp anything outside it.
const MaxDriveVoltage = 12.0

// Drivetrain is a differential drive: two motor groups and their encoders.
type Drivetrain interface {
	// SetVoltages commands the left and right motor groups. Values are
	// clamped to +/-MaxDriveVoltage.
	SetVoltages(left, right float64) error
	Stop() error

	// EncoderDistances returns cumulative distance travelled by each side
	// in metres since the last reset.
	EncoderDistances() (left, right float64, err error)
	ResetEncoders() error
}

// TrackingWheels is a pair of perpendicular unpowered tracking pods.
type TrackingWheels interface {
	// Distances returns cumulative forward and lateral displacement in
	// metres since the last reset.
	Distances() (forward, lateral float64, err error)
	Reset() error

	// Connected reports whether both pods are detected.
	Connected() bool
}

// IMU is an inertial sensor exposing cumulative rotation.
type IMU interface {
	// Rotation returns cumulative yaw in radians since the last reset,
	// unbounded (not wrapped at +/-pi).
	Rotation() (float64, error)
	Reset() error

	// Calibrate blocks while the sensor measures its at-rest bias. It
	// must honour ctx cancellation; callers bound it with a deadline.
	Calibrate(ctx context.Context) error
}

// TagDetection is one fiducial marker observed in a vision snapshot.
type TagDetection struct {
	ID      int
	CenterX float64
	CenterY float64
	Width   float64
	Height  float64
	Angle   float64
	Valid   bool
}

// VisionSensor detects fiducial markers, one snapshot at a time.
type VisionSensor interface {
	// Snapshot captures and processes a frame, returning the number of
	// markers detected.
	Snapshot() (int, error)
	// Detection returns the i'th marker from the last snapshot.
	Detection(i int) (TagDetection, error)
}

// Clock abstracts wall-clock time so control loops can be driven without
// real time in tests. github.com/benbjohnson/clock satisfies it.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}
