// Package odometry maintains the robot's field-frame pose by integrating
// displacement sensors and fusing heading with the IMU.
//
// Two sensing models are supported. The preferred model reads a pair of
// perpendicular unpowered tracking pods and takes heading change directly
// from IMU rotation deltas. When the pods are absent or disconnected the
// tracker degrades to the drivetrain encoders, blending IMU and
// encoder-derived rotation deltas.
//
// The tracker is the sole owner of the pose: every read is a consistent
// snapshot and every write goes through SetPose or SetPoseNoReset.
package odometry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/hw"
	"github.com/oakdale-robotics/fieldnav/pkg/pose"
)

type Tracker struct {
	drive hw.Drivetrain
	pods  hw.TrackingWheels // may be nil
	imu   hw.IMU
	clk   hw.Clock
	log   golog.Logger

	usePods      bool
	fusionAlpha  float64
	trackWidth   float64
	fwdPodOffset float64
	latPodOffset float64
	interval     time.Duration

	// mu guards the pose and the sensor baselines together, so a
	// concurrent SetPose cannot tear an in-flight update.
	mu   sync.Mutex
	pose pose.Pose

	prevForward, prevLateral float64
	prevLeft, prevRight      float64
	prevRotation             float64
}

// New builds a tracker from the available sensors. Tracking pods are used
// when present and connected; otherwise the tracker logs a warning and runs
// degraded on the drivetrain encoders.
func New(drive hw.Drivetrain, pods hw.TrackingWheels, imu hw.IMU, clk hw.Clock, cfg config.Config, log golog.Logger) *Tracker {
	usePods := pods != nil && pods.Connected()
	if !usePods {
		log.Warn("tracking wheels not detected, falling back to drivetrain encoders")
	}
	return &Tracker{
		drive:        drive,
		pods:         pods,
		imu:          imu,
		clk:          clk,
		log:          log,
		usePods:      usePods,
		fusionAlpha:  cfg.Odometry.IMUFusionAlpha,
		trackWidth:   cfg.Geometry.WheelTrackM,
		fwdPodOffset: cfg.Geometry.ForwardPodOffsetM,
		latPodOffset: cfg.Geometry.LateralPodOffsetM,
		interval:     time.Duration(cfg.Odometry.UpdateIntervalMS) * time.Millisecond,
	}
}

// UsingTrackingWheels reports which sensing model the tracker selected.
func (t *Tracker) UsingTrackingWheels() bool {
	return t.usePods
}

// Pose returns a consistent snapshot of the current estimate.
func (t *Tracker) Pose() pose.Pose {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pose
}

// SetPose overwrites the estimate and re-zeroes every sensor baseline, so
// the next update computes deltas relative to the new reference. Use at the
// start of a routine when the robot is placed at a known position.
func (t *Tracker) SetPose(p pose.Pose) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pose = p
	if t.usePods {
		if err := t.pods.Reset(); err != nil {
			return errors.Wrap(err, "resetting tracking wheels")
		}
	}
	if err := t.drive.ResetEncoders(); err != nil {
		return errors.Wrap(err, "resetting drive encoders")
	}
	if err := t.imu.Reset(); err != nil {
		return errors.Wrap(err, "resetting imu")
	}
	t.prevForward, t.prevLateral = 0, 0
	t.prevLeft, t.prevRight = 0, 0
	t.prevRotation = 0
	return nil
}

// SetPoseNoReset overwrites the estimate without touching sensor baselines.
// Vision corrections use this so in-flight encoder and IMU deltas survive
// the adjustment.
func (t *Tracker) SetPoseNoReset(p pose.Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pose = p
}

// Update runs one fusion cycle: read sensor deltas, remove rotation-induced
// arcs, rotate into the field frame at the midpoint heading and accumulate.
func (t *Tracker) Update() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rotation, err := t.imu.Rotation()
	if err != nil {
		return errors.Wrap(err, "reading imu rotation")
	}
	dThetaIMU := rotation - t.prevRotation

	var dForward, dLateral, dTheta float64
	if t.usePods {
		forward, lateral, err := t.pods.Distances()
		if err != nil {
			return errors.Wrap(err, "reading tracking wheels")
		}
		dForward = forward - t.prevForward
		dLateral = lateral - t.prevLateral
		dTheta = dThetaIMU

		// An off-centre pod picks up a false arc when the robot
		// rotates in place; subtract it before integrating.
		dForward -= t.fwdPodOffset * dTheta
		dLateral -= t.latPodOffset * dTheta

		t.prevForward, t.prevLateral = forward, lateral
	} else {
		left, right, err := t.drive.EncoderDistances()
		if err != nil {
			return errors.Wrap(err, "reading drive encoders")
		}
		dLeft := left - t.prevLeft
		dRight := right - t.prevRight

		dForward = (dLeft + dRight) / 2
		dThetaEnc := (dRight - dLeft) / t.trackWidth
		// Fuse rotation deltas rather than absolute headings to avoid
		// wrap-around at +/-pi.
		dTheta = t.fusionAlpha*dThetaIMU + (1-t.fusionAlpha)*dThetaEnc

		t.prevLeft, t.prevRight = left, right
	}
	t.prevRotation = rotation

	// Midpoint heading materially reduces integration error on curved
	// paths compared to the start-of-interval heading.
	midTheta := t.pose.Theta + dTheta/2
	sin, cos := math.Sincos(midTheta)
	t.pose.X += dForward*cos - dLateral*sin
	t.pose.Y += dForward*sin + dLateral*cos
	t.pose.Theta += dTheta
	return nil
}

// Run updates the pose at a fixed period until ctx is cancelled. Transient
// sensor errors are logged and the loop continues.
func (t *Tracker) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := t.Update(); err != nil {
			t.log.Warnw("odometry update failed", "error", err)
		}
		t.clk.Sleep(t.interval)
	}
	return nil
}
