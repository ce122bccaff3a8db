// Package motion implements the blocking closed-loop motion controllers:
// point turns and drive-to-pose in both curved (Boomerang) and straight
// (turn-then-drive) modes.
//
// Every controller shares the same exit discipline: success requires the
// error to stay inside tolerance for a sustained settle time, a timeout
// bounds the whole motion, and the motors are always stopped on the way
// out. A timeout is a bounded best-effort abort, reported via ErrTimeout,
// never a crash.
package motion

import (
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/hw"
	"github.com/oakdale-robotics/fieldnav/pkg/motionprofile"
	"github.com/oakdale-robotics/fieldnav/pkg/odometry"
	"github.com/oakdale-robotics/fieldnav/pkg/pid"
	"github.com/oakdale-robotics/fieldnav/pkg/pose"
)

// ErrTimeout marks a motion that hit its time budget before settling. The
// motors are already stopped when it is returned; callers commonly log it
// and move on.
var ErrTimeout = errors.New("motion timed out before settling")

// Controller runs blocking motions against a single drivetrain. It is not
// safe for concurrent use; motions are sequential by design.
type Controller struct {
	odom  *odometry.Tracker
	drive hw.Drivetrain
	clk   hw.Clock
	cfg   config.Config
	log   golog.Logger
}

func NewController(odom *odometry.Tracker, drive hw.Drivetrain, clk hw.Clock, cfg config.Config, log golog.Logger) *Controller {
	return &Controller{
		odom:  odom,
		drive: drive,
		clk:   clk,
		cfg:   cfg,
		log:   log,
	}
}

// settleMonitor declares success only after the error has stayed inside
// tolerance continuously for the hold duration. Any excursion outside
// tolerance restarts the timer, so a single noisy in-tolerance sample never
// ends a motion early.
type settleMonitor struct {
	clk       hw.Clock
	tolerance float64
	hold      time.Duration

	settling bool
	since    time.Time
}

func newSettleMonitor(clk hw.Clock, tolerance float64, hold time.Duration) *settleMonitor {
	return &settleMonitor{clk: clk, tolerance: tolerance, hold: hold}
}

func (s *settleMonitor) observe(err float64) bool {
	if math.Abs(err) < s.tolerance {
		if !s.settling {
			s.settling = true
			s.since = s.clk.Now()
		} else if s.clk.Now().Sub(s.since) >= s.hold {
			return true
		}
	} else {
		s.settling = false
	}
	return false
}

func (c *Controller) newTurnPID() *pid.Controller {
	p := pid.New(c.cfg.TurnPID.KP, c.cfg.TurnPID.KI, c.cfg.TurnPID.KD, c.clk)
	p.SetIntegralLimit(c.cfg.TurnPID.IntegralLimit)
	p.SetDerivativeFilter(c.cfg.TurnPID.DerivativeFilter)
	p.SetOutputLimit(c.cfg.TurnPID.OutputLimit)
	p.Reset()
	return p
}

// TurnToHeading rotates in place to the target field heading (radians).
// It blocks until settled or timed out; the motors are stopped either way.
func (c *Controller) TurnToHeading(target float64) error {
	// Fresh PID per motion: no hidden lifetime coupling between callers,
	// and Reset semantics hold by construction.
	angular := c.newTurnPID()

	interval := time.Duration(c.cfg.Motion.LoopIntervalMS) * time.Millisecond
	timeout := time.Duration(c.cfg.Motion.TurnTimeoutMS) * time.Millisecond
	settle := newSettleMonitor(c.clk,
		c.cfg.Motion.TurnSettleRad,
		time.Duration(c.cfg.Motion.TurnSettleTimeMS)*time.Millisecond)

	start := c.clk.Now()
	timedOut := false
	for {
		if c.clk.Now().Sub(start) > timeout {
			timedOut = true
			break
		}

		current := c.odom.Pose()
		headingErr := pose.NormalizeAngle(target - current.Theta)
		if settle.observe(headingErr) {
			break
		}

		// setpoint=0, pv=-err makes the internal error equal headingErr.
		omega := angular.Calculate(0, -headingErr)
		left := -omega * c.cfg.Geometry.WheelTrackM / 2
		right := omega * c.cfg.Geometry.WheelTrackM / 2
		if err := c.drive.SetVoltages(left, right); err != nil {
			c.stop()
			return errors.Wrap(err, "commanding turn")
		}

		c.clk.Sleep(interval)
	}

	if err := c.stop(); err != nil {
		return err
	}
	if timedOut {
		c.log.Warnw("turn timed out", "target_rad", target)
		return errors.Wrapf(ErrTimeout, "turn to %.3f rad", target)
	}
	return nil
}

// DriveToPose drives a smooth arc to the target pose using the Boomerang
// carrot-point scheme, arriving aligned with the target heading. With
// reverse set the robot backs into the target instead.
func (c *Controller) DriveToPose(target pose.Pose, reverse bool) error {
	angular := c.newTurnPID()

	interval := time.Duration(c.cfg.Motion.LoopIntervalMS) * time.Millisecond
	timeout := time.Duration(c.cfg.Motion.DriveTimeoutMS) * time.Millisecond
	settle := newSettleMonitor(c.clk,
		c.cfg.Motion.DriveSettleM,
		time.Duration(c.cfg.Motion.DriveSettleTimeMS)*time.Millisecond)

	maxA := c.cfg.Motion.MaxAcceleration
	maxV := c.cfg.Motion.MaxVelocity
	lead := c.cfg.Motion.BoomerangLead
	maxDeltaV := maxA * interval.Seconds()

	start := c.clk.Now()
	timedOut := false
	var prevCmdV float64
	for {
		if c.clk.Now().Sub(start) > timeout {
			timedOut = true
			break
		}

		current := c.odom.Pose()
		dist := current.DistanceTo(target)
		if settle.observe(dist) {
			break
		}

		// The carrot sits lead*dist behind the target along the target
		// heading, so it converges onto the target as we close in and
		// the approach ends aligned.
		carrot := pose.Pose{
			X: target.X - lead*dist*math.Cos(target.Theta),
			Y: target.Y - lead*dist*math.Sin(target.Theta),
		}
		aimHeading := current.BearingTo(carrot)
		if reverse {
			aimHeading += math.Pi
		}
		headingErr := pose.NormalizeAngle(aimHeading - current.Theta)

		// Speed: decel-limited toward the target, cruise-capped, then
		// throttled by cos(err) so the robot stops and turns in place
		// rather than dragging sideways when badly misaligned.
		speed := math.Min(math.Sqrt(2*maxA*dist), maxV)
		cosErr := math.Cos(headingErr)
		if cosErr < 0 {
			cosErr = 0
		}
		speed *= cosErr
		if reverse {
			speed = -speed
		}

		// Per-cycle slew limit protects the drivetrain and keeps the
		// wheels from breaking traction.
		if speed > prevCmdV+maxDeltaV {
			speed = prevCmdV + maxDeltaV
		} else if speed < prevCmdV-maxDeltaV {
			speed = prevCmdV - maxDeltaV
		}
		prevCmdV = speed

		omega := angular.Calculate(0, -headingErr)
		left := speed - omega*c.cfg.Geometry.WheelTrackM/2
		right := speed + omega*c.cfg.Geometry.WheelTrackM/2
		if err := c.drive.SetVoltages(left, right); err != nil {
			c.stop()
			return errors.Wrap(err, "commanding drive")
		}

		c.clk.Sleep(interval)
	}

	if err := c.stop(); err != nil {
		return err
	}
	if timedOut {
		c.log.Warnw("drive timed out", "target_x", target.X, "target_y", target.Y)
		return errors.Wrapf(ErrTimeout, "drive to (%.3f, %.3f)", target.X, target.Y)
	}
	return nil
}

// DriveStraight is the turn-then-drive mode for simpler drivetrains: point
// at the target, then drive a profiled straight line with a proportional
// heading hold. The final heading is intentionally not enforced.
func (c *Controller) DriveStraight(target pose.Pose) error {
	bearing := c.odom.Pose().BearingTo(target)
	if err := c.TurnToHeading(bearing); err != nil {
		return err
	}

	profile := motionprofile.New(c.cfg.Motion.MaxVelocity, c.cfg.Motion.MaxAcceleration)

	interval := time.Duration(c.cfg.Motion.LoopIntervalMS) * time.Millisecond
	timeout := time.Duration(c.cfg.Motion.DriveTimeoutMS) * time.Millisecond
	settle := newSettleMonitor(c.clk,
		c.cfg.Motion.DriveSettleM,
		time.Duration(c.cfg.Motion.DriveSettleTimeMS)*time.Millisecond)

	start := c.clk.Now()
	timedOut := false
	for {
		elapsed := c.clk.Now().Sub(start)
		if elapsed > timeout {
			timedOut = true
			break
		}

		current := c.odom.Pose()
		dist := current.DistanceTo(target)
		if settle.observe(dist) {
			break
		}

		speed := profile.TargetVelocity(elapsed.Seconds(), dist)
		headingErr := pose.NormalizeAngle(current.BearingTo(target) - current.Theta)
		omega := c.cfg.Motion.HeadingHoldKP * headingErr

		left := speed - omega*c.cfg.Geometry.WheelTrackM/2
		right := speed + omega*c.cfg.Geometry.WheelTrackM/2
		if err := c.drive.SetVoltages(left, right); err != nil {
			c.stop()
			return errors.Wrap(err, "commanding straight drive")
		}

		c.clk.Sleep(interval)
	}

	if err := c.stop(); err != nil {
		return err
	}
	if timedOut {
		c.log.Warnw("straight drive timed out", "target_x", target.X, "target_y", target.Y)
		return errors.Wrapf(ErrTimeout, "drive to (%.3f, %.3f)", target.X, target.Y)
	}
	return nil
}

func (c *Controller) stop() error {
	if err := c.drive.Stop(); err != nil {
		return errors.Wrap(err, "stopping drive motors")
	}
	return nil
}
