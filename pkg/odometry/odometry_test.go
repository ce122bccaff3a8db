package odometry

import (
	"context"
	"math"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/pose"
)

type fakePods struct {
	forward, lateral float64
	connected        bool
}

func (p *fakePods) Distances() (float64, float64, error) { return p.forward, p.lateral, nil }
func (p *fakePods) Reset() error                         { p.forward, p.lateral = 0, 0; return nil }
func (p *fakePods) Connected() bool                      { return p.connected }

type fakeIMU struct {
	rotation float64
}

func (m *fakeIMU) Rotation() (float64, error)      { return m.rotation, nil }
func (m *fakeIMU) Reset() error                    { m.rotation = 0; return nil }
func (m *fakeIMU) Calibrate(context.Context) error { return nil }

type fakeDrive struct {
	left, right float64
}

func (d *fakeDrive) SetVoltages(l, r float64) error              { return nil }
func (d *fakeDrive) Stop() error                                 { return nil }
func (d *fakeDrive) EncoderDistances() (float64, float64, error) { return d.left, d.right, nil }
func (d *fakeDrive) ResetEncoders() error                        { d.left, d.right = 0, 0; return nil }

func newPodTracker(t *testing.T) (*Tracker, *fakePods, *fakeIMU) {
	t.Helper()
	pods := &fakePods{connected: true}
	imu := &fakeIMU{}
	tr := New(&fakeDrive{}, pods, imu, clock.NewMock(), config.Default(), golog.NewTestLogger(t))
	require.True(t, tr.UsingTrackingWheels())
	return tr, pods, imu
}

func TestForwardDrive(t *testing.T) {
	tr, pods, _ := newPodTracker(t)

	// 1m of forward pod displacement in 100 increments, no rotation.
	for i := 1; i <= 100; i++ {
		pods.forward = float64(i) * 0.01
		require.NoError(t, tr.Update())
	}
	p := tr.Pose()
	assert.InDelta(t, 1.0, p.X, 0.02)
	assert.InDelta(t, 0.0, p.Y, 0.02)
	assert.InDelta(t, 0.0, p.Theta, 0.02)
}

func TestInPlaceRotation(t *testing.T) {
	tr, pods, imu := newPodTracker(t)
	cfg := config.Default()

	// Spinning in place, each pod reads exactly the arc its mounting
	// offset traces; the corrected displacement must come out zero.
	const target = math.Pi / 2
	for i := 1; i <= 50; i++ {
		frac := float64(i) / 50
		imu.rotation = target * frac
		pods.forward = cfg.Geometry.ForwardPodOffsetM * target * frac
		pods.lateral = cfg.Geometry.LateralPodOffsetM * target * frac
		require.NoError(t, tr.Update())
	}
	p := tr.Pose()
	assert.InDelta(t, 0.0, p.X, 0.05)
	assert.InDelta(t, 0.0, p.Y, 0.05)
	assert.InDelta(t, target, p.Theta, 0.05)
}

func TestPureLateralSlide(t *testing.T) {
	tr, pods, _ := newPodTracker(t)

	for i := 1; i <= 30; i++ {
		pods.lateral = float64(i) * 0.01
		require.NoError(t, tr.Update())
	}
	p := tr.Pose()
	assert.InDelta(t, 0.0, p.X, 0.02)
	assert.InDelta(t, 0.3, p.Y, 0.02)
	assert.InDelta(t, 0.0, p.Theta, 0.02)
}

func TestCurvedPathMidpointHeading(t *testing.T) {
	tr, pods, imu := newPodTracker(t)
	cfg := config.Default()

	// Quarter circle of radius 1m: forward distance pi/2, final heading
	// pi/2, ending at (1, 1) when starting at the origin facing +X.
	const steps = 200
	for i := 1; i <= steps; i++ {
		frac := float64(i) / steps
		theta := math.Pi / 2 * frac
		imu.rotation = theta
		pods.forward = math.Pi/2*frac + cfg.Geometry.ForwardPodOffsetM*theta
		pods.lateral = cfg.Geometry.LateralPodOffsetM * theta
		require.NoError(t, tr.Update())
	}
	p := tr.Pose()
	assert.InDelta(t, 1.0, p.X, 0.01)
	assert.InDelta(t, 1.0, p.Y, 0.01)
	assert.InDelta(t, math.Pi/2, p.Theta, 0.01)
}

func TestEncoderFallback(t *testing.T) {
	pods := &fakePods{connected: false}
	imu := &fakeIMU{}
	drive := &fakeDrive{}
	tr := New(drive, pods, imu, clock.NewMock(), config.Default(), golog.NewTestLogger(t))
	require.False(t, tr.UsingTrackingWheels())

	// Straight line: both sides 1m, no rotation.
	for i := 1; i <= 100; i++ {
		drive.left = float64(i) * 0.01
		drive.right = float64(i) * 0.01
		require.NoError(t, tr.Update())
	}
	p := tr.Pose()
	assert.InDelta(t, 1.0, p.X, 0.02)
	assert.InDelta(t, 0.0, p.Y, 0.02)
}

func TestEncoderHeadingFusion(t *testing.T) {
	pods := &fakePods{connected: false}
	imu := &fakeIMU{}
	drive := &fakeDrive{}
	cfg := config.Default()
	tr := New(drive, pods, imu, clock.NewMock(), cfg, golog.NewTestLogger(t))

	// IMU says 0.1 rad, encoders say nothing: the fused delta is
	// alpha-weighted toward the IMU.
	imu.rotation = 0.1
	require.NoError(t, tr.Update())
	assert.InDelta(t, cfg.Odometry.IMUFusionAlpha*0.1, tr.Pose().Theta, 1e-9)
}

func TestSetPoseResetsBaselines(t *testing.T) {
	tr, pods, imu := newPodTracker(t)

	pods.forward = 0.5
	imu.rotation = 0.2
	require.NoError(t, tr.Update())

	require.NoError(t, tr.SetPose(pose.Pose{X: 2, Y: 3, Theta: 0}))
	// SetPose zeroed the fake sensors and the baselines: an immediate
	// update must not move the pose.
	require.NoError(t, tr.Update())
	p := tr.Pose()
	assert.InDelta(t, 2.0, p.X, 1e-9)
	assert.InDelta(t, 3.0, p.Y, 1e-9)
	assert.InDelta(t, 0.0, p.Theta, 1e-9)
}

func TestSetPoseNoResetKeepsBaselines(t *testing.T) {
	tr, pods, _ := newPodTracker(t)

	pods.forward = 0.5
	require.NoError(t, tr.Update())

	// A vision-style nudge must not swallow the displacement that
	// accumulates while the correction is applied.
	tr.SetPoseNoReset(pose.Pose{X: 0.6, Y: 0, Theta: 0})
	pods.forward = 0.7
	require.NoError(t, tr.Update())
	assert.InDelta(t, 0.8, tr.Pose().X, 1e-9)
}
