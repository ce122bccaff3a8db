// Package sim is a deterministic differential-drive robot for tests and
// bench runs. It implements the hw sensor/actuator interfaces and the
// Clock: sleeping advances simulated time and integrates ideal, lag-free
// kinematics from the last commanded voltages, so control loops run at
// full speed with no real-time dependency.
//
// The model maps one commanded volt to one metre per second of wheel
// speed.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/hw"
	"github.com/oakdale-robotics/fieldnav/pkg/pose"
)

// integrationStep subdivides sleeps so kinematics stay accurate even for
// long waits.
const integrationStep = time.Millisecond

type Robot struct {
	mu sync.Mutex

	now time.Time

	track        float64
	fwdPodOffset float64
	latPodOffset float64

	leftV, rightV float64

	// Ground truth.
	x, y, theta float64

	// Sensor accumulators.
	leftDist, rightDist    float64
	podForward, podLateral float64
	rotation               float64

	podsConnected bool
	dets          []hw.TagDetection

	// onAdvance runs after every Sleep completes, outside the lock.
	// Tests hook odometry updates here so the tracker keeps pace with
	// the control loop that is sleeping.
	onAdvance func()
}

func New(cfg config.Config) *Robot {
	return &Robot{
		now:           time.Unix(0, 0),
		track:         cfg.Geometry.WheelTrackM,
		fwdPodOffset:  cfg.Geometry.ForwardPodOffsetM,
		latPodOffset:  cfg.Geometry.LateralPodOffsetM,
		podsConnected: true,
	}
}

// SetOnAdvance registers a hook run after every Sleep.
func (r *Robot) SetOnAdvance(f func()) {
	r.onAdvance = f
}

// SetPodsConnected controls whether the tracking pods report as present.
func (r *Robot) SetPodsConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.podsConnected = connected
}

// SetDetections scripts the detections returned by the next snapshots.
func (r *Robot) SetDetections(dets []hw.TagDetection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dets = dets
}

// Place teleports the ground-truth robot.
func (r *Robot) Place(p pose.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.x, r.y, r.theta = p.X, p.Y, p.Theta
}

// GroundTruth returns the true simulated pose.
func (r *Robot) GroundTruth() pose.Pose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return pose.Pose{X: r.x, Y: r.y, Theta: r.theta}
}

// --- hw.Clock ---

func (r *Robot) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

func (r *Robot) Sleep(d time.Duration) {
	for remaining := d; remaining > 0; remaining -= integrationStep {
		step := integrationStep
		if remaining < step {
			step = remaining
		}
		r.advance(step)
	}
	if r.onAdvance != nil {
		r.onAdvance()
	}
}

func (r *Robot) advance(step time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dt := step.Seconds()
	v := (r.leftV + r.rightV) / 2
	w := (r.rightV - r.leftV) / r.track

	mid := r.theta + w*dt/2
	r.x += v * dt * math.Cos(mid)
	r.y += v * dt * math.Sin(mid)
	r.theta += w * dt

	r.leftDist += r.leftV * dt
	r.rightDist += r.rightV * dt

	// Pods read true motion plus the arc their mounting offsets trace.
	r.podForward += v*dt + r.fwdPodOffset*w*dt
	r.podLateral += r.latPodOffset * w * dt
	r.rotation += w * dt

	r.now = r.now.Add(step)
}

// --- hw.Drivetrain ---

func (r *Robot) SetVoltages(left, right float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leftV = clamp(left, hw.MaxDriveVoltage)
	r.rightV = clamp(right, hw.MaxDriveVoltage)
	return nil
}

func (r *Robot) Stop() error {
	return r.SetVoltages(0, 0)
}

func (r *Robot) EncoderDistances() (float64, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leftDist, r.rightDist, nil
}

func (r *Robot) ResetEncoders() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leftDist, r.rightDist = 0, 0
	return nil
}

// --- hw.TrackingWheels and hw.IMU ---

func (r *Robot) Distances() (float64, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.podForward, r.podLateral, nil
}

// Reset zeroes the tracking pods and the IMU rotation; the simulated robot
// serves as both sensors and both are re-based together.
func (r *Robot) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.podForward, r.podLateral = 0, 0
	r.rotation = 0
	return nil
}

func (r *Robot) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.podsConnected
}

func (r *Robot) Rotation() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotation, nil
}

func (r *Robot) Calibrate(ctx context.Context) error {
	return ctx.Err()
}

// --- hw.VisionSensor ---

func (r *Robot) Snapshot() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dets), nil
}

func (r *Robot) Detection(i int) (hw.TagDetection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.dets) {
		return hw.TagDetection{}, nil
	}
	return r.dets[i], nil
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

var (
	_ hw.Clock          = (*Robot)(nil)
	_ hw.Drivetrain     = (*Robot)(nil)
	_ hw.TrackingWheels = (*Robot)(nil)
	_ hw.IMU            = (*Robot)(nil)
	_ hw.VisionSensor   = (*Robot)(nil)
)
