package vision

import (
	"math"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/hw"
	"github.com/oakdale-robotics/fieldnav/pkg/odometry"
	"github.com/oakdale-robotics/fieldnav/pkg/pose"
)

type stubCamera struct {
	dets []hw.TagDetection
}

func (c *stubCamera) Snapshot() (int, error) { return len(c.dets), nil }

func (c *stubCamera) Detection(i int) (hw.TagDetection, error) { return c.dets[i], nil }

// detectionAt builds the detection an ideal pinhole camera would produce for
// a tag at the given range and camera-frame bearing.
func detectionAt(cfg config.Vision, id int, distance, bearing float64) hw.TagDetection {
	pixelSize := cfg.TagSizeM * cfg.FocalLengthPx / distance
	centerX := cfg.ImageWidthPx/2 + cfg.FocalLengthPx*math.Tan(bearing)
	return hw.TagDetection{
		ID:      id,
		CenterX: centerX,
		CenterY: 120,
		Width:   pixelSize,
		Height:  pixelSize,
		Valid:   true,
	}
}

func newLocalizer(t *testing.T, cam hw.VisionSensor, tags []config.FieldTag) (*Localizer, *odometry.Tracker) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	cfg := config.Default()
	dummy := hw.NewDummy(logger)
	tracker := odometry.New(dummy, dummy, dummy, clock.NewMock(), cfg, logger)
	return New(cam, tracker, cfg.Vision, tags, clock.NewMock(), logger), tracker
}

func TestEstimateFromSingleTag(t *testing.T) {
	cfg := config.Default()
	// Robot at (1, 1) facing +X; tag dead ahead at (2, 1), 1m away.
	cam := &stubCamera{dets: []hw.TagDetection{
		detectionAt(cfg.Vision, 7, 1.0, 0),
	}}
	tags := []config.FieldTag{{ID: 7, X: 2.0, Y: 1.0, HeightM: 0.15, FacingRad: math.Pi}}
	loc, tracker := newLocalizer(t, cam, tags)
	tracker.SetPoseNoReset(pose.Pose{X: 1, Y: 1, Theta: 0})

	est, err := loc.Update()
	require.NoError(t, err)
	require.True(t, est.Valid)
	assert.InDelta(t, 1.0, est.X, 0.01)
	assert.InDelta(t, 1.0, est.Y, 0.01)
	assert.InDelta(t, 0.0, est.Heading, 1e-9)
	assert.Greater(t, est.Confidence, cfg.Vision.MinConfidence)
}

func TestEstimateOffCenterBearing(t *testing.T) {
	cfg := config.Default()
	// Tag 30 degrees to the robot's right at 1m, so it sits offset by
	// (cos -30, sin -30) from the robot.
	bearing := -30.0 * math.Pi / 180
	cam := &stubCamera{dets: []hw.TagDetection{
		detectionAt(cfg.Vision, 7, 1.0, bearing),
	}}
	tagX := 1.0 + math.Cos(bearing)
	tagY := 1.0 + math.Sin(bearing)
	tags := []config.FieldTag{{ID: 7, X: tagX, Y: tagY}}
	loc, tracker := newLocalizer(t, cam, tags)
	tracker.SetPoseNoReset(pose.Pose{X: 1, Y: 1, Theta: 0})

	est, err := loc.Update()
	require.NoError(t, err)
	require.True(t, est.Valid)
	assert.InDelta(t, 1.0, est.X, 0.02)
	assert.InDelta(t, 1.0, est.Y, 0.02)
}

func TestBestOfFrameWins(t *testing.T) {
	cfg := config.Default()
	cam := &stubCamera{dets: []hw.TagDetection{
		detectionAt(cfg.Vision, 8, 2.5, 0), // far, low confidence
		detectionAt(cfg.Vision, 7, 0.8, 0), // near, high confidence
	}}
	tags := []config.FieldTag{
		{ID: 7, X: 1.8, Y: 1.0},
		{ID: 8, X: 3.5, Y: 1.0},
	}
	loc, tracker := newLocalizer(t, cam, tags)
	tracker.SetPoseNoReset(pose.Pose{X: 1, Y: 1, Theta: 0})

	est, err := loc.Update()
	require.NoError(t, err)
	require.True(t, est.Valid)
	// The near tag back-projects to x = 1.8 - 0.8.
	assert.InDelta(t, 1.0, est.X, 0.02)
}

func TestUnknownTagSkipped(t *testing.T) {
	cfg := config.Default()
	cam := &stubCamera{dets: []hw.TagDetection{
		detectionAt(cfg.Vision, 99, 1.0, 0),
	}}
	loc, tracker := newLocalizer(t, cam, cfg.FieldTags)
	tracker.SetPoseNoReset(pose.Pose{X: 1, Y: 1, Theta: 0})

	est, err := loc.Update()
	require.NoError(t, err)
	assert.False(t, est.Valid)
}

func TestGatesRejectMarginalDetections(t *testing.T) {
	cfg := config.Default()
	tags := []config.FieldTag{{ID: 7, X: 2, Y: 1}}

	tiny := detectionAt(cfg.Vision, 7, 1.0, 0)
	tiny.Width = cfg.Vision.MinTagPixels - 1
	tiny.Height = tiny.Width

	farAway := detectionAt(cfg.Vision, 7, cfg.Vision.MaxRangeM+1, 0)

	for _, det := range []hw.TagDetection{tiny, farAway} {
		cam := &stubCamera{dets: []hw.TagDetection{det}}
		loc, tracker := newLocalizer(t, cam, tags)
		tracker.SetPoseNoReset(pose.Pose{X: 1, Y: 1, Theta: 0})
		est, err := loc.Update()
		require.NoError(t, err)
		assert.False(t, est.Valid)
	}
}

func TestCorrectBelowConfidenceIsNoop(t *testing.T) {
	cfg := config.Default()
	loc, tracker := newLocalizer(t, &stubCamera{}, cfg.FieldTags)
	tracker.SetPoseNoReset(pose.Pose{X: 1, Y: 1, Theta: 0.5})

	applied := loc.Correct(Estimate{
		X: 1.2, Y: 1.2, Heading: 0.5,
		Confidence: cfg.Vision.MinConfidence / 2,
		Valid:      true,
	})
	assert.False(t, applied)
	assert.Equal(t, pose.Pose{X: 1, Y: 1, Theta: 0.5}, tracker.Pose())
}

func TestCorrectRejectsOutlierJump(t *testing.T) {
	cfg := config.Default()
	loc, tracker := newLocalizer(t, &stubCamera{}, cfg.FieldTags)
	tracker.SetPoseNoReset(pose.Pose{X: 1, Y: 1, Theta: 0})

	// A confident estimate 3m away implies a blended jump of ~0.9m,
	// well past the outlier bound: reject, pose untouched.
	applied := loc.Correct(Estimate{X: 4, Y: 1, Confidence: 1.0, Valid: true})
	assert.False(t, applied)
	assert.Equal(t, pose.Pose{X: 1, Y: 1, Theta: 0}, tracker.Pose())
}

func TestCorrectBlendsPartially(t *testing.T) {
	cfg := config.Default()
	loc, tracker := newLocalizer(t, &stubCamera{}, cfg.FieldTags)
	tracker.SetPoseNoReset(pose.Pose{X: 1, Y: 1, Theta: 0.3})

	applied := loc.Correct(Estimate{X: 1.2, Y: 1.0, Heading: 0.3, Confidence: 0.5, Valid: true})
	require.True(t, applied)

	alpha := cfg.Vision.BaseAlpha * 0.5
	p := tracker.Pose()
	assert.InDelta(t, 1+alpha*0.2, p.X, 1e-9)
	assert.InDelta(t, 1.0, p.Y, 1e-9)
	// Heading is never vision-corrected.
	assert.InDelta(t, 0.3, p.Theta, 1e-9)
}
