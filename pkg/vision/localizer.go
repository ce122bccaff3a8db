// Package vision turns fiducial marker detections into absolute position
// fixes and blends them into odometry.
//
// Per frame, each detected marker with a known field position yields a
// candidate robot position: range from the pinhole relation, bearing from
// the pixel offset, then a back-projection from the marker's surveyed
// coordinates. The highest-confidence candidate wins the frame.
//
// Corrections are deliberately partial: a confidence-weighted complementary
// filter nudges x and y toward the vision fix, heading is never touched
// (the encoder/IMU fusion is more trustworthy than a single-frame vision
// heading), and any correction implying an implausible jump is rejected
// outright so one false detection cannot teleport the belief state.
package vision

import (
	"context"
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/hw"
	"github.com/oakdale-robotics/fieldnav/pkg/odometry"
	"github.com/oakdale-robotics/fieldnav/pkg/pose"
)

// Estimate is a single-frame absolute position fix.
type Estimate struct {
	X, Y       float64
	Heading    float64
	Confidence float64 // in [0, 1]
	Valid      bool
}

type Localizer struct {
	cam     hw.VisionSensor
	tracker *odometry.Tracker
	cfg     config.Vision
	tags    map[int]config.FieldTag
	clk     hw.Clock
	log     golog.Logger
}

func New(cam hw.VisionSensor, tracker *odometry.Tracker, cfg config.Vision, tags []config.FieldTag, clk hw.Clock, log golog.Logger) *Localizer {
	byID := make(map[int]config.FieldTag, len(tags))
	for _, tag := range tags {
		byID[tag.ID] = tag
	}
	return &Localizer{
		cam:     cam,
		tracker: tracker,
		cfg:     cfg,
		tags:    byID,
		clk:     clk,
		log:     log,
	}
}

// Update triggers a snapshot and returns the best estimate the frame
// yields. A frame with no usable detections returns an invalid estimate,
// which is not an error.
func (l *Localizer) Update() (Estimate, error) {
	var best Estimate

	count, err := l.cam.Snapshot()
	if err != nil {
		return best, errors.Wrap(err, "vision snapshot")
	}
	if count == 0 {
		return best, nil
	}

	// Current heading is needed to rotate camera-frame bearings into the
	// field frame.
	current := l.tracker.Pose()

	for i := 0; i < count; i++ {
		det, err := l.cam.Detection(i)
		if err != nil {
			l.log.Warnw("reading detection", "index", i, "error", err)
			continue
		}
		if !det.Valid {
			continue
		}

		tag, known := l.tags[det.ID]
		if !known {
			// Markers outside the field map are expected (other
			// signage, neighbouring fields); skip quietly.
			l.log.Debugf("vision: unknown tag ID %d, skipped", det.ID)
			continue
		}

		pixelSize := math.Max(det.Width, det.Height)
		if pixelSize < l.cfg.MinTagPixels {
			continue // too small/far to trust
		}

		// Pinhole relation: real size * focal length / pixel size.
		distance := l.cfg.TagSizeM * l.cfg.FocalLengthPx / pixelSize
		if distance > l.cfg.MaxRangeM {
			continue
		}

		// Bearing in the camera frame: zero at image centre, positive
		// to the right of it.
		pixelOffset := det.CenterX - l.cfg.ImageWidthPx/2
		bearingCamera := math.Atan2(pixelOffset, l.cfg.FocalLengthPx)
		bearingField := current.Theta + l.cfg.CameraMountAngleRad + bearingCamera

		// Back-project the robot position from the marker's surveyed
		// location, then remove the camera's offset from the rotation
		// centre.
		sinT, cosT := math.Sincos(current.Theta)
		x := tag.X - distance*math.Cos(bearingField) -
			l.cfg.CameraOffsetXM*cosT + l.cfg.CameraOffsetYM*sinT
		y := tag.Y - distance*math.Sin(bearingField) -
			l.cfg.CameraOffsetXM*sinT - l.cfg.CameraOffsetYM*cosT

		conf := l.confidence(distance, pixelSize)
		if conf > best.Confidence {
			best = Estimate{
				X:          x,
				Y:          y,
				Heading:    current.Theta, // heading stays odometry's
				Confidence: conf,
				Valid:      true,
			}
		}
	}

	if best.Valid {
		l.log.Debugf("vision estimate (%.3f, %.3f) conf=%.2f", best.X, best.Y, best.Confidence)
	}
	return best, nil
}

// confidence scores a detection in [0, 1]: the product of a linear distance
// falloff and a pixel-size factor, so only close, well-resolved markers
// score highly.
func (l *Localizer) confidence(distance, pixelSize float64) float64 {
	distConf := 1 - distance/l.cfg.MaxRangeM
	if distConf < 0 {
		distConf = 0
	}
	sizeConf := pixelSize / 100
	if sizeConf > 1 {
		sizeConf = 1
	}
	return distConf * sizeConf
}

// Correct blends a valid estimate into odometry and reports whether the
// correction was applied. Heading is never corrected.
func (l *Localizer) Correct(est Estimate) bool {
	if !est.Valid || est.Confidence < l.cfg.MinConfidence {
		return false
	}

	current := l.tracker.Pose()

	// Complementary filter: stronger detections pull harder, but a single
	// frame can never dominate.
	alpha := l.cfg.BaseAlpha * est.Confidence
	if alpha > l.cfg.MaxAlpha {
		alpha = l.cfg.MaxAlpha
	}

	corrected := pose.Pose{
		X:     (1-alpha)*current.X + alpha*est.X,
		Y:     (1-alpha)*current.Y + alpha*est.Y,
		Theta: current.Theta,
	}

	dx := corrected.X - current.X
	dy := corrected.Y - current.Y
	jump := math.Hypot(dx, dy)
	if jump >= l.cfg.MaxCorrectionM {
		l.log.Warnw("vision correction rejected",
			"jump_m", jump, "max_m", l.cfg.MaxCorrectionM, "confidence", est.Confidence)
		return false
	}

	l.tracker.SetPoseNoReset(corrected)
	l.log.Debugf("vision correction applied dx=%.3f dy=%.3f alpha=%.2f", dx, dy, alpha)
	return true
}

// Run snapshots and corrects at a fixed period until ctx is cancelled.
// Vision runs slower than odometry; frame processing is comparatively
// expensive.
func (l *Localizer) Run(ctx context.Context) error {
	interval := time.Duration(l.cfg.UpdateIntervalMS) * time.Millisecond
	for ctx.Err() == nil {
		est, err := l.Update()
		if err != nil {
			l.log.Warnw("vision update failed", "error", err)
		} else {
			l.Correct(est)
		}
		l.clk.Sleep(interval)
	}
	return nil
}
