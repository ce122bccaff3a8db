// Package camera detects AprilTag fiducials in webcam frames using the
// OpenCV ArUco detector and presents them as hw.VisionSensor detections.
package camera

import (
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/hw"
)

// Camera grabs frames from a V4L2 webcam and runs the AprilTag 36h11
// detector over them. Snapshot and Detection follow the usual sensor
// idiom: take one frame, then index into its detections.
type Camera struct {
	log golog.Logger

	webcam   *gocv.VideoCapture
	detector gocv.ArucoDetector
	frame    gocv.Mat
	gray     gocv.Mat

	mu         sync.Mutex
	detections []hw.TagDetection
}

var _ hw.VisionSensor = (*Camera)(nil)

// Open opens the webcam at the given device ID and configures the frame
// size from the vision intrinsics, so the focal length stays valid.
func Open(deviceID int, cfg config.Vision, log golog.Logger) (*Camera, error) {
	webcam, err := gocv.VideoCaptureDevice(deviceID)
	if err != nil {
		return nil, errors.Wrapf(err, "opening camera %d", deviceID)
	}
	webcam.Set(gocv.VideoCaptureFrameWidth, cfg.ImageWidthPx)

	params := gocv.NewArucoDetectorParameters()
	dict := gocv.GetPredefinedDictionary(gocv.ArucoDictAprilTag_36h11)
	detector := gocv.NewArucoDetectorWithParams(dict, params)

	return &Camera{
		log:      log,
		webcam:   webcam,
		detector: detector,
		frame:    gocv.NewMat(),
		gray:     gocv.NewMat(),
	}, nil
}

// Snapshot grabs one frame, detects markers in it and returns how many
// were found. The detections stay valid until the next Snapshot.
func (c *Camera) Snapshot() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok := c.webcam.Read(&c.frame); !ok || c.frame.Empty() {
		return 0, errors.New("camera returned no frame")
	}
	gocv.CvtColor(c.frame, &c.gray, gocv.ColorBGRToGray)

	corners, ids, _ := c.detector.DetectMarkers(c.gray)
	c.detections = c.detections[:0]
	for i, id := range ids {
		c.detections = append(c.detections, detectionFromCorners(id, corners[i]))
	}
	return len(c.detections), nil
}

func (c *Camera) Detection(i int) (hw.TagDetection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.detections) {
		return hw.TagDetection{}, errors.Errorf("no detection %d in last frame", i)
	}
	return c.detections[i], nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.frame.Close()
	_ = c.gray.Close()
	_ = c.detector.Close()
	return c.webcam.Close()
}

// detectionFromCorners reduces the four marker corners (ordered TL, TR,
// BR, BL) to the centre/size/roll form the localizer consumes.
func detectionFromCorners(id int, corners []gocv.Point2f) hw.TagDetection {
	if len(corners) != 4 {
		return hw.TagDetection{}
	}
	tl, tr, br, bl := corners[0], corners[1], corners[2], corners[3]

	cx := float64(tl.X+tr.X+br.X+bl.X) / 4
	cy := float64(tl.Y+tr.Y+br.Y+bl.Y) / 4
	width := (edgeLength(tl, tr) + edgeLength(bl, br)) / 2
	height := (edgeLength(tl, bl) + edgeLength(tr, br)) / 2

	// Roll of the top edge relative to the image. Image Y grows downward,
	// so negate to keep CCW positive.
	angle := -math.Atan2(float64(tr.Y-tl.Y), float64(tr.X-tl.X))

	return hw.TagDetection{
		ID:      id,
		CenterX: cx,
		CenterY: cy,
		Width:   width,
		Height:  height,
		Angle:   angle,
		Valid:   true,
	}
}

func edgeLength(a, b gocv.Point2f) float64 {
	dx := float64(b.X - a.X)
	dy := float64(b.Y - a.Y)
	return math.Hypot(dx, dy)
}
