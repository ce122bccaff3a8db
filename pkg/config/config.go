// Package config is the single source of truth for all tunable parameters:
// robot geometry, controller gains, profile limits, vision intrinsics and
// the field marker map. Defaults are tuned for the reference robot; a YAML
// file overlays them at startup.
//
// Tuning order on the field: P first, then D, then I (only if there is
// persistent steady-state error).
package config

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Geometry holds the measured physical constants of the robot. Measure,
// don't guess: wheel diameter with calipers across the tread, track
// centre-to-centre between the left and right wheels.
type Geometry struct {
	WheelDiameterM float64 `yaml:"wheel_diameter_m"`
	WheelTrackM    float64 `yaml:"wheel_track_m"`
	TicksPerRev    float64 `yaml:"ticks_per_rev"`

	TrackingWheelDiameterM float64 `yaml:"tracking_wheel_diameter_m"`
	// Signed offsets of each tracking pod from the rotation centre, in
	// metres. A pod mounted off-centre traces an arc when the robot spins
	// in place; odometry subtracts offset*dtheta to remove it.
	ForwardPodOffsetM float64 `yaml:"forward_pod_offset_m"`
	LateralPodOffsetM float64 `yaml:"lateral_pod_offset_m"`
}

// PID holds gains and the optional safeguards for one PID instance.
type PID struct {
	KP float64 `yaml:"kp"`
	KI float64 `yaml:"ki"`
	KD float64 `yaml:"kd"`

	IntegralLimit    float64 `yaml:"integral_limit"`    // 0 = off
	DerivativeFilter float64 `yaml:"derivative_filter"` // EMA alpha, 0 = off
	OutputLimit      float64 `yaml:"output_limit"`      // 0 = off
}

// Odometry holds fusion and scheduling parameters for the pose tracker.
type Odometry struct {
	// IMUFusionAlpha weights IMU rotation deltas against encoder-derived
	// deltas in the encoder-only model. 1.0 = trust the IMU completely.
	IMUFusionAlpha   float64 `yaml:"imu_fusion_alpha"`
	UpdateIntervalMS int     `yaml:"update_interval_ms"`
}

// Motion holds the settle/timeout budgets and speed limits shared by the
// blocking motion controllers.
type Motion struct {
	TurnSettleRad    float64 `yaml:"turn_settle_rad"`
	TurnSettleTimeMS int     `yaml:"turn_settle_time_ms"`
	TurnTimeoutMS    int     `yaml:"turn_timeout_ms"`

	DriveSettleM      float64 `yaml:"drive_settle_m"`
	DriveSettleTimeMS int     `yaml:"drive_settle_time_ms"`
	DriveTimeoutMS    int     `yaml:"drive_timeout_ms"`

	// Proportional heading hold used while driving straight.
	HeadingHoldKP float64 `yaml:"heading_hold_kp"`

	MaxVelocity     float64 `yaml:"max_velocity"`     // m/s
	MaxAcceleration float64 `yaml:"max_acceleration"` // m/s^2

	// BoomerangLead places the carrot point lead*distance behind the
	// target along the target heading. Larger = wider arcs.
	BoomerangLead float64 `yaml:"boomerang_lead"`

	LoopIntervalMS int `yaml:"loop_interval_ms"`
}

// Vision holds camera intrinsics, mounting pose and correction gating.
type Vision struct {
	FocalLengthPx float64 `yaml:"focal_length_px"`
	ImageWidthPx  float64 `yaml:"image_width_px"`

	TagSizeM     float64 `yaml:"tag_size_m"`
	MinTagPixels float64 `yaml:"min_tag_pixels"`
	MaxRangeM    float64 `yaml:"max_range_m"`

	// Camera pose relative to the robot's rotation centre.
	CameraMountAngleRad float64 `yaml:"camera_mount_angle_rad"`
	CameraOffsetXM      float64 `yaml:"camera_offset_x_m"`
	CameraOffsetYM      float64 `yaml:"camera_offset_y_m"`

	MinConfidence  float64 `yaml:"min_confidence"`
	BaseAlpha      float64 `yaml:"base_alpha"`
	MaxAlpha       float64 `yaml:"max_alpha"`
	MaxCorrectionM float64 `yaml:"max_correction_m"`

	UpdateIntervalMS int `yaml:"update_interval_ms"`
}

// FieldTag is the known ground-truth placement of one fiducial marker.
// Facing is the direction of the tag's surface normal.
type FieldTag struct {
	ID        int     `yaml:"id"`
	X         float64 `yaml:"x"`
	Y         float64 `yaml:"y"`
	HeightM   float64 `yaml:"height_m"`
	FacingRad float64 `yaml:"facing_rad"`
}

type Config struct {
	Geometry Geometry `yaml:"geometry"`
	Odometry Odometry `yaml:"odometry"`
	TurnPID  PID      `yaml:"turn_pid"`
	// DrivePID is reserved for closed-loop distance control; the shipped
	// controllers shape linear speed with the trapezoidal profile instead.
	DrivePID PID      `yaml:"drive_pid"`
	Motion   Motion   `yaml:"motion"`
	Vision   Vision   `yaml:"vision"`

	FieldTags []FieldTag `yaml:"field_tags"`
}

// fieldSizeM is the square competition field edge length (12 ft).
const fieldSizeM = 3.6576

// Default returns the tuned defaults for the reference robot and the
// standard wall-mounted marker layout (origin at the bottom-left corner).
func Default() Config {
	return Config{
		Geometry: Geometry{
			WheelDiameterM:         0.1016, // 4in wheels
			WheelTrackM:            0.381,
			TicksPerRev:            360,
			TrackingWheelDiameterM: 0.06985, // 2.75in pods
			ForwardPodOffsetM:      0.05,
			LateralPodOffsetM:      0.07,
		},
		Odometry: Odometry{
			IMUFusionAlpha:   0.98,
			UpdateIntervalMS: 10,
		},
		TurnPID: PID{
			KP:               2.0,
			KI:               0.0,
			KD:               0.1,
			IntegralLimit:    0.5,
			DerivativeFilter: 0.6,
			OutputLimit:      12.0,
		},
		DrivePID: PID{
			KP: 5.0,
			KI: 0.0,
			KD: 0.3,
		},
		Motion: Motion{
			TurnSettleRad:     0.035, // ~2 degrees
			TurnSettleTimeMS:  200,
			TurnTimeoutMS:     2000,
			DriveSettleM:      0.02,
			DriveSettleTimeMS: 200,
			DriveTimeoutMS:    5000,
			HeadingHoldKP:     3.0,
			MaxVelocity:       0.8,
			MaxAcceleration:   1.5,
			BoomerangLead:     0.6,
			LoopIntervalMS:    10,
		},
		Vision: Vision{
			FocalLengthPx:    270,
			ImageWidthPx:     320,
			TagSizeM:         0.16,
			MinTagPixels:     8,
			MaxRangeM:        3.0,
			MinConfidence:    0.25,
			BaseAlpha:        0.3,
			MaxAlpha:         0.5,
			MaxCorrectionM:   0.5,
			UpdateIntervalMS: 50,
		},
		FieldTags: []FieldTag{
			{ID: 1, X: 0, Y: 1.22, HeightM: 0.15, FacingRad: 0},
			{ID: 2, X: fieldSizeM, Y: 1.22, HeightM: 0.15, FacingRad: math.Pi},
			{ID: 3, X: 0, Y: 2.44, HeightM: 0.15, FacingRad: 0},
			{ID: 4, X: fieldSizeM, Y: 2.44, HeightM: 0.15, FacingRad: math.Pi},
			{ID: 5, X: 0.91, Y: 0, HeightM: 0.15, FacingRad: math.Pi / 2},
			{ID: 6, X: 2.74, Y: 0, HeightM: 0.15, FacingRad: math.Pi / 2},
			{ID: 7, X: 0.91, Y: fieldSizeM, HeightM: 0.15, FacingRad: 3 * math.Pi / 2},
			{ID: 8, X: 2.74, Y: fieldSizeM, HeightM: 0.15, FacingRad: 3 * math.Pi / 2},
		},
	}
}

// Load starts from Default and overlays the YAML file at path. Fields the
// file omits keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}
