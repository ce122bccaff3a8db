package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 0.381, cfg.Geometry.WheelTrackM)
	assert.Equal(t, 2.0, cfg.TurnPID.KP)
	assert.Equal(t, 0.98, cfg.Odometry.IMUFusionAlpha)
	assert.Len(t, cfg.FieldTags, 8)
	// Wall tags face into the field.
	assert.Equal(t, math.Pi, cfg.FieldTags[1].FacingRad)
	assert.Equal(t, math.Pi/2, cfg.FieldTags[4].FacingRad)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "robot.yaml")
	data := `
geometry:
  wheel_track_m: 0.40
turn_pid:
  kp: 3.5
field_tags:
  - id: 42
    x: 1.0
    y: 2.0
    height_m: 0.2
    facing_rad: 0.0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.40, cfg.Geometry.WheelTrackM)
	assert.Equal(t, 3.5, cfg.TurnPID.KP)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.1016, cfg.Geometry.WheelDiameterM)
	assert.Equal(t, 0.1, cfg.TurnPID.KD)
	// The tag table is replaced wholesale when present.
	require.Len(t, cfg.FieldTags, 1)
	assert.Equal(t, 42, cfg.FieldTags[0].ID)
}

func TestLoadMissingFileReturnsDefaultsAndError(t *testing.T) {
	cfg, err := Load("/nonexistent/robot.yaml")
	require.Error(t, err)
	// Callers may log the error and run on defaults.
	assert.Equal(t, Default(), cfg)
}
