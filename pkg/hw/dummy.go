package hw

import (
	"context"

	"github.com/edaniels/golog"
)

// Dummy is a no-op implementation of the sensor and actuator interfaces,
// useful for bench-testing wiring without a robot attached.
type Dummy struct {
	log golog.Logger
}

func NewDummy(log golog.Logger) *Dummy {
	return &Dummy{log: log}
}

func (d *Dummy) SetVoltages(left, right float64) error {
	d.log.Debugf("DHW: SetVoltages left=%.2f right=%.2f", left, right)
	return nil
}

func (d *Dummy) Stop() error {
	d.log.Debug("DHW: Stop")
	return nil
}

func (d *Dummy) EncoderDistances() (float64, float64, error) {
	return 0, 0, nil
}

func (d *Dummy) ResetEncoders() error {
	d.log.Debug("DHW: ResetEncoders")
	return nil
}

func (d *Dummy) Distances() (float64, float64, error) {
	return 0, 0, nil
}

func (d *Dummy) Reset() error {
	d.log.Debug("DHW: Reset")
	return nil
}

func (d *Dummy) Connected() bool {
	return false
}

func (d *Dummy) Rotation() (float64, error) {
	return 0, nil
}

func (d *Dummy) Calibrate(ctx context.Context) error {
	d.log.Debug("DHW: Calibrate")
	return ctx.Err()
}

func (d *Dummy) Snapshot() (int, error) {
	return 0, nil
}

func (d *Dummy) Detection(i int) (TagDetection, error) {
	return TagDetection{}, nil
}

var (
	_ Drivetrain     = (*Dummy)(nil)
	_ TrackingWheels = (*Dummy)(nil)
	_ IMU            = (*Dummy)(nil)
	_ VisionSensor   = (*Dummy)(nil)
)
