// Package picodrive drives the Pico motor board over I2C. The board runs
// the low-level motor commutation and exposes a 16-bit register file:
// drive voltages in, encoder and tracking-pod tick counters out.
package picodrive

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/hw"
)

const (
	BoardAddr = 0x42

	// Drive voltages are written in millivolts.
	voltageLSB = 0.001
)

type Register byte

const (
	RegCtrl Register = iota
	RegStatus
	RegWatchdogTimeout
	RegFaultCount

	RegMotLeftV
	RegMotRightV

	// Tick counters, free-running int16 that wrap. Poll often enough
	// that no counter moves more than half its range between reads.
	RegEncLeft
	RegEncRight
	RegPodForward
	RegPodLateral

	RegBattV // LSB=4mV
)

const BattVLSB = 0.004

const (
	RegCtrlEnableI2CControl uint16 = 1 << iota
	RegCtrlRun
	RegCtrlReset
	RegCtrlWatchdogEnable
)

type StatusFlag uint16

const (
	RegStatusFault StatusFlag = 1 << iota
	RegStatusWatchdogExpired
	RegStatusPodsPresent
)

// regDevice is the register-level transport to the board. *i2c.Device is
// adapted onto it by Open; tests substitute an in-memory register file.
type regDevice interface {
	WriteReg(reg byte, value uint16) error
	ReadReg(reg byte) (uint16, error)
	Close() error
}

// Board talks to the Pico motor board. It implements both hw.Drivetrain
// and, when pods are plugged into the spare counter inputs, hw.TrackingWheels.
type Board struct {
	dev  regDevice
	geom config.Geometry
	clk  hw.Clock

	lastConfigWord  uint16
	lastConfigTime  time.Time
	watchdogEnabled bool

	podsPresent bool

	enc  counterPair
	pods counterPair
}

var (
	_ hw.Drivetrain     = (*Board)(nil)
	_ hw.TrackingWheels = (*Board)(nil)
)

// counterPair accumulates two wrapping int16 tick counters into int64
// totals so callers never see a wrap.
type counterPair struct {
	primed  bool
	lastA   int16
	lastB   int16
	accumA  int64
	accumB  int64
	regA    Register
	regB    Register
}

var i2cBus = &i2c.Devfs{Dev: "/dev/i2c-1"}

// Open connects to the board on the default bus.
func Open(geom config.Geometry, clk hw.Clock) (*Board, error) {
	dev, err := i2c.Open(i2cBus, BoardAddr)
	if err != nil {
		return nil, errors.Wrap(err, "opening motor board")
	}
	return newBoard(&devfsDevice{dev: dev}, geom, clk)
}

func newBoard(dev regDevice, geom config.Geometry, clk hw.Clock) (*Board, error) {
	b := &Board{
		dev:  dev,
		geom: geom,
		clk:  clk,
		enc:  counterPair{regA: RegEncLeft, regB: RegEncRight},
		pods: counterPair{regA: RegPodForward, regB: RegPodLateral},
	}
	status, err := b.readReg(RegStatus)
	if err != nil {
		return nil, errors.Wrap(err, "reading motor board status")
	}
	b.podsPresent = StatusFlag(status)&RegStatusPodsPresent != 0
	return b, nil
}

// SetWatchdog arms the board's watchdog: if no register write arrives
// within timeout the board cuts the motors. Zero disables it.
func (b *Board) SetWatchdog(timeout time.Duration) error {
	if timeout == 0 {
		b.watchdogEnabled = false
		return b.maybeConfigure(false, false)
	}
	ms := timeout.Milliseconds()
	if ms > math.MaxUint16 {
		ms = math.MaxUint16
	}
	if err := b.writeReg(RegWatchdogTimeout, uint16(ms)); err != nil {
		return err
	}
	b.watchdogEnabled = true
	return b.maybeConfigure(false, false)
}

func (b *Board) SetVoltages(left, right float64) error {
	if err := b.maybeConfigure(false, true); err != nil {
		return err
	}
	if err := b.writeReg(RegMotLeftV, uint16(voltsToReg(left))); err != nil {
		return err
	}
	return b.writeReg(RegMotRightV, uint16(voltsToReg(right)))
}

func (b *Board) Stop() error {
	if err := b.writeReg(RegMotLeftV, 0); err != nil {
		return err
	}
	return b.writeReg(RegMotRightV, 0)
}

func (b *Board) EncoderDistances() (left, right float64, err error) {
	if err := b.poll(&b.enc); err != nil {
		return 0, 0, err
	}
	scale := ticksToMetres(b.geom.WheelDiameterM, b.geom.TicksPerRev)
	return float64(b.enc.accumA) * scale, float64(b.enc.accumB) * scale, nil
}

func (b *Board) ResetEncoders() error {
	if err := b.poll(&b.enc); err != nil {
		return err
	}
	b.enc.accumA = 0
	b.enc.accumB = 0
	return nil
}

func (b *Board) Distances() (forward, lateral float64, err error) {
	if err := b.poll(&b.pods); err != nil {
		return 0, 0, err
	}
	scale := ticksToMetres(b.geom.TrackingWheelDiameterM, b.geom.TicksPerRev)
	return float64(b.pods.accumA) * scale, float64(b.pods.accumB) * scale, nil
}

func (b *Board) Reset() error {
	if err := b.poll(&b.pods); err != nil {
		return err
	}
	b.pods.accumA = 0
	b.pods.accumB = 0
	return nil
}

func (b *Board) Connected() bool {
	return b.podsPresent
}

func (b *Board) BattVolts() (float64, error) {
	raw, err := b.readReg(RegBattV)
	if err != nil {
		return 0, err
	}
	return float64(raw) * BattVLSB, nil
}

func (b *Board) Status() (StatusFlag, error) {
	raw, err := b.readReg(RegStatus)
	if err != nil {
		return 0, err
	}
	return StatusFlag(raw), nil
}

func (b *Board) Close() error {
	_ = b.Stop()
	return b.dev.Close()
}

// poll reads the pair's counters and folds the wrapped deltas into the
// 64-bit accumulators. The first poll only establishes the baseline.
func (b *Board) poll(c *counterPair) error {
	rawA, err := b.readReg(c.regA)
	if err != nil {
		return err
	}
	rawB, err := b.readReg(c.regB)
	if err != nil {
		return err
	}
	newA, newB := int16(rawA), int16(rawB)
	if c.primed {
		c.accumA += int64(newA - c.lastA)
		c.accumB += int64(newB - c.lastB)
	}
	c.lastA, c.lastB = newA, newB
	c.primed = true
	return nil
}

func (b *Board) maybeConfigure(resetCounters, enableMotors bool) error {
	var configWord uint16 = RegCtrlEnableI2CControl
	if resetCounters {
		configWord |= RegCtrlReset
	}
	if enableMotors {
		configWord |= RegCtrlRun
	}
	if b.watchdogEnabled {
		configWord |= RegCtrlWatchdogEnable
	}

	// Skip the write if we've programmed this word recently.
	if configWord == b.lastConfigWord && b.clk.Now().Sub(b.lastConfigTime) < 100*time.Millisecond {
		return nil
	}

	if err := b.writeReg(RegCtrl, configWord); err != nil {
		return err
	}

	b.lastConfigTime = b.clk.Now()
	b.lastConfigWord = configWord &^ RegCtrlReset // Reset flag is not persistent.
	return nil
}

func (b *Board) writeReg(reg Register, value uint16) error {
	return b.dev.WriteReg(byte(reg), value)
}

func (b *Board) readReg(reg Register) (uint16, error) {
	return b.dev.ReadReg(byte(reg))
}

func voltsToReg(v float64) int16 {
	if v > hw.MaxDriveVoltage {
		v = hw.MaxDriveVoltage
	} else if v < -hw.MaxDriveVoltage {
		v = -hw.MaxDriveVoltage
	}
	return int16(math.Round(v / voltageLSB))
}

func ticksToMetres(wheelDiameterM, ticksPerRev float64) float64 {
	return wheelDiameterM * math.Pi / ticksPerRev
}

// devfsDevice adapts *i2c.Device to regDevice. Writes are retried a few
// times with the device reopened in between; the bus occasionally NAKs
// while the board is servicing a commutation interrupt.
type devfsDevice struct {
	dev *i2c.Device
}

func (d *devfsDevice) WriteReg(reg byte, value uint16) error {
	var err error
	for tries := 0; tries < 20; tries++ {
		err = d.dev.Write([]byte{reg, byte(value >> 8), byte(value)})
		if err == nil {
			return nil
		}
		time.Sleep(time.Millisecond)
		_ = d.dev.Close()
		dev, openErr := i2c.Open(i2cBus, BoardAddr)
		if openErr != nil {
			continue
		}
		d.dev = dev
	}
	return errors.Wrap(err, "writing motor board register")
}

func (d *devfsDevice) ReadReg(reg byte) (uint16, error) {
	var buf [2]byte
	if err := d.dev.ReadReg(reg, buf[:]); err != nil {
		return 0, errors.Wrap(err, "reading motor board register")
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func (d *devfsDevice) Close() error {
	return d.dev.Close()
}
