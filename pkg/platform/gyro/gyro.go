// Package gyro reads the yaw-rate gyro and integrates it into a cumulative
// robot rotation. The chip streams rate samples into its FIFO at a fixed
// 100Hz; a background loop drains the FIFO and integrates, so the rotation
// estimate does not depend on how promptly the consumer polls.
package gyro

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"

	"github.com/oakdale-robotics/fieldnav/pkg/hw"
)

const (
	chipAddr = 0x68

	regSampleRateDiv = 25
	regConfig        = 26
	regGyroConf      = 27
	regFIFOEnable    = 35
	regGyroZ         = 71 // 16 bits
	regUserCtl       = 106
	regFIFOCount     = 114 // 16 bits
	regFIFORW        = 116 // n-bytes

	gyroRange = 2 // 1000 dps full scale

	// Sample rate after the divider: 1kHz / (9+1).
	samplePeriod = 10 * time.Millisecond

	drainInterval = 50 * time.Millisecond
)

func degreesPerLSB() float64 {
	return 1000.0 / math.MaxInt16
}

// port is the register-level transport to the chip.
type port interface {
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) error
}

// Gyro implements hw.IMU on top of an MPU-family rate gyro.
type Gyro struct {
	dev        port
	disableI2C bool
	clk        hw.Clock
	log        golog.Logger

	mu       sync.Mutex
	rotation float64 // cumulative, radians, CCW positive
	biasLSB  float64
}

var _ hw.IMU = (*Gyro)(nil)

// NewSPI opens the gyro on an SPI port (e.g. "/dev/spidev0.1").
func NewSPI(deviceFile string, clk hw.Clock, log golog.Logger) (*Gyro, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initializing periph host")
	}
	p, err := spireg.Open(deviceFile)
	if err != nil {
		return nil, errors.Wrapf(err, "opening SPI port %s", deviceFile)
	}
	c, err := p.Connect(physic.KiloHertz*1000, spi.Mode3, 8)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to gyro")
	}
	g := &Gyro{dev: &spiAdapter{c: c}, disableI2C: true, clk: clk, log: log}
	if err := g.configure(); err != nil {
		return nil, err
	}
	return g, nil
}

// NewI2C opens the gyro on an I2C bus (e.g. "/dev/i2c-1").
func NewI2C(deviceFile string, clk hw.Clock, log golog.Logger) (*Gyro, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, chipAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "opening I2C bus %s", deviceFile)
	}
	g := &Gyro{dev: dev, clk: clk, log: log}
	if err := g.configure(); err != nil {
		return nil, err
	}
	return g, nil
}

func newFromPort(dev port, clk hw.Clock, log golog.Logger) (*Gyro, error) {
	g := &Gyro{dev: dev, clk: clk, log: log}
	if err := g.configure(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gyro) configure() error {
	if g.disableI2C {
		// The chip shares its I2C pins with SPI; force SPI-only mode.
		if err := g.dev.WriteReg(regUserCtl, []byte{0x10}); err != nil {
			return errors.Wrap(err, "configuring gyro")
		}
	}
	steps := []struct {
		reg byte
		val byte
	}{
		{regGyroConf, gyroRange << 3},
		{regConfig, 1}, // DLPF, Fs=1kHz
		{regSampleRateDiv, 9},
		{regFIFOEnable, 1 << 6}, // gyro Z to FIFO
	}
	for _, s := range steps {
		if err := g.dev.WriteReg(s.reg, []byte{s.val}); err != nil {
			return errors.Wrap(err, "configuring gyro")
		}
	}
	g.resetFIFO()
	return nil
}

// Calibrate measures the at-rest rate bias by averaging raw samples. The
// robot must be stationary. Returns early with ctx's error if cancelled.
func (g *Gyro) Calibrate(ctx context.Context) error {
	// Let the DLPF settle before sampling.
	for i := 0; i < 100; i++ {
		if _, err := g.read16(regGyroZ); err != nil {
			return err
		}
	}

	var sum float64
	const n = 500
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "gyro calibration interrupted")
		}
		raw, err := g.read16(regGyroZ)
		if err != nil {
			return err
		}
		sum += float64(raw)
	}

	g.mu.Lock()
	g.biasLSB = sum / n
	g.mu.Unlock()
	g.log.Infow("gyro calibrated", "biasLSB", sum/n)

	g.resetFIFO()
	return nil
}

// Rotation returns the cumulative rotation in radians since the last Reset.
func (g *Gyro) Rotation() (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rotation, nil
}

func (g *Gyro) Reset() error {
	g.mu.Lock()
	g.rotation = 0
	g.mu.Unlock()
	return nil
}

// Run drains the FIFO and integrates until ctx is cancelled.
func (g *Gyro) Run(ctx context.Context) error {
	g.resetFIFO()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := g.drain(); err != nil {
			g.log.Warnw("gyro read failed", "error", err)
		}
		g.clk.Sleep(drainInterval)
	}
}

// drain reads all buffered samples and folds them into the rotation.
func (g *Gyro) drain() error {
	samples, err := g.readFIFO()
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	dt := samplePeriod.Seconds()
	for _, s := range samples {
		dps := (float64(s) - g.biasLSB) * degreesPerLSB()
		g.rotation += dps * (math.Pi / 180.0) * dt
	}
	return nil
}

func (g *Gyro) readFIFO() ([]int16, error) {
	count, err := g.read16(regFIFOCount)
	if err != nil {
		return nil, err
	}
	count &= 0xfff
	if count < 2 {
		return nil, nil
	}

	var buf [512]byte
	if err := g.dev.ReadReg(regFIFORW, buf[:count]); err != nil {
		return nil, err
	}
	samples := make([]int16, count/2)
	for i := range samples {
		samples[i] = int16(buf[i*2])<<8 | int16(buf[i*2+1])
	}
	return samples, nil
}

func (g *Gyro) resetFIFO() {
	_ = g.dev.WriteReg(regUserCtl, []byte{1<<6 | 1<<2})
}

func (g *Gyro) read16(reg byte) (int16, error) {
	var buf [2]byte
	if err := g.dev.ReadReg(reg, buf[:]); err != nil {
		return 0, err
	}
	return int16(buf[0])<<8 | int16(buf[1]), nil
}

// spiAdapter presents the SPI connection as a register port. The first
// byte of every transaction is the address byte with the R/W flag.
type spiAdapter struct {
	c spi.Conn

	r, w []byte
}

const readFlag = 0x80

func (s *spiAdapter) ReadReg(reg byte, buf []byte) error {
	bufLen := 1 + len(buf)
	s.ensureBuf(bufLen)
	s.w[0] = readFlag | reg
	if err := s.c.Tx(s.w[:bufLen], s.r[:bufLen]); err != nil {
		return err
	}
	// The response lags the address byte by one; skip the first byte.
	copy(buf, s.r[1:])
	return nil
}

func (s *spiAdapter) WriteReg(reg byte, buf []byte) error {
	bufLen := 1 + len(buf)
	s.ensureBuf(bufLen)
	s.w[0] = reg
	copy(s.w[1:], buf)
	return s.c.Tx(s.w[:bufLen], s.r[:bufLen])
}

func (s *spiAdapter) ensureBuf(l int) {
	if len(s.r) < l {
		s.w = make([]byte, l)
		s.r = make([]byte, l)
	} else {
		for i := 0; i < l; i++ {
			s.w[i] = 0
			s.r[i] = 0
		}
	}
}
