// Package pid implements a general-purpose PID controller with optional
// anti-windup, derivative filtering and output clamping.
//
// Usage:
//
//	pid := pid.New(2.0, 0.0, 0.1, clk)
//	pid.Reset()                         // before each movement
//	out := pid.Calculate(target, cur)   // every loop
//
// Reset before each independent motion segment is required, not optional:
// skipping it carries stale integral and derivative state into the new
// segment.
package pid

import (
	"time"

	"github.com/oakdale-robotics/fieldnav/pkg/hw"
)

// nominalDT substitutes for the measured interval on the first Calculate
// after construction or Reset, or when the clock has not advanced between
// calls. Avoids dividing by zero in the derivative term.
const nominalDT = 0.01

// Controller computes output = kp*e + ki*integral(e dt) + kd*de/dt, with the
// elapsed time between Calculate calls measured from the supplied clock.
// A Controller is single-owner; it must not be shared by concurrent callers.
type Controller struct {
	kp, ki, kd float64

	clk hw.Clock

	integral   float64
	prevError  float64
	lastUpdate time.Time

	integralLimit float64 // anti-windup clamp on the accumulator, 0 = off
	filterAlpha   float64 // derivative EMA coefficient, 0 = unfiltered
	filteredDeriv float64
	outputLimit   float64 // symmetric output clamp, 0 = off
}

func New(kp, ki, kd float64, clk hw.Clock) *Controller {
	return &Controller{
		kp:         kp,
		ki:         ki,
		kd:         kd,
		clk:        clk,
		lastUpdate: clk.Now(),
	}
}

// SetIntegralLimit clamps the integral accumulator to [-limit, +limit]
// before it is scaled by ki, preventing runaway accumulation while the
// output is saturated. Zero disables the clamp.
func (c *Controller) SetIntegralLimit(limit float64) {
	c.integralLimit = limit
}

// SetDerivativeFilter smooths the derivative term with an exponential
// moving average: filtered = alpha*filtered + (1-alpha)*raw. Typical values
// are 0.5-0.8; zero disables filtering.
func (c *Controller) SetDerivativeFilter(alpha float64) {
	c.filterAlpha = alpha
}

// SetOutputLimit clamps the final output to [-limit, +limit]. Zero leaves
// the output unclamped; the caller is then responsible for safe bounds.
func (c *Controller) SetOutputLimit(limit float64) {
	c.outputLimit = limit
}

// Calculate returns the corrective output for the given setpoint and
// measured process variable.
func (c *Controller) Calculate(setpoint, pv float64) float64 {
	now := c.clk.Now()
	dt := now.Sub(c.lastUpdate).Seconds()
	if dt <= 0 {
		dt = nominalDT
	}

	err := setpoint - pv

	c.integral += err * dt
	if c.integralLimit > 0 {
		if c.integral > c.integralLimit {
			c.integral = c.integralLimit
		} else if c.integral < -c.integralLimit {
			c.integral = -c.integralLimit
		}
	}

	deriv := (err - c.prevError) / dt
	if c.filterAlpha > 0 {
		c.filteredDeriv = c.filterAlpha*c.filteredDeriv + (1-c.filterAlpha)*deriv
		deriv = c.filteredDeriv
	}

	out := c.kp*err + c.ki*c.integral + c.kd*deriv
	if c.outputLimit > 0 {
		if out > c.outputLimit {
			out = c.outputLimit
		} else if out < -c.outputLimit {
			out = -c.outputLimit
		}
	}

	c.prevError = err
	c.lastUpdate = now
	return out
}

// Reset zeroes the integral accumulator and derivative state and re-anchors
// the internal clock to now. Call before starting a new movement.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevError = 0
	c.filteredDeriv = 0
	c.lastUpdate = c.clk.Now()
}
