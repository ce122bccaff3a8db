// drivecal measures drivetrain geometry constants. It drives the robot at
// a fixed voltage for a fixed time, reads back the encoder distances and,
// against a tape-measured ground truth, suggests corrections to the wheel
// diameter and track width in the config.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/platform/picodrive"
)

var scanner = bufio.NewScanner(os.Stdin)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config overlay")
		volts      = flag.Float64("volts", 3.0, "drive voltage for the run")
		seconds    = flag.Float64("seconds", 3.0, "run duration")
		spin       = flag.Bool("spin", false, "spin in place to calibrate track width instead of driving straight")
	)
	flag.Parse()

	logger := golog.NewDevelopmentLogger("drivecal")

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatalw("failed to load config", "error", err)
		}
	}

	clk := clock.New()
	board, err := picodrive.Open(cfg.Geometry, clk)
	if err != nil {
		logger.Fatalw("motor board unavailable", "error", err)
	}
	defer func() {
		logger.Info("zeroing motors for shutdown")
		_ = board.Close()
	}()
	if err := board.SetWatchdog(500 * time.Millisecond); err != nil {
		logger.Warnw("failed to arm motor watchdog", "error", err)
	}

	leftV, rightV := *volts, *volts
	if *spin {
		leftV = -leftV
	}

	fmt.Printf("Driving at %.1fV for %.1fs. Clear the area and press enter.\n", *volts, *seconds)
	if !scanner.Scan() {
		logger.Fatal("stdin closed")
	}

	if err := board.ResetEncoders(); err != nil {
		logger.Fatalw("failed to reset encoders", "error", err)
	}

	// Re-issue the voltages often enough to keep the watchdog fed.
	deadline := clk.Now().Add(time.Duration(*seconds * float64(time.Second)))
	for clk.Now().Before(deadline) {
		if err := board.SetVoltages(leftV, rightV); err != nil {
			logger.Fatalw("failed to set voltages", "error", err)
		}
		clk.Sleep(100 * time.Millisecond)
	}
	if err := board.Stop(); err != nil {
		logger.Fatalw("failed to stop motors", "error", err)
	}

	left, right, err := board.EncoderDistances()
	if err != nil {
		logger.Fatalw("failed to read encoders", "error", err)
	}
	fmt.Printf("Encoders report: left %.4fm, right %.4fm\n", left, right)

	if *spin {
		reportTrackWidth(cfg, left, right)
	} else {
		reportWheelScale(cfg, left, right)
	}
}

func reportWheelScale(cfg config.Config, left, right float64) {
	reported := (left + right) / 2
	measured := promptMetres("Enter tape-measured distance travelled (mm): ")
	if reported == 0 {
		fmt.Println("Encoders reported no movement; check the drivetrain.")
		return
	}
	scale := measured / reported
	fmt.Printf("Suggested wheel_diameter_m: %.5f (currently %.5f)\n",
		cfg.Geometry.WheelDiameterM*scale, cfg.Geometry.WheelDiameterM)
	if left != 0 && right != 0 {
		fmt.Printf("Left/right balance: %.3f (1.000 = even)\n", left/right)
	}
}

func reportTrackWidth(cfg config.Config, left, right float64) {
	// Spinning in place: each wheel traces an arc of radius track/2, so
	// rotation = (right - left) / track.
	degrees := promptFloat("Enter measured rotation (degrees, CCW positive): ")
	radians := degrees * math.Pi / 180
	if radians == 0 {
		fmt.Println("No rotation entered.")
		return
	}
	track := (right - left) / radians
	fmt.Printf("Suggested wheel_track_m: %.5f (currently %.5f)\n",
		track, cfg.Geometry.WheelTrackM)
}

func promptMetres(prompt string) float64 {
	return promptFloat(prompt) / 1000
}

func promptFloat(prompt string) float64 {
	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			panic(scanner.Err())
		}
		v, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			fmt.Printf("error: %v, please try again\n", err)
			continue
		}
		return v
	}
}
