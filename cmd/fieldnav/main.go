package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"golang.org/x/sync/errgroup"

	"github.com/oakdale-robotics/fieldnav/pkg/config"
	"github.com/oakdale-robotics/fieldnav/pkg/hw"
	"github.com/oakdale-robotics/fieldnav/pkg/motion"
	"github.com/oakdale-robotics/fieldnav/pkg/odometry"
	"github.com/oakdale-robotics/fieldnav/pkg/platform/camera"
	"github.com/oakdale-robotics/fieldnav/pkg/platform/gyro"
	"github.com/oakdale-robotics/fieldnav/pkg/platform/picodrive"
	"github.com/oakdale-robotics/fieldnav/pkg/pose"
	"github.com/oakdale-robotics/fieldnav/pkg/sim"
	"github.com/oakdale-robotics/fieldnav/pkg/vision"
)

const (
	spiDevice    = "/dev/spidev0.1"
	cameraDevice = 0

	motorWatchdog   = 500 * time.Millisecond
	calibrateBudget = 10 * time.Second
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config overlay (defaults apply if empty)")
		simulate   = flag.Bool("sim", false, "run against the simulated robot instead of real hardware")
		demo       = flag.Bool("demo", false, "run the demo autonomous routine, then exit")
	)
	flag.Parse()

	logger := golog.NewDevelopmentLogger("fieldnav")

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatalw("failed to load config", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSignalHandlers(cancel, logger)

	var (
		drive hw.Drivetrain
		pods  hw.TrackingWheels
		imu   hw.IMU
		cam   hw.VisionSensor
		clk   hw.Clock
	)

	var runnables []func(context.Context) error
	var simRobot *sim.Robot

	if *simulate {
		simRobot = sim.New(cfg)
		drive, pods, imu, clk = simRobot, simRobot, simRobot, simRobot
		// No camera in sim mode: the simulator yields no detections
		// unless a test scripts them, and its vision loop sleeping on
		// the virtual clock would race time forward.
		logger.Info("running against simulated robot")
	} else {
		clk = clock.New()

		board, err := picodrive.Open(cfg.Geometry, clk)
		if err != nil {
			logger.Fatalw("motor board unavailable", "error", err)
		}
		defer func() {
			logger.Info("zeroing motors for shutdown")
			if err := board.Close(); err != nil {
				logger.Warnw("motor board close failed", "error", err)
			}
		}()
		if err := board.SetWatchdog(motorWatchdog); err != nil {
			logger.Warnw("failed to arm motor watchdog", "error", err)
		}
		drive, pods = board, board

		g, err := gyro.NewSPI(spiDevice, clk, logger)
		if err != nil {
			logger.Warnw("gyro unavailable, headings will be encoder-only", "error", err)
			imu = hw.NewDummy(logger)
		} else {
			calCtx, calCancel := context.WithTimeout(ctx, calibrateBudget)
			if err := g.Calibrate(calCtx); err != nil {
				logger.Warnw("gyro calibration failed, continuing uncalibrated", "error", err)
			}
			calCancel()
			imu = g
			runnables = append(runnables, g.Run)
		}

		c, err := camera.Open(cameraDevice, cfg.Vision, logger)
		if err != nil {
			logger.Warnw("camera unavailable, vision corrections disabled", "error", err)
		} else {
			defer c.Close()
			cam = c
		}
	}

	tracker := odometry.New(drive, pods, imu, clk, cfg, logger)
	if simRobot != nil {
		// The simulator advances virtual time from the caller's Sleep;
		// hook odometry updates to those advances instead of running a
		// second loop that would race the clock forward.
		simRobot.SetOnAdvance(func() {
			_ = tracker.Update()
		})
	} else {
		runnables = append(runnables, tracker.Run)
	}

	if cam != nil {
		localizer := vision.New(cam, tracker, cfg.Vision, cfg.FieldTags, clk, logger)
		runnables = append(runnables, localizer.Run)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, run := range runnables {
		run := run
		eg.Go(func() error { return run(ctx) })
	}

	ctrl := motion.NewController(tracker, drive, clk, cfg, logger)

	if *demo {
		if err := runDemo(tracker, ctrl, logger); err != nil {
			logger.Errorw("demo routine aborted", "error", err)
		}
		cancel()
	} else {
		reportPose(ctx, tracker, clk, logger)
	}

	if err := eg.Wait(); err != nil {
		logger.Errorw("background loop failed", "error", err)
	}
}

// runDemo drives a short square-ish tour: spin in place, drive out to the
// field centre, then back into the start corner in reverse.
func runDemo(tracker *odometry.Tracker, ctrl *motion.Controller, logger golog.Logger) error {
	start := pose.Pose{X: 0.3, Y: 0.3, Theta: 0}
	if err := tracker.SetPose(start); err != nil {
		return err
	}

	logger.Info("demo: turning to face the field")
	if err := ctrl.TurnToHeading(math.Pi / 4); err != nil {
		return err
	}

	logger.Info("demo: driving to the centre")
	if err := ctrl.DriveToPose(pose.Pose{X: 1.8, Y: 1.8, Theta: math.Pi / 2}, false); err != nil {
		return err
	}

	logger.Info("demo: backing into the start corner")
	if err := ctrl.DriveToPose(start, true); err != nil {
		return err
	}

	logger.Infow("demo complete", "pose", tracker.Pose())
	return nil
}

// reportPose logs the tracked pose once a second until shutdown.
func reportPose(ctx context.Context, tracker *odometry.Tracker, clk hw.Clock, logger golog.Logger) {
	for ctx.Err() == nil {
		p := tracker.Pose()
		logger.Infow("pose", "x", p.X, "y", p.Y, "theta", p.Theta,
			"trackingWheels", tracker.UsingTrackingWheels())
		clk.Sleep(time.Second)
	}
}

func registerSignalHandlers(cancel context.CancelFunc, logger golog.Logger) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-signals
		logger.Infow("signal received, shutting down", "signal", s)
		cancel()
	}()
}
