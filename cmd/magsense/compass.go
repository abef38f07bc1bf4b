package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/magsense/cmd/magsense/console"
	"github.com/mklimuk/magsense/magnetic"
	"github.com/mklimuk/magsense/metrics"
	"github.com/mklimuk/magsense/pkg/config"
)

var compassCmd = cli.Command{
	Name:    "compass",
	Aliases: []string{"hmc"},
	Usage:   "HMC5883L magnetometer",
	Subcommands: []*cli.Command{
		&compassInitCmd,
		&compassReadCmd,
		&compassStatusCmd,
		&compassConfigCmd,
		&compassSelfTestCmd,
		&compassCalibrateCmd,
		&compassWatchCmd,
		&compassIDCmd,
	},
}

var compassInitCmd = cli.Command{
	Name:  "init",
	Usage: "configure the sensor with the profile settings",
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		s, err := openCompass(ctx, c, true)
		if err != nil {
			return console.Exit(1, "initialization error: %s", console.Red(err))
		}
		defer s.Close()
		return printYAML(s.sensor.Settings())
	},
}

var compassReadCmd = cli.Command{
	Name:    "read",
	Aliases: []string{"rd"},
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "raw", Usage: "print raw counts of the last measurement"},
		&cli.BoolFlag{Name: "continuous", Usage: "read the data registers without triggering a measurement"},
	},
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		s, err := openCompass(ctx, c, false)
		if err != nil {
			return console.Exit(1, "initialization error: %s", console.Red(err))
		}
		defer s.Close()
		if c.Bool("raw") {
			raw, sat, err := s.sensor.ReadRawValues(ctx)
			if err != nil {
				return console.Exit(1, "error reading data: %s", console.Red(err))
			}
			console.Printf("x: %d y: %d z: %d saturated: %s\n", raw.X, raw.Y, raw.Z, sat)
			return nil
		}
		var v magnetic.Vector
		if c.Bool("continuous") {
			v, err = s.sensor.ReadCalibratedValues(ctx)
		} else {
			v, err = s.sensor.ReadCalibratedValuesSingle(ctx, s.profile.MaxRetries, s.profile.PollInterval)
		}
		if err != nil {
			return console.Exit(1, "error reading field: %s", console.Red(err))
		}
		console.PInfof(console.PictoMagnet, "%s mG (|B| %.1f mG)", console.White(v), v.Norm())
		console.PInfof(console.PictoCompass, "%s°", console.White(fmt.Sprintf("%.1f", magnetic.Heading(v, s.profile.Declination))))
		return nil
	},
}

var compassStatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		s, err := openCompass(ctx, c, false)
		if err != nil {
			return console.Exit(1, "initialization error: %s", console.Red(err))
		}
		defer s.Close()
		status, err := s.sensor.Status(ctx)
		if err != nil {
			return console.Exit(1, "error reading status: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var compassConfigCmd = cli.Command{
	Name: "config",
	Subcommands: []*cli.Command{
		&compassConfigGetCmd,
		&compassConfigSetCmd,
	},
}

var compassConfigGetCmd = cli.Command{
	Name: "get",
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		s, err := openCompass(ctx, c, false)
		if err != nil {
			return console.Exit(1, "initialization error: %s", console.Red(err))
		}
		defer s.Close()
		console.Printf("measurement period: %s\n", s.sensor.MeasurementPeriod())
		return printYAML(s.sensor.Settings())
	},
}

var compassConfigSetCmd = cli.Command{
	Name: "set",
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "gain", Usage: "gain level 0-7"},
		&cli.UintFlag{Name: "averaging", Usage: "averaging rate 0-3 (1, 2, 4, 8 samples)"},
		&cli.UintFlag{Name: "rate", Usage: "output rate 0-6 (0.75Hz to 75Hz)"},
		&cli.UintFlag{Name: "mode", Usage: "measurement mode: 0 continuous, 1 single, 2 idle"},
		&cli.UintFlag{Name: "bias", Usage: "bias mode: 0 none, 1 positive, 2 negative"},
		&cli.BoolFlag{Name: "high-speed", Usage: "enable 3400kHz I2C"},
	},
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		s, err := openCompass(ctx, c, false)
		if err != nil {
			return console.Exit(1, "initialization error: %s", console.Red(err))
		}
		defer s.Close()
		var setters []func() error
		if c.IsSet("gain") {
			setters = append(setters, func() error { return s.sensor.SetGain(ctx, magnetic.Gain(c.Uint("gain"))) })
		}
		if c.IsSet("averaging") {
			setters = append(setters, func() error {
				return s.sensor.SetAveragingRate(ctx, magnetic.AveragingRate(c.Uint("averaging")))
			})
		}
		if c.IsSet("rate") {
			setters = append(setters, func() error { return s.sensor.SetOutputRate(ctx, magnetic.OutputRate(c.Uint("rate"))) })
		}
		if c.IsSet("mode") {
			setters = append(setters, func() error {
				return s.sensor.SetMeasurementMode(ctx, magnetic.MeasurementMode(c.Uint("mode")))
			})
		}
		if c.IsSet("bias") {
			setters = append(setters, func() error { return s.sensor.SetBiasMode(ctx, magnetic.BiasMode(c.Uint("bias"))) })
		}
		if c.IsSet("high-speed") {
			setters = append(setters, func() error { return s.sensor.SetHighSpeedMode(ctx, c.Bool("high-speed")) })
		}
		for _, set := range setters {
			if err := set(); err != nil {
				return console.Exit(1, "configuration error: %s", console.Red(err))
			}
		}
		return printYAML(s.sensor.Settings())
	},
}

// self-test output limits in counts at gain 5 (390 LSB/Ga)
const (
	selfTestGain = magnetic.Gain470
	selfTestLow  = 243
	selfTestHigh = 575
)

var compassSelfTestCmd = cli.Command{
	Name:  "selftest",
	Usage: "run the positive and negative bias self-test",
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		s, err := openCompass(ctx, c, false)
		if err != nil {
			return console.Exit(1, "initialization error: %s", console.Red(err))
		}
		defer s.Close()
		previous, _ := s.sensor.Gain(ctx, false)
		if err := s.sensor.SetGain(ctx, selfTestGain); err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		defer func() {
			if err := s.sensor.SetGain(ctx, previous); err != nil {
				console.Errorf("could not restore gain: %s", console.Red(err))
			}
		}()
		passed := true
		for _, test := range []struct {
			name string
			run  func(context.Context, int, time.Duration) (magnetic.Vector, error)
			sign float64
		}{
			{"positive", s.sensor.RunPosTest, 1},
			{"negative", s.sensor.RunNegTest, -1},
		} {
			v, err := test.run(ctx, s.profile.MaxRetries, s.profile.PollInterval)
			if err != nil {
				return console.Exit(1, "%s self-test failed: %s", test.name, console.Red(err))
			}
			counts := v.Scale(test.sign / selfTestGain.Resolution())
			ok := inSelfTestRange(counts)
			passed = passed && ok
			result := console.Green("PASS")
			if !ok {
				result = console.Red("FAIL")
			}
			console.Printf("%-8s %s counts %s\n", test.name, counts, result)
		}
		if !passed {
			return console.Exit(2, "self-test out of range [%d, %d]", selfTestLow, selfTestHigh)
		}
		console.PInfof(console.PictoFinish, "self-test passed")
		return nil
	},
}

func inSelfTestRange(v magnetic.Vector) bool {
	for _, axis := range []float64{v.X, v.Y, v.Z} {
		if axis < selfTestLow || axis > selfTestHigh {
			return false
		}
	}
	return true
}

var compassCalibrateCmd = cli.Command{
	Name:  "calibrate",
	Usage: "compute axis correction factors using the self-test bias field",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "save", Usage: "store the calibration in this file (defaults to calibration_file of the profile)"},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		if !c.Bool("yes") {
			ok, err := console.Confirm("Keep the sensor still and away from magnetic objects. Continue?")
			if err != nil {
				return console.Exit(1, "prompt error: %s", console.Red(err))
			}
			if !ok {
				console.PInfof(console.PictoStop, "calibration aborted")
				return nil
			}
		}
		s, err := openCompass(ctx, c, false)
		if err != nil {
			return console.Exit(1, "initialization error: %s", console.Red(err))
		}
		defer s.Close()
		cal, err := s.sensor.RunCalibration(ctx, s.profile.MaxRetries, s.profile.PollInterval)
		if err != nil {
			return console.Exit(1, "calibration error: %s", console.Red(err))
		}
		console.PInfof(console.PictoPin, "calibration: %s", console.White(cal))
		path := c.String("save")
		if path == "" {
			path = s.profile.CalibrationFile
		}
		if path == "" {
			return nil
		}
		gain, _ := s.sensor.Gain(ctx, false)
		err = config.SaveCalibration(path, config.Calibration{
			Factors:   cal,
			Gain:      gain,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return console.Exit(1, "could not save calibration: %s", console.Red(err))
		}
		console.Infof("calibration saved to %s", path)
		return nil
	},
}

var compassWatchCmd = cli.Command{
	Name:  "watch",
	Usage: "read the field periodically",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "interval", Aliases: []string{"i"}, Value: time.Second},
		&cli.StringFlag{Name: "metrics", Usage: "serve prometheus metrics on this address, e.g. :9110"},
	},
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(commandContext(c), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		s, err := openCompass(ctx, c, false)
		if err != nil {
			return console.Exit(1, "initialization error: %s", console.Red(err))
		}
		defer s.Close()

		var rec *metrics.Recorder
		if addr := c.String("metrics"); addr != "" {
			rec, err = metrics.NewRecorder(prometheus.DefaultRegisterer)
			if err != nil {
				return console.Exit(1, "metrics error: %s", console.Red(err))
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server error", "error", err)
				}
			}()
			defer func() { _ = srv.Close() }()
			slog.Info("serving metrics", "addr", addr)
		}

		w := &watcher{
			sensor:      s.sensor,
			recorder:    rec,
			maxRetries:  s.profile.MaxRetries,
			interval:    s.profile.PollInterval,
			declination: s.profile.Declination,
		}
		return w.run(ctx, c.Duration("interval"))
	},
}

var compassIDCmd = cli.Command{
	Name:  "id",
	Usage: "read the identification registers",
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		s, err := openCompass(ctx, c, false)
		if err != nil {
			return console.Exit(1, "initialization error: %s", console.Red(err))
		}
		defer s.Close()
		id, err := s.sensor.Identify(ctx)
		if err != nil {
			return console.Exit(1, "identification error: %s", console.Red(err))
		}
		console.Printf("%s\n", console.Green(id))
		return nil
	},
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(console.Writer())
	err := enc.Encode(v)
	if err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return enc.Close()
}
