package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/magsense/adapter"
	"github.com/mklimuk/magsense/embdbus"
	"github.com/mklimuk/magsense/gobotbus"
	"github.com/mklimuk/magsense/i2c"
	"github.com/mklimuk/magsense/magnetic"
	"github.com/mklimuk/magsense/pkg/config"
	"github.com/mklimuk/magsense/snsctx"
)

// session is an opened compass together with the profile it was opened with.
type session struct {
	sensor  *magnetic.HMC5883L
	profile config.Profile
	closers []func() error
}

func (s *session) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			slog.Warn("error closing bus", "error", err)
		}
	}
}

func loadProfile(c *cli.Context) (config.Profile, error) {
	p := config.DefaultProfile()
	if path := c.String("profile"); path != "" {
		var err error
		p, err = config.LoadProfile(path)
		if err != nil {
			return p, err
		}
	}
	if c.IsSet("adapter") {
		p.Adapter = c.String("adapter")
	}
	if c.IsSet("device") {
		p.Device = c.String("device")
	}
	if c.IsSet("bus") {
		p.Bus = c.Int("bus")
	}
	return p, p.Validate()
}

func commandContext(c *cli.Context) context.Context {
	return snsctx.WithFrameDump(c.Context, c.Bool("dump-frames"))
}

// openCompass connects the sensor described by the profile. With configure set the device
// is initialized with the profile settings, otherwise its current settings are read back.
func openCompass(ctx context.Context, c *cli.Context, configure bool) (*session, error) {
	p, err := loadProfile(c)
	if err != nil {
		return nil, err
	}
	s := &session{profile: p}
	opts := []magnetic.HMC5883LOpt{
		magnetic.WithAddress(p.Address),
		magnetic.WithBusyRetries(p.BusyRetries),
	}
	switch p.Adapter {
	case config.AdapterMCP2221:
		ad := adapter.NewMCP2221(adapter.WithSpeed(p.Speed))
		if p.ReadyPin >= 0 {
			if err := adapter.ConfigureInput(ctx, ad, p.ReadyPin); err != nil {
				return nil, fmt.Errorf("could not configure DRDY pin: %w", err)
			}
			pin, err := adapter.NewReadyPin(ad, p.ReadyPin, adapter.ActiveLow())
			if err != nil {
				return nil, err
			}
			opts = append(opts, magnetic.WithReadyLine(pin))
		}
		s.sensor = magnetic.NewHMC5883L(ad, opts...)
	case config.AdapterPeriph:
		bus, err := i2c.NewGenericBus(p.Device)
		if err != nil {
			return nil, fmt.Errorf("adapter initialization error: %w", err)
		}
		s.closers = append(s.closers, bus.Close)
		if err := bus.SetSpeed(physic.Frequency(p.Speed) * physic.Hertz); err != nil {
			slog.Warn("could not set bus speed", "speed", p.Speed, "error", err)
		}
		s.sensor = magnetic.NewHMC5883L(bus, opts...)
	case config.AdapterNanoPi:
		bus, err := gobotbus.NewNanoPi(p.Bus)
		if err != nil {
			return nil, fmt.Errorf("adapter initialization error: %w", err)
		}
		s.closers = append(s.closers, bus.Close)
		s.sensor = magnetic.NewHMC5883L(bus, opts...)
	case config.AdapterEmbd:
		bus := embdbus.New(byte(p.Bus), p.Address)
		s.closers = append(s.closers, bus.Close)
		s.sensor = magnetic.NewHMC5883LFromTransport(bus, opts...)
	}

	if err := s.sensor.Initialize(ctx, !configure); err != nil {
		s.Close()
		return nil, err
	}
	if configure {
		if err := applyProfile(ctx, s.sensor, p); err != nil {
			s.Close()
			return nil, err
		}
	}
	if p.CalibrationFile != "" {
		cal, err := config.LoadCalibration(p.CalibrationFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("no stored calibration", "file", p.CalibrationFile)
		case err != nil:
			slog.Warn("could not load calibration", "error", err)
		default:
			if cal.Gain != p.Gain {
				slog.Warn("calibration was made with a different gain", "calibration", cal.Gain.String(), "profile", p.Gain.String())
			}
			s.sensor.SetCalibration(cal.Factors)
		}
	}
	return s, nil
}

func applyProfile(ctx context.Context, sensor *magnetic.HMC5883L, p config.Profile) error {
	if err := sensor.SetGain(ctx, p.Gain); err != nil {
		return err
	}
	if err := sensor.SetAveragingRate(ctx, p.AveragingRate); err != nil {
		return err
	}
	return sensor.SetOutputRate(ctx, p.OutputRate)
}
