package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mklimuk/magsense/cmd/magsense/console"
	"github.com/mklimuk/magsense/magnetic"
	"github.com/mklimuk/magsense/metrics"
)

// saturationReporter reads a measurement together with its saturated axes.
type saturationReporter interface {
	MeasureCalibratedSingle(ctx context.Context, maxRetries int, pollInterval time.Duration) (magnetic.Vector, magnetic.Saturation, error)
}

var _ saturationReporter = &magnetic.HMC5883L{}

type watcher struct {
	sensor      magnetic.Magnetometer
	recorder    *metrics.Recorder
	out         io.Writer
	maxRetries  int
	interval    time.Duration
	declination float64
}

func (w *watcher) run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := w.step(ctx); err != nil {
			slog.Warn("measurement failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *watcher) step(ctx context.Context) error {
	v, sat, err := w.measure(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if w.recorder != nil {
			w.recorder.ObserveError(err)
		}
		return err
	}
	heading := magnetic.Heading(v, w.declination)
	out := w.out
	if out == nil {
		out = console.Writer()
	}
	if sat.Any() {
		_, _ = fmt.Fprintf(out, "%s %s mG saturated: %s\n", time.Now().Format(time.TimeOnly), v, sat)
	} else {
		_, _ = fmt.Fprintf(out, "%s %s mG %6.1f°\n", time.Now().Format(time.TimeOnly), v, heading)
	}
	if w.recorder != nil {
		w.recorder.Observe(v, heading, sat)
	}
	return nil
}

func (w *watcher) measure(ctx context.Context) (magnetic.Vector, magnetic.Saturation, error) {
	if m, ok := w.sensor.(saturationReporter); ok {
		return m.MeasureCalibratedSingle(ctx, w.maxRetries, w.interval)
	}
	v, err := w.sensor.ReadCalibratedValuesSingle(ctx, w.maxRetries, w.interval)
	return v, 0, err
}
