// Package metrics exports compass readings as prometheus metrics.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mklimuk/magsense"
	"github.com/mklimuk/magsense/magnetic"
)

type Recorder struct {
	field      *prometheus.GaugeVec
	heading    prometheus.Gauge
	reads      *prometheus.CounterVec
	saturation *prometheus.CounterVec
	busErrors  *prometheus.CounterVec
}

// NewRecorder creates the compass metrics and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		field: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "compass_field_milligauss",
			Help: "Last calibrated field reading per axis.",
		}, []string{"axis"}),
		heading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compass_heading_degrees",
			Help: "Last computed heading.",
		}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_reads_total",
			Help: "Measurements taken by result.",
		}, []string{"result"}),
		saturation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_saturation_total",
			Help: "Measurements with a saturated axis.",
		}, []string{"axis"}),
		busErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_bus_errors_total",
			Help: "Failed bus transactions by transport code.",
		}, []string{"code"}),
	}
	for _, c := range []prometheus.Collector{r.field, r.heading, r.reads, r.saturation, r.busErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records a successful measurement. Saturated axes are exported as NaN, and so
// is the heading when a horizontal axis saturated.
func (r *Recorder) Observe(v magnetic.Vector, heading float64, sat magnetic.Saturation) {
	r.setAxis("x", v.X, sat.X())
	r.setAxis("y", v.Y, sat.Y())
	r.setAxis("z", v.Z, sat.Z())
	if sat.X() || sat.Y() {
		heading = math.NaN()
	}
	r.heading.Set(heading)
	r.reads.WithLabelValues("ok").Inc()
}

func (r *Recorder) setAxis(axis string, value float64, saturated bool) {
	if saturated {
		r.saturation.WithLabelValues(axis).Inc()
		value = math.NaN()
	}
	r.field.WithLabelValues(axis).Set(value)
}

// ObserveError records a failed measurement. Transport failures are also counted by code.
func (r *Recorder) ObserveError(err error) {
	r.reads.WithLabelValues("error").Inc()
	if code, ok := magsense.CodeOf(err); ok {
		r.busErrors.WithLabelValues(code.String()).Inc()
	}
}
