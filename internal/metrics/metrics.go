// Package metrics exposes control loop counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rcvehicle/internal/hal"
	"rcvehicle/internal/loop"
)

// LoopCollector bundles the loop metrics. It implements loop.Observer.
type LoopCollector struct {
	gatherer prometheus.Gatherer

	Ticks          prometheus.Counter
	DeadlineMisses prometheus.Counter
	TickDuration   prometheus.Histogram
	SensorFaults   *prometheus.CounterVec
	ActuatorFaults *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec
	Phase          prometheus.Gauge
	SinkDropped    *prometheus.CounterVec
}

var _ loop.Observer = (*LoopCollector)(nil)

// NewLoopCollector registers the loop metrics against reg; nil means the
// default registerer.
func NewLoopCollector(reg prometheus.Registerer) (*LoopCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &LoopCollector{gatherer: gatherer}

	var err error
	if c.Ticks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rcvehicle_ticks_total",
		Help: "Control loop ticks completed.",
	}), "rcvehicle_ticks_total"); err != nil {
		return nil, err
	}
	if c.DeadlineMisses, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rcvehicle_deadline_misses_total",
		Help: "Ticks that overran the loop period.",
	}), "rcvehicle_deadline_misses_total"); err != nil {
		return nil, err
	}
	if c.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rcvehicle_tick_duration_seconds",
		Help:    "Wall time from tick start to publication.",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25},
	}), "rcvehicle_tick_duration_seconds"); err != nil {
		return nil, err
	}
	if c.SensorFaults, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvehicle_sensor_faults_total",
		Help: "Sensor acquisition faults by kind and fault.",
	}, []string{"kind", "fault"}), "rcvehicle_sensor_faults_total"); err != nil {
		return nil, err
	}
	if c.ActuatorFaults, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvehicle_actuator_faults_total",
		Help: "Actuator faults and rejected commands by channel.",
	}, []string{"channel", "fault"}), "rcvehicle_actuator_faults_total"); err != nil {
		return nil, err
	}
	if c.DecodeErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvehicle_decode_errors_total",
		Help: "Positioning sentences discarded by the decoder.",
	}, []string{"source"}), "rcvehicle_decode_errors_total"); err != nil {
		return nil, err
	}
	if c.Phase, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rcvehicle_loop_phase",
		Help: "Loop phase: 0 idle, 1 running, 2 safe stop, 3 terminated.",
	}), "rcvehicle_loop_phase"); err != nil {
		return nil, err
	}
	if c.SinkDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvehicle_sink_dropped_total",
		Help: "Snapshots dropped by slow sinks.",
	}, []string{"sink"}), "rcvehicle_sink_dropped_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the gatherer associated with the collector.
func (c *LoopCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *LoopCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *LoopCollector) TickDone(d time.Duration, missed bool) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.TickDuration.Observe(d.Seconds())
	if missed {
		c.DeadlineMisses.Inc()
	}
}

func (c *LoopCollector) SensorFault(kind hal.SensorKind, fault string) {
	if c == nil {
		return
	}
	c.SensorFaults.WithLabelValues(string(kind), fault).Inc()
}

func (c *LoopCollector) ActuatorFault(ch hal.Channel, fault string) {
	if c == nil {
		return
	}
	c.ActuatorFaults.WithLabelValues(string(ch), fault).Inc()
}

func (c *LoopCollector) DecodeError(source string) {
	if c == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(source).Inc()
}

func (c *LoopCollector) PhaseChanged(p loop.Phase) {
	if c == nil {
		return
	}
	c.Phase.Set(loop.PhaseValue(p))
}

// Dropped returns a callback for a sink to report dropped snapshots.
func (c *LoopCollector) Dropped(sink string) func() {
	if c == nil {
		return func() {}
	}
	ctr := c.SinkDropped.WithLabelValues(sink)
	return ctr.Inc
}

// register adds col to reg, reusing an identical collector that is already
// registered.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
