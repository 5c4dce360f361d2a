package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/san-kum/jetpool/internal/sim"
)

// RunCollector exposes the progress of a run as Prometheus metrics. It is fed
// by the scheduler as an observer and by the adapt, checkpoint and
// diagnostics hooks of the coordinator.
type RunCollector struct {
	gatherer prometheus.Gatherer

	Steps         prometheus.Counter
	KineticEnergy prometheus.Gauge
	SimTime       prometheus.Gauge
	Timestep      prometheus.Gauge
	LeafCells     prometheus.Gauge
	Checkpoints   *prometheus.CounterVec
	Halts         *prometheus.CounterVec
	AdaptCells    *prometheus.CounterVec
	StepDuration  prometheus.Histogram

	now      func() time.Time
	lastStep time.Time
}

// NewRunCollector registers run metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewRunCollector(reg prometheus.Registerer) (*RunCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jetpool_steps_total",
		Help: "Timesteps completed by this process.",
	}), "jetpool_steps_total")
	if err != nil {
		return nil, err
	}
	ke, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jetpool_kinetic_energy",
		Help: "Most recent domain-integrated kinetic energy.",
	}), "jetpool_kinetic_energy")
	if err != nil {
		return nil, err
	}
	simTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jetpool_sim_time",
		Help: "Current physical time of the simulation clock.",
	}), "jetpool_sim_time")
	if err != nil {
		return nil, err
	}
	dt, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jetpool_timestep",
		Help: "Size of the last completed timestep.",
	}), "jetpool_timestep")
	if err != nil {
		return nil, err
	}
	leaves, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jetpool_leaf_cells",
		Help: "Number of leaf cells in the adaptive mesh.",
	}), "jetpool_leaf_cells")
	if err != nil {
		return nil, err
	}
	checkpoints, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jetpool_checkpoints_total",
		Help: "Checkpoints written, labeled by kind (snapshot or forced).",
	}, []string{"kind"}), "jetpool_checkpoints_total")
	if err != nil {
		return nil, err
	}
	halts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jetpool_halts_total",
		Help: "Early halts requested by the termination policy, labeled by reason.",
	}, []string{"reason"}), "jetpool_halts_total")
	if err != nil {
		return nil, err
	}
	adapt, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jetpool_adapt_cells_total",
		Help: "Cells refined or coarsened by mesh adaptation.",
	}, []string{"action"}), "jetpool_adapt_cells_total")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jetpool_step_duration_seconds",
		Help:    "Wall-clock time between consecutive completed steps.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}), "jetpool_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &RunCollector{
		gatherer:      gatherer,
		Steps:         steps,
		KineticEnergy: ke,
		SimTime:       simTime,
		Timestep:      dt,
		LeafCells:     leaves,
		Checkpoints:   checkpoints,
		Halts:         halts,
		AdaptCells:    adapt,
		StepDuration:  duration,
		now:           time.Now,
	}, nil
}

// OnStep satisfies sim.Observer.
func (c *RunCollector) OnStep(clk sim.Clock, stats sim.MeshStats) {
	if c == nil {
		return
	}
	c.Steps.Inc()
	c.SimTime.Set(clk.Time)
	c.Timestep.Set(clk.Dt)
	c.LeafCells.Set(float64(stats.Leaves))

	now := c.now()
	if !c.lastStep.IsZero() {
		c.StepDuration.Observe(now.Sub(c.lastStep).Seconds())
	}
	c.lastStep = now
}

func (c *RunCollector) ObserveEnergy(_ sim.Clock, ke float64) {
	if c == nil {
		return
	}
	c.KineticEnergy.Set(ke)
}

func (c *RunCollector) ObserveAdapt(stats sim.AdaptStats) {
	if c == nil {
		return
	}
	c.AdaptCells.WithLabelValues("refine").Add(float64(stats.Refined))
	c.AdaptCells.WithLabelValues("coarsen").Add(float64(stats.Coarsened))
	c.LeafCells.Set(float64(stats.Leaves))
}

func (c *RunCollector) ObserveCheckpoint(kind string) {
	if c == nil {
		return
	}
	c.Checkpoints.WithLabelValues(kind).Inc()
}

// ObserveHalt counts a halt. reason is usually a metrics.Verdict.
func (c *RunCollector) ObserveHalt(reason fmt.Stringer) {
	if c == nil {
		return
	}
	c.Halts.WithLabelValues(reason.String()).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RunCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
