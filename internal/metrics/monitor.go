// Package metrics measures the health of a run once per step. It integrates
// the kinetic energy across workers, appends it to the energy log on the
// coordinator and applies the termination policy.
package metrics

import (
	"context"
	"fmt"

	"github.com/san-kum/jetpool/internal/logging"
	"github.com/san-kum/jetpool/internal/parallel"
	"github.com/san-kum/jetpool/internal/sim"
)

// Checkpointer preserves the state of a run that is about to halt.
type Checkpointer interface {
	Force(ctx context.Context, c sim.Clock, resume int) error
}

type Monitor struct {
	energy *Energy
	comm   parallel.Comm
	log    *LogWriter
	policy Policy
	ckpt   Checkpointer
	logger logging.Logger

	onEnergy []func(sim.Clock, float64)
	onHalt   []func(Verdict)
}

type Option func(*Monitor)

func WithLogger(l logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithEnergyHook registers fn to receive every measured energy.
func WithEnergyHook(fn func(sim.Clock, float64)) Option {
	return func(m *Monitor) { m.onEnergy = append(m.onEnergy, fn) }
}

// WithHaltHook registers fn to be told why the monitor halted the run.
func WithHaltHook(fn func(Verdict)) Option {
	return func(m *Monitor) { m.onHalt = append(m.onHalt, fn) }
}

// NewMonitor wires the monitor of one worker. log and ckpt are only used on
// the coordinator and may be nil elsewhere.
func NewMonitor(energy *Energy, comm parallel.Comm, log *LogWriter, policy Policy, ckpt Checkpointer, opts ...Option) *Monitor {
	m := &Monitor{
		energy: energy,
		comm:   comm,
		log:    log,
		policy: policy,
		ckpt:   ckpt,
		logger: logging.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe measures, logs and judges the state at c. Every worker must call
// it; the returned signal is the same on all of them.
func (m *Monitor) Observe(ctx context.Context, c sim.Clock) (sim.Signal, error) {
	ke, err := m.energy.Measure(ctx)
	if err != nil {
		return sim.Continue, fmt.Errorf("metrics: reduce energy: %w", err)
	}
	for _, fn := range m.onEnergy {
		fn(c, ke)
	}

	coordinator := parallel.IsCoordinator(m.comm)
	if coordinator && m.log != nil {
		if err := m.log.Append(Record{Step: c.Step, Dt: c.Dt, Time: c.Time, KE: ke}); err != nil {
			fmt.Fprintf(m.log.status, "Error writing log file: %v\n", err)
			m.logger.Error(ctx, "energy log write failed", logging.Err(err), logging.Int("step", c.Step))
		}
	}

	v := m.policy.Judge(c.Step, ke)
	if !v.Halts() {
		return sim.Continue, nil
	}
	for _, fn := range m.onHalt {
		fn(v)
	}
	if !coordinator {
		return sim.Halt, nil
	}

	msg := v.Message(ke)
	if m.log != nil {
		if err := m.log.Note(msg); err != nil {
			m.logger.Error(ctx, "halt message not logged", logging.Err(err))
		}
	}
	m.logger.Warn(ctx, "run halting",
		logging.String("reason", v.String()),
		logging.Int("step", c.Step),
		logging.Float("ke", ke))

	if v.Checkpoints() && m.ckpt != nil {
		if err := m.ckpt.Force(ctx, c, sim.StageIndex(ctx)+1); err != nil {
			m.logger.Error(ctx, "forced checkpoint failed", logging.Err(err))
		}
	}
	return sim.Halt, nil
}

// Event wraps Observe as the every-step diagnostics stage.
func (m *Monitor) Event() sim.Event {
	return sim.Event{Name: "diagnostics", When: sim.EveryStep(), Do: m.Observe}
}
