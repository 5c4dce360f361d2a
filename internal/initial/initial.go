// Package initial produces the field state a run starts from: either the
// rolling restart artifact, when one exists, or the analytic jet-on-pool
// configuration.
package initial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/san-kum/jetpool/internal/checkpoint"
	"github.com/san-kum/jetpool/internal/config"
	"github.com/san-kum/jetpool/internal/logging"
	"github.com/san-kum/jetpool/internal/parallel"
	"github.com/san-kum/jetpool/internal/sim"
)

var ErrPeer = errors.New("initial: restart read failed on the coordinator")

type Source uint8

const (
	Fresh Source = iota
	Restored
)

func (s Source) String() string {
	if s == Restored {
		return "restored"
	}
	return "fresh"
}

// State describes where the run starts. Resume is the scheduler's first-step
// stage index; Meta is zero for a fresh start.
type State struct {
	Source Source
	Resume int
	Meta   checkpoint.Meta
}

type Manager struct {
	engine sim.Engine
	comm   parallel.Comm
	params config.Params
	path   string
	log    logging.Logger
}

type Option func(*Manager)

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func New(engine sim.Engine, comm parallel.Comm, p config.Params, opts ...Option) *Manager {
	m := &Manager{
		engine: engine,
		comm:   comm,
		params: p,
		path:   checkpoint.RestartPath(p.Output),
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start loads the restart artifact or builds the initial state. It is
// collective. A missing artifact means a fresh start; an unreadable or
// inconsistent one is an error, never a silent fresh start over it.
func (m *Manager) Start(ctx context.Context) (State, error) {
	raw, err := m.readRestart(ctx)
	if err != nil {
		return State{}, err
	}
	if raw == nil {
		if err := m.fresh(ctx); err != nil {
			return State{}, fmt.Errorf("initial: fresh start: %w", err)
		}
		m.log.Info(ctx, "fresh start", logging.Int("leaves", m.engine.Stats().Leaves))
		return State{Source: Fresh}, nil
	}

	a, err := checkpoint.Decode(bytes.NewReader(raw))
	if err != nil {
		return State{}, fmt.Errorf("initial: %s: %w", m.path, err)
	}
	if err := m.engine.Restore(ctx, a.Payload); err != nil {
		return State{}, fmt.Errorf("initial: restore %s: %w", m.path, err)
	}
	c := m.engine.Clock()
	if c.Step != a.Step || c.Time != a.Time {
		return State{}, fmt.Errorf("%w: %s records step %d t=%g, state holds step %d t=%g",
			checkpoint.ErrCorrupt, m.path, a.Step, a.Time, c.Step, c.Time)
	}
	m.log.Info(ctx, "restored from checkpoint",
		logging.String("path", m.path),
		logging.String("run_id", a.RunID.String()),
		logging.Int("step", a.Step),
		logging.Float("t", a.Time),
		logging.Int("resume", a.Resume))
	return State{Source: Restored, Resume: a.Resume, Meta: a.Meta}, nil
}

// readRestart reads the artifact on the coordinator and shares its bytes.
// nil means there is none.
func (m *Manager) readRestart(ctx context.Context) ([]byte, error) {
	var (
		raw  []byte
		rerr error
	)
	if parallel.IsCoordinator(m.comm) {
		raw, rerr = os.ReadFile(m.path)
		if errors.Is(rerr, fs.ErrNotExist) {
			raw, rerr = nil, nil
		}
	}
	var failed float64
	if rerr != nil {
		failed = 1
	}
	n, err := m.comm.AllReduceSum(ctx, failed)
	if err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, fmt.Errorf("initial: read %s: %w", m.path, rerr)
	}
	if n > 0 {
		return nil, ErrPeer
	}
	return m.comm.Broadcast(ctx, raw)
}

func (m *Manager) fresh(ctx context.Context) error {
	eps := m.params.Epsilon
	inlet := func(p sim.Point, _ int) bool { return p.X < eps }
	if err := m.engine.Refine(ctx, inlet, m.params.MaxLevel); err != nil {
		return err
	}
	if err := m.engine.SetFraction(ctx, Interface(eps)); err != nil {
		return err
	}
	return m.engine.SetVelocity(ctx, JetVelocity)
}

// Interface is the initial level set: a short jet slug at the inlet joined
// with the pool that fills x > 4.
func Interface(eps float64) func(sim.Point) float64 {
	return func(p sim.Point) float64 {
		return math.Max(1-p.Y*p.Y-p.X/eps, p.X-4)
	}
}

// JetVelocity is the Poiseuille profile weighted by the volume fraction inside
// the jet column (x < 1) and rest elsewhere.
func JetVelocity(p sim.Point, f float64) sim.Vector {
	if p.X < 1 {
		return sim.Vector{X: f * 2 * (1 - p.Y*p.Y)}
	}
	return sim.Vector{}
}
