// Package experiment assembles a complete jet-on-pool run: the shared mesh,
// one scheduler per worker with the adapt, snapshot, diagnostics and end
// stages, and the restart manager that decides where the run starts.
package experiment

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/san-kum/jetpool/internal/amr"
	"github.com/san-kum/jetpool/internal/bc"
	"github.com/san-kum/jetpool/internal/checkpoint"
	"github.com/san-kum/jetpool/internal/config"
	"github.com/san-kum/jetpool/internal/initial"
	"github.com/san-kum/jetpool/internal/logging"
	"github.com/san-kum/jetpool/internal/mesh"
	"github.com/san-kum/jetpool/internal/metrics"
	"github.com/san-kum/jetpool/internal/observability"
	"github.com/san-kum/jetpool/internal/parallel"
	"github.com/san-kum/jetpool/internal/sim"
)

type Config struct {
	Params config.Params
	// Status receives the log table and halt messages from the coordinator.
	Status io.Writer
	Logger logging.Logger
	// Metrics is optional; it is fed by the coordinator only.
	Metrics *observability.RunCollector
}

// Outcome is the coordinator's view of a finished run.
type Outcome struct {
	RunID  uuid.UUID
	Start  initial.State
	Result sim.Result
	Mesh   sim.MeshStats
}

type Experiment struct {
	cfg    Config
	forest *mesh.Forest
	runID  uuid.UUID
}

func New(cfg Config) (*Experiment, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Status == nil {
		cfg.Status = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	p := cfg.Params
	forest, err := mesh.NewForest(p, bc.JetOnPool(p.Epsilon))
	if err != nil {
		return nil, fmt.Errorf("experiment: %w", err)
	}
	return &Experiment{cfg: cfg, forest: forest, runID: uuid.New()}, nil
}

// Forest exposes the shared mesh, for inspection after Run.
func (e *Experiment) Forest() *mesh.Forest { return e.forest }

func (e *Experiment) LogPath() string {
	out := e.cfg.Params.Output
	return filepath.Join(out.Dir, out.LogFile)
}

// Run drives every worker to the end time or an agreed halt. A halt is not an
// error.
func (e *Experiment) Run(ctx context.Context) (*Outcome, error) {
	outcomes := make([]*Outcome, e.cfg.Params.Workers)
	err := parallel.Run(ctx, e.cfg.Params.Workers, func(ctx context.Context, comm parallel.Comm) error {
		o, err := e.worker(ctx, comm)
		outcomes[comm.Rank()] = o
		return err
	})
	return outcomes[parallel.Coordinator], err
}

func (e *Experiment) worker(ctx context.Context, comm parallel.Comm) (*Outcome, error) {
	p := e.cfg.Params
	log := e.cfg.Logger.With(logging.Int("rank", comm.Rank()))
	engine := e.forest.Engine(comm)
	coordinator := parallel.IsCoordinator(comm)

	st, err := initial.New(engine, comm, p, initial.WithLogger(log)).Start(ctx)
	if err != nil {
		return nil, err
	}
	out := &Outcome{RunID: e.runID, Start: st}
	if st.Source == initial.Restored {
		out.RunID = st.Meta.RunID
	}

	// Observers and hooks are attached on the coordinator only so every
	// series counts the run once.
	var (
		status      = io.Discard
		ckptOpts    = []checkpoint.Option{checkpoint.WithLogger(log)}
		monitorOpts = []metrics.Option{metrics.WithLogger(log)}
		amrOpts     = []amr.Option{amr.WithLogger(log)}
		schedOpts   = []sim.Option{sim.WithLogger(log)}
		logw        *metrics.LogWriter
	)
	if coordinator {
		status = e.cfg.Status
		logw = metrics.NewLogWriter(e.LogPath(), p.Header(), status, st.Source == initial.Restored)
		if c := e.cfg.Metrics; c != nil {
			ckptOpts = append(ckptOpts, checkpoint.WithWriteHook(c.ObserveCheckpoint))
			monitorOpts = append(monitorOpts,
				metrics.WithEnergyHook(c.ObserveEnergy),
				metrics.WithHaltHook(func(v metrics.Verdict) { c.ObserveHalt(v) }))
			amrOpts = append(amrOpts, amr.WithStatsHook(c.ObserveAdapt))
			schedOpts = append(schedOpts, sim.WithObserver(c))
		}
	}

	writer := checkpoint.NewWriter(engine, comm, p.Output, out.RunID, ckptOpts...)
	if err := writer.Prepare(); err != nil {
		return out, err
	}
	monitor := metrics.NewMonitor(
		metrics.NewEnergy(engine, comm, p.Derive()),
		comm, logw, metrics.NewPolicy(p.Limits), writer, monitorOpts...)

	sched := sim.New(engine, comm, p.TMax, schedOpts...)
	sched.Register(amr.New(engine, p, amrOpts...).Event())
	sched.Register(writer.Event(p))
	sched.Register(monitor.Event())
	sched.Register(metrics.Report(comm, p.TMax, p.Header(), status))

	log.Info(ctx, "run starting",
		logging.String("run_id", out.RunID.String()),
		logging.String("source", st.Source.String()),
		logging.Int("step", engine.Clock().Step),
		logging.Float("t", engine.Clock().Time),
		logging.Float("tmax", p.TMax))

	res, err := sched.Run(ctx, st.Resume)
	if res != nil {
		out.Result = *res
	}
	out.Mesh = engine.Stats()
	if err != nil {
		return out, err
	}
	log.Info(ctx, "run finished",
		logging.Int("steps", out.Result.Steps),
		logging.Float("t", out.Result.Clock.Time),
		logging.Int("leaves", out.Mesh.Leaves))
	return out, nil
}
