// Package checkpoint serializes engine state to the rolling restart file and
// to time-stamped snapshots, and reads them back.
package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/san-kum/jetpool/internal/config"
	"github.com/san-kum/jetpool/internal/logging"
	"github.com/san-kum/jetpool/internal/parallel"
	"github.com/san-kum/jetpool/internal/sim"
)

// Kinds reported to write hooks.
const (
	KindSnapshot = "snapshot"
	KindForced   = "forced"
)

// Writer owns the checkpoint outputs of one worker. Only the coordinator
// touches the filesystem; on other ranks every method is a no-op.
type Writer struct {
	engine      sim.Engine
	comm        parallel.Comm
	restartPath string
	snapshotDir string
	runID       uuid.UUID
	prepared    bool
	log         logging.Logger
	onWrite     []func(kind string)
}

type Option func(*Writer)

func WithLogger(l logging.Logger) Option {
	return func(w *Writer) { w.log = l }
}

// WithWriteHook registers fn to be called after every successful write.
func WithWriteHook(fn func(kind string)) Option {
	return func(w *Writer) { w.onWrite = append(w.onWrite, fn) }
}

func NewWriter(engine sim.Engine, comm parallel.Comm, out config.Output, runID uuid.UUID, opts ...Option) *Writer {
	w := &Writer{
		engine:      engine,
		comm:        comm,
		restartPath: RestartPath(out),
		snapshotDir: SnapshotDir(out),
		runID:       runID,
		log:         logging.Noop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func RestartPath(out config.Output) string { return filepath.Join(out.Dir, out.RestartFile) }
func SnapshotDir(out config.Output) string { return filepath.Join(out.Dir, out.SnapshotDir) }

// SnapshotName is the file name of the snapshot taken at time t.
func SnapshotName(t float64) string { return fmt.Sprintf("snapshot-%5.4f", t) }

// Prepare creates the snapshot directory. It runs once; later calls return nil.
func (w *Writer) Prepare() error {
	if !parallel.IsCoordinator(w.comm) || w.prepared {
		return nil
	}
	if err := os.MkdirAll(w.snapshotDir, 0755); err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", w.snapshotDir, err)
	}
	w.prepared = true
	return nil
}

func (w *Writer) capture(c sim.Clock, resume int) (Artifact, error) {
	var buf bytes.Buffer
	if err := w.engine.Dump(&buf); err != nil {
		return Artifact{}, fmt.Errorf("checkpoint: dump: %w", err)
	}
	return Artifact{
		Meta: Meta{
			RunID:  w.runID,
			Step:   c.Step,
			Time:   c.Time,
			Dt:     c.Dt,
			Resume: resume,
		},
		Payload: buf.Bytes(),
	}, nil
}

// Checkpoint overwrites the restart file and writes the snapshot for c.Time.
// resume is the stage index a restored run continues from.
func (w *Writer) Checkpoint(ctx context.Context, c sim.Clock, resume int) error {
	if !parallel.IsCoordinator(w.comm) {
		return nil
	}
	if err := w.Prepare(); err != nil {
		return err
	}
	a, err := w.capture(c, resume)
	if err != nil {
		return err
	}
	if err := WriteFile(w.restartPath, a); err != nil {
		return fmt.Errorf("checkpoint: write restart: %w", err)
	}
	snap := filepath.Join(w.snapshotDir, SnapshotName(c.Time))
	if err := WriteFile(snap, a); err != nil {
		return fmt.Errorf("checkpoint: write snapshot: %w", err)
	}
	w.log.Info(ctx, "checkpoint written",
		logging.Int("step", c.Step),
		logging.Float("t", c.Time),
		logging.String("snapshot", snap))
	w.notify(KindSnapshot)
	return nil
}

// Force overwrites only the restart file. It preserves the state of a run
// that is about to halt.
func (w *Writer) Force(ctx context.Context, c sim.Clock, resume int) error {
	if !parallel.IsCoordinator(w.comm) {
		return nil
	}
	a, err := w.capture(c, resume)
	if err != nil {
		return err
	}
	if err := WriteFile(w.restartPath, a); err != nil {
		return fmt.Errorf("checkpoint: write restart: %w", err)
	}
	w.log.Warn(ctx, "forced checkpoint written", logging.Int("step", c.Step), logging.Float("t", c.Time))
	w.notify(KindForced)
	return nil
}

func (w *Writer) notify(kind string) {
	for _, fn := range w.onWrite {
		fn(kind)
	}
}

// Event fires at 0, tsnap, 2 tsnap, ... up to and including tmax.
func (w *Writer) Event(p config.Params) sim.Event {
	return sim.Event{
		Name: "snapshot",
		When: sim.Periodic{Start: 0, Interval: p.TSnap, End: p.TMax},
		Do: func(ctx context.Context, c sim.Clock) (sim.Signal, error) {
			return sim.Continue, w.Checkpoint(ctx, c, sim.StageIndex(ctx)+1)
		},
	}
}
