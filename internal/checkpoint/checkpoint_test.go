package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/san-kum/jetpool/internal/config"
	"github.com/san-kum/jetpool/internal/parallel"
	"github.com/san-kum/jetpool/internal/sim"
)

type dumpEngine struct {
	state []byte
	dumps int
}

func (e *dumpEngine) Clock() sim.Clock                                           { return sim.Clock{} }
func (e *dumpEngine) Timestep() float64                                          { return 1 }
func (e *dumpEngine) Advance(context.Context, float64) error                     { return nil }
func (e *dumpEngine) Curvature(context.Context) error                            { return nil }
func (e *dumpEngine) LocalSum(func(sim.Cell) float64) float64                    { return 0 }
func (e *dumpEngine) Stats() sim.MeshStats                                       { return sim.MeshStats{} }
func (e *dumpEngine) SetFraction(context.Context, func(sim.Point) float64) error { return nil }
func (e *dumpEngine) Refine(context.Context, func(sim.Point, int) bool, int) error {
	return nil
}

func (e *dumpEngine) AdaptWavelet(context.Context, []sim.Criterion, int, int) (sim.AdaptStats, error) {
	return sim.AdaptStats{}, nil
}

func (e *dumpEngine) SetVelocity(context.Context, func(sim.Point, float64) sim.Vector) error {
	return nil
}

func (e *dumpEngine) Dump(w io.Writer) error {
	e.dumps++
	_, err := w.Write(e.state)
	return err
}

func (e *dumpEngine) Restore(_ context.Context, payload []byte) error {
	e.state = append([]byte(nil), payload...)
	return nil
}

func testOutput(dir string) config.Output {
	out := config.Default().Output
	out.Dir = dir
	return out
}

func TestEncodeDecode(t *testing.T) {
	id := uuid.New()
	in := Artifact{
		Meta:    Meta{RunID: id, Step: 42, Time: 0.37, Dt: 1.5e-3, Resume: 2},
		Payload: bytes.Repeat([]byte("field state "), 100),
	}

	var buf bytes.Buffer
	if err := Encode(&buf, in); err != nil {
		t.Fatal(err)
	}
	if buf.Len() >= len(in.Payload) {
		t.Errorf("artifact is %d bytes, payload %d: not compressed", buf.Len(), len(in.Payload))
	}

	out, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if out.Meta != in.Meta {
		t.Errorf("meta = %+v, want %+v", out.Meta, in.Meta)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Error("payload changed in transit")
	}
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "restart"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	_, err = ReadMeta(filepath.Join(t.TempDir(), "restart"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadMeta err = %v, want ErrNotFound", err)
	}
}

func TestReadFileCorrupt(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]byte{
		"empty":     {},
		"garbage":   []byte("this is not a restart file at all, just text"),
		"truncated": nil,
	}

	var good bytes.Buffer
	if err := Encode(&good, Artifact{Payload: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	cases["truncated"] = good.Bytes()[:20]

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, data, 0644); err != nil {
				t.Fatal(err)
			}
			_, err := ReadFile(path)
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("err = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestCheckpointWritesRestartAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	eng := &dumpEngine{state: []byte("state-A")}
	var kinds []string
	w := NewWriter(eng, parallel.Solo(), testOutput(dir), uuid.New(), WithWriteHook(func(k string) { kinds = append(kinds, k) }))

	ctx := context.Background()
	if err := w.Checkpoint(ctx, sim.Clock{Step: 0, Time: 0}, 2); err != nil {
		t.Fatal(err)
	}
	eng.state = []byte("state-B")
	if err := w.Checkpoint(ctx, sim.Clock{Step: 7, Time: 0.01, Dt: 0.0014}, 2); err != nil {
		t.Fatal(err)
	}

	restart, err := ReadFile(filepath.Join(dir, "restart"))
	if err != nil {
		t.Fatal(err)
	}
	if string(restart.Payload) != "state-B" || restart.Step != 7 || restart.Resume != 2 {
		t.Errorf("restart holds %q at step %d resume %d", restart.Payload, restart.Step, restart.Resume)
	}

	snaps, err := ListSnapshots(filepath.Join(dir, "intermediate"))
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Name != "snapshot-0.0000" || snaps[1].Name != "snapshot-0.0100" {
		t.Errorf("snapshot names = %s, %s", snaps[0].Name, snaps[1].Name)
	}
	first, err := ReadFile(snaps[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(first.Payload) != "state-A" {
		t.Errorf("first snapshot was overwritten: %q", first.Payload)
	}
	if len(kinds) != 2 || kinds[0] != KindSnapshot {
		t.Errorf("hook kinds = %v", kinds)
	}
}

func TestForceWritesRestartOnly(t *testing.T) {
	dir := t.TempDir()
	eng := &dumpEngine{state: []byte("blown")}
	w := NewWriter(eng, parallel.Solo(), testOutput(dir), uuid.New())

	if err := w.Force(context.Background(), sim.Clock{Step: 15, Time: 0.2}, 3); err != nil {
		t.Fatal(err)
	}
	meta, err := ReadMeta(filepath.Join(dir, "restart"))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Step != 15 || meta.Resume != 3 {
		t.Errorf("meta = %+v", meta)
	}
	snaps, _ := ListSnapshots(filepath.Join(dir, "intermediate"))
	if len(snaps) != 0 {
		t.Errorf("forced checkpoint wrote snapshots: %v", snaps)
	}
}

func TestOnlyCoordinatorWrites(t *testing.T) {
	dir := t.TempDir()
	g, err := parallel.NewGroup(2)
	if err != nil {
		t.Fatal(err)
	}
	eng := &dumpEngine{state: []byte("x")}
	w := NewWriter(eng, g.Comm(1), testOutput(dir), uuid.New())

	if err := w.Checkpoint(context.Background(), sim.Clock{}, 1); err != nil {
		t.Fatal(err)
	}
	if eng.dumps != 0 {
		t.Error("non-coordinator dumped state")
	}
	if _, err := os.Stat(filepath.Join(dir, "restart")); !os.IsNotExist(err) {
		t.Errorf("non-coordinator wrote restart file: %v", err)
	}
}

func TestEventRecordsResumeAfterItsStage(t *testing.T) {
	dir := t.TempDir()
	p := config.Default()
	p.Output.Dir = dir
	p.TSnap = 0.5
	p.TMax = 1
	w := NewWriter(&dumpEngine{}, parallel.Solo(), p.Output, uuid.New())

	ev := w.Event(p)
	for _, tc := range []struct {
		t   float64
		due bool
	}{{0, true}, {0.25, false}, {0.5, true}, {1, true}, {1.5, false}} {
		if got := ev.When.Due(sim.Clock{Time: tc.t}); got != tc.due {
			t.Errorf("Due(%g) = %v, want %v", tc.t, got, tc.due)
		}
	}

	s := sim.New(&dumpEngine{}, parallel.Solo(), 1)
	s.Register(sim.Event{Name: "adapt", When: sim.EveryStep(), Do: func(context.Context, sim.Clock) (sim.Signal, error) { return sim.Continue, nil }})
	s.Register(ev)
	s.Register(sim.Event{Name: "stop", When: sim.EveryStep(), Do: func(context.Context, sim.Clock) (sim.Signal, error) { return sim.Halt, nil }})
	if _, err := s.Run(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	meta, err := ReadMeta(RestartPath(p.Output))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Resume != 2 {
		t.Errorf("resume = %d, want 2", meta.Resume)
	}
}

func TestListSnapshotsSortsByTime(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"snapshot-10.0000", "snapshot-2.5000", "snapshot-0.0100", "restart", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	snaps, err := ListSnapshots(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0.01, 2.5, 10}
	if len(snaps) != len(want) {
		t.Fatalf("got %d snapshots, want %d", len(snaps), len(want))
	}
	for i, s := range snaps {
		if s.Time != want[i] {
			t.Errorf("snaps[%d].Time = %g, want %g", i, s.Time, want[i])
		}
	}

	empty, err := ListSnapshots(filepath.Join(dir, "missing"))
	if err != nil || len(empty) != 0 {
		t.Errorf("missing dir = (%v, %v)", empty, err)
	}
}
