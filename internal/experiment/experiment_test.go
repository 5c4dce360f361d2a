package experiment

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/san-kum/jetpool/internal/bc"
	"github.com/san-kum/jetpool/internal/checkpoint"
	"github.com/san-kum/jetpool/internal/config"
	"github.com/san-kum/jetpool/internal/initial"
	"github.com/san-kum/jetpool/internal/mesh"
	"github.com/san-kum/jetpool/internal/metrics"
	"github.com/san-kum/jetpool/internal/parallel"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func smallRun(dir string, tmax float64) config.Params {
	p := config.Default()
	p.DomainSize = 8
	p.MinLevel = 2
	p.InitLevel = 4
	p.MaxLevel = 5
	p.Epsilon = 0.5
	p.TMax = tmax
	p.TSnap = 0.01
	p.Output.Dir = dir
	return p
}

func run(p config.Params, status *bytes.Buffer) (*Experiment, *Outcome) {
	exp, err := New(Config{Params: p, Status: status})
	Expect(err).NotTo(HaveOccurred())
	out, err := exp.Run(context.Background())
	Expect(err).NotTo(HaveOccurred())
	return exp, out
}

func state(exp *Experiment) []byte {
	var buf bytes.Buffer
	Expect(exp.Forest().Engine(parallel.Solo()).Dump(&buf)).To(Succeed())
	return buf.Bytes()
}

func records(exp *Experiment) []metrics.Record {
	log, err := metrics.ReadLog(exp.LogPath())
	Expect(err).NotTo(HaveOccurred())
	return log.Records
}

var _ = Describe("Experiment", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("rejects invalid parameters before touching the disk", func() {
		p := smallRun(dir, 0.03)
		p.Re = 0
		_, err := New(Config{Params: p})
		Expect(err).To(MatchError(config.ErrInvalid))
		entries, _ := os.ReadDir(dir)
		Expect(entries).To(BeEmpty())
	})

	It("runs a fresh start to the end time", func() {
		p := smallRun(dir, 0.03)
		var status bytes.Buffer
		exp, out := run(p, &status)

		Expect(out.Start.Source).To(Equal(initial.Fresh))
		Expect(out.Result.Halted).To(BeFalse())
		Expect(out.Result.Clock.Time).To(BeNumerically("~", 0.03, 1e-12))
		Expect(out.Mesh.MaxLevel).To(BeNumerically("<=", p.MaxLevel))
		Expect(exp.Forest().Balanced()).To(BeTrue())

		snaps, err := checkpoint.ListSnapshots(checkpoint.SnapshotDir(p.Output))
		Expect(err).NotTo(HaveOccurred())
		Expect(snaps).To(HaveLen(4))
		Expect(snaps[0].Name).To(Equal("snapshot-0.0000"))
		Expect(snaps[3].Name).To(Equal("snapshot-0.0300"))

		// The inlet starts refined to the finest level.
		first, err := checkpoint.ReadFile(snaps[0].Path)
		Expect(err).NotTo(HaveOccurred())
		start, err := mesh.NewForest(p, bc.JetOnPool(p.Epsilon))
		Expect(err).NotTo(HaveOccurred())
		Expect(start.Engine(parallel.Solo()).Restore(context.Background(), first.Payload)).To(Succeed())
		Expect(start.Stats().MaxLevel).To(Equal(p.MaxLevel))
		Expect(start.Stats().MinLevel).To(BeNumerically(">=", p.MinLevel))

		meta, err := checkpoint.ReadMeta(checkpoint.RestartPath(p.Output))
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.RunID).To(Equal(out.RunID))
		Expect(meta.Step).To(Equal(out.Result.Clock.Step))
		Expect(meta.Resume).To(Equal(2))

		log, err := metrics.ReadLog(exp.LogPath())
		Expect(err).NotTo(HaveOccurred())
		Expect(log.Header).To(Equal(p.Header()))
		Expect(log.Records).To(HaveLen(out.Result.Steps + 1))
		for i, r := range log.Records {
			Expect(r.Step).To(Equal(i))
			Expect(r.KE).To(BeNumerically(">=", 0))
			if i > 0 {
				Expect(r.Time - log.Records[i-1].Time).To(BeNumerically("~", r.Dt, 1e-5))
			}
		}

		lines := strings.Split(strings.TrimSpace(status.String()), "\n")
		Expect(lines[0]).To(Equal(p.Header()))
		Expect(lines[1]).To(Equal(metrics.Columns))
		Expect(lines[len(lines)-1]).To(Equal(p.Header()))
	})

	It("continues a checkpointed run exactly like an uninterrupted one", func() {
		whole := smallRun(filepath.Join(dir, "whole"), 0.06)
		split := smallRun(filepath.Join(dir, "split"), 0.03)
		Expect(os.MkdirAll(whole.Output.Dir, 0755)).To(Succeed())
		Expect(os.MkdirAll(split.Output.Dir, 0755)).To(Succeed())

		wholeExp, wholeOut := run(whole, &bytes.Buffer{})

		firstExp, firstOut := run(split, &bytes.Buffer{})
		cut := firstOut.Result.Clock.Step
		Expect(records(firstExp)).To(HaveLen(cut + 1))

		split.TMax = 0.06
		resumedExp, resumedOut := run(split, &bytes.Buffer{})
		Expect(resumedOut.Start.Source).To(Equal(initial.Restored))
		Expect(resumedOut.Start.Resume).To(Equal(2))
		Expect(resumedOut.RunID).To(Equal(firstOut.RunID))
		Expect(resumedOut.Result.Clock).To(Equal(wholeOut.Result.Clock))
		Expect(state(resumedExp)).To(Equal(state(wholeExp)))

		var after []metrics.Record
		for _, r := range records(resumedExp) {
			if r.Step > cut {
				after = append(after, r)
			}
		}
		var want []metrics.Record
		for _, r := range records(wholeExp) {
			if r.Step > cut {
				want = append(want, r)
			}
		}
		Expect(after).NotTo(BeEmpty())
		Expect(after).To(Equal(want))
	})

	It("gives the same run on several workers", func() {
		solo := smallRun(filepath.Join(dir, "solo"), 0.02)
		group := smallRun(filepath.Join(dir, "group"), 0.02)
		group.Workers = 3
		Expect(os.MkdirAll(solo.Output.Dir, 0755)).To(Succeed())
		Expect(os.MkdirAll(group.Output.Dir, 0755)).To(Succeed())

		soloExp, soloOut := run(solo, &bytes.Buffer{})
		groupExp, groupOut := run(group, &bytes.Buffer{})

		Expect(groupOut.Result.Clock).To(Equal(soloOut.Result.Clock))
		Expect(state(groupExp)).To(Equal(state(soloExp)))
		soloLog, groupLog := records(soloExp), records(groupExp)
		Expect(groupLog).To(HaveLen(len(soloLog)))
		for i := range soloLog {
			Expect(groupLog[i].Step).To(Equal(soloLog[i].Step))
			Expect(groupLog[i].KE).To(BeNumerically("~", soloLog[i].KE, 1e-5*soloLog[i].KE))
		}
	})

	It("halts every worker and forces a checkpoint when the energy blows up", func() {
		p := smallRun(dir, 1)
		p.Workers = 2
		p.Limits.WarmupSteps = 2
		p.Limits.EnergyCeiling = 1e-6
		p.Limits.EnergyFloor = 1e-9
		var status bytes.Buffer
		exp, out := run(p, &status)

		Expect(out.Result.Halted).To(BeTrue())
		Expect(out.Result.HaltedBy).To(Equal("diagnostics"))
		Expect(out.Result.Clock.Step).To(Equal(3))

		meta, err := checkpoint.ReadMeta(checkpoint.RestartPath(p.Output))
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.Step).To(Equal(3))
		Expect(meta.Resume).To(Equal(3))

		log, err := metrics.ReadLog(exp.LogPath())
		Expect(err).NotTo(HaveOccurred())
		last, ok := log.Last()
		Expect(ok).To(BeTrue())
		Expect(last.Step).To(Equal(3))
		Expect(log.Notes).To(ContainElement(metrics.BlewUp.Message(last.KE)))
		Expect(status.String()).To(ContainSubstring("blew up"))
	})

	It("starts from the restart file when one is present", func() {
		p := smallRun(dir, 0.02)
		_, first := run(p, &bytes.Buffer{})
		Expect(first.Start.Source).To(Equal(initial.Fresh))

		_, again := run(p, &bytes.Buffer{})
		Expect(again.Start.Source).To(Equal(initial.Restored))
		Expect(again.Result.Steps).To(BeZero())
		Expect(again.Result.Clock).To(Equal(first.Result.Clock))
		Expect(again.Result.Clock.Step).To(BeNumerically(">", 0))
	})
})
