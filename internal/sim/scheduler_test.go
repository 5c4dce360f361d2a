package sim

import (
	"context"
	"errors"
	"math"

	"github.com/san-kum/jetpool/internal/parallel"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type firing struct {
	event string
	clock Clock
}

type recorder struct {
	fired []firing
}

func (r *recorder) action(name string) Action {
	return func(_ context.Context, c Clock) (Signal, error) {
		r.fired = append(r.fired, firing{event: name, clock: c})
		return Continue, nil
	}
}

func (r *recorder) times(name string) []float64 {
	var out []float64
	for _, f := range r.fired {
		if f.event == name {
			out = append(out, f.clock.Time)
		}
	}
	return out
}

func (r *recorder) steps(name string) []int {
	var out []int
	for _, f := range r.fired {
		if f.event == name {
			out = append(out, f.clock.Step)
		}
	}
	return out
}

var _ = Describe("Scheduler", func() {
	var (
		ctx    context.Context
		engine *fakeEngine
		rec    *recorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		engine = newFakeEngine(0.003)
		rec = &recorder{}
	})

	standard := func(end, interval float64) *Scheduler {
		s := New(engine, parallel.Solo(), end)
		s.Register(Event{Name: "adapt", When: EveryStep(), Do: rec.action("adapt")})
		s.Register(Event{Name: "snapshot", When: Periodic{Start: 0, Interval: interval, End: end}, Do: rec.action("snapshot")})
		s.Register(Event{Name: "log", When: EveryStep(), Do: rec.action("log")})
		s.Register(Event{Name: "end", When: At{T: end}, Do: rec.action("end")})
		return s
	}

	It("fires due events in registration order every step", func() {
		s := standard(0.02, 0.01)
		res, err := s.Run(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Halted).To(BeFalse())

		Expect(rec.fired[0].event).To(Equal("adapt"))
		Expect(rec.fired[1].event).To(Equal("snapshot"))
		Expect(rec.fired[2].event).To(Equal("log"))

		last := rec.fired[len(rec.fired)-4:]
		Expect([]string{last[0].event, last[1].event, last[2].event, last[3].event}).
			To(Equal([]string{"adapt", "snapshot", "log", "end"}))
	})

	It("advances time by exactly the reported step size", func() {
		s := standard(0.05, 0.01)
		_, err := s.Run(ctx, 0)
		Expect(err).NotTo(HaveOccurred())

		var prev *Clock
		for _, f := range rec.fired {
			if f.event != "log" {
				continue
			}
			c := f.clock
			if prev != nil {
				Expect(c.Step).To(Equal(prev.Step + 1))
				Expect(c.Time).To(BeNumerically(">", prev.Time))
				Expect(c.Time - prev.Time).To(BeNumerically("~", c.Dt, 1e-15))
				Expect(c.Dt).To(BeNumerically("<=", 0.003*(1+1e-8)))
			} else {
				Expect(c.Dt).To(BeZero())
			}
			cc := c
			prev = &cc
		}
	})

	It("fires the snapshot cadence with no missed or duplicate firings", func() {
		s := standard(0.05, 0.01)
		_, err := s.Run(ctx, 0)
		Expect(err).NotTo(HaveOccurred())

		want := Periodic{Start: 0, Interval: 0.01, End: 0.05}.Times()
		got := rec.times("snapshot")
		Expect(got).To(HaveLen(len(want)))
		for i := range want {
			Expect(got[i]).To(BeNumerically("~", want[i], 1e-12))
		}
	})

	It("fires the end report exactly once at the end time", func() {
		s := standard(0.05, 0.01)
		res, err := s.Run(ctx, 0)
		Expect(err).NotTo(HaveOccurred())

		Expect(rec.times("end")).To(HaveLen(1))
		Expect(rec.times("end")[0]).To(BeNumerically("~", 0.05, 1e-12))
		Expect(res.Clock.Time).To(BeNumerically("~", 0.05, 1e-12))
		Expect(res.Steps).To(Equal(engine.advances))
	})

	It("lands on the end time even when the interval does not divide it", func() {
		s := standard(0.025, 0.01)
		res, err := s.Run(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Clock.Time).To(BeNumerically("~", 0.025, 1e-12))
		Expect(rec.times("snapshot")).To(HaveLen(3))
	})

	It("reaches the end time and its snapshot when resumed near the end with small steps", func() {
		engine = newFakeEngine(3e-5)
		engine.clock = Clock{Step: 9999, Time: 99.99, Dt: 0.01}
		s := standard(100, 0.01)
		res, err := s.Run(ctx, 0)
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Clock.Time).To(BeNumerically("~", 100, 1e-9))
		snaps := rec.times("snapshot")
		Expect(snaps).To(HaveLen(2))
		Expect(snaps[0]).To(BeNumerically("~", 99.99, 1e-9))
		Expect(snaps[1]).To(BeNumerically("~", 100, 1e-9))
		Expect(rec.times("end")).To(HaveLen(1))
		Expect(rec.times("end")[0]).To(BeNumerically("~", 100, 1e-9))
		Expect(res.Steps).To(BeNumerically(">", 300))
	})

	It("does not fire the end report a few small steps early", func() {
		a := At{T: 100}
		Expect(a.Due(Clock{Time: 100 - 3e-5})).To(BeFalse())
		Expect(a.Next(100 - 3e-5)).To(Equal(100.0))
	})

	It("finishes the halting step's remaining events and starts no new step", func() {
		s := New(engine, parallel.Solo(), 1)
		s.Register(Event{Name: "adapt", When: EveryStep(), Do: rec.action("adapt")})
		s.Register(Event{Name: "diagnostics", When: EveryStep(), Do: func(_ context.Context, c Clock) (Signal, error) {
			rec.fired = append(rec.fired, firing{event: "diagnostics", clock: c})
			if c.Step == 15 {
				return Halt, nil
			}
			return Continue, nil
		}})
		s.Register(Event{Name: "after", When: EveryStep(), Do: rec.action("after")})

		res, err := s.Run(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Halted).To(BeTrue())
		Expect(res.HaltedBy).To(Equal("diagnostics"))
		Expect(res.Clock.Step).To(Equal(15))
		Expect(engine.clock.Step).To(Equal(15))

		afters := rec.steps("after")
		Expect(afters[len(afters)-1]).To(Equal(15))
		Expect(rec.steps("adapt")).NotTo(ContainElement(16))
	})

	It("skips events before the resume index on the first step only", func() {
		s := standard(0.01, 0.01)
		_, err := s.Run(ctx, 2)
		Expect(err).NotTo(HaveOccurred())

		Expect(rec.steps("adapt")[0]).To(Equal(1))
		Expect(rec.steps("snapshot")).To(Equal([]int{4}))
		Expect(rec.steps("log")[0]).To(Equal(0))
	})

	It("exposes the running event index to event bodies", func() {
		s := New(engine, parallel.Solo(), 0.003)
		var seen []int
		probe := func(ctx context.Context, _ Clock) (Signal, error) {
			seen = append(seen, StageIndex(ctx))
			return Continue, nil
		}
		s.Register(Event{Name: "a", When: EveryStep(), Do: probe})
		s.Register(Event{Name: "b", When: EveryStep(), Do: probe})
		_, err := s.Run(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(seen[:2]).To(Equal([]int{0, 1}))
		Expect(StageIndex(ctx)).To(Equal(-1))
	})

	It("wraps event failures with the clock", func() {
		boom := errors.New("boom")
		s := New(engine, parallel.Solo(), 1)
		s.Register(Event{Name: "adapt", When: EveryStep(), Do: func(_ context.Context, c Clock) (Signal, error) {
			if c.Step == 3 {
				return Continue, boom
			}
			return Continue, nil
		}})

		_, err := s.Run(ctx, 0)
		Expect(err).To(MatchError(boom))
		var se *StepError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Step).To(Equal(3))
		Expect(se.Event).To(Equal("adapt"))
	})

	It("stops with the context error when the run is cancelled", func() {
		cctx, cancel := context.WithCancel(ctx)
		s := New(engine, parallel.Solo(), 1)
		s.Register(Event{Name: "diagnostics", When: EveryStep(), Do: func(_ context.Context, c Clock) (Signal, error) {
			if c.Step == 4 {
				cancel()
			}
			return Continue, nil
		}})
		res, err := s.Run(cctx, 0)
		Expect(err).To(MatchError(context.Canceled))
		Expect(res.Halted).To(BeFalse())
		Expect(res.Clock.Step).To(BeNumerically(">=", 4))
		Expect(res.Clock.Step).To(BeNumerically("<=", 5))
	})

	It("surfaces engine failures", func() {
		engine.failAt = 2
		engine.err = errors.New("solver diverged")
		s := standard(1, 0.01)
		_, err := s.Run(ctx, 0)
		Expect(err).To(MatchError(engine.err))
	})

	It("rejects a non-positive timestep proposal", func() {
		engine.stable = 0
		s := standard(1, 0.01)
		_, err := s.Run(ctx, 0)
		Expect(errors.Is(err, ErrBadTimestep)).To(BeTrue())
	})

	It("rejects an invalid resume index", func() {
		s := standard(1, 0.01)
		_, err := s.Run(ctx, 9)
		Expect(err).To(HaveOccurred())
	})

	It("halts every worker on the same step when one worker votes", func() {
		const workers = 3
		final := make([]Result, workers)

		err := parallel.Run(ctx, workers, func(ctx context.Context, c parallel.Comm) error {
			e := newFakeEngine(0.003)
			s := New(e, c, 1)
			s.Register(Event{Name: "diagnostics", When: EveryStep(), Do: func(_ context.Context, clk Clock) (Signal, error) {
				if parallel.IsCoordinator(c) && clk.Step == 7 {
					return Halt, nil
				}
				return Continue, nil
			}})
			res, err := s.Run(ctx, 0)
			if err != nil {
				return err
			}
			final[c.Rank()] = *res
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		for rank, r := range final {
			Expect(r.Halted).To(BeTrue(), "rank %d", rank)
			Expect(r.Clock.Step).To(Equal(7), "rank %d", rank)
		}
		Expect(final[0].HaltedBy).To(Equal("diagnostics"))
		Expect(final[1].HaltedBy).To(BeEmpty())
	})
})

var _ = Describe("Triggers", func() {
	It("matches periodic times within tolerance", func() {
		p := Periodic{Start: 0, Interval: 0.01, End: 0.1}
		Expect(p.Due(Clock{Time: 0})).To(BeTrue())
		Expect(p.Due(Clock{Time: 0.03 + 1e-12})).To(BeTrue())
		Expect(p.Due(Clock{Time: 0.035})).To(BeFalse())
		Expect(p.Due(Clock{Time: 0.1})).To(BeTrue())
		Expect(p.Due(Clock{Time: 0.11})).To(BeFalse())
	})

	It("reports the next firing strictly after t", func() {
		p := Periodic{Start: 0.5, Interval: 0.25, End: 1}
		Expect(p.Next(0)).To(Equal(0.5))
		Expect(p.Next(0.5)).To(BeNumerically("~", 0.75, 1e-15))
		Expect(p.Next(0.6)).To(BeNumerically("~", 0.75, 1e-15))
		Expect(math.IsInf(p.Next(1), 1)).To(BeTrue())
		Expect(p.Times()).To(HaveLen(3))
	})

	It("fires At once the time is reached", func() {
		a := At{T: 2}
		Expect(a.Due(Clock{Time: 1.9})).To(BeFalse())
		Expect(a.Due(Clock{Time: 2 - 1e-9})).To(BeTrue())
		Expect(a.Next(1)).To(Equal(2.0))
		Expect(math.IsInf(a.Next(2), 1)).To(BeTrue())
	})

	DescribeTable("NextStep",
		func(t, dt, tnext, want float64) {
			Expect(NextStep(t, dt, tnext)).To(BeNumerically("~", want, 1e-15))
		},
		Entry("no event ahead", 0.0, 0.1, math.Inf(1), 0.1),
		Entry("event closer than one step", 0.0, 0.1, 0.04, 0.04),
		Entry("event an exact multiple away", 0.0, 0.1, 0.3, 0.1),
		Entry("event between multiples splits evenly", 0.0, 0.1, 0.25, 0.25/3),
		Entry("event in the past", 1.0, 0.1, 0.5, 0.1),
	)
})
