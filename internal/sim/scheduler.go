package sim

import (
	"context"
	"fmt"
	"math"

	"github.com/san-kum/jetpool/internal/logging"
	"github.com/san-kum/jetpool/internal/parallel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/san-kum/jetpool/internal/sim"

type stageKey struct{}

// StageIndex returns the position of the event currently running, or -1
// outside an event body.
func StageIndex(ctx context.Context) int {
	if v, ok := ctx.Value(stageKey{}).(int); ok {
		return v
	}
	return -1
}

// Scheduler drives one worker through the step loop. Every step runs the
// due events in registration order, agrees on a halt verdict with the other
// workers, then advances the engine by one clamped timestep.
type Scheduler struct {
	engine    Engine
	comm      parallel.Comm
	events    []Event
	end       float64
	observers []Observer
	log       logging.Logger
	tracer    trace.Tracer
}

type Option func(*Scheduler)

func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

func New(engine Engine, comm parallel.Comm, end float64, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine: engine,
		comm:   comm,
		end:    end,
		log:    logging.Noop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register appends an event. Registration order is firing order.
func (s *Scheduler) Register(ev Event) { s.events = append(s.events, ev) }

func (s *Scheduler) Events() []Event { return s.events }

func (s *Scheduler) endTrigger() At { return At{T: s.end} }

// Run loops until the clock reaches the end time or any worker's event
// signals a halt. On the first step, events before index resume are
// skipped; a run restored from a checkpoint passes the index recorded with
// the checkpoint so the interrupted step is not repeated.
func (s *Scheduler) Run(ctx context.Context, resume int) (*Result, error) {
	if !(s.end > 0) {
		return nil, ErrNoEnd
	}
	if resume < 0 || resume > len(s.events) {
		return nil, fmt.Errorf("sim: resume index %d outside [0, %d]", resume, len(s.events))
	}

	res := &Result{}
	first := resume

	for {
		if err := ctx.Err(); err != nil {
			res.Clock = s.engine.Clock()
			return res, err
		}

		c := s.engine.Clock()
		halt, by, err := s.step(ctx, c, first)
		first = 0
		if err != nil {
			res.Clock = c
			return res, err
		}

		var vote float64
		if halt {
			vote = 1
		}
		votes, err := s.comm.AllReduceSum(ctx, vote)
		if err != nil {
			res.Clock = c
			return res, &StepError{Step: c.Step, Time: c.Time, Err: err}
		}
		if votes > 0 {
			res.Clock = c
			res.Halted = true
			res.HaltedBy = by
			s.log.Info(ctx, "run halted", logging.Int("step", c.Step), logging.Float("t", c.Time), logging.String("event", by))
			return res, nil
		}

		if s.endTrigger().Due(c) {
			res.Clock = c
			return res, nil
		}

		if err := s.advance(ctx, c); err != nil {
			res.Clock = c
			return res, err
		}
		res.Steps++

		next := s.engine.Clock()
		stats := s.engine.Stats()
		for _, o := range s.observers {
			o.OnStep(next, stats)
		}
	}
}

func (s *Scheduler) step(ctx context.Context, c Clock, first int) (bool, string, error) {
	ctx, span := s.tracer.Start(ctx, "step", trace.WithAttributes(
		attribute.Int("sim.step", c.Step),
		attribute.Float64("sim.time", c.Time),
		attribute.Int("worker.rank", s.comm.Rank()),
	))
	defer span.End()

	var (
		halt bool
		by   string
	)
	for i := first; i < len(s.events); i++ {
		ev := s.events[i]
		if !ev.When.Due(c) {
			continue
		}
		evCtx, evSpan := s.tracer.Start(ctx, ev.Name)
		sig, err := ev.Do(context.WithValue(evCtx, stageKey{}, i), c)
		if err != nil {
			evSpan.RecordError(err)
			evSpan.SetStatus(codes.Error, err.Error())
			evSpan.End()
			span.SetStatus(codes.Error, ev.Name)
			return false, "", &StepError{Step: c.Step, Time: c.Time, Event: ev.Name, Err: err}
		}
		evSpan.End()
		if sig == Halt && !halt {
			halt, by = true, ev.Name
			span.SetAttributes(attribute.String("sim.halted_by", ev.Name))
		}
	}
	return halt, by, nil
}

func (s *Scheduler) advance(ctx context.Context, c Clock) error {
	tnext := s.endTrigger().Next(c.Time)
	for _, ev := range s.events {
		tnext = math.Min(tnext, ev.When.Next(c.Time))
	}

	proposed := s.engine.Timestep()
	if !(proposed > 0) || math.IsInf(proposed, 0) {
		return &StepError{Step: c.Step, Time: c.Time, Err: fmt.Errorf("%w: engine proposed %g", ErrBadTimestep, proposed)}
	}
	dt := NextStep(c.Time, proposed, tnext)
	if !(dt > 0) {
		return &StepError{Step: c.Step, Time: c.Time, Err: fmt.Errorf("%w: %g", ErrBadTimestep, dt)}
	}

	if err := s.engine.Advance(ctx, dt); err != nil {
		return &StepError{Step: c.Step, Time: c.Time, Event: "advance", Err: err}
	}
	next := s.engine.Clock()
	if next.Step <= c.Step || !(next.Time > c.Time) {
		return &StepError{Step: c.Step, Time: c.Time, Err: ErrClockStalled}
	}
	return nil
}
