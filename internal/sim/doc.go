// Package sim is the control loop of a jet-on-pool run.
//
// The numerical work is delegated to an [Engine]. This package owns the
// orchestration around it:
//
//   - [Clock]: step index, physical time and last step size
//   - [Event]: a named [Action] with a [Trigger]
//   - [Scheduler]: runs due events in registration order, reaches a halt
//     verdict across workers, then advances the engine by one step
//
// Time triggers are matched with a tolerance and the step size is clamped
// with [NextStep] so periodic events land exactly on their times.
//
// # Example
//
//	s := sim.New(engine, comm, params.TMax)
//	s.Register(sim.Event{Name: "adapt", When: sim.EveryStep(), Do: adapt})
//	s.Register(sim.Event{Name: "snapshot", When: sim.Periodic{Interval: 0.01, End: 1}, Do: dump})
//	res, err := s.Run(ctx, 0)
package sim
