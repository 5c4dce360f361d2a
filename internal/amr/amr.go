// Package amr decides, once per step, where the mesh needs more or less
// resolution. The estimation and the tree surgery belong to the engine; this
// package owns the monitored field list, the tolerances and the level bounds.
package amr

import (
	"context"
	"fmt"

	"github.com/san-kum/jetpool/internal/config"
	"github.com/san-kum/jetpool/internal/logging"
	"github.com/san-kum/jetpool/internal/sim"
)

// Criteria returns the monitored fields paired with their tolerances, in the
// order the engine evaluates them.
func Criteria(t config.Tolerances) []sim.Criterion {
	return []sim.Criterion{
		{Field: sim.FieldF, Tolerance: t.F},
		{Field: sim.FieldUX, Tolerance: t.Vel},
		{Field: sim.FieldUY, Tolerance: t.Vel},
		{Field: sim.FieldKappa, Tolerance: t.K},
		{Field: sim.FieldA11, Tolerance: t.A},
		{Field: sim.FieldA22, Tolerance: t.A},
		{Field: sim.FieldAThTh, Tolerance: t.A},
		{Field: sim.FieldA12, Tolerance: t.A},
	}
}

type Controller struct {
	engine   sim.Engine
	criteria []sim.Criterion
	maxLevel int
	minLevel int
	log      logging.Logger
	onAdapt  []func(sim.AdaptStats)
}

type Option func(*Controller)

func WithLogger(l logging.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithStatsHook registers fn to receive the outcome of every adaptation.
func WithStatsHook(fn func(sim.AdaptStats)) Option {
	return func(c *Controller) { c.onAdapt = append(c.onAdapt, fn) }
}

func New(engine sim.Engine, p config.Params, opts ...Option) *Controller {
	c := &Controller{
		engine:   engine,
		criteria: Criteria(p.Tolerances),
		maxLevel: p.MaxLevel,
		minLevel: p.MinLevel,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Criteria() []sim.Criterion {
	out := make([]sim.Criterion, len(c.criteria))
	copy(out, c.criteria)
	return out
}

// Adapt refreshes the curvature from the volume fraction, then asks the engine
// to refine and coarsen against the monitored criteria.
func (c *Controller) Adapt(ctx context.Context) (sim.AdaptStats, error) {
	if err := c.engine.Curvature(ctx); err != nil {
		return sim.AdaptStats{}, fmt.Errorf("amr: curvature: %w", err)
	}
	stats, err := c.engine.AdaptWavelet(ctx, c.criteria, c.maxLevel, c.minLevel)
	if err != nil {
		return stats, fmt.Errorf("amr: adapt: %w", err)
	}
	for _, fn := range c.onAdapt {
		fn(stats)
	}
	c.log.Debug(ctx, "mesh adapted",
		logging.Int("refined", stats.Refined),
		logging.Int("coarsened", stats.Coarsened),
		logging.Int("leaves", stats.Leaves))
	return stats, nil
}

// Event wraps Adapt as the every-step adaptation stage.
func (c *Controller) Event() sim.Event {
	return sim.Event{
		Name: "adapt",
		When: sim.EveryStep(),
		Do: func(ctx context.Context, _ sim.Clock) (sim.Signal, error) {
			_, err := c.Adapt(ctx)
			return sim.Continue, err
		},
	}
}
