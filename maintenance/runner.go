package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramd/engram/memory"
)

// Runner periodically applies the tree maintenance passes (decay, sibling
// merge, prune) to every owner known to the store. The passes are idempotent
// and owner-scoped, so a slow or failed owner never blocks the others beyond
// its own lock.
type Runner struct {
	engine   *memory.Engine
	store    memory.NodeStore
	schedule ScheduleParser
	logger   zerolog.Logger
}

// NewRunner creates a Runner driven by the given schedule.
func NewRunner(engine *memory.Engine, store memory.NodeStore, schedule ScheduleParser, logger zerolog.Logger) *Runner {
	return &Runner{
		engine:   engine,
		store:    store,
		schedule: schedule,
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}
}

// Start blocks, running maintenance at each scheduled time until the context
// is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info().Msg("Starting maintenance runner")

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info().Msg("Maintenance runner stopped: context cancelled")
			return
		case <-timer.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce applies one maintenance cycle across all owners.
func (r *Runner) RunOnce(ctx context.Context) {
	owners, err := r.store.ListOwners(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list owners")
		return
	}
	if len(owners) == 0 {
		return
	}

	r.logger.Debug().Int("owners", len(owners)).Msg("Maintenance cycle starting")
	for _, ownerID := range owners {
		r.maintainOwner(ctx, ownerID)
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Runner) maintainOwner(ctx context.Context, ownerID string) {
	decayed, err := r.engine.Decay(ctx, ownerID)
	if err != nil {
		r.logger.Warn().Err(err).Str("ownerID", ownerID).Msg("Decay pass failed")
		return
	}

	merges, err := r.engine.MergePass(ctx, ownerID)
	if err != nil {
		r.logger.Warn().Err(err).Str("ownerID", ownerID).Msg("Merge pass failed")
		return
	}

	pruned, err := r.engine.Prune(ctx, ownerID)
	if err != nil {
		r.logger.Warn().Err(err).Str("ownerID", ownerID).Msg("Prune pass failed")
		return
	}

	if decayed > 0 || merges > 0 || pruned > 0 {
		r.logger.Info().
			Str("ownerID", ownerID).
			Int("decayed", decayed).
			Int("merges", merges).
			Int("pruned", pruned).
			Msg("Owner maintenance complete")
	}
}
