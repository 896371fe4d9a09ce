package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// SweepOrphans removes sandbox environments left behind by crashed or
// killed processes. Environments owned by an active run of this Runner and
// environments younger than OrphanMinAge are left alone, since another
// process may own them.
func (r *Runner) SweepOrphans(ctx context.Context) (int, error) {
	return r.sweep(ctx, r.cfg.OrphanMinAge)
}

// SweepAll removes every sandbox environment not owned by an active run of
// this Runner, regardless of age. Intended for operator use when no other
// sandbox process shares the engine.
func (r *Runner) SweepAll(ctx context.Context) (int, error) {
	return r.sweep(ctx, 0)
}

func (r *Runner) sweep(ctx context.Context, minAge time.Duration) (int, error) {
	envs, err := r.engine.List(ctx, NamePrefix)
	if err != nil {
		return 0, fmt.Errorf("listing environments: %w", err)
	}

	now := time.Now()
	var cleaned int
	for _, env := range envs {
		if _, active := r.live.Load(env.Name); active {
			continue
		}
		if minAge > 0 && !env.Created.IsZero() && now.Sub(env.Created) < minAge {
			continue
		}

		logger := log.With().Str("environment", env.ID).Str("name", env.Name).Logger()
		logger.Info().Msg("removing orphaned sandbox environment")

		if err := r.engine.Destroy(ctx, env.ID); err != nil {
			logger.Error().Err(err).Msg("failed to remove orphaned environment")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		r.metrics.RecordOrphansRemoved(cleaned)
		log.Info().Int("count", cleaned).Msg("cleaned up orphaned environments")
	}
	return cleaned, nil
}

// StartSweeper sweeps once immediately and then every interval until ctx
// is done.
func (r *Runner) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		if _, err := r.SweepOrphans(ctx); err != nil {
			log.Warn().Err(err).Msg("orphan sweep failed")
		}
		if interval <= 0 {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.SweepOrphans(ctx); err != nil {
					log.Warn().Err(err).Msg("orphan sweep failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
