// Copyright 2024-2026 Aiku AI

package mirror

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs the daily retention sweep: delete processed-identity rows
// older than the configured window, then clear the duplicate-code cache.
// It alternates between two phases forever: Wait (sleep until the
// configured time-of-day) and Sweep. Configuration is re-read from disk at
// the start of every cycle and again before the sweep, so admin edits
// apply without a restart.
type Scheduler struct {
	store  *Store
	config *ConfigLoader
	log    zerolog.Logger
}

func NewScheduler(store *Store, config *ConfigLoader, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		config: config,
		log:    log.With().Str("component", "retention").Logger(),
	}
}

// Run loops until the context is cancelled. Sweep failures are logged and
// the loop continues to the next Wait phase; the scheduler never takes the
// process down.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Msg("Starting retention scheduler")
	for {
		hour, minute := 0, 5
		if cfg, err := s.config.Load(); err != nil {
			s.log.Error().Err(err).Msg("Failed to load config, using default sweep time")
		} else {
			hour, minute = ParseCleanupTime(cfg.Cleanup.Time)
		}

		wait := untilNextRun(time.Now(), hour, minute)
		s.log.Debug().Dur("wait", wait).Msg("Waiting for next sweep")

		select {
		case <-ctx.Done():
			s.log.Info().Msg("Retention scheduler stopped")
			return
		case <-time.After(wait):
		}

		s.sweep(ctx)
	}
}

// sweep performs one retention pass with freshly loaded configuration.
func (s *Scheduler) sweep(ctx context.Context) {
	cfg, err := s.config.Load()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load config, skipping sweep")
		return
	}

	days := cfg.Cleanup.days()
	if days > 0 {
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		removed, err := s.store.DeleteProcessedBefore(ctx, cutoff)
		if err != nil {
			s.log.Error().Err(err).Msg("Identity sweep failed")
		} else {
			s.log.Info().
				Int64("removed", removed).
				Int("retention_days", days).
				Msg("Identity sweep complete")
		}
	}

	if days > 0 || cfg.Cleanup.clearCodesWhenDisabled() {
		removed, err := s.store.ClearCodes(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("Code cache clear failed")
		} else {
			s.log.Info().Int64("removed", removed).Msg("Code cache cleared")
		}
	}
}

// untilNextRun computes the wait until the next occurrence of the given
// local time-of-day. Never less than a minute, so a misconfigured clock
// can't turn the Wait phase into a busy loop.
func untilNextRun(now time.Time, hour, minute int) time.Duration {
	runAt := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !runAt.After(now) {
		runAt = runAt.Add(24 * time.Hour)
	}
	wait := runAt.Sub(now)
	if wait < time.Minute {
		wait = time.Minute
	}
	return wait
}
