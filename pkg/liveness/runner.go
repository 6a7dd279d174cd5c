package liveness

import (
	"context"
	"time"
)

// Run drives the periodic passes until ctx is cancelled: the watchdog on its
// own cadence, and reconciliation plus raw-log purging on a slower one. The
// reconciliation window trails the present by the DOWN threshold so the batch
// pass never competes with the open interval the watchdog manages.
func (t *Tracker) Run(ctx context.Context, watchdogEvery, reconcileEvery time.Duration) {
	watchdog := time.NewTicker(watchdogEvery)
	reconcile := time.NewTicker(reconcileEvery)
	defer watchdog.Stop()
	defer reconcile.Stop()

	t.logger.Info().Dur("watchdog_every", watchdogEvery).Dur("reconcile_every", reconcileEvery).Msg("Liveness loops started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-watchdog.C:
			if err := t.Watchdog(ctx, t.now()); err != nil {
				t.logger.Error().Err(err).Msg("Watchdog pass failed")
			}
		case <-reconcile.C:
			end := t.now().Add(-t.params.downThreshold())
			start := end.Add(-reconcileEvery)
			if err := t.ReconcileAll(ctx, start, end); err != nil {
				t.logger.Error().Err(err).Msg("Reconciliation pass failed")
			}
			if err := t.PurgeHeartbeats(ctx); err != nil {
				t.logger.Error().Err(err).Msg("Heartbeat purge failed")
			}
		}
	}
}
