package liveness

import (
	"context"
	"errors"
	"time"

	"github.com/bcherng/fim-server/pkg/store"
)

// Reconcile rebuilds the closed portion of the timeline inside the window
// from the raw heartbeat log. The real-time watchdog can miss cycles (the
// server may not be running between requests on some hosts); this batch pass
// guarantees the timeline is eventually complete anyway. It is idempotent by
// construction: the window's closed intervals are derived purely from the
// heartbeats, so re-running produces the identical result. The open interval
// belongs to the live heartbeat and watchdog paths: the rebuild stops where
// the open interval starts, so closed intervals never overlap it.
func (t *Tracker) Reconcile(ctx context.Context, clientID string, windowStart, windowEnd time.Time) error {
	unlock := t.locks.Lock(clientID)
	defer unlock()

	maxGap := t.params.Period + t.params.GapTolerance

	return t.store.Transaction(ctx, func(tx store.Store) error {
		end := windowEnd
		open, err := tx.OpenInterval(ctx, clientID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if open != nil && open.StartTime.Before(end) {
			end = open.StartTime
		}
		if !end.After(windowStart) {
			return nil
		}

		beats, err := tx.HeartbeatsInWindow(ctx, clientID, windowStart, end)
		if err != nil {
			return err
		}
		if err := tx.DeleteClosedIntervalsWithin(ctx, clientID, windowStart, end); err != nil {
			return err
		}

		if len(beats) == 0 {
			return insertClosed(ctx, tx, clientID, store.StateDown, windowStart, end)
		}

		segStart := beats[0]
		for i := 1; i < len(beats); i++ {
			prev, curr := beats[i-1], beats[i]
			if curr.Sub(prev) <= maxGap {
				continue
			}
			if err := insertClosed(ctx, tx, clientID, store.StateUp, segStart, prev); err != nil {
				return err
			}
			if err := insertClosed(ctx, tx, clientID, store.StateDown, prev, curr); err != nil {
				return err
			}
			segStart = curr
		}
		return insertClosed(ctx, tx, clientID, store.StateUp, segStart, beats[len(beats)-1])
	})
}

// ReconcileAll runs Reconcile for every known client over the same window.
func (t *Tracker) ReconcileAll(ctx context.Context, windowStart, windowEnd time.Time) error {
	clients, err := t.store.ListClients(ctx)
	if err != nil {
		return err
	}
	for _, client := range clients {
		if client.Status == store.StatusDeregistered {
			continue
		}
		if err := t.Reconcile(ctx, client.ClientID, windowStart, windowEnd); err != nil {
			t.logger.Error().Err(err).Str("client_id", client.ClientID).Msg("Reconciliation failed")
		}
	}
	return nil
}

func insertClosed(ctx context.Context, tx store.Store, clientID, state string, start, end time.Time) error {
	closed := end
	return tx.InsertInterval(ctx, &store.UptimeInterval{
		ClientID:        clientID,
		State:           state,
		StartTime:       start,
		EndTime:         &closed,
		DurationMinutes: minutesBetween(start, end),
	})
}
