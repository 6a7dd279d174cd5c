// Package liveness infers each machine's online state from heartbeat cadence
// and maintains the uptime timeline: an append-only log of UP/SUSPECT/DOWN
// intervals with at most one open interval per client.
package liveness

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/bcherng/fim-server/pkg/notify"
	"github.com/bcherng/fim-server/pkg/store"
)

// Params tune the state machine. Period is the nominal heartbeat interval T;
// a client is SUSPECT after SuspectAfter*T of silence and DOWN after
// DownAfter*T. The multipliers are deployment tunables, not constants.
type Params struct {
	Period       time.Duration
	SuspectAfter float64
	DownAfter    float64
	GapTolerance time.Duration
	Retention    time.Duration
}

// DefaultParams matches the operational deployment: 15-minute heartbeats,
// SUSPECT at 1.5T, DOWN at 3T, 7-day raw heartbeat retention.
func DefaultParams() Params {
	return Params{
		Period:       15 * time.Minute,
		SuspectAfter: 1.5,
		DownAfter:    3.0,
		GapTolerance: time.Minute,
		Retention:    7 * 24 * time.Hour,
	}
}

func (p Params) suspectThreshold() time.Duration {
	return time.Duration(p.SuspectAfter * float64(p.Period))
}

func (p Params) downThreshold() time.Duration {
	return time.Duration(p.DownAfter * float64(p.Period))
}

// Tracker is the liveness state machine.
type Tracker struct {
	store  store.Store
	locks  *store.KeyedMutex
	sink   notify.Sink
	params Params
	logger zerolog.Logger
	now    func() time.Time
}

func NewTracker(s store.Store, locks *store.KeyedMutex, sink notify.Sink, params Params, logger zerolog.Logger) *Tracker {
	if params.Period <= 0 {
		params = DefaultParams()
	}
	return &Tracker{
		store:  s,
		locks:  locks,
		sink:   sink,
		params: params,
		logger: logger.With().Str("component", "liveness").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func minutesBetween(from, to time.Time) int {
	return int(to.Sub(from).Round(time.Minute) / time.Minute)
}

// Heartbeat processes a daemon check-in. The client always comes back online;
// the open UP interval is extended unless the machine rebooted (fresh boot id)
// or the open interval is missing or not UP, in which case the open interval
// closes and a new UP interval opens. A check-in arriving after more than
// Period+GapTolerance of heartbeat silence closes the stale UP interval at the
// previous heartbeat and backfills a closed DOWN interval over the gap, so an
// open UP interval never papers over a silent stretch.
func (t *Tracker) Heartbeat(ctx context.Context, clientID, bootID string, fileCount int) error {
	unlock := t.locks.Lock(clientID)
	defer unlock()

	client, err := t.store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	now := t.now()
	rebooted := bootID != "" && client.LastBootID != "" && bootID != client.LastBootID
	gapped := client.LastHeartbeat != nil && now.Sub(*client.LastHeartbeat) > t.params.Period+t.params.GapTolerance

	err = t.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.RecordClientHeartbeat(ctx, clientID, bootID, fileCount, now); err != nil {
			return err
		}
		open, err := tx.OpenInterval(ctx, clientID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		switch {
		case open == nil:
			if err := openInterval(ctx, tx, clientID, store.StateUp, now); err != nil {
				return err
			}
		case gapped && open.State == store.StateUp:
			lastBeat := *client.LastHeartbeat
			if lastBeat.Before(open.StartTime) {
				lastBeat = open.StartTime
			}
			if err := tx.CloseInterval(ctx, open.ID, lastBeat, minutesBetween(open.StartTime, lastBeat)); err != nil {
				return err
			}
			if err := insertClosed(ctx, tx, clientID, store.StateDown, lastBeat, now); err != nil {
				return err
			}
			if err := openInterval(ctx, tx, clientID, store.StateUp, now); err != nil {
				return err
			}
		case open.State != store.StateUp || rebooted:
			if err := tx.CloseInterval(ctx, open.ID, now, minutesBetween(open.StartTime, now)); err != nil {
				return err
			}
			if err := openInterval(ctx, tx, clientID, store.StateUp, now); err != nil {
				return err
			}
		default:
			if err := tx.ExtendInterval(ctx, open.ID, minutesBetween(open.StartTime, now)); err != nil {
				return err
			}
		}
		return tx.InsertHeartbeat(ctx, clientID, now)
	})
	if err != nil {
		return err
	}

	if rebooted {
		t.logger.Info().Str("client_id", clientID).Str("boot_id", bootID).Msg("New boot session")
	}
	t.sink.Publish(ctx, clientID, "client_heartbeat")
	return nil
}

// Watchdog sweeps every active client and degrades the ones that went quiet.
// Silence is measured from the last daemon contact, so a client past the DOWN
// threshold goes offline in a single pass even if no pass ever saw it in the
// SUSPECT band. Recovery only happens through a heartbeat.
func (t *Tracker) Watchdog(ctx context.Context, now time.Time) error {
	clients, err := t.store.ListClients(ctx)
	if err != nil {
		return err
	}
	for i := range clients {
		client := &clients[i]
		if client.Status == store.StatusDeregistered {
			continue
		}
		active := client.Status == store.StatusOnline || client.Status == store.StatusWarning
		silence := now.Sub(client.LastSeen)
		switch {
		case silence > t.params.downThreshold() && active:
			if err := t.markDown(ctx, client, now); err != nil {
				return err
			}
		case silence > t.params.suspectThreshold() && client.Status == store.StatusOnline:
			if err := t.markSuspect(ctx, client, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// markSuspect flags the first missed band of silence. The open interval closes
// at the moment the SUSPECT threshold was crossed, not at sweep time, so the
// timeline is independent of watchdog scheduling.
func (t *Tracker) markSuspect(ctx context.Context, client *store.Client, now time.Time) error {
	unlock := t.locks.Lock(client.ClientID)
	defer unlock()

	suspectAt := client.LastSeen.Add(t.params.suspectThreshold())
	err := t.store.Transaction(ctx, func(tx store.Store) error {
		if err := t.recordMissed(ctx, tx, client.ClientID, store.StatusWarning, now); err != nil {
			return err
		}
		if err := closeOpenAt(ctx, tx, client.ClientID, suspectAt); err != nil {
			return err
		}
		return openInterval(ctx, tx, client.ClientID, store.StateSuspect, suspectAt)
	})
	if err != nil {
		return err
	}

	t.logger.Warn().Str("client_id", client.ClientID).Str("status", store.StatusWarning).Msg("Client degraded")
	t.sink.Publish(ctx, client.ClientID, "client_suspect")
	return nil
}

// markDown takes a client past the DOWN threshold offline. When the SUSPECT
// band was never observed by a sweep, the intermediate closed SUSPECT interval
// is reconstructed from the thresholds so the timeline still reads
// UP, SUSPECT, DOWN.
func (t *Tracker) markDown(ctx context.Context, client *store.Client, now time.Time) error {
	unlock := t.locks.Lock(client.ClientID)
	defer unlock()

	suspectAt := client.LastSeen.Add(t.params.suspectThreshold())
	downAt := client.LastSeen.Add(t.params.downThreshold())
	err := t.store.Transaction(ctx, func(tx store.Store) error {
		if client.Status == store.StatusOnline {
			if err := t.recordMissed(ctx, tx, client.ClientID, store.StatusOffline, now); err != nil {
				return err
			}
			if err := closeOpenAt(ctx, tx, client.ClientID, suspectAt); err != nil {
				return err
			}
			if err := insertClosed(ctx, tx, client.ClientID, store.StateSuspect, suspectAt, downAt); err != nil {
				return err
			}
		} else {
			if err := tx.MarkClientUnresponsive(ctx, client.ClientID, store.StatusOffline); err != nil {
				return err
			}
			if err := closeOpenAt(ctx, tx, client.ClientID, downAt); err != nil {
				return err
			}
		}
		return openInterval(ctx, tx, client.ClientID, store.StateDown, downAt)
	})
	if err != nil {
		return err
	}

	t.logger.Warn().Str("client_id", client.ClientID).Str("status", store.StatusOffline).Msg("Client degraded")
	t.sink.Publish(ctx, client.ClientID, "client_down")
	return nil
}

// recordMissed applies the bookkeeping shared by every degradation that skips
// past a heartbeat: the new status, the missed counter, and the audit event.
// last_seen stays untouched so the silence clock keeps running.
func (t *Tracker) recordMissed(ctx context.Context, tx store.Store, clientID, status string, now time.Time) error {
	if err := tx.MarkClientUnresponsive(ctx, clientID, status); err != nil {
		return err
	}
	if err := tx.IncrementMissedHeartbeats(ctx, clientID); err != nil {
		return err
	}
	return tx.InsertEvent(ctx, &store.Event{
		ClientID:  clientID,
		EventType: store.EventHeartbeatMissed,
		Timestamp: now,
	})
}

// closeOpenAt closes the open interval at the given instant, clamped to the
// interval's own start so durations never go negative.
func closeOpenAt(ctx context.Context, tx store.Store, clientID string, at time.Time) error {
	open, err := tx.OpenInterval(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if at.Before(open.StartTime) {
		at = open.StartTime
	}
	return tx.CloseInterval(ctx, open.ID, at, minutesBetween(open.StartTime, at))
}

func openInterval(ctx context.Context, tx store.Store, clientID, state string, start time.Time) error {
	return tx.InsertInterval(ctx, &store.UptimeInterval{
		ClientID:  clientID,
		State:     state,
		StartTime: start,
	})
}

// PurgeHeartbeats drops raw heartbeats older than the retention window. The
// timeline, not the raw log, is the durable historical record.
func (t *Tracker) PurgeHeartbeats(ctx context.Context) error {
	return t.store.PurgeHeartbeatsBefore(ctx, t.now().Add(-t.params.Retention))
}
