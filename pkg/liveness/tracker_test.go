package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bcherng/fim-server/pkg/notify"
	"github.com/bcherng/fim-server/pkg/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.Models()...))
	return store.NewGorm(db)
}

// clock is a settable time source shared with the tracker under test.
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(t *testing.T) (*Tracker, store.Store, *clock) {
	t.Helper()
	st := newTestStore(t)
	ck := &clock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(st, store.NewKeyedMutex(), notify.NopSink{}, DefaultParams(), zerolog.Nop())
	tr.now = ck.now
	return tr, st, ck
}

func registerClient(t *testing.T, st store.Store, clientID string) {
	t.Helper()
	_, err := st.UpsertClient(context.Background(), clientID, []byte(`{}`))
	require.NoError(t, err)
}

func intervals(t *testing.T, st store.Store, clientID string, from, to time.Time) []store.UptimeInterval {
	t.Helper()
	out, err := st.IntervalsOverlapping(context.Background(), clientID, from, to)
	require.NoError(t, err)
	return out
}

func TestHeartbeatOpensFirstInterval(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")

	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))

	client, err := st.GetClient(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, store.StatusOnline, client.Status)
	require.Equal(t, 100, client.FileCount)
	require.Equal(t, "boot-1", client.LastBootID)

	open, err := st.OpenInterval(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, store.StateUp, open.State)
	require.WithinDuration(t, ck.now(), open.StartTime, time.Second)
}

func TestHeartbeatExtendsOpenUpInterval(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")

	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))
	start := ck.now()
	ck.advance(15 * time.Minute)
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))

	all := intervals(t, st, "m1", start.Add(-time.Hour), ck.now().Add(time.Hour))
	require.Len(t, all, 1)
	require.Nil(t, all[0].EndTime)
	require.Equal(t, 15, all[0].DurationMinutes)
}

func TestRebootStartsNewSession(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")

	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))
	start := ck.now()
	ck.advance(15 * time.Minute)
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-2", 100))

	all := intervals(t, st, "m1", start.Add(-time.Hour), ck.now().Add(time.Hour))
	require.Len(t, all, 2)
	require.NotNil(t, all[0].EndTime, "old session must be closed")
	require.Equal(t, 15, all[0].DurationMinutes)
	require.Nil(t, all[1].EndTime)
	require.WithinDuration(t, ck.now(), all[1].StartTime, time.Second)
}

func TestWatchdogMarksSuspectAfterSilence(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))
	start := ck.now()

	ck.advance(25 * time.Minute)
	require.NoError(t, tr.Watchdog(ctx, ck.now()))

	client, err := st.GetClient(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, store.StatusWarning, client.Status)
	require.Equal(t, 1, client.MissedHeartbeatCount)

	// The timeline switches to SUSPECT at the threshold crossing (22m30s
	// after the last contact), not at sweep time.
	suspectAt := start.Add(22*time.Minute + 30*time.Second)
	all := intervals(t, st, "m1", start.Add(-time.Hour), ck.now().Add(time.Hour))
	require.Len(t, all, 2)
	require.Equal(t, store.StateUp, all[0].State)
	require.NotNil(t, all[0].EndTime)
	require.WithinDuration(t, suspectAt, *all[0].EndTime, time.Second)
	require.Equal(t, store.StateSuspect, all[1].State)
	require.Nil(t, all[1].EndTime)
	require.WithinDuration(t, suspectAt, all[1].StartTime, time.Second)

	events, err := st.ListEvents(ctx, "m1", store.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, store.EventHeartbeatMissed, events[0].EventType)
}

func TestWatchdogReachesDownInOnePass(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))
	start := ck.now()

	// 3.5T of silence with no intermediate sweep: a single pass must still
	// take the client offline, reconstructing the SUSPECT band it never saw.
	ck.advance(time.Duration(3.5 * float64(15*time.Minute)))
	require.NoError(t, tr.Watchdog(ctx, ck.now()))

	client, err := st.GetClient(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, store.StatusOffline, client.Status)
	require.Equal(t, 1, client.MissedHeartbeatCount)

	suspectAt := start.Add(22*time.Minute + 30*time.Second)
	downAt := start.Add(45 * time.Minute)
	all := intervals(t, st, "m1", start.Add(-time.Hour), ck.now().Add(time.Hour))
	require.Len(t, all, 3)
	require.Equal(t, store.StateUp, all[0].State)
	require.NotNil(t, all[0].EndTime)
	require.WithinDuration(t, suspectAt, *all[0].EndTime, time.Second)
	require.Equal(t, store.StateSuspect, all[1].State)
	require.NotNil(t, all[1].EndTime)
	require.WithinDuration(t, suspectAt, all[1].StartTime, time.Second)
	require.WithinDuration(t, downAt, *all[1].EndTime, time.Second)
	require.Equal(t, store.StateDown, all[2].State)
	require.Nil(t, all[2].EndTime)
	require.WithinDuration(t, downAt, all[2].StartTime, time.Second)

	// Further passes leave the offline client untouched.
	require.NoError(t, tr.Watchdog(ctx, ck.now()))
	again := intervals(t, st, "m1", start.Add(-time.Hour), ck.now().Add(time.Hour))
	require.Len(t, again, 3)
}

func TestWatchdogMeasuresSilenceFromLastContact(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))
	contact := ck.now()

	ck.advance(25 * time.Minute)
	require.NoError(t, tr.Watchdog(ctx, ck.now()))

	// Degrading must not refresh last_seen; the silence clock keeps running
	// from the last daemon contact, so the next pass past 3T goes offline.
	client, err := st.GetClient(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, store.StatusWarning, client.Status)
	require.WithinDuration(t, contact, client.LastSeen, time.Second)

	ck.advance(25 * time.Minute)
	require.NoError(t, tr.Watchdog(ctx, ck.now()))

	client, err = st.GetClient(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, store.StatusOffline, client.Status)
}

func TestWatchdogLeavesFreshClientsAlone(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))

	ck.advance(10 * time.Minute)
	require.NoError(t, tr.Watchdog(ctx, ck.now()))

	client, err := st.GetClient(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, store.StatusOnline, client.Status)
}

func TestHeartbeatRecoversDegradedClient(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))

	ck.advance(25 * time.Minute)
	require.NoError(t, tr.Watchdog(ctx, ck.now()))
	ck.advance(time.Minute)
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))

	client, err := st.GetClient(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, store.StatusOnline, client.Status)
	require.Equal(t, 0, client.MissedHeartbeatCount)

	open, err := st.OpenInterval(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, store.StateUp, open.State)
}

func TestHeartbeatBackfillsDownOverGap(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))
	start := ck.now()
	ck.advance(10 * time.Minute)
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))
	lastBeat := ck.now()

	// 20 minutes of silence exceeds Period+GapTolerance: the next check-in
	// must close the stale UP interval at the previous heartbeat and record
	// the gap as DOWN instead of stretching UP across it.
	ck.advance(20 * time.Minute)
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))

	all := intervals(t, st, "m1", start.Add(-time.Hour), ck.now().Add(time.Hour))
	require.Len(t, all, 3)
	require.Equal(t, store.StateUp, all[0].State)
	require.NotNil(t, all[0].EndTime)
	require.WithinDuration(t, lastBeat, *all[0].EndTime, time.Second)
	require.Equal(t, store.StateDown, all[1].State)
	require.NotNil(t, all[1].EndTime)
	require.WithinDuration(t, lastBeat, all[1].StartTime, time.Second)
	require.WithinDuration(t, ck.now(), *all[1].EndTime, time.Second)
	require.Equal(t, store.StateUp, all[2].State)
	require.Nil(t, all[2].EndTime)
}

func TestReconcileLeavesOpenIntervalAlone(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	windowStart := ck.now()
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))
	ck.advance(15 * time.Minute)
	require.NoError(t, tr.Heartbeat(ctx, "m1", "boot-1", 100))

	// A healthy client's timeline is one open UP interval. Reconciling a
	// window that covers it must not shadow it with closed duplicates.
	require.NoError(t, tr.Reconcile(ctx, "m1", windowStart, windowStart.Add(30*time.Minute)))

	all := intervals(t, st, "m1", windowStart.Add(-time.Hour), ck.now().Add(time.Hour))
	require.Len(t, all, 1)
	require.Nil(t, all[0].EndTime)
	require.Equal(t, store.StateUp, all[0].State)
}

func TestReconcileStopsAtOpenIntervalStart(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	windowStart := ck.now()
	require.NoError(t, st.InsertHeartbeat(ctx, "m1", windowStart))
	require.NoError(t, st.InsertHeartbeat(ctx, "m1", windowStart.Add(40*time.Minute)))
	openStart := windowStart.Add(30 * time.Minute)
	require.NoError(t, st.InsertInterval(ctx, &store.UptimeInterval{
		ClientID:  "m1",
		State:     store.StateUp,
		StartTime: openStart,
	}))

	require.NoError(t, tr.Reconcile(ctx, "m1", windowStart, windowStart.Add(time.Hour)))

	all := intervals(t, st, "m1", windowStart.Add(-time.Hour), windowStart.Add(2*time.Hour))
	open := 0
	for _, iv := range all {
		if iv.EndTime == nil {
			open++
			continue
		}
		require.False(t, iv.EndTime.After(openStart), "closed interval must not reach into the open one")
	}
	require.Equal(t, 1, open)
}

func TestReconcileSplitsGapIntoDown(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	windowStart := ck.now()

	// Two heartbeats, a 45-minute outage, then two more.
	for _, offset := range []time.Duration{0, 15 * time.Minute, 60 * time.Minute, 75 * time.Minute} {
		require.NoError(t, st.InsertHeartbeat(ctx, "m1", windowStart.Add(offset)))
	}
	windowEnd := windowStart.Add(80 * time.Minute)

	require.NoError(t, tr.Reconcile(ctx, "m1", windowStart, windowEnd))

	all := intervals(t, st, "m1", windowStart, windowEnd)
	require.Len(t, all, 3)
	require.Equal(t, store.StateUp, all[0].State)
	require.Equal(t, 15, all[0].DurationMinutes)
	require.Equal(t, store.StateDown, all[1].State)
	require.Equal(t, 45, all[1].DurationMinutes)
	require.Equal(t, store.StateUp, all[2].State)
	require.Equal(t, 15, all[2].DurationMinutes)
	for _, iv := range all {
		require.NotNil(t, iv.EndTime)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	windowStart := ck.now()
	require.NoError(t, st.InsertHeartbeat(ctx, "m1", windowStart.Add(5*time.Minute)))
	windowEnd := windowStart.Add(time.Hour)

	require.NoError(t, tr.Reconcile(ctx, "m1", windowStart, windowEnd))
	first := intervals(t, st, "m1", windowStart, windowEnd)
	require.NoError(t, tr.Reconcile(ctx, "m1", windowStart, windowEnd))
	second := intervals(t, st, "m1", windowStart, windowEnd)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].State, second[i].State)
		require.WithinDuration(t, first[i].StartTime, second[i].StartTime, time.Second)
	}
}

func TestReconcileEmptyWindowIsDown(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")
	windowStart := ck.now()
	windowEnd := windowStart.Add(2 * time.Hour)

	require.NoError(t, tr.Reconcile(ctx, "m1", windowStart, windowEnd))

	all := intervals(t, st, "m1", windowStart, windowEnd)
	require.Len(t, all, 1)
	require.Equal(t, store.StateDown, all[0].State)
	require.WithinDuration(t, windowStart, all[0].StartTime, time.Second)
	require.NotNil(t, all[0].EndTime)
	require.WithinDuration(t, windowEnd, *all[0].EndTime, time.Second)
}

func TestPurgeHeartbeatsHonorsRetention(t *testing.T) {
	tr, st, ck := newTestTracker(t)
	ctx := context.Background()
	registerClient(t, st, "m1")

	old := ck.now().Add(-8 * 24 * time.Hour)
	recent := ck.now().Add(-time.Hour)
	require.NoError(t, st.InsertHeartbeat(ctx, "m1", old))
	require.NoError(t, st.InsertHeartbeat(ctx, "m1", recent))

	require.NoError(t, tr.PurgeHeartbeats(ctx))

	beats, err := st.HeartbeatsInWindow(ctx, "m1", ck.now().Add(-30*24*time.Hour), ck.now())
	require.NoError(t, err)
	require.Len(t, beats, 1)
	require.WithinDuration(t, recent, beats[0], time.Second)
}

func TestDayBoundsUTC(t *testing.T) {
	from, to, err := Day("2026-08-01")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), from)
	require.Equal(t, time.Date(2026, 8, 1, 23, 59, 59, 999000000, time.UTC), to)

	_, _, err = Day("not-a-date")
	require.Error(t, err)
}
