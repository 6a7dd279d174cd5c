package liveness

import (
	"context"
	"time"

	"github.com/bcherng/fim-server/pkg/store"
)

// DayHistory is one day (or arbitrary range) of a client's timeline together
// with the integrity events that happened inside it.
type DayHistory struct {
	ClientID  string                 `json:"client_id"`
	From      time.Time              `json:"from"`
	To        time.Time              `json:"to"`
	Intervals []store.UptimeInterval `json:"uptime"`
	Events    []store.Event          `json:"events"`
}

// History returns the intervals overlapping [from, to] and the non-heartbeat
// events inside it, both in ascending order.
func (t *Tracker) History(ctx context.Context, clientID string, from, to time.Time) (*DayHistory, error) {
	intervals, err := t.store.IntervalsOverlapping(ctx, clientID, from, to)
	if err != nil {
		return nil, err
	}
	events, err := t.store.EventsInRange(ctx, clientID, from, to)
	if err != nil {
		return nil, err
	}
	return &DayHistory{
		ClientID:  clientID,
		From:      from,
		To:        to,
		Intervals: intervals,
		Events:    events,
	}, nil
}

// Day bounds the named calendar date in UTC, defaulting to today.
func Day(date string) (time.Time, time.Time, error) {
	var day time.Time
	if date == "" {
		now := time.Now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		day = parsed
	}
	return day, day.Add(24*time.Hour - time.Millisecond), nil
}
