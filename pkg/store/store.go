// Package store is the durable state layer for the attestation and liveness
// subsystems. Every mutation the protocol performs has a named method here;
// handlers and services never see SQL. Multi-step mutations run through
// Transaction so a retried report can never observe a half-committed hash.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("record not found")

// EventQuery narrows ListEvents.
type EventQuery struct {
	UnreviewedOnly bool
	Ascending      bool
	Limit          int
}

// Store is the transactional persistence contract shared by the handshake and
// liveness state machines. Implementations must make each method atomic and
// must support nesting every method inside Transaction.
type Store interface {
	// Transaction runs fn against a store whose calls all commit or roll
	// back together.
	Transaction(ctx context.Context, fn func(Store) error) error

	// Ping verifies connectivity to the underlying database.
	Ping(ctx context.Context) error

	// Clients.
	UpsertClient(ctx context.Context, clientID string, hardware datatypes.JSON) (*Client, error)
	GetClient(ctx context.Context, clientID string) (*Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	SetClientStatus(ctx context.Context, clientID, status string, now time.Time) error
	// MarkClientUnresponsive changes status without touching last_seen:
	// silence detection must keep measuring from the last daemon contact.
	MarkClientUnresponsive(ctx context.Context, clientID, status string) error
	RecordClientHeartbeat(ctx context.Context, clientID, bootID string, fileCount int, now time.Time) error
	MarkAttestationFailure(ctx context.Context, clientID string, now time.Time) error
	MarkClientStaged(ctx context.Context, clientID string, integrityModified bool, now time.Time) error
	CommitClientHash(ctx context.Context, clientID, rootHash string, now time.Time) error
	IncrementMissedHeartbeats(ctx context.Context, clientID string) error
	ReviewClient(ctx context.Context, clientID string, now time.Time) error
	SetClientIntegrityStatus(ctx context.Context, clientID, status string) error

	// Monitored paths. EnsureMonitoredPath only creates: an established
	// baseline moves exclusively through SetMonitoredPathHash on commit.
	EnsureMonitoredPath(ctx context.Context, clientID, directoryPath, rootHash string, fileCount int, now time.Time) error
	ListMonitoredPaths(ctx context.Context, clientID string) ([]MonitoredPath, error)
	SetMonitoredPathHash(ctx context.Context, clientID, directoryPath, rootHash string, now time.Time) error

	// Events.
	InsertEvent(ctx context.Context, event *Event) error
	FindEventByClientEventID(ctx context.Context, clientEventID string) (*Event, error)
	GetEvent(ctx context.Context, clientID string, eventID uint) (*Event, error)
	MarkEventAcknowledged(ctx context.Context, eventID uint, now time.Time) error
	ListEvents(ctx context.Context, clientID string, q EventQuery) ([]Event, error)
	EventsInRange(ctx context.Context, clientID string, from, to time.Time) ([]Event, error)
	ReviewEvent(ctx context.Context, eventID uint, reviewer string, now time.Time) (*Event, error)
	CountUnreviewedEvents(ctx context.Context, clientID string) (int64, error)

	// Uptime timeline.
	OpenInterval(ctx context.Context, clientID string) (*UptimeInterval, error)
	InsertInterval(ctx context.Context, interval *UptimeInterval) error
	CloseInterval(ctx context.Context, intervalID uint, end time.Time, minutes int) error
	ExtendInterval(ctx context.Context, intervalID uint, minutes int) error
	IntervalsOverlapping(ctx context.Context, clientID string, from, to time.Time) ([]UptimeInterval, error)
	DeleteClosedIntervalsWithin(ctx context.Context, clientID string, from, to time.Time) error

	// Raw heartbeat log.
	InsertHeartbeat(ctx context.Context, clientID string, ts time.Time) error
	HeartbeatsInWindow(ctx context.Context, clientID string, from, to time.Time) ([]time.Time, error)
	PurgeHeartbeatsBefore(ctx context.Context, cutoff time.Time) error

	// Admin credentials.
	GetAdmin(ctx context.Context, username string) (*Admin, error)
	UpsertAdmin(ctx context.Context, username, passwordHash string) error
}
