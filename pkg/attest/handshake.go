// Package attest implements the two-phase attestation handshake. A daemon
// reports an integrity event together with the hash it believes the server
// last accepted; the server validates that claim against its own committed
// truth, stages the event, and only promotes the proposed hash once the
// daemon acknowledges it durably applied the change on its side.
package attest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/bcherng/fim-server/pkg/notify"
	"github.com/bcherng/fim-server/pkg/store"
)

// Report is a daemon-submitted integrity event.
type Report struct {
	ClientEventID string
	EventType     string
	FilePath      string
	OldHash       string
	NewHash       string
	RootHash      string
	LastValidHash string
	Timestamp     time.Time
}

// ReportResult describes the staged (or replayed) event.
type ReportResult struct {
	EventID   uint
	Duplicate bool
	Untracked bool
}

// AckResult describes the outcome of an acknowledgement.
type AckResult struct {
	AlreadyAcknowledged bool
	RootHash            string
}

// Handshake validates, stages, and commits integrity events.
type Handshake struct {
	store  store.Store
	locks  *store.KeyedMutex
	sink   notify.Sink
	logger zerolog.Logger
	now    func() time.Time
}

func NewHandshake(s store.Store, locks *store.KeyedMutex, sink notify.Sink, logger zerolog.Logger) *Handshake {
	return &Handshake{
		store:  s,
		locks:  locks,
		sink:   sink,
		logger: logger.With().Str("component", "attest").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Report runs the first phase of the handshake. The staged event's proposed
// hash is not yet authoritative; the daemon must acknowledge before the
// server's truth moves forward. Replays of a known client_event_id return the
// original event id without re-validating.
func (h *Handshake) Report(ctx context.Context, clientID string, r Report) (*ReportResult, error) {
	unlock := h.locks.Lock(clientID)
	defer unlock()

	if r.ClientEventID != "" {
		existing, err := h.store.FindEventByClientEventID(ctx, r.ClientEventID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return &ReportResult{EventID: existing.ID, Duplicate: true}, nil
		}
	}

	client, err := h.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownClient
		}
		return nil, err
	}

	now := h.now()
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}

	authority, untracked, err := h.resolveAuthority(ctx, client, r)
	if err != nil {
		return nil, err
	}

	// A daemon whose local chain diverged from the committed truth is
	// refused before its claim is recorded as fact. The rejection itself
	// is durable: counters and a synthetic audit event commit even though
	// the reported event never does.
	if authority != "" && r.LastValidHash != authority {
		mismatch := &MismatchError{Expected: authority, Received: r.LastValidHash}
		err := h.store.Transaction(ctx, func(tx store.Store) error {
			if err := tx.MarkAttestationFailure(ctx, clientID, now); err != nil {
				return err
			}
			return tx.InsertEvent(ctx, &store.Event{
				ClientID:  clientID,
				EventType: store.EventAttestationFailed,
				FilePath:  r.FilePath,
				OldHash:   authority,
				NewHash:   r.LastValidHash,
				Timestamp: now,
			})
		})
		if err != nil {
			return nil, err
		}
		h.logger.Warn().Str("client_id", clientID).Str("path", r.FilePath).
			Str("expected", authority).Str("received", r.LastValidHash).
			Msg("Attestation failed")
		h.sink.Publish(ctx, clientID, "attestation_failed")
		return nil, mismatch
	}

	event := &store.Event{
		ClientID:      clientID,
		EventType:     r.EventType,
		FilePath:      r.FilePath,
		OldHash:       r.OldHash,
		NewHash:       r.NewHash,
		RootHash:      r.RootHash,
		LastValidHash: r.LastValidHash,
		Timestamp:     r.Timestamp,
	}
	if r.ClientEventID != "" {
		id := r.ClientEventID
		event.ClientEventID = &id
	}

	err = h.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.InsertEvent(ctx, event); err != nil {
			return err
		}
		if r.EventType == store.EventDirectorySelected {
			if err := h.declareBaseline(ctx, tx, clientID, r, now); err != nil {
				return err
			}
		}
		modified := r.EventType != store.EventDirectorySelected && r.EventType != store.EventDirectoryUnselected
		return tx.MarkClientStaged(ctx, clientID, modified, now)
	})
	if err != nil {
		return nil, err
	}

	if untracked {
		h.logger.Warn().Str("client_id", clientID).Str("path", r.FilePath).Msg("Untracked path reported")
	}
	h.sink.Publish(ctx, clientID, "event_reported")
	return &ReportResult{EventID: event.ID, Untracked: untracked}, nil
}

// resolveAuthority picks the hash the daemon's claim is checked against.
// Directory declarations attest against the client's aggregate hash; every
// other event attests against the baseline governing its path. An empty
// authority (fresh client or untracked path) accepts any claim.
func (h *Handshake) resolveAuthority(ctx context.Context, client *store.Client, r Report) (authority string, untracked bool, err error) {
	if r.EventType == store.EventDirectorySelected {
		if client.CurrentRootHash != nil {
			return *client.CurrentRootHash, false, nil
		}
		return "", false, nil
	}
	monitored, err := resolveForClient(ctx, h.store, client.ClientID, r.FilePath)
	if err != nil {
		return "", false, err
	}
	if monitored == nil {
		return "", true, nil
	}
	return monitored.RootHash, false, nil
}

// declareBaseline creates the monitored path for a directory declaration.
// A redeclared directory keeps its committed hash until the acknowledgement
// lands; only a brand new scope is seeded with the proposed hash.
func (h *Handshake) declareBaseline(ctx context.Context, tx store.Store, clientID string, r Report, now time.Time) error {
	return tx.EnsureMonitoredPath(ctx, clientID, r.FilePath, r.RootHash, 0, now)
}

// Acknowledge runs the commit phase: the staged event's root hash becomes the
// authoritative truth for the client and, when the event falls under a
// declared baseline, for that baseline too. Re-acknowledging is a no-op so a
// lost response never double-counts on retry.
func (h *Handshake) Acknowledge(ctx context.Context, clientID string, eventID uint) (*AckResult, error) {
	unlock := h.locks.Lock(clientID)
	defer unlock()

	event, err := h.store.GetEvent(ctx, clientID, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownEvent
		}
		return nil, err
	}

	if event.Acknowledged {
		return &AckResult{AlreadyAcknowledged: true, RootHash: event.RootHash}, nil
	}

	now := h.now()
	err = h.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.MarkEventAcknowledged(ctx, event.ID, now); err != nil {
			return err
		}
		if event.RootHash == "" {
			return nil
		}
		monitored, err := resolveForClient(ctx, tx, clientID, event.FilePath)
		if err != nil {
			return err
		}
		if monitored != nil {
			if err := tx.SetMonitoredPathHash(ctx, clientID, monitored.DirectoryPath, event.RootHash, now); err != nil {
				return err
			}
		}
		return tx.CommitClientHash(ctx, clientID, event.RootHash, now)
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info().Str("client_id", clientID).Uint("event_id", event.ID).
		Str("root_hash", event.RootHash).Msg("Event acknowledged")
	h.sink.Publish(ctx, clientID, "event_acknowledged")
	return &AckResult{RootHash: event.RootHash}, nil
}
