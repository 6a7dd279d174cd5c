// Package notify fans out state-change announcements to the admin UI. Delivery
// is best effort: a dead or absent sink never affects protocol correctness.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Sink receives fire-and-forget notifications about client state changes.
type Sink interface {
	Publish(ctx context.Context, clientID, eventType string)
}

// NopSink drops every notification.
type NopSink struct{}

func (NopSink) Publish(context.Context, string, string) {}

// LogSink writes notifications to the log, useful when no webhook is set up.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(_ context.Context, clientID, eventType string) {
	s.Logger.Info().Str("client_id", clientID).Str("event", eventType).Msg("State change")
}
