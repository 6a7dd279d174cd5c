// Package health runs the server's own readiness checks.
package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is the slice of the storage layer health needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	DatabaseOK bool      `json:"database_ok"`
	Healthy    bool      `json:"healthy"`
	Issues     []string  `json:"issues,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Check probes the database and reports an aggregate verdict. It is cheap
// enough to run on every /api/health request.
func Check(ctx context.Context, db Pinger) *Status {
	status := &Status{
		Healthy:   true,
		Issues:    []string{},
		CheckedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		status.DatabaseOK = false
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("database unreachable: %v", err))
	} else {
		status.DatabaseOK = true
	}

	return status
}
