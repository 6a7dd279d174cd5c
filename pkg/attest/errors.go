package attest

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownClient means the caller's client id has no registration.
	ErrUnknownClient = errors.New("client not registered")
	// ErrUnknownEvent means the acknowledged event id does not exist for
	// this client.
	ErrUnknownEvent = errors.New("event not found")
	// ErrDeregistered means an admin removed the machine; the daemon must
	// reregister with admin credentials or uninstall.
	ErrDeregistered = errors.New("client has been deregistered")
)

// MismatchError is the hash-chain rejection. The daemon's idea of the last
// accepted hash diverged from the server's committed truth; the divergence is
// always surfaced with both values, never coerced.
type MismatchError struct {
	Expected string
	Received string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hash chain attestation failed: expected %s, received %s", e.Expected, e.Received)
}
