package core

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol error taxonomy. Integrity violations (bad proofs, forks, bad
// signatures) are routed to the dispute resolver; only ledger and gateway
// unavailability is ever retried.
var (
	ErrNotFound          = errors.New("not found")
	ErrProofRejected     = errors.New("proof rejected")
	ErrIllegalMove       = fmt.Errorf("%w: illegal move", ErrProofRejected)
	ErrSequenceConflict  = errors.New("sequence conflict")
	ErrChannelBusy       = errors.New("channel busy")
	ErrChannelSuspended  = errors.New("channel suspended by dispute")
	ErrChannelClosed     = errors.New("channel closed")
	ErrSessionClosed     = errors.New("session not accepting moves")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrDisputeTimeout    = errors.New("dispute deadline passed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBadSignature      = errors.New("bad signature")
	ErrUnresolved        = errors.New("unresolved challenges")
)

// ProtocolError attaches channel context to one of the sentinel errors.
type ProtocolError struct {
	Err       error
	SessionID string
	Player    string
	Seq       uint64
	Detail    string
	// Resync carries the last mutually countersigned state when Err is
	// ErrSequenceConflict so the peer can re-synchronise.
	Resync *SignedState
}

func (e *ProtocolError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Err.Error())
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.SessionID != "" {
		fmt.Fprintf(&sb, " [session %s", e.SessionID)
		if e.Player != "" {
			fmt.Fprintf(&sb, " player %.12s", e.Player)
		}
		fmt.Fprintf(&sb, " seq %d]", e.Seq)
	}
	return sb.String()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Retryable reports whether err is a transient fault worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, ErrChannelBusy)
}
