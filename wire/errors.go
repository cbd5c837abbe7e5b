package wire

import (
	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
)

// ErrorPayload is the body of an error reply.
type ErrorPayload struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	SessionID string            `json:"session_id,omitempty"`
	Player    string            `json:"player,omitempty"`
	Seq       uint64            `json:"seq,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Resync    *core.SignedState `json:"resync,omitempty"`
}

// Codes are checked in order; ErrIllegalMove wraps ErrProofRejected so it
// comes first.
var codes = []struct {
	code string
	err  error
}{
	{"not_found", core.ErrNotFound},
	{"illegal_move", core.ErrIllegalMove},
	{"proof_rejected", core.ErrProofRejected},
	{"sequence_conflict", core.ErrSequenceConflict},
	{"channel_busy", core.ErrChannelBusy},
	{"channel_suspended", core.ErrChannelSuspended},
	{"channel_closed", core.ErrChannelClosed},
	{"session_closed", core.ErrSessionClosed},
	{"ledger_unavailable", core.ErrLedgerUnavailable},
	{"dispute_timeout", core.ErrDisputeTimeout},
	{"invalid_transition", core.ErrInvalidTransition},
	{"bad_signature", core.ErrBadSignature},
	{"unresolved", core.ErrUnresolved},
}

const (
	codeEncoding = "encoding"
	codeInternal = "internal"
)

// EncodeError turns err into an error reply body.
func EncodeError(err error) ErrorPayload {
	p := ErrorPayload{Code: codeInternal, Message: err.Error()}
	var encErr *commitment.EncodingError
	if errors.As(err, &encErr) {
		p.Code = codeEncoding
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			p.Code = c.code
			break
		}
	}
	var perr *core.ProtocolError
	if errors.As(err, &perr) {
		p.SessionID = perr.SessionID
		p.Player = perr.Player
		p.Seq = perr.Seq
		p.Detail = perr.Detail
		p.Resync = perr.Resync
	}
	return p
}

// RemoteError is an error reported by the other side that maps to no known
// sentinel.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return "remote " + e.Code + ": " + e.Message }

// Err rebuilds the error p describes. Known codes come back as a
// core.ProtocolError unwrapping to the matching sentinel.
func (p ErrorPayload) Err() error {
	for _, c := range codes {
		if c.code == p.Code {
			detail := p.Detail
			if detail == "" && p.SessionID == "" {
				detail = p.Message
			}
			return &core.ProtocolError{
				Err:       c.err,
				SessionID: p.SessionID,
				Player:    p.Player,
				Seq:       p.Seq,
				Detail:    detail,
				Resync:    p.Resync,
			}
		}
	}
	return &RemoteError{Code: p.Code, Message: p.Message}
}
