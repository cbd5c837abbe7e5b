// Package rpc exposes maze, session, dispute and ledger status via a
// JSON-RPC 2.0 HTTP endpoint. It is read-only; play happens over the wire
// protocol.
package rpc

import (
	"encoding/json"
	"time"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32000
	CodeNotFound       = -32001
)

// ChannelView is the public part of a channel record. The private position
// and the exploration proof stay with the dungeon.
type ChannelView struct {
	SessionID       string             `json:"session_id"`
	Player          string             `json:"player"`
	Status          core.ChannelStatus `json:"status"`
	Last            core.SignedState   `json:"last"`
	Genesis         commitment.Hash    `json:"genesis"`
	Exploration     commitment.Hash    `json:"exploration"`
	DisputeEligible bool               `json:"dispute_eligible"`
	Rejections      int                `json:"rejections"`
	Challenges      int                `json:"challenges"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func channelView(rec *core.ChannelRecord) ChannelView {
	return ChannelView{
		SessionID:       rec.SessionID,
		Player:          rec.Player,
		Status:          rec.Status,
		Last:            rec.Last,
		Genesis:         rec.Genesis,
		Exploration:     rec.Exploration,
		DisputeEligible: rec.DisputeEligible,
		Rejections:      rec.Rejections,
		Challenges:      rec.Challenges,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// Settlement is a session's payout as the ledger records it.
type Settlement struct {
	SessionID    string            `json:"session_id"`
	Settled      bool              `json:"settled"`
	Total        uint64            `json:"total"`
	Forfeits     core.Distribution `json:"forfeits,omitempty"`
	Distribution core.Distribution `json:"distribution,omitempty"`
	SettledAt    int64             `json:"settled_at,omitempty"`
}

func errResponse(id any, code int, msg string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: msg},
	}
}

func okResponse(id, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}
