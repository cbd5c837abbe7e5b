package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/channel"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/indexer"
	"github.com/tolelom/braid/ledger"
	"github.com/tolelom/braid/maze"
)

// Mazes lists published mazes.
type Mazes interface {
	Descriptor(id string) (*maze.Descriptor, error)
	Published() []*maze.Descriptor
}

// Sessions finds running session engines.
type Sessions interface {
	Engine(id string) (*channel.Engine, error)
	Sessions() []string
}

// Disputes lists a session's challenges.
type Disputes interface {
	Challenges(sessionID string) []*core.Challenge
}

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	mazes    Mazes
	sessions Sessions
	disputes Disputes
	chain    *ledger.Chain
	indexer  *indexer.Indexer
}

// NewHandler creates an RPC Handler.
func NewHandler(mazes Mazes, sessions Sessions, disputes Disputes, chain *ledger.Chain, idx *indexer.Indexer) *Handler {
	return &Handler{mazes: mazes, sessions: sessions, disputes: disputes, chain: chain, indexer: idx}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getMaze":
		return h.getMaze(req)

	case "getSession":
		return h.getSession(req)

	case "getSessions":
		return okResponse(req.ID, h.sessions.Sessions())

	case "getChannel":
		return h.getChannel(req)

	case "getChallenges":
		return h.getChallenges(req)

	case "getSessionsByParticipant":
		return h.getSessionsByParticipant(req)

	case "getLedgerHeight":
		return okResponse(req.ID, h.chain.Blocks.Height())

	case "getBalance":
		return h.getBalance(req)

	case "getSettlement":
		return h.getSettlement(req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func params(req Request, v any) *Response {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		resp := errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
		return &resp
	}
	return nil
}

func failure(id any, err error) Response {
	if errors.Is(err, core.ErrNotFound) {
		return errResponse(id, CodeNotFound, err.Error())
	}
	return errResponse(id, CodeInternalError, err.Error())
}

// getMaze returns one descriptor, or every published one without an id.
func (h *Handler) getMaze(req Request) Response {
	var p struct {
		ID string `json:"id"`
	}
	if bad := params(req, &p); bad != nil {
		return *bad
	}
	if p.ID == "" {
		return okResponse(req.ID, h.mazes.Published())
	}
	d, err := h.mazes.Descriptor(p.ID)
	if err != nil {
		return failure(req.ID, err)
	}
	return okResponse(req.ID, d)
}

func (h *Handler) engine(req Request) (*channel.Engine, *Response, json.RawMessage) {
	var p struct {
		ID string `json:"id"`
	}
	if bad := params(req, &p); bad != nil {
		return nil, bad, nil
	}
	if p.ID == "" {
		resp := errResponse(req.ID, CodeInvalidParams, "id is required")
		return nil, &resp, nil
	}
	e, err := h.sessions.Engine(p.ID)
	if err != nil {
		resp := failure(req.ID, err)
		return nil, &resp, nil
	}
	return e, nil, req.Params
}

func (h *Handler) getSession(req Request) Response {
	e, bad, _ := h.engine(req)
	if bad != nil {
		return *bad
	}
	return okResponse(req.ID, e.Snapshot())
}

func (h *Handler) getChannel(req Request) Response {
	e, bad, raw := h.engine(req)
	if bad != nil {
		return *bad
	}
	var p struct {
		Player string `json:"player"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Player == "" {
		return errResponse(req.ID, CodeInvalidParams, "player is required")
	}
	rec, err := e.Channel(p.Player)
	if err != nil {
		return failure(req.ID, err)
	}
	return okResponse(req.ID, channelView(rec))
}

func (h *Handler) getChallenges(req Request) Response {
	var p struct {
		ID string `json:"id"`
	}
	if bad := params(req, &p); bad != nil {
		return *bad
	}
	if p.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	return okResponse(req.ID, h.disputes.Challenges(p.ID))
}

func (h *Handler) getSessionsByParticipant(req Request) Response {
	var p struct {
		Address string `json:"address"`
	}
	if bad := params(req, &p); bad != nil {
		return *bad
	}
	if p.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	ids, err := h.indexer.SessionsByParticipant(p.Address)
	if err != nil {
		return failure(req.ID, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) getBalance(req Request) Response {
	var p struct {
		Address string `json:"address"`
	}
	if bad := params(req, &p); bad != nil {
		return *bad
	}
	if p.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.chain.Account(p.Address)
	if err != nil {
		return failure(req.ID, err)
	}
	return okResponse(req.ID, acc)
}

func (h *Handler) getSettlement(req Request) Response {
	var p struct {
		ID string `json:"id"`
	}
	if bad := params(req, &p); bad != nil {
		return *bad
	}
	if p.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	st, err := h.chain.Stakes(p.ID)
	if err != nil {
		return failure(req.ID, err)
	}
	return okResponse(req.ID, Settlement{
		SessionID:    st.ID,
		Settled:      st.Settled,
		Total:        st.Total,
		Forfeits:     st.Forfeits,
		Distribution: st.Distribution,
		SettledAt:    st.SettledAt,
	})
}
