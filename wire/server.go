package wire

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/core"
)

// Service is the dungeon side of the channel protocol.
type Service interface {
	Join(ctx context.Context, req *core.JoinRequest) (*core.SignedState, error)
	Submit(ctx context.Context, sub *core.MoveSubmission) (*core.MoveAck, error)
	Withdraw(ctx context.Context, req *core.WithdrawRequest) error
}

// Handler serves one request. A nil reply with a nil error sends nothing.
type Handler func(ctx context.Context, c *Conn, msg Message) (*Message, error)

// DefaultMaxPeers is the default limit on simultaneous connections.
const DefaultMaxPeers = 256

// Server accepts player connections and routes their requests to a
// Service. Requests on one connection are served concurrently, so a second
// move may observe the first still in flight.
type Server struct {
	nodeID     string
	address    string
	listenAddr string
	tlsConfig  *tls.Config // nil → plain TCP
	maxPeers   int
	timeout    time.Duration
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	conns    map[string]*Conn
	players  map[string]string // conn id → player address from hello
	handlers map[MsgType]Handler

	listener net.Listener
}

// NewServer creates a server for svc. address is the dungeon's signing
// address announced in hello replies.
func NewServer(nodeID, address, listenAddr string, svc Service, tlsCfg *tls.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		nodeID:     nodeID,
		address:    address,
		listenAddr: listenAddr,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		timeout:    time.Minute,
		log:        log.With().Str("component", "wire").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*Conn),
		players:    make(map[string]string),
		handlers:   make(map[MsgType]Handler),
	}
	s.Handle(MsgHello, s.handleHello)
	s.Handle(MsgJoin, func(ctx context.Context, _ *Conn, msg Message) (*Message, error) {
		var req core.JoinRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		genesis, err := svc.Join(ctx, &req)
		if err != nil {
			return nil, err
		}
		return reply(MsgJoinAck, msg.ID, genesis)
	})
	s.Handle(MsgMove, func(ctx context.Context, _ *Conn, msg Message) (*Message, error) {
		var sub core.MoveSubmission
		if err := msg.Decode(&sub); err != nil {
			return nil, err
		}
		ack, err := svc.Submit(ctx, &sub)
		if err != nil {
			return nil, err
		}
		return reply(MsgMoveAck, msg.ID, ack)
	})
	s.Handle(MsgWithdraw, func(ctx context.Context, _ *Conn, msg Message) (*Message, error) {
		var req core.WithdrawRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		if err := svc.Withdraw(ctx, &req); err != nil {
			return nil, err
		}
		return reply(MsgWithdraw, msg.ID, &req)
	})
	return s
}

func reply(typ MsgType, id uint64, payload any) (*Message, error) {
	msg, err := NewMessage(typ, id, payload)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SetMaxPeers changes the connection limit. Call before Start.
func (s *Server) SetMaxPeers(n int) { s.maxPeers = n }

// SetRequestTimeout bounds how long one request may run.
func (s *Server) SetRequestTimeout(d time.Duration) { s.timeout = d }

// Handle registers a handler for a message type.
func (s *Server) Handle(typ MsgType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[typ] = h
}

// Start begins accepting connections.
func (s *Server) Start() error {
	var (
		ln  net.Listener
		err error
	)
	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", s.listenAddr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", s.listenAddr)
	}
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.listenAddr)
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.tlsConfig != nil).Msg("wire server listening")
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listenAddr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every connection, then waits for in-flight
// requests.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Peers returns the number of open connections.
func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn().Err(err).Msg("accept")
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		s.mu.RLock()
		n := len(s.conns)
		s.mu.RUnlock()
		if n >= s.maxPeers {
			s.log.Warn().Int("max", s.maxPeers).Str("remote", nc.RemoteAddr().String()).Msg("connection limit reached")
			nc.Close()
			continue
		}
		c := NewConn(nc.RemoteAddr().String(), nc)
		s.mu.Lock()
		s.conns[c.ID] = c
		s.mu.Unlock()
		s.wg.Add(1)
		go s.readLoop(c)
	}
}

func (s *Server) readLoop(c *Conn) {
	var inflight sync.WaitGroup
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("conn", c.ID).Msg("read loop panic")
		}
		c.Close()
		inflight.Wait()
		s.mu.Lock()
		player := s.players[c.ID]
		delete(s.conns, c.ID)
		delete(s.players, c.ID)
		s.mu.Unlock()
		s.log.Debug().Str("conn", c.ID).Str("player", player).Msg("connection closed")
		s.wg.Done()
	}()
	for {
		msg, err := c.Receive()
		if err != nil {
			return
		}
		s.mu.RLock()
		h, ok := s.handlers[msg.Type]
		s.mu.RUnlock()
		if !ok {
			s.sendError(c, msg.ID, errors.Wrapf(core.ErrInvalidTransition, "unexpected message %q", msg.Type))
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.serve(c, h, msg)
		}()
	}
}

func (s *Server) serve(c *Conn, h Handler, msg Message) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	out, err := h(ctx, c, msg)
	if err != nil {
		s.log.Debug().Err(err).Str("conn", c.ID).Str("type", string(msg.Type)).Msg("request failed")
		s.sendError(c, msg.ID, err)
		return
	}
	if out == nil {
		return
	}
	if err := c.Send(*out); err != nil {
		s.log.Debug().Err(err).Str("conn", c.ID).Msg("send reply")
	}
}

func (s *Server) sendError(c *Conn, id uint64, err error) {
	msg, merr := NewMessage(MsgError, id, EncodeError(err))
	if merr != nil {
		s.log.Error().Err(merr).Msg("encode error reply")
		return
	}
	if err := c.Send(msg); err != nil {
		s.log.Debug().Err(err).Str("conn", c.ID).Msg("send error reply")
	}
}

func (s *Server) handleHello(_ context.Context, c *Conn, msg Message) (*Message, error) {
	var h Hello
	if err := msg.Decode(&h); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.players[c.ID] = h.Address
	s.mu.Unlock()
	s.log.Info().Str("conn", c.ID).Str("player", h.Address).Msg("player connected")
	return reply(MsgHello, msg.ID, Hello{NodeID: s.nodeID, Address: s.address})
}
