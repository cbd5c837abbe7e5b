package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	maxBody      = 1 << 20
	maxBatch     = 64
	drainTimeout = 5 * time.Second
)

// Server serves a Handler over HTTP POST. Both single requests and JSON-RPC
// batches are accepted.
type Server struct {
	handler *Handler
	token   []byte
	http    *http.Server
	ln      net.Listener
	log     zerolog.Logger
}

// NewServer returns a server for addr. A non-empty token must be presented
// as "Authorization: Bearer <token>" on every request.
func NewServer(addr string, handler *Handler, token string) *Server {
	s := &Server{
		handler: handler,
		log:     log.With().Str("component", "rpc").Logger(),
	}
	if token != "" {
		s.token = []byte("Bearer " + token)
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}
	return s
}

// Start listens and serves in the background. Bind errors are returned
// here rather than from the serving goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return errors.Wrapf(err, "rpc listen %s", s.http.Addr)
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Bool("auth", s.token != nil).Msg("listening")
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("serve")
		}
	}()
	return nil
}

// Addr is the bound address after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.http.Addr
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests for a few seconds and closes.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == nil {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), s.token) == 1
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		reply(w, errResponse(nil, CodeUnauthorized, "unauthorized"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		reply(w, errResponse(nil, CodeParseError, err.Error()))
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		s.serveBatch(w, body)
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		reply(w, errResponse(nil, CodeParseError, err.Error()))
		return
	}
	reply(w, s.dispatch(req))
}

func (s *Server) serveBatch(w http.ResponseWriter, body []byte) {
	var reqs []Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		reply(w, errResponse(nil, CodeParseError, err.Error()))
		return
	}
	switch {
	case len(reqs) == 0:
		reply(w, errResponse(nil, CodeInvalidRequest, "empty batch"))
		return
	case len(reqs) > maxBatch:
		reply(w, errResponse(nil, CodeInvalidRequest, "batch too large"))
		return
	}
	out := make([]Response, len(reqs))
	for i, req := range reqs {
		out[i] = s.dispatch(req)
	}
	reply(w, out)
}

func (s *Server) dispatch(req Request) Response {
	if req.JSONRPC != "2.0" {
		return errResponse(req.ID, CodeInvalidRequest, `jsonrpc must be "2.0"`)
	}
	resp := s.handler.Dispatch(req)
	if resp.Error != nil && resp.Error.Code == CodeInternalError {
		s.log.Warn().Str("method", req.Method).Str("error", resp.Error.Message).Msg("request failed")
	}
	return resp
}

func reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Str("component", "rpc").Err(err).Msg("write response")
	}
}
