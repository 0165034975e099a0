// Package server owns the PBX-facing TCP listener. Each accepted connection
// is one call: the server performs the UUID handshake, loads the call's agent
// configuration, opens a provider session through the breaker table, and
// hands everything to the bridge driver.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/bridge"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/observe"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/resilience"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/tools"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/audiosocket"
)

const (
	// defaultHandshakeTimeout bounds how long the PBX may take to send the
	// UUID frame after connecting.
	defaultHandshakeTimeout = 10 * time.Second

	// agentLookupTimeout bounds the KV round trip for the agent document.
	agentLookupTimeout = 5 * time.Second
)

// Server accepts PBX connections and runs one bridge per call.
type Server struct {
	addr             string
	handshakeTimeout time.Duration

	store   kv.Store
	router  *resilience.Router
	tools   *tools.Registry
	metrics *observe.Metrics
	log     *slog.Logger

	mu sync.Mutex
	ln net.Listener

	calls sync.WaitGroup
}

// Option adjusts server behaviour.
type Option func(*Server)

// WithHandshakeTimeout overrides the UUID handshake deadline.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { s.handshakeTimeout = d }
}

// New creates a server listening on addr once Serve is called.
func New(addr string, store kv.Store, router *resilience.Router, reg *tools.Registry, metrics *observe.Metrics, log *slog.Logger, opts ...Option) *Server {
	s := &Server{
		addr:             addr,
		handshakeTimeout: defaultHandshakeTimeout,
		store:            store,
		router:           router,
		tools:            reg,
		metrics:          metrics,
		log:              log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the TCP listener. Serve calls it implicitly; tests call it
// first to learn the bound address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then waits for the
// in-flight calls to finish tearing down.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("pbx listener up", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.calls.Add(1)
		go func() {
			defer s.calls.Done()
			s.handle(ctx, conn)
		}()
	}

	s.log.Info("pbx listener draining calls")
	s.calls.Wait()
	return ctx.Err()
}

// handle runs the handshake and one call on conn. Every exit path closes the
// connection; pre-bridge failures send an ERROR frame first so the PBX can
// tell a rejection from a network fault.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	in := audiosocket.NewReader(conn)
	out := audiosocket.NewWriter(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	f, err := in.Next()
	if err != nil {
		s.log.Warn("uuid handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		_ = out.WriteError()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	callID := f.CallID()
	if _, err := uuid.Parse(callID); err != nil {
		s.log.Warn("malformed call id", "remote", conn.RemoteAddr().String(), "call_id", callID)
		_ = out.WriteError()
		return
	}

	log := s.log.With("call_id", callID)

	lookupCtx, cancel := context.WithTimeout(ctx, agentLookupTimeout)
	cfg, err := s.store.Agent(lookupCtx, callID)
	cancel()
	if err != nil {
		if errors.Is(err, kv.ErrAgentNotFound) {
			log.Warn("no agent config for call")
		} else {
			log.Error("agent config lookup failed", "error", err)
		}
		_ = out.WriteError()
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn("agent config rejected", "error", err)
		_ = out.WriteError()
		return
	}

	start := time.Now()
	sess, adapter, err := s.router.Open(ctx, cfg)
	if err != nil {
		log.Error("provider session open failed", "provider", string(cfg.Provider), "error", err)
		_ = out.WriteError()
		return
	}
	s.metrics.RecordConnect(ctx, string(adapter.Name()), time.Since(start))

	// The router may have routed to a fallback provider; the call runs with
	// whatever adapter actually answered.
	cfg.Provider = adapter.Name()

	_ = bridge.Run(ctx, &bridge.Call{
		ID:      callID,
		Config:  cfg,
		Adapter: adapter,
		Session: sess,
		Conn:    conn,
		In:      in,
		Out:     out,
		Store:   s.store,
		Tools:   s.tools,
		Metrics: s.metrics,
		Log:     s.log,
	})
}
