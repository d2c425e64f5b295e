package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"chatcore/internal/config"
	"chatcore/internal/registry"
	"chatcore/internal/store"
)

// Server owns the listener, the registry, the dispatch worker, and the
// liveness supervisor (spec.md §4, components D/F/G/H/J). One Server serves
// one chat deployment; Run blocks until the context is canceled.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *store.Store

	registry *registry.Registry
	dispatch *dispatcher
	liveness *liveness
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	listenerMu sync.Mutex
	listener   net.Listener

	// connSlots bounds the handler pool to cfg.WorkerPoolSize concurrently
	// active connections; Accept blocks once it is exhausted (spec.md
	// §4.H: "Exhaustion of the pool causes the accept to block"). The
	// listen backlog itself (cfg.MaxConnections) is left to the OS default
	// — net.Listen has no portable way to set a custom backlog.
	connSlots chan struct{}
	wg        sync.WaitGroup
}

// New builds a Server. The Server uses st but does not own it: Shutdown
// does not close the store, and the caller that opened it is responsible
// for closing it after Run returns.
func New(cfg *config.Config, logger zerolog.Logger, st *store.Store, metrics *Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		registry:  registry.New(),
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		connSlots: make(chan struct{}, cfg.WorkerPoolSize),
	}
	s.dispatch = newDispatcher(s)
	s.liveness = newLiveness(s)

	// Started here, not in Run, so Shutdown can always safely stop them —
	// even if Run never gets far enough to accept a connection.
	go s.dispatch.run()
	go s.liveness.run()
	return s
}

// Run accepts connections until Shutdown cancels the server's context or
// the listener fails. It blocks the caller; spawn it in its own goroutine
// if the caller needs to do other work concurrently.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(s.ctx.Err(), context.Canceled) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		select {
		case s.connSlots <- struct{}{}:
		case <-s.ctx.Done():
			conn.Close()
			return nil
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.connSlots }()

	c := newClient(conn, s)
	go c.writePump()
	c.readPump()
	// readPump already closed c.conn, so writePump's next Write fails and it
	// returns. The nil frame gives it that next Write even when nothing else
	// is queued for this client. The send channel is not closed — closing it
	// here would race any in-flight broadcast job still holding this socket.
	c.Send(nil)
}

// Shutdown stops accepting new connections, closes every logged-in client
// socket, waits for every connection handler (readPump) to return, then
// stops the liveness supervisor and drains the dispatch worker (component
// J). It does not wait for the writePump goroutines, which exit on their
// own once their connection is closed.
func (s *Server) Shutdown() {
	s.cancel()

	s.listenerMu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.listenerMu.Unlock()

	for _, sock := range s.registry.AllSockets() {
		if c, ok := sock.(*Client); ok {
			c.conn.Close()
		}
	}

	s.wg.Wait()
	s.liveness.stop()
	s.dispatch.stop()
}

func (s *Server) metricsOnConnect() {
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
		s.metrics.LoginsTotal.Inc()
	}
}

func (s *Server) metricsOnDisconnect() {
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
}
