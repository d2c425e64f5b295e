package server

import (
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/registry"
)

// liveness is the heartbeat supervisor, spec.md §4.G: it periodically scans
// the registry for clients whose last heartbeat predates PingTimeout and
// evicts them, announcing the departure the same way a graceful disconnect
// would.
type liveness struct {
	server *Server
	logger zerolog.Logger
	ticker *time.Ticker
	done   chan struct{}
}

func newLiveness(srv *Server) *liveness {
	return &liveness{
		server: srv,
		logger: srv.logger.With().Str("component", "liveness").Logger(),
		ticker: time.NewTicker(srv.cfg.PingInterval),
		done:   make(chan struct{}),
	}
}

func (l *liveness) run() {
	defer l.ticker.Stop()
	for {
		select {
		case <-l.ticker.C:
			l.sweep()
		case <-l.done:
			return
		}
	}
}

func (l *liveness) stop() {
	close(l.done)
}

func (l *liveness) sweep() {
	cutoff := time.Now().Add(-l.server.cfg.PingTimeout)
	for _, entry := range l.server.registry.Stale(cutoff) {
		l.evict(entry)
	}
}

// evict drops a client whose heartbeat has gone stale: removes it from the
// registry, closes its socket, and announces the departure exactly as a
// graceful disconnect would (spec.md §4.G).
func (l *liveness) evict(entry registry.StaleEntry) {
	l.logger.Info().Str("username", entry.Username).Msg("evicting stale client")

	if l.server.registry.Remove(entry.Socket) == "" {
		// The connection handler removed and announced it first.
		return
	}
	l.server.metricsOnDisconnect()

	if c, ok := entry.Socket.(*Client); ok {
		c.conn.Close()
	}
	if entry.Username != "" {
		l.server.enqueueLeave(entry.Username)
	}
}
