package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatcore/internal/protocol"
	"chatcore/internal/store"
)

const (
	sendBufSize  = 256
	writeTimeout = 10 * time.Second
)

// Client owns one TCP connection (spec.md §4.E, "Connection handler").
// Two goroutines are spawned per client: readPump parses newline-delimited
// JSON and dispatches work items to the Server's dispatch worker; writePump
// drains the per-client send queue. This decouples reading from writing so
// a slow recipient never blocks the connection that produced a message —
// the send channel is the "per-connection send queue with drop-on-overflow"
// spec.md §5 allows for tolerating a stuck peer.
type Client struct {
	id     string
	conn   net.Conn
	server *Server
	send   chan []byte

	mu       sync.RWMutex
	username string
}

func newClient(conn net.Conn, srv *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: srv,
		send:   make(chan []byte, sendBufSize),
	}
}

// Send implements registry.Socket. Non-blocking: a full queue means a stuck
// client, and the frame is dropped rather than stalling the caller (which,
// for most callers, is the single dispatch worker — spec.md §5 forbids it
// blocking on one slow recipient for more than a write syscall).
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) setUsername(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = u
}

func (c *Client) sendFrame(f *protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		return
	}
	c.Send(data)
}

// writePump drains the send channel and writes each frame to the
// connection, serializing writes per spec.md §4.I. A write deadline bounds
// how long a stuck TCP peer can hold the goroutine.
func (c *Client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(data); err != nil {
			return
		}
	}
}

// readPump implements the two-phase per-connection loop from spec.md §4.E:
// an authentication phase bounded by a read deadline, then an unbounded
// message phase. A connection that never logs in is simply closed; one that
// logged in ends by unregistering the client and announcing its departure.
func (c *Client) readPump() {
	logger := c.server.logger.With().Str("conn_id", c.id).Logger()
	reader := protocol.NewFrameReader(c.conn, c.server.cfg.ReadBufferSize)

	if !c.authPhase(reader, logger) {
		c.conn.Close()
		return
	}

	c.messagePhase(reader, logger)

	// An empty username means the liveness supervisor already evicted this
	// client and did the accounting and announcement itself.
	username := c.server.registry.Remove(c)
	if username != "" {
		c.server.metricsOnDisconnect()
		c.server.enqueueLeave(username)
	}
	c.conn.Close()
}

// authPhase handles REGISTER/LOGIN frames, spec.md §4.E "Authentication
// phase". It returns true iff LOGIN succeeded and the connection should
// continue into the message phase.
func (c *Client) authPhase(reader *protocol.FrameReader, logger zerolog.Logger) bool {
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.AuthReadDeadline))

	for {
		line, err := reader.Next()
		if err != nil {
			return false
		}

		f, err := protocol.Decode(line)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed frame during authentication")
			continue
		}

		switch f.Action {
		case protocol.ActionRegister:
			c.handleRegister(f)
		case protocol.ActionLogin:
			if c.handleLogin(f, logger) {
				c.conn.SetReadDeadline(time.Time{})
				return true
			}
		default:
			// Any other frame during authentication is ignored.
		}
	}
}

func (c *Client) handleRegister(f *protocol.Frame) {
	reason, err := c.server.store.RegisterUser(c.server.ctx, f.Username, f.Password)
	if err != nil {
		c.server.logger.Error().Err(err).Msg("register: storage error")
		c.sendFrame(protocol.NewStatusFrame(protocol.StatusError, "Erro interno do servidor."))
		return
	}
	switch reason {
	case store.ReasonOK:
		c.sendFrame(protocol.NewStatusFrame(protocol.StatusSuccess, "Usuário registrado com sucesso!"))
	case store.ReasonLengthInvalid:
		c.sendFrame(protocol.NewStatusFrame(protocol.StatusError, "Usuário (3-20) e senha (6-50) com tamanhos inválidos."))
	case store.ReasonNameTaken:
		c.sendFrame(protocol.NewStatusFrame(protocol.StatusError, "Nome de usuário já existe."))
	default:
		c.sendFrame(protocol.NewStatusFrame(protocol.StatusError, "Erro interno do servidor."))
	}
}

// handleLogin returns true iff authentication succeeded and the client was
// registered in the registry.
func (c *Client) handleLogin(f *protocol.Frame, logger zerolog.Logger) bool {
	if _, online := c.server.registry.SocketOf(f.Username); online {
		c.sendFrame(protocol.NewStatusFrame(protocol.StatusError, "Usuário já está online."))
		return false
	}

	ok, err := c.server.store.Authenticate(c.server.ctx, f.Username, f.Password)
	if err != nil {
		logger.Error().Err(err).Msg("login: storage error")
		c.sendFrame(protocol.NewStatusFrame(protocol.StatusError, "Erro interno do servidor."))
		return false
	}
	if !ok {
		c.sendFrame(protocol.NewStatusFrame(protocol.StatusError, "Credenciais inválidas."))
		return false
	}

	if err := c.server.registry.Add(c, f.Username); err != nil {
		// Lost the race against a concurrent LOGIN for the same name.
		c.sendFrame(protocol.NewStatusFrame(protocol.StatusError, "Usuário já está online."))
		return false
	}
	c.setUsername(f.Username)
	c.server.metricsOnConnect()

	c.sendFrame(protocol.NewStatusFrame(protocol.StatusSuccess, "Login bem-sucedido."))
	c.server.enqueueJoin(f.Username)
	return true
}

// messagePhase reads frames with no read deadline and enqueues each as a
// process_message work item, per spec.md §4.E "Message phase". Any decode
// failure or socket error ends the loop.
func (c *Client) messagePhase(reader *protocol.FrameReader, logger zerolog.Logger) {
	for {
		line, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("message phase ended")
			}
			return
		}

		f, err := protocol.Decode(line)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed frame in message phase, closing connection")
			return
		}
		c.server.dispatch.enqueueProcessMessage(f, c.Username(), c)
	}
}
