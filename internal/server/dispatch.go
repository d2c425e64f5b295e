package server

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/protocol"
	"chatcore/internal/registry"
)

// jobKind enumerates the dispatch worker's item kinds, per spec.md §4.F.
type jobKind int

const (
	jobBroadcastSystem jobKind = iota
	jobSendUserListAll
	jobSendOfflineMessages
	jobProcessMessage
)

// job is one unit of work handled by the single-consumer dispatch worker.
// Only the fields relevant to Kind are populated.
type job struct {
	kind jobKind

	text     string          // jobBroadcastSystem
	username string          // jobSendOfflineMessages, jobProcessMessage
	frame    *protocol.Frame // jobProcessMessage
	socket   *Client         // jobProcessMessage: origin socket
}

// dispatcher is the single-consumer serialized router — spec.md §4.F. All
// side-effecting routing decisions (registry reads, store writes, outbound
// sends) happen in its one goroutine, so two messages can never interleave
// their effects.
type dispatcher struct {
	jobs     chan job
	server   *Server
	logger   zerolog.Logger
	done     chan struct{}
	finished chan struct{}
}

func newDispatcher(srv *Server) *dispatcher {
	return &dispatcher{
		jobs:     make(chan job, 1024),
		server:   srv,
		logger:   srv.logger.With().Str("component", "dispatch").Logger(),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// run is the dispatch worker's only goroutine. It drains jobs until done is
// closed, then drains whatever remains without blocking so a clean shutdown
// doesn't lose already-queued broadcasts.
func (d *dispatcher) run() {
	defer close(d.finished)
	for {
		select {
		case j := <-d.jobs:
			d.handle(j)
		case <-d.done:
			for {
				select {
				case j := <-d.jobs:
					d.handle(j)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) stop() {
	close(d.done)
	<-d.finished
}

func (d *dispatcher) enqueue(j job) {
	select {
	case d.jobs <- j:
	case <-d.done:
	}
}

func (d *dispatcher) enqueueProcessMessage(f *protocol.Frame, username string, sock *Client) {
	d.enqueue(job{kind: jobProcessMessage, frame: f, username: username, socket: sock})
}

// handle executes one job. It runs recover() around the body so a panic in
// one routing decision cannot take down the whole worker (spec.md §7,
// "Internal: Unexpected exception in dispatch worker ... worker continues").
func (d *dispatcher) handle(j job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("recovered panic in dispatch worker")
		}
	}()

	switch j.kind {
	case jobBroadcastSystem:
		d.broadcastSystem(j.text)
	case jobSendUserListAll:
		d.sendUserListAll()
	case jobSendOfflineMessages:
		d.sendOfflineMessages(j.username)
	case jobProcessMessage:
		d.processMessage(j.frame, j.username, j.socket)
	}
}

func (d *dispatcher) broadcastSystem(text string) {
	f := &protocol.Frame{Type: protocol.TypeSystem, Message: text}
	d.broadcastFrame(f, d.server.registry.AllSockets())
}

func (d *dispatcher) broadcastFrame(f *protocol.Frame, sockets []registry.Socket) {
	data, err := f.Encode()
	if err != nil {
		d.logger.Error().Err(err).Msg("encode broadcast frame")
		return
	}
	for _, sock := range sockets {
		sock.Send(data)
	}
}

func (d *dispatcher) sendUserListAll() {
	usernames, err := d.server.store.ListUsernames(d.server.ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("list usernames for roster broadcast")
		return
	}
	online := d.server.registry.SnapshotOnline()

	users := make([]string, 0, len(usernames))
	for _, u := range usernames {
		status := "offline"
		if _, ok := online[u]; ok {
			status = "online"
		}
		users = append(users, fmt.Sprintf("%s:%s", u, status))
	}

	f := &protocol.Frame{Type: protocol.TypeUserList, Users: users}
	d.broadcastFrame(f, d.server.registry.AllSockets())
}

func (d *dispatcher) sendOfflineMessages(username string) {
	sock, ok := d.server.registry.SocketOf(username)
	if !ok {
		return
	}
	msgs, err := d.server.store.DrainOffline(d.server.ctx, username)
	if err != nil {
		d.logger.Error().Err(err).Str("username", username).Msg("drain offline messages")
		return
	}
	for _, m := range msgs {
		f := &protocol.Frame{
			Type:      protocol.TypePrivate,
			Sender:    m.Sender,
			Message:   "(Offline) " + m.Body,
			Timestamp: m.Timestamp,
		}
		data, err := f.Encode()
		if err != nil {
			continue
		}
		sock.Send(data)
	}
}

func (d *dispatcher) processMessage(f *protocol.Frame, username string, sock *Client) {
	d.server.registry.Touch(sock)
	if d.server.metrics != nil {
		d.server.metrics.MessagesTotal.WithLabelValues(string(f.Action)).Inc()
	}

	switch f.Action {
	case protocol.ActionPing:
		sock.sendFrame(&protocol.Frame{Type: protocol.TypePong})

	case protocol.ActionUserList:
		d.sendUserListAll()

	case protocol.ActionJoin:
		d.server.registry.Join(sock, f.Room)
		sock.sendFrame(protocol.NewStatusFrame(protocol.StatusSuccess, fmt.Sprintf("joined %q", f.Room)))

	case protocol.ActionPublic:
		ts := timestamp()
		out := &protocol.Frame{Type: protocol.TypePublic, Sender: username, Message: f.Message, Timestamp: ts}
		d.broadcastFrame(out, d.server.registry.MembersOf(registry.GeralRoom))
		if err := d.server.store.AppendHistory(d.server.ctx, registry.GeralRoom, username, f.Message, ts); err != nil {
			d.logger.Error().Err(err).Msg("append public message to history")
		}

	case protocol.ActionPrivate:
		d.sendPrivate(username, f.Recipient, f.Message)

	case protocol.ActionRoomMessage:
		if !d.server.registry.HasJoined(sock, f.Room) {
			return
		}
		ts := timestamp()
		out := &protocol.Frame{Type: protocol.TypeRoomMessage, Sender: username, Room: f.Room, Message: f.Message, Timestamp: ts}
		d.broadcastFrame(out, d.server.registry.MembersOf(f.Room))
		if err := d.server.store.AppendHistory(d.server.ctx, f.Room, username, f.Message, ts); err != nil {
			d.logger.Error().Err(err).Msg("append room message to history")
		}

	case protocol.ActionTypingStart:
		d.sendTyping(username, f.Recipient, true)
	case protocol.ActionTypingStop:
		d.sendTyping(username, f.Recipient, false)

	default:
		// Unknown type: drop silently, per spec.md §4.F.
	}
}

func (d *dispatcher) sendPrivate(sender, recipient, body string) {
	ts := timestamp()
	out := &protocol.Frame{Type: protocol.TypePrivate, Sender: sender, Recipient: recipient, Message: body, Timestamp: ts}

	if sock, ok := d.server.registry.SocketOf(recipient); ok {
		data, err := out.Encode()
		if err == nil {
			sock.Send(data)
		}
		return
	}

	if err := d.server.store.EnqueueOffline(d.server.ctx, sender, recipient, body, ts); err != nil {
		d.logger.Error().Err(err).Msg("enqueue offline message")
	}
}

func (d *dispatcher) sendTyping(sender, recipient string, typing bool) {
	sock, ok := d.server.registry.SocketOf(recipient)
	if !ok {
		return
	}
	sock.Send(mustEncode(protocol.NewTypingFrame(sender, typing)))
}

func mustEncode(f *protocol.Frame) []byte {
	data, err := f.Encode()
	if err != nil {
		return nil
	}
	return data
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}

// enqueueJoin is called by the connection handler on successful login: it
// announces the join, refreshes the roster, and flushes queued offline
// messages — the three work items spec.md §4.E names.
func (s *Server) enqueueJoin(username string) {
	s.dispatch.enqueue(job{kind: jobBroadcastSystem, text: fmt.Sprintf("%s entrou no chat.", username)})
	s.dispatch.enqueue(job{kind: jobSendUserListAll})
	s.dispatch.enqueue(job{kind: jobSendOfflineMessages, username: username})
}

// enqueueLeave is called on disconnect (graceful, error, or liveness
// eviction): it announces the departure and refreshes the roster.
func (s *Server) enqueueLeave(username string) {
	s.dispatch.enqueue(job{kind: jobBroadcastSystem, text: fmt.Sprintf("%s saiu do chat.", username)})
	s.dispatch.enqueue(job{kind: jobSendUserListAll})
}
