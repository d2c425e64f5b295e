// Package registry implements the in-memory client registry and room
// membership described in spec.md §3–4.D: a single (non-reentrant)
// sync.Mutex guarding a username ↔ socket map and a set of room memberships.
//
// Lock discipline (spec.md §5): every mutation and multi-field read takes
// the registry lock; the lock is never held while writing to a socket or
// while calling into the persistence layer. No registry method writes to a
// socket. SocketOf, AllSockets, MembersOf and Stale return socket handles;
// the caller performs any write after the lock is released, exactly as
// spec.md §4.D requires.
package registry

import (
	"sync"
	"time"
)

// GeralRoom is the implicit public room every client joins on login.
const GeralRoom = "Geral"

// Socket is the minimal write surface the registry needs from a connection.
// internal/server.Client satisfies this.
type Socket interface {
	Send(line []byte)
}

type client struct {
	socket        Socket
	username      string
	rooms         map[string]struct{}
	lastHeartbeat time.Time
}

// Registry is the shared client/room state. Zero value is not usable; use New.
type Registry struct {
	mu      sync.Mutex
	clients map[Socket]*client
	rooms   map[string]map[string]struct{} // room -> set of usernames
}

// New returns an empty Registry with the Geral room pre-created.
func New() *Registry {
	return &Registry{
		clients: make(map[Socket]*client),
		rooms:   map[string]map[string]struct{}{GeralRoom: {}},
	}
}

// ErrAlreadyOnline is returned by Add when username already has a live Client.
type ErrAlreadyOnline struct{ Username string }

func (e ErrAlreadyOnline) Error() string { return "registry: " + e.Username + " is already online" }

// Add registers socket under username, joining Geral, iff no live Client
// already holds that username. The check-and-add happens under one lock
// acquisition so concurrent logins for the same name cannot both succeed —
// the invariant spec.md §3 requires.
func (r *Registry) Add(socket Socket, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		if c.username == username {
			return ErrAlreadyOnline{Username: username}
		}
	}

	r.rooms[GeralRoom][username] = struct{}{}
	r.clients[socket] = &client{
		socket:        socket,
		username:      username,
		rooms:         map[string]struct{}{GeralRoom: {}},
		lastHeartbeat: time.Now(),
	}
	return nil
}

// Remove detaches socket, removing its username from every room's member
// set, and returns the username that was registered (empty if none was).
func (r *Registry) Remove(socket Socket) (username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[socket]
	if !ok {
		return ""
	}
	delete(r.clients, socket)

	for room := range r.rooms {
		delete(r.rooms[room], c.username)
	}
	return c.username
}

// Touch updates socket's last-heartbeat to now. A no-op if socket is not
// registered (e.g. raced with a concurrent Remove).
func (r *Registry) Touch(socket Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[socket]; ok {
		c.lastHeartbeat = time.Now()
	}
}

// SocketOf looks up the live socket for username. O(clients), acceptable at
// this scale per spec.md §4.D.
func (r *Registry) SocketOf(username string) (Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sock, c := range r.clients {
		if c.username == username {
			return sock, true
		}
	}
	return nil, false
}

// SnapshotOnline returns the set of currently online usernames.
func (r *Registry) SnapshotOnline() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.clients))
	for _, c := range r.clients {
		out[c.username] = struct{}{}
	}
	return out
}

// AllSockets returns every currently registered socket, for broadcast fan-out.
func (r *Registry) AllSockets() []Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Socket, 0, len(r.clients))
	for sock := range r.clients {
		out = append(out, sock)
	}
	return out
}

// Join adds username (the owner of socket) to room, creating the room if it
// does not already exist. A no-op if socket is not registered.
func (r *Registry) Join(socket Socket, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[socket]
	if !ok {
		return
	}
	if _, ok := r.rooms[room]; !ok {
		r.rooms[room] = make(map[string]struct{})
	}
	r.rooms[room][c.username] = struct{}{}
	c.rooms[room] = struct{}{}
}

// HasJoined reports whether the owner of socket currently lists room as
// joined — the check spec.md §4.F requires before routing ROOM_MESSAGE.
func (r *Registry) HasJoined(socket Socket, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[socket]
	if !ok {
		return false
	}
	_, joined := c.rooms[room]
	return joined
}

// MembersOf returns the sockets of every client currently joined to room.
func (r *Registry) MembersOf(room string) []Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	out := make([]Socket, 0, len(members))
	for sock, c := range r.clients {
		if _, in := members[c.username]; in {
			out = append(out, sock)
		}
	}
	return out
}

// StaleEntry is one client whose heartbeat is older than a cutoff.
type StaleEntry struct {
	Socket   Socket
	Username string
}

// Stale returns every client whose last heartbeat predates cutoff.
func (r *Registry) Stale(cutoff time.Time) []StaleEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StaleEntry
	for sock, c := range r.clients {
		if c.lastHeartbeat.Before(cutoff) {
			out = append(out, StaleEntry{Socket: sock, Username: c.username})
		}
	}
	return out
}
