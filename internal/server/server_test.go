package server

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"chatcore/internal/config"
	"chatcore/internal/logging"
	"chatcore/internal/protocol"
	"chatcore/internal/store"
)

func startTestServer(t *testing.T) (addr string, srv *Server) {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Addr:             "127.0.0.1:0",
		MaxConnections:   50,
		ReadBufferSize:   8192,
		WorkerPoolSize:   20,
		PingInterval:     50 * time.Millisecond,
		PingTimeout:      200 * time.Millisecond,
		AuthReadDeadline: 2 * time.Second,
	}
	logger := logging.New("error", "json")

	srv = New(cfg, logger, st, nil)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.listener = ln
	cfg.Addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.wg.Add(1)
			go srv.serve(conn)
		}
	}()

	t.Cleanup(func() { srv.Shutdown() })
	return ln.Addr().String(), srv
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (tc *testClient) send(t *testing.T, f *protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := tc.conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (tc *testClient) recv(t *testing.T) *protocol.Frame {
	t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := tc.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f protocol.Frame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return &f
}

// recvSkippingPong returns the next frame that is not a PONG heartbeat reply.
func (tc *testClient) recvSkippingPong(t *testing.T) *protocol.Frame {
	t.Helper()
	for {
		if f := tc.recv(t); f.Type != protocol.TypePong {
			return f
		}
	}
}

func registerAndLogin(t *testing.T, tc *testClient, username, password string) {
	t.Helper()
	tc.send(t, &protocol.Frame{Action: protocol.ActionRegister, Username: username, Password: password})
	if s, ok := tc.recv(t).StatusString(); !ok || s != protocol.StatusSuccess {
		t.Fatalf("register failed for %s", username)
	}
	tc.send(t, &protocol.Frame{Action: protocol.ActionLogin, Username: username, Password: password})
	if s, ok := tc.recv(t).StatusString(); !ok || s != protocol.StatusSuccess {
		t.Fatalf("login failed for %s", username)
	}
}

func TestRegisterLoginAndPublicBroadcast(t *testing.T) {
	addr, _ := startTestServer(t)

	alice := dialTestClient(t, addr)
	registerAndLogin(t, alice, "alice", "secret1")
	// Consumes the join system broadcast + roster broadcast sent to alice herself.
	drainJoinNotifications(t, alice)

	bob := dialTestClient(t, addr)
	registerAndLogin(t, bob, "bob", "secret2")
	drainJoinNotifications(t, bob)

	// alice also receives bob's join announcements.
	drainJoinNotifications(t, alice)

	alice.send(t, &protocol.Frame{Action: protocol.ActionPublic, Message: "hello room"})

	got := bob.recv(t)
	if got.Type != protocol.TypePublic || got.Sender != "alice" || got.Message != "hello room" {
		t.Fatalf("bob received %+v, want PUBLIC from alice", got)
	}
}

func TestDuplicateLoginRejected(t *testing.T) {
	addr, _ := startTestServer(t)

	first := dialTestClient(t, addr)
	registerAndLogin(t, first, "carol", "secret1")

	second := dialTestClient(t, addr)
	second.send(t, &protocol.Frame{Action: protocol.ActionLogin, Username: "carol", Password: "secret1"})
	status, ok := second.recv(t).StatusString()
	if !ok || status != protocol.StatusError {
		t.Fatalf("second login status = (%q, %v), want ERROR", status, ok)
	}
}

func TestPrivateMessageDeliveredWhenOnline(t *testing.T) {
	addr, _ := startTestServer(t)

	alice := dialTestClient(t, addr)
	registerAndLogin(t, alice, "alice2", "secret1")
	drainJoinNotifications(t, alice)

	bob := dialTestClient(t, addr)
	registerAndLogin(t, bob, "bob2", "secret2")
	drainJoinNotifications(t, bob)
	drainJoinNotifications(t, alice)

	alice.send(t, &protocol.Frame{Action: protocol.ActionPrivate, Recipient: "bob2", Message: "psst"})

	got := bob.recv(t)
	if got.Type != protocol.TypePrivate || got.Sender != "alice2" || got.Message != "psst" {
		t.Fatalf("bob received %+v, want PRIVATE from alice2", got)
	}
}

// drainJoinNotifications reads the two broadcast frames (SYSTEM join
// announcement, USERLIST roster) every successful login triggers.
func drainJoinNotifications(t *testing.T, tc *testClient) {
	t.Helper()
	for i := 0; i < 2; i++ {
		tc.recv(t)
	}
}

func TestRoomMessageRequiresJoin(t *testing.T) {
	addr, _ := startTestServer(t)

	alice := dialTestClient(t, addr)
	registerAndLogin(t, alice, "dave", "secret1")
	drainJoinNotifications(t, alice)

	bob := dialTestClient(t, addr)
	registerAndLogin(t, bob, "erin", "secret2")
	drainJoinNotifications(t, bob)
	drainJoinNotifications(t, alice)

	alice.send(t, &protocol.Frame{Action: protocol.ActionJoin, Room: "devs"})
	status, ok := alice.recv(t).StatusString()
	if !ok || status != protocol.StatusSuccess {
		t.Fatalf("join status = (%q, %v), want SUCCESS", status, ok)
	}

	// bob never joined "devs": alice's room message must not reach him.
	alice.send(t, &protocol.Frame{Action: protocol.ActionRoomMessage, Room: "devs", Message: "room-only"})

	bob.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := bob.r.ReadString('\n'); err == nil {
		t.Fatal("bob should not have received a message for a room he never joined")
	}
}

func TestLivenessEvictsStaleClient(t *testing.T) {
	addr, _ := startTestServer(t)

	watcher := dialTestClient(t, addr)
	registerAndLogin(t, watcher, "frank", "secret1")
	drainJoinNotifications(t, watcher)

	// The watcher keeps heartbeating so that only gina goes stale.
	stopPing := make(chan struct{})
	t.Cleanup(func() { close(stopPing) })
	go func() {
		ping, _ := (&protocol.Frame{Action: protocol.ActionPing}).Encode()
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-tick.C:
				if _, err := watcher.conn.Write(ping); err != nil {
					return
				}
			}
		}
	}()

	stale := dialTestClient(t, addr)
	registerAndLogin(t, stale, "gina", "secret2")
	drainJoinNotifications(t, stale)
	for i := 0; i < 2; i++ {
		watcher.recvSkippingPong(t)
	}

	// No PING sent on the stale connection; the liveness sweep (50ms
	// interval, 200ms timeout in the test config) must evict it and
	// announce the departure to the remaining client.
	watcher.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := watcher.recvSkippingPong(t)
	if got.Type != protocol.TypeSystem {
		t.Fatalf("expected a SYSTEM departure announcement, got %+v", got)
	}
}
