package server

import (
	"testing"
	"time"

	"chatcore/internal/protocol"
)

func TestOfflineMessageDeliveredOnNextLogin(t *testing.T) {
	addr, _ := startTestServer(t)

	sender := dialTestClient(t, addr)
	registerAndLogin(t, sender, "hank", "secret1")
	drainJoinNotifications(t, sender)

	// "ivy" is registered but not logged in; hank's PRIVATE message has no
	// live recipient and must be queued rather than dropped.
	registerOnly(t, addr, "ivy", "secret2")

	sender.send(t, &protocol.Frame{Action: protocol.ActionPrivate, Recipient: "ivy", Message: "welcome"})
	time.Sleep(100 * time.Millisecond) // let the dispatch worker process the enqueue

	recipient := dialTestClient(t, addr)
	recipient.send(t, &protocol.Frame{Action: protocol.ActionLogin, Username: "ivy", Password: "secret2"})
	if s, ok := recipient.recv(t).StatusString(); !ok || s != protocol.StatusSuccess {
		t.Fatal("ivy login failed")
	}
	drainJoinNotifications(t, recipient)

	got := recipient.recv(t)
	if got.Type != protocol.TypePrivate || got.Sender != "hank" || got.Message != "(Offline) welcome" {
		t.Fatalf("offline delivery = %+v, want PRIVATE from hank prefixed (Offline)", got)
	}
}

func TestTypingIndicatorRoutedToRecipient(t *testing.T) {
	addr, _ := startTestServer(t)

	alice := dialTestClient(t, addr)
	registerAndLogin(t, alice, "jack", "secret1")
	drainJoinNotifications(t, alice)

	bob := dialTestClient(t, addr)
	registerAndLogin(t, bob, "kara", "secret2")
	drainJoinNotifications(t, bob)
	drainJoinNotifications(t, alice)

	alice.send(t, &protocol.Frame{Action: protocol.ActionTypingStart, Recipient: "kara"})

	got := bob.recv(t)
	if got.Type != protocol.TypeTyping || got.Sender != "jack" {
		t.Fatalf("typing frame = %+v, want typing from jack", got)
	}
	typing, ok := got.TypingState()
	if !ok || !typing {
		t.Fatalf("TypingState() = (%v, %v), want (true, true)", typing, ok)
	}
}

// registerOnly registers a username without logging in, using a throwaway
// connection that is closed immediately after.
func registerOnly(t *testing.T, addr, username, password string) {
	t.Helper()
	tc := dialTestClient(t, addr)
	tc.send(t, &protocol.Frame{Action: protocol.ActionRegister, Username: username, Password: password})
	if s, ok := tc.recv(t).StatusString(); !ok || s != protocol.StatusSuccess {
		t.Fatalf("register failed for %s", username)
	}
	tc.conn.Close()
}
