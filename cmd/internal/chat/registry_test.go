package chat

import (
	"io"
	"log/slog"
	"testing"

	v1 "pulse/shared/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_RegisterAndIsActive(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	if r.IsActive("alice") {
		t.Fatalf("alice should not be active before register")
	}

	c := NewClient("alice", "s1", 4)
	r.Register(c)

	if !r.IsActive("alice") {
		t.Fatalf("alice should be active after register")
	}
	if got := r.Lookup("alice"); got != c {
		t.Fatalf("Lookup returned wrong handle")
	}
}

func TestRegistry_ReconnectSupersedesOldHandle(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	old := NewClient("alice", "s1", 4)
	r.Register(old)

	fresh := NewClient("alice", "s2", 4)
	r.Register(fresh)

	select {
	case <-old.Done():
	default:
		t.Fatalf("superseded handle must be closed")
	}

	if got := r.Lookup("alice"); got != fresh {
		t.Fatalf("fresh handle must be the live one")
	}

	// The stale handle unregistering late must not evict the fresh one.
	if r.Unregister(old) {
		t.Fatalf("stale handle must not report itself current")
	}
	if !r.IsActive("alice") {
		t.Fatalf("fresh handle must survive stale unregister")
	}

	if !r.Unregister(fresh) {
		t.Fatalf("current handle unregister must report true")
	}
	if r.IsActive("alice") {
		t.Fatalf("alice should be inactive after unregister")
	}
}

func TestRegistry_SendOfflineIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	if r.Send("ghost", v1.Envelope{Type: v1.TypeMessageReceive}) {
		t.Fatalf("send to offline user must report false")
	}
}

func TestRegistry_SendDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	c := NewClient("bob", "s1", 1)
	r.Register(c)

	if !r.Send("bob", v1.Envelope{Type: v1.TypeTypingReceive}) {
		t.Fatalf("first send should fit the queue")
	}
	if r.Send("bob", v1.Envelope{Type: v1.TypeTypingReceive}) {
		t.Fatalf("second send must drop, not block")
	}
}

func TestRegistry_SendSkipsClosingClient(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	c := NewClient("bob", "s1", 4)
	r.Register(c)
	c.Close()

	if r.Send("bob", v1.Envelope{Type: v1.TypeMessageReceive}) {
		t.Fatalf("send to a closing client must report false")
	}
}
