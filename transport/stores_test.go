package transport

import (
	"log/slog"
	"testing"
	"time"

	"github.com/contextvm/ctxvm-go/protocol"
)

func testLogger() *slog.Logger { return slog.Default() }

func TestCorrelationStore_EvictionCleansTokenIndex(t *testing.T) {
	s := newCorrelationStore(2, testLogger())
	s.Register("ev1", &PendingRequest{OriginalID: protocol.IntID(1), ProgressToken: "t1"})
	s.Register("ev2", &PendingRequest{OriginalID: protocol.IntID(2), ProgressToken: "t2"})
	s.Register("ev3", &PendingRequest{OriginalID: protocol.IntID(3), ProgressToken: "t3"})

	if s.Len() != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", s.Len())
	}
	if _, ok := s.Get("ev1"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := s.ByToken("t1"); ok {
		t.Error("token index kept an evicted entry")
	}
	if id, ok := s.ByToken("t3"); !ok || id != "ev3" {
		t.Errorf("token index lost a live entry: %q %v", id, ok)
	}
}

func TestCorrelationStore_TakeConsumesOnce(t *testing.T) {
	s := newCorrelationStore(0, testLogger())
	s.Register("ev1", &PendingRequest{OriginalID: protocol.StringID("a"), ProgressToken: "t1"})

	if _, ok := s.Take("ev1"); !ok {
		t.Fatal("first Take failed")
	}
	if _, ok := s.Take("ev1"); ok {
		t.Error("second Take succeeded")
	}
	if _, ok := s.ByToken("t1"); ok {
		t.Error("token survived Take")
	}
}

func TestRouteStore_PopClaimsOnce(t *testing.T) {
	s := newRouteStore(0, testLogger())
	s.Register("ev1", &EventRoute{ClientPubkey: "pk", OriginalID: protocol.IntID(7), ProgressToken: "tok"})

	if id, ok := s.ByToken("tok"); !ok || id != "ev1" {
		t.Fatalf("token lookup failed: %q %v", id, ok)
	}
	r1, ok1 := s.Pop("ev1")
	_, ok2 := s.Pop("ev1")
	if !ok1 || ok2 {
		t.Fatalf("expected exactly one claim, got %v %v", ok1, ok2)
	}
	if !r1.OriginalID.Equal(protocol.IntID(7)) {
		t.Errorf("wrong route claimed: %+v", r1)
	}
	if _, ok := s.ByToken("tok"); ok {
		t.Error("token survived the claim")
	}
}

func TestRouteStore_RemoveForClient(t *testing.T) {
	s := newRouteStore(0, testLogger())
	s.Register("ev1", &EventRoute{ClientPubkey: "a", OriginalID: protocol.IntID(1)})
	s.Register("ev2", &EventRoute{ClientPubkey: "b", OriginalID: protocol.IntID(2), ProgressToken: "tb"})
	s.Register("ev3", &EventRoute{ClientPubkey: "a", OriginalID: protocol.IntID(3)})

	if n := s.RemoveForClient("a"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 route left, got %d", s.Len())
	}
	if _, ok := s.ByToken("tb"); !ok {
		t.Error("unrelated token was removed")
	}
}

func TestSessionStore_EvictionFiresCallback(t *testing.T) {
	evicted := make(chan string, 1)
	s := newSessionStore(2, testLogger(), func(pk string) { evicted <- pk }, nil)

	s.GetOrCreate("a")
	s.GetOrCreate("b")
	s.GetOrCreate("c")

	select {
	case pk := <-evicted:
		if pk != "a" {
			t.Errorf("expected oldest session evicted, got %q", pk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("eviction callback never fired")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 sessions, got %d", s.Len())
	}
}

func TestSessionStore_VetoKeepsSession(t *testing.T) {
	evicted := make(chan string, 2)
	s := newSessionStore(2, testLogger(),
		func(pk string) { evicted <- pk },
		func(sess *Session) bool { return sess.ClientPubkey != "a" })

	s.GetOrCreate("a")
	s.GetOrCreate("b")
	s.GetOrCreate("c")

	if _, ok := s.Get("a"); !ok {
		t.Error("vetoed session was dropped")
	}
	// Re-inserting the vetoed session pushes the next oldest one out instead.
	select {
	case pk := <-evicted:
		if pk == "a" {
			t.Error("vetoed session reported as evicted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no replacement eviction happened")
	}
}

func TestSessionStore_SweepIdle(t *testing.T) {
	s := newSessionStore(0, testLogger(), nil, nil)
	old := s.GetOrCreate("stale")
	old.LastActivity = time.Now().Add(-time.Hour)
	s.GetOrCreate("fresh")

	if n := s.SweepIdle(30 * time.Minute); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, ok := s.Get("stale"); ok {
		t.Error("stale session survived the sweep")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh session was swept")
	}
}
