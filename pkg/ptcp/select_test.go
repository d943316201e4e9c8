package ptcp

import (
	"testing"
	"time"

	"github.com/relog-project/relog-go/pkg/netstream"
)

func TestSelectTimeout(t *testing.T) {
	client, _, _ := newTestPair(t)

	set := NewSelectSet()
	if err := set.Add(client, netstream.WaitRead); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	start := time.Now()
	n, err := set.Select(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Select on idle connection = %d ready, want 0", n)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Select returned before the timeout elapsed")
	}
}

func TestSelectReadReadiness(t *testing.T) {
	client, server, _ := newTestPair(t)

	if _, err := server.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	set := NewSelectSet()
	if err := set.Add(client, netstream.WaitRead); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	n, err := set.Select(2 * time.Second)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Select = %d ready, want 1", n)
	}

	ready, err := set.IsReady(client, netstream.WaitRead)
	if err != nil {
		t.Fatalf("IsReady failed: %v", err)
	}
	if !ready {
		t.Error("client should be read-ready after server sent data")
	}
}

func TestSelectWriteReadiness(t *testing.T) {
	client, _, _ := newTestPair(t)

	set := NewSelectSet()
	if err := set.Add(client, netstream.WaitWrite); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	n, err := set.Select(2 * time.Second)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Select = %d ready, want 1 (idle socket is writable)", n)
	}
}

func TestSelectListenerReadiness(t *testing.T) {
	_, _, listener := newTestPair(t)

	// the pair's connection is already accepted; no pending connection
	set := NewSelectSet()
	if err := set.Add(listener, netstream.WaitRead); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	n, err := set.Select(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Select on idle listener = %d ready, want 0", n)
	}
}

func TestAddUnconnectedDriver(t *testing.T) {
	set := NewSelectSet()
	if err := set.Add(NewDriver(nil), netstream.WaitRead); err == nil {
		t.Error("Add should reject a driver without a socket")
	}
}

func TestSelectSetReset(t *testing.T) {
	client, server, _ := newTestPair(t)

	if _, err := server.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	set := NewSelectSet()
	if err := set.Add(client, netstream.WaitRead); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := set.Select(2 * time.Second); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	set.Reset()
	ready, err := set.IsReady(client, netstream.WaitRead)
	if err != nil {
		t.Fatalf("IsReady failed: %v", err)
	}
	if ready {
		t.Error("IsReady after Reset should report not ready")
	}
}
