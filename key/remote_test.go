package key

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemoteFollowsPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	conns := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	r := NewRemote("127.0.0.1", addr.Port, RemoteOptions{InitialDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var peer net.Conn
	select {
	case peer = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatalf("remote never connected")
	}
	waitFor(t, "connected", r.Connected)

	peer.Write([]byte("1"))
	waitFor(t, "key down", r.Level)
	peer.Write([]byte("x\r\n0"))
	waitFor(t, "key up", func() bool { return !r.Level() })
	if got := r.Transitions(); got != 2 {
		t.Fatalf("expected 2 transitions, got %d", got)
	}

	// A lost link must release the key and trigger a reconnect.
	peer.Write([]byte("1"))
	waitFor(t, "key down again", r.Level)
	peer.Close()
	waitFor(t, "release on disconnect", func() bool { return !r.Level() })
	select {
	case peer = <-conns:
		peer.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("remote did not reconnect")
	}
	if r.Reconnects() == 0 {
		t.Fatalf("expected reconnect to be counted")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestRemoteAddress(t *testing.T) {
	r := NewRemote("::1", 7300, RemoteOptions{})
	if r.addr != net.JoinHostPort("::1", strconv.Itoa(7300)) {
		t.Fatalf("unexpected addr %q", r.addr)
	}
	if r.maxDelay != 60*time.Second || r.initialDelay != 2*time.Second {
		t.Fatalf("defaults not applied: %+v", r)
	}
}
