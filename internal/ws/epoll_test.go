//go:build linux

package ws

import (
	"net"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Removing a connection whose socket is already closed
// ---------------------------------------------------------------------------

func TestEpollRemoveAfterClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	e, err := NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll() error: %v", err)
	}
	defer e.Close()

	if err := e.Add(server); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	server.Close()

	if err := e.Remove(server); err != nil {
		t.Errorf("Remove() after close: %v", err)
	}
	if len(e.connections) != 0 || len(e.fds) != 0 {
		t.Errorf("expected poller maps empty, got %d/%d", len(e.connections), len(e.fds))
	}
	if err := e.Remove(server); err != nil {
		t.Errorf("second Remove() should be a no-op, got %v", err)
	}
}
