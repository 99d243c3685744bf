//go:build linux || darwin

package ipc

import (
	"fmt"
	"net"
	"os"
	"testing"
	"time"
)

func TestPeerUIDForSelfConnection(t *testing.T) {
	socketPath := fmt.Sprintf("/tmp/bridge-peer-%d.sock", time.Now().UnixNano())
	_ = os.Remove(socketPath)
	defer os.Remove(socketPath) //nolint:errcheck

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("%s - listen unix: %v", modeTestPrefix, err)
	}
	defer ln.Close()

	type result struct {
		uid uint32
		err error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			results <- result{err: err}
			return
		}
		defer conn.Close()
		uid, err := peerUID(conn)
		results <- result{uid: uid, err: err}
	}()

	client, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("%s - dial unix: %v", modeTestPrefix, err)
	}
	_ = client.Close()

	res := <-results
	if res.err != nil {
		t.Fatalf("%s - peerUID() error = %v", modeTestPrefix, res.err)
	}
	if res.uid != uint32(os.Getuid()) {
		t.Fatalf("%s - peerUID() = %d, want %d", modeTestPrefix, res.uid, os.Getuid())
	}
}

func TestPeerUIDRejectsNonUnix(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if _, err := peerUID(a); err == nil {
		t.Errorf("%s - expected error for non-unix conn", modeTestPrefix)
	}
}
