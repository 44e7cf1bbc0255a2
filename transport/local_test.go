// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"testing"
	"time"

	"github.com/duraq/duraq/fsm"
)

func TestLocalTransport_SendDeliversToRegisteredPid(t *testing.T) {
	tr := New("node-1", nil)
	pid := fsm.Pid{Node: "node-1", ID: "7"}

	ch, cancel := tr.Register(pid, 4)
	defer cancel()

	tr.Send(pid, "hello", true)

	select {
	case d := <-ch:
		if d.Payload != "hello" || !d.Local {
			t.Fatalf("unexpected delivery: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery within a second")
	}
}

func TestLocalTransport_SendDropsUnregisteredPid(t *testing.T) {
	tr := New("node-1", nil)
	pid := fsm.Pid{Node: "node-1", ID: "missing"}

	tr.Send(pid, "hello", true)
}

func TestLocalTransport_SendDropsForeignNode(t *testing.T) {
	tr := New("node-1", nil)
	pid := fsm.Pid{Node: "node-2", ID: "7"}

	ch, cancel := tr.Register(pid, 4)
	defer cancel()

	tr.Send(pid, "hello", true)

	select {
	case d := <-ch:
		t.Fatalf("expected no delivery for a pid on a different node, got %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalTransport_CancelClosesChannel(t *testing.T) {
	tr := New("node-1", nil)
	pid := fsm.Pid{Node: "node-1", ID: "7"}

	ch, cancel := tr.Register(pid, 4)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestLocalTransport_FullBufferDropsWithoutBlocking(t *testing.T) {
	tr := New("node-1", nil)
	pid := fsm.Pid{Node: "node-1", ID: "7"}

	_, cancel := tr.Register(pid, 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		tr.Send(pid, "first", true)
		tr.Send(pid, "second", true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Send to never block even when the buffer is full")
	}
}
