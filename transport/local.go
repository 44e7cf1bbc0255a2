// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport implements raft.Transport: delivering a committed
// send_msg effect's payload to the process it names. Building an actual
// client-facing wire protocol is out of scope (SPEC_FULL.md §5's
// Non-goals), so LocalTransport plays the substrate's role by handing
// the payload to whatever local waiter has registered for that pid,
// grounded on cluster/will.go's node-scoped, mutex-protected cache.
package transport

import (
	"log/slog"
	"sync"

	"github.com/duraq/duraq/fsm"
)

// Delivery is one payload handed to a registered waiter: the exact value
// raft.Transport.Send received, tagged with whether the FSM considered
// the destination local to this node.
type Delivery struct {
	Payload interface{}
	Local   bool
}

// LocalTransport fans send_msg deliveries out to locally registered
// channels, keyed by the destination pid. A pid with no registered
// waiter (no consumer currently attached, or the destination lives on
// another node) has its delivery logged and dropped; nothing in this
// substrate promises redelivery beyond what the FSM's own delivery_limit
// and requeue machinery already provide.
type LocalTransport struct {
	nodeID string
	log    *slog.Logger

	mu   sync.RWMutex
	subs map[string]chan Delivery
}

// New creates a LocalTransport for nodeID.
func New(nodeID string, log *slog.Logger) *LocalTransport {
	if log == nil {
		log = slog.Default()
	}
	return &LocalTransport{
		nodeID: nodeID,
		log:    log,
		subs:   make(map[string]chan Delivery),
	}
}

// Register arms a buffered channel for pid, returning it and a function
// to unregister it. Callers (e.g. a consumer's checkout loop) drain the
// channel for as long as they're attached.
func (t *LocalTransport) Register(pid fsm.Pid, buffer int) (<-chan Delivery, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Delivery, buffer)
	key := pid.String()

	t.mu.Lock()
	t.subs[key] = ch
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		if existing, ok := t.subs[key]; ok && existing == ch {
			delete(t.subs, key)
			close(existing)
		}
		t.mu.Unlock()
	}
}

// Send implements raft.Transport.
func (t *LocalTransport) Send(pid fsm.Pid, payload interface{}, local bool) {
	if pid.Node != "" && pid.Node != t.nodeID {
		t.log.Debug("dropping delivery for non-local node",
			slog.String("pid", pid.String()), slog.String("node", pid.Node))
		return
	}

	t.mu.RLock()
	ch, ok := t.subs[pid.String()]
	t.mu.RUnlock()
	if !ok {
		t.log.Debug("dropping delivery for unregistered pid", slog.String("pid", pid.String()))
		return
	}

	select {
	case ch <- Delivery{Payload: payload, Local: local}:
	default:
		t.log.Warn("delivery channel full, dropping message", slog.String("pid", pid.String()))
	}
}
