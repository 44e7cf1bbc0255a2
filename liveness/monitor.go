// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package liveness arms the monitor(process|node) effect fsm.Apply returns
// (spec.md §6) using etcd leases, grounded on cluster/etcd.go's session
// lease and cluster/will.go's watch-driven cache update.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/duraq/duraq/fsm"
)

const (
	processLeasePrefix = "duraq:liveness:process:"
	nodeLeasePrefix    = "duraq:liveness:node:"
)

// Proposer submits a command for replication, standing in for the Raft
// group the down/nodeup/nodedown command belongs to.
type Proposer interface {
	Propose(ctx context.Context, cmd fsm.Command) error
}

// Monitor implements raft.Monitor: each watch arms one etcd lease keyed to
// the watched process or node, and proposes a down/nodedown command back
// into the FSM the moment the corresponding key disappears. A lease
// renewed by its owner keeps the key alive; a lease left to expire is
// etcd's proxy for "this process or node stopped responding".
type Monitor struct {
	client   *clientv3.Client
	ttl      time.Duration
	proposer Proposer
	log      *slog.Logger

	mu      sync.Mutex
	watched map[string]context.CancelFunc
}

// New builds a Monitor. ttl is the etcd lease TTL granted per watched
// target; spec.md leaves the detection delay unspecified, so it is the
// only liveness tuning knob exposed to callers.
func New(client *clientv3.Client, ttl time.Duration, proposer Proposer, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		client:   client,
		ttl:      ttl,
		proposer: proposer,
		log:      log,
		watched:  make(map[string]context.CancelFunc),
	}
}

// SetProposer replaces the Raft group a watch's down/nodedown command
// replicates through; until it is called, the proposer passed to New is
// used.
func (m *Monitor) SetProposer(p Proposer) {
	m.mu.Lock()
	m.proposer = p
	m.mu.Unlock()
}

// Watch implements raft.Monitor.
func (m *Monitor) Watch(kind fsm.MonitorTargetKind, pid *fsm.Pid, node string) {
	switch kind {
	case fsm.MonitorProcess:
		if pid != nil {
			m.watchProcess(*pid)
		}
	case fsm.MonitorNode:
		m.watchNode(node)
	}
}

func (m *Monitor) watchProcess(pid fsm.Pid) {
	key := fmt.Sprintf("%s%s/%s", processLeasePrefix, pid.Node, pid.ID)
	m.startWatch(key, func() {
		m.proposeDown(&pid, "noconnection")
	})
}

func (m *Monitor) watchNode(node string) {
	key := nodeLeasePrefix + node
	m.startWatch(key, func() {
		m.proposeNodeDown(node)
	})
}

// startWatch grants a lease under key, keeps it alive with etcd's own
// keepalive loop, and watches for its eventual deletion (expiry or
// explicit revoke) to fire onLost exactly once. Calling startWatch again
// for a key already being watched is a no-op; the substrate is expected to
// re-arm a monitor only after the previous one has fired.
func (m *Monitor) startWatch(key string, onLost func()) {
	m.mu.Lock()
	if _, exists := m.watched[key]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watched[key] = cancel
	m.mu.Unlock()

	grantCtx, grantCancel := context.WithTimeout(ctx, 5*time.Second)
	lease, err := m.client.Grant(grantCtx, int64(m.ttl.Seconds()))
	grantCancel()
	if err != nil {
		m.log.Error("failed to grant liveness lease", slog.String("key", key), slog.String("error", err.Error()))
		m.clearWatch(key)
		return
	}

	if _, err := m.client.Put(ctx, key, "up", clientv3.WithLease(lease.ID)); err != nil {
		m.log.Error("failed to arm liveness key", slog.String("key", key), slog.String("error", err.Error()))
		m.clearWatch(key)
		return
	}

	keepAlive, err := m.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		m.log.Error("failed to start lease keepalive", slog.String("key", key), slog.String("error", err.Error()))
		m.clearWatch(key)
		return
	}

	go m.runWatch(ctx, key, keepAlive, onLost)
}

func (m *Monitor) runWatch(ctx context.Context, key string, keepAlive <-chan *clientv3.LeaseKeepAliveResponse, onLost func()) {
	watchCh := m.client.Watch(ctx, key)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-keepAlive:
			if !ok {
				m.log.Warn("liveness lease expired", slog.String("key", key))
				m.clearWatch(key)
				onLost()
				return
			}
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			for _, ev := range resp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					m.log.Warn("liveness key deleted", slog.String("key", key))
					m.clearWatch(key)
					onLost()
					return
				}
			}
		}
	}
}

func (m *Monitor) clearWatch(key string) {
	m.mu.Lock()
	if cancel, ok := m.watched[key]; ok {
		cancel()
		delete(m.watched, key)
	}
	m.mu.Unlock()
}

func (m *Monitor) currentProposer() Proposer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proposer
}

func (m *Monitor) proposeDown(pid *fsm.Pid, reason string) {
	proposer := m.currentProposer()
	if proposer == nil {
		m.log.Warn("dropping down proposal, no proposer bound yet", slog.String("pid", pid.String()))
		return
	}
	cmd := fsm.Command{Type: fsm.CmdDown, DownPid: pid, DownReason: reason}
	if err := proposer.Propose(context.Background(), cmd); err != nil {
		m.log.Error("failed to propose down", slog.String("error", err.Error()))
	}
}

func (m *Monitor) proposeNodeDown(node string) {
	proposer := m.currentProposer()
	if proposer == nil {
		m.log.Warn("dropping nodedown proposal, no proposer bound yet", slog.String("node", node))
		return
	}
	cmd := fsm.Command{Type: fsm.CmdNodeDown, Node: node}
	if err := proposer.Propose(context.Background(), cmd); err != nil {
		m.log.Error("failed to propose nodedown", slog.String("error", err.Error()))
	}
}

// Close stops every outstanding watch. Held leases are left to expire
// naturally rather than revoked, so a process that briefly loses its
// Monitor does not immediately look down to the rest of the cluster.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cancel := range m.watched {
		cancel()
		delete(m.watched, key)
	}
}
