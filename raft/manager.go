// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"fmt"
	"log/slog"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	hraft "github.com/hashicorp/raft"

	"github.com/duraq/duraq/config"
	"github.com/duraq/duraq/fsm"
)

// SinkFactory builds the effect sink for a newly created queue Group.
// It runs after the Group exists (so it can bind the Group itself as a
// liveness.Proposer) but before the Group is registered or bootstrapped.
type SinkFactory func(g *Group) EffectSink

// Manager owns every queue's Raft group on this node, grounded on
// queue/raft/manager.go's group registry, minus the partition dimension
// (one queue is one quorum group here, not a set of partitions).
type Manager struct {
	nodeID  string
	dataDir string
	raftDB  *badger.DB
	raftCfg config.RaftConfig
	newSink SinkFactory
	log     *slog.Logger

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewManager prepares a manager to host queue Raft groups over an
// already-open Badger database. raftDB backs every group's log/stable store, keyed
// apart per queue by BadgerLogStore/BadgerStableStore's prefixes. newSink
// builds each queue's effect sink once its Group exists.
func NewManager(nodeID string, cfg config.RaftConfig, dataDir string, raftDB *badger.DB, newSink SinkFactory, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		nodeID:  nodeID,
		dataDir: dataDir,
		raftDB:  raftDB,
		raftCfg: cfg,
		newSink: newSink,
		log:     log,
		groups:  make(map[string]*Group),
	}
}

// EnsureQueue starts (or returns the existing) Raft group for queue,
// bootstrapping single-node clusters immediately and multi-node clusters
// against cfg.Raft.Peers.
func (m *Manager) EnsureQueue(queue string, qcfg fsm.QueueConfig, bindAddr string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.groups[queue]; ok {
		return g, nil
	}

	g, err := NewGroup(GroupConfig{
		Queue:             queue,
		NodeID:            m.nodeID,
		BindAddr:          bindAddr,
		DataDir:           m.dataDir,
		HeartbeatTimeout:  m.raftCfg.HeartbeatTimeout,
		ElectionTimeout:   m.raftCfg.ElectionTimeout,
		CommitTimeout:     m.raftCfg.CommitTimeout,
		SnapshotInterval:  m.raftCfg.SnapshotInterval,
		SnapshotThreshold: m.raftCfg.SnapshotThreshold,
		TrailingLogs:      m.raftCfg.TrailingLogs,
		RaftDB:            m.raftDB,
		QueueCfg:          qcfg,
		HCLogLevel:        "warn",
		Log:               m.log,
	})
	if err != nil {
		return nil, fmt.Errorf("create raft group for queue %s: %w", queue, err)
	}

	if m.newSink != nil {
		g.SetSink(m.newSink(g))
	}

	if err := g.Bootstrap(m.bootstrapServers(bindAddr)); err != nil {
		g.Shutdown()
		return nil, fmt.Errorf("bootstrap queue %s: %w", queue, err)
	}

	m.groups[queue] = g
	return g, nil
}

func (m *Manager) bootstrapServers(selfAddr string) []hraft.Server {
	if !m.raftCfg.Bootstrap {
		return nil
	}
	servers := []hraft.Server{{ID: hraft.ServerID(m.nodeID), Address: hraft.ServerAddress(selfAddr)}}
	for peerID, peerAddr := range m.raftCfg.Peers {
		if peerID == m.nodeID {
			continue
		}
		servers = append(servers, hraft.Server{ID: hraft.ServerID(peerID), Address: hraft.ServerAddress(peerAddr)})
	}
	return servers
}

// Group returns the Raft group for queue, if it has been started.
func (m *Manager) Group(queue string) (*Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[queue]
	return g, ok
}

// QueueNames returns every queue this node currently hosts a Raft group
// for, in no particular order.
func (m *Manager) QueueNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	return names
}

// Shutdown stops every queue's Raft group.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for queue, g := range m.groups {
		if err := g.Shutdown(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown queue %s: %w", queue, err)
		}
	}
	m.groups = make(map[string]*Group)
	return firstErr
}

// QueueConfigFromDefaults translates the daemon's default per-queue
// settings into fsm.QueueConfig for a newly declared queue.
func QueueConfigFromDefaults(name, resourceID string, d config.QueueDefaults) fsm.QueueConfig {
	qc := fsm.DefaultQueueConfig(name, resourceID)
	qc.MaxLength = d.MaxLength
	qc.MaxBytes = d.MaxBytes
	qc.DeliveryLimit = d.DeliveryLimit
	if d.MsgTTL > 0 {
		ms := uint64(d.MsgTTL.Milliseconds())
		qc.MsgTTL = &ms
	}
	if d.Expires > 0 {
		ms := uint64(d.Expires.Milliseconds())
		qc.Expires = &ms
	}
	if d.ReleaseCursorInterval > 0 {
		qc.ReleaseCursorInterval = fsm.ReleaseCursorInterval{Base: d.ReleaseCursorInterval, Current: d.ReleaseCursorInterval}
	}
	if d.ReleaseCursorEveryMax > 0 {
		qc.ReleaseCursorEveryMax = d.ReleaseCursorEveryMax
	}
	if d.OverflowStrategy == "reject_publish" {
		qc.OverflowStrategy = fsm.OverflowRejectPublish
	}
	if d.ConsumerStrategy == "single_active" {
		qc.ConsumerStrategy = fsm.StrategySingleActive
		qc.SingleActiveConsumerOn = true
	}
	if d.ConsumerLockTimeout > 0 {
		qc.ConsumerLockMS = uint64(d.ConsumerLockTimeout.Milliseconds())
	}
	if d.SoftLimitWatermark > 0 {
		qc.SoftLimitWatermark = d.SoftLimitWatermark
	}
	return qc
}
