// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	hraft "github.com/hashicorp/raft"

	"github.com/duraq/duraq/fsm"
)

// Group owns exactly one queue's Raft consensus group: its FSM, its
// Badger-backed log/stable stores, and the hashicorp/raft instance tying
// them together. Grounded on queue/raft/raft_group.go's RaftGroup, with
// the partition dimension dropped since one queue is one quorum group here.
type Group struct {
	queue string

	raft *hraft.Raft
	fsm  *FSM

	logStore      *BadgerLogStore
	stableStore   *BadgerStableStore
	snapshotStore hraft.SnapshotStore
	transport     *hraft.NetworkTransport

	isLeader atomic.Bool
	leaderCh chan bool

	log *slog.Logger
}

// GroupConfig configures one queue's Raft group.
type GroupConfig struct {
	Queue    string
	NodeID   string
	BindAddr string
	DataDir  string

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	CommitTimeout     time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	TrailingLogs      uint64

	RaftDB     *badger.DB
	QueueCfg   fsm.QueueConfig
	Sink       EffectSink
	HCLogLevel string
	Log        *slog.Logger
}

// NewGroup creates and starts a Raft group for one queue. The caller is
// responsible for bootstrapping it via Bootstrap on first startup.
func NewGroup(cfg GroupConfig) (*Group, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	g := &Group{
		queue:    cfg.Queue,
		fsm:      New(cfg.Queue, cfg.QueueCfg, cfg.Sink, cfg.Log),
		leaderCh: make(chan bool, 10),
		log:      cfg.Log,
	}

	g.logStore = NewBadgerLogStore(cfg.RaftDB, cfg.Queue)
	g.stableStore = NewBadgerStableStore(cfg.RaftDB, cfg.Queue)

	snapshotDir := filepath.Join(cfg.DataDir, "snapshots", cfg.Queue)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	snapStore, err := hraft.NewFileSnapshotStore(snapshotDir, 3, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	g.snapshotStore = snapStore

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := hraft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}
	g.transport = transport

	raftCfg := hraft.DefaultConfig()
	raftCfg.LocalID = hraft.ServerID(cfg.NodeID)
	if cfg.HeartbeatTimeout > 0 {
		raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		raftCfg.ElectionTimeout = cfg.ElectionTimeout
	}
	if cfg.CommitTimeout > 0 {
		raftCfg.CommitTimeout = cfg.CommitTimeout
	}
	if cfg.SnapshotInterval > 0 {
		raftCfg.SnapshotInterval = cfg.SnapshotInterval
	}
	if cfg.SnapshotThreshold > 0 {
		raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	}
	if cfg.TrailingLogs > 0 {
		raftCfg.TrailingLogs = cfg.TrailingLogs
	}
	raftCfg.Logger = NewHCLogger(fmt.Sprintf("raft-%s", cfg.Queue), cfg.HCLogLevel)

	r, err := hraft.NewRaft(raftCfg, g.fsm, g.logStore, g.stableStore, g.snapshotStore, g.transport)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("create raft instance: %w", err)
	}
	g.raft = r

	go g.monitorLeadership()

	g.log.Info("raft group created", slog.String("queue", cfg.Queue), slog.String("node_id", cfg.NodeID))
	return g, nil
}

// SetSink rebinds the Group's FSM to execute effects through sink. Any
// commands applied before this is called (the log replay a restart's
// hraft.NewRaft performs internally, before NewGroup returns) execute
// with no sink at all; effects.Executor's collaborators are otherwise
// idle until then, so nothing observes the gap besides a debug log line.
func (g *Group) SetSink(sink EffectSink) {
	g.fsm.SetSink(sink)
}

// Bootstrap initializes the cluster with peers if no state exists yet.
func (g *Group) Bootstrap(peers []hraft.Server) error {
	hasState, err := hraft.HasExistingState(g.logStore, g.stableStore, g.snapshotStore)
	if err != nil {
		return fmt.Errorf("check existing state: %w", err)
	}
	if hasState {
		g.log.Info("raft group already bootstrapped", slog.String("queue", g.queue))
		return nil
	}

	future := g.raft.BootstrapCluster(hraft.Configuration{Servers: peers})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap raft: %w", err)
	}
	g.log.Info("raft group bootstrapped", slog.String("queue", g.queue), slog.Int("peers", len(peers)))
	return nil
}

// Propose implements liveness.Proposer: it submits cmd for replication and
// waits for it to commit, discarding the reply. Command submission that
// needs the reply goes through ProposeSync instead.
func (g *Group) Propose(ctx context.Context, cmd fsm.Command) error {
	_, err := g.ProposeSync(ctx, cmd, nil, fsm.ReplyMode{Kind: "noreply"})
	return err
}

// ProposeSync submits cmd to the Raft log and blocks for its commit,
// returning the fsm.Reply the command produced.
func (g *Group) ProposeSync(ctx context.Context, cmd fsm.Command, from *fsm.Pid, replyMode fsm.ReplyMode) (fsm.Reply, error) {
	if !g.IsLeader() {
		return fsm.Reply{}, fmt.Errorf("not leader for queue %s", g.queue)
	}

	op := NewProposal(cmd, from, replyMode)
	data, err := EncodeOperation(op)
	if err != nil {
		return fsm.Reply{}, fmt.Errorf("encode operation: %w", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	future := g.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fsm.Reply{}, fmt.Errorf("raft apply: %w", err)
	}

	result, ok := future.Response().(*ApplyResult)
	if !ok {
		return fsm.Reply{}, fmt.Errorf("unexpected apply response type")
	}
	return result.Reply, result.Err
}

// State returns a defensive clone of the current committed state, usable
// on any replica for query-style reads.
func (g *Group) State() *fsm.State {
	return g.fsm.State()
}

// IsLeader reports whether this node currently leads the queue's group.
func (g *Group) IsLeader() bool {
	return g.isLeader.Load()
}

// Leader returns the current leader's address, if known.
func (g *Group) Leader() string {
	addr, _ := g.raft.LeaderWithID()
	return string(addr)
}

// Shutdown stops the Raft instance and releases its transport.
func (g *Group) Shutdown() error {
	g.log.Info("shutting down raft group", slog.String("queue", g.queue))
	if err := g.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("raft shutdown: %w", err)
	}
	close(g.leaderCh)
	return nil
}

func (g *Group) monitorLeadership() {
	for isLeader := range g.raft.LeaderCh() {
		g.isLeader.Store(isLeader)
		if isLeader {
			g.log.Info("became leader", slog.String("queue", g.queue))
		} else {
			g.log.Info("lost leadership", slog.String("queue", g.queue))
		}
		select {
		case g.leaderCh <- isLeader:
		default:
		}
	}
}
