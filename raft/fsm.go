// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	hraft "github.com/hashicorp/raft"

	"github.com/duraq/duraq/fsm"
)

// EffectSink executes the side effects fsm.Apply returns, after the
// command that produced them has committed. Executor (effects.go) is the
// implementation; cmd wires it to collaborators that live outside this
// package (liveness, dlx, metrics).
type EffectSink interface {
	Execute(queue string, effects []fsm.Effect)
}

// ApplyResult is the value returned through raft.ApplyFuture.Response()
// for a committed command.
type ApplyResult struct {
	Reply fsm.Reply
	Err   error
}

// FSM adapts a single queue's fsm.State to hashicorp/raft's FSM
// interface. One FSM instance backs exactly one Raft group; a node
// hosting many queues runs one FSM (and one raft.Raft) per queue.
type FSM struct {
	mu    sync.RWMutex
	name  string
	state *fsm.State
	sink  EffectSink
	log   *slog.Logger
}

// New constructs an FSM seeded with the given queue configuration.
func New(name string, cfg fsm.QueueConfig, sink EffectSink, log *slog.Logger) *FSM {
	if log == nil {
		log = slog.Default()
	}
	return &FSM{
		name:  name,
		state: fsm.New(cfg),
		sink:  sink,
		log:   log,
	}
}

// SetSink rebinds the effect sink an already-constructed FSM executes
// committed effects through. Used when the sink itself needs a reference
// back to the Group the FSM belongs to (raft.Manager.EnsureQueue), which
// does not exist yet at FSM construction time.
func (f *FSM) SetSink(sink EffectSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

// Apply implements hashicorp/raft.FSM. It is invoked once per committed
// log entry, strictly in log order, matching spec.md §5's single-threaded
// determinism requirement.
func (f *FSM) Apply(l *hraft.Log) interface{} {
	op, err := decodeOperation(l.Data)
	if err != nil {
		f.log.Error("failed to decode operation", slog.String("queue", f.name), slog.String("error", err.Error()))
		return &ApplyResult{Err: fmt.Errorf("decode operation: %w", err)}
	}

	meta := fsm.Meta{
		Index:      l.Index,
		SystemTime: op.SystemTime,
		From:       op.From,
		ReplyMode:  op.ReplyMode,
	}

	f.mu.Lock()
	newState, reply, effects := fsm.Apply(f.state, meta, op.Command)
	f.state = newState
	f.mu.Unlock()

	if len(effects) > 0 && f.sink != nil {
		f.sink.Execute(f.name, effects)
	}

	f.log.Debug("applied command",
		slog.String("queue", f.name),
		slog.Uint64("index", l.Index),
		slog.String("type", string(op.Command.Type)),
		slog.Int("effects", len(effects)))

	return &ApplyResult{Reply: reply}
}

// Snapshot implements hashicorp/raft.FSM. It clones the current state
// under the read lock so Persist can run concurrently with further Apply
// calls, the same pattern queue/raft/fsm.go uses to keep snapshotting off
// the critical path.
func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	f.mu.RLock()
	snap := f.state.Clone()
	f.mu.RUnlock()

	return &stateSnapshot{name: f.name, state: snap, log: f.log}, nil
}

// Restore implements hashicorp/raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state, err := decodeState(rc)
	if err != nil {
		f.log.Error("failed to restore snapshot", slog.String("queue", f.name), slog.String("error", err.Error()))
		return err
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.log.Info("restored snapshot", slog.String("queue", f.name))
	return nil
}

// State returns a defensive clone of the current state, for read-only
// query handlers outside the Raft leader path (spec.md §6 Query
// operations may be served from any replica).
func (f *FSM) State() *fsm.State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Clone()
}
