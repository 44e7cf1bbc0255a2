// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"log/slog"

	"github.com/duraq/duraq/core"
	"github.com/duraq/duraq/fsm"
	"github.com/duraq/duraq/liveness"
)

// Transport delivers a send_msg effect's payload to a process.
type Transport interface {
	Send(pid fsm.Pid, payload interface{}, local bool)
}

// Monitor arms the monitor(process|node) effect (spec.md §6): the
// substrate guarantees a down command eventually follows on failure.
type Monitor interface {
	Watch(kind fsm.MonitorTargetKind, pid *fsm.Pid, node string)
}

// ModCaller executes a mod_call effect (dlx hand-off/control,
// consumer_handler updates, queue_lifecycle spawn_deleter).
type ModCaller interface {
	Call(module, function string, args map[string]interface{})
}

// LogFetcher retrieves the raw command bodies a queue committed at the
// given indexes, standing in for the substrate's "log-read effect
// receives exactly the bodies committed at those indexes" guarantee
// (spec.md §5).
type LogFetcher interface {
	Fetch(queue string, indexes []uint64) ([][]byte, error)
}

// MetricsRecorder observes committed effects for the OTel export layer.
type MetricsRecorder interface {
	RecordEffect(queue string, eff fsm.Effect)
}

// Executor is the concrete EffectSink wired by cmd: it fans each effect
// fsm.Apply produced out to the collaborator that owns it.
type Executor struct {
	Transport     Transport
	Monitor       Monitor
	ModCaller     ModCaller
	LogFetcher    LogFetcher
	Metrics       MetricsRecorder
	Cursors       *CursorStore
	BufferPool    *core.BufferPool
	StatusLimiter *liveness.StatusLimiter
	Log           *slog.Logger
}

// Execute implements EffectSink.
func (e *Executor) Execute(queue string, effects []fsm.Effect) {
	for _, eff := range effects {
		if e.Metrics != nil {
			e.Metrics.RecordEffect(queue, eff)
		}
		e.executeOne(queue, eff)
	}
}

func (e *Executor) executeOne(queue string, eff fsm.Effect) {
	switch eff.Type {
	case fsm.EffectSendMsg:
		e.executeSendMsg(eff)
	case fsm.EffectMonitor:
		if e.Monitor != nil {
			e.Monitor.Watch(eff.MonitorKind, eff.MonitorPid, eff.MonitorNode)
		}
	case fsm.EffectLog:
		e.executeLog(queue, eff)
	case fsm.EffectModCall:
		if e.ModCaller != nil {
			e.ModCaller.Call(eff.Module, eff.Function, eff.Args)
		}
	case fsm.EffectReleaseCursor:
		if e.Cursors != nil && eff.Dehydrated != nil {
			if err := e.Cursors.Save(queue, eff.CursorIndex, eff.Dehydrated); err != nil && e.Log != nil {
				e.Log.Error("failed to persist release cursor",
					slog.String("queue", queue), slog.Uint64("index", eff.CursorIndex), slog.String("error", err.Error()))
			}
		}
	case fsm.EffectTimer:
		// arming/disarming the timer is the substrate's job; nothing to do
		// here beyond having observed it via Metrics above.
	case fsm.EffectReply:
		e.executeReply(eff)
	case fsm.EffectAux:
		// aux effects have no fixed interpretation in this substrate.
	}
}

func (e *Executor) executeSendMsg(eff fsm.Effect) {
	if eff.SendTo == nil || e.Transport == nil {
		return
	}
	if status, ok := eff.Payload.(fsm.QueueStatusPayload); ok && e.StatusLimiter != nil {
		if !e.StatusLimiter.Allow(eff.SendTo.String()) {
			return
		}
		e.Transport.Send(*eff.SendTo, status, eff.Local)
		return
	}
	if eff.Delivery != nil {
		e.Transport.Send(*eff.SendTo, eff.Delivery, eff.Local)
		return
	}
	e.Transport.Send(*eff.SendTo, eff.Payload, eff.Local)
}

// executeReply delivers an out-of-band reply effect (the v2 credit
// protocol's credit_reply, per spec.md §4.5) to the pid it names. Unlike
// send_msg this always bypasses the status limiter: a credit_reply is
// addressed to a specific in-flight request, not a debounced notification.
func (e *Executor) executeReply(eff fsm.Effect) {
	if eff.ReplyTo == nil || e.Transport == nil {
		return
	}
	e.Transport.Send(*eff.ReplyTo, eff.ReplyTerm, false)
}

// executeLog resolves a chunked delivery batch that could not be served
// from msg_cache: it fetches the committed bodies at eff.Indexes, pairs
// each with its DeliveryEntry, and hands the assembled batch to Transport
// wrapped in a pooled, reference-counted buffer so the same underlying
// bytes can be handed to a competing consumer's retry without copying.
func (e *Executor) executeLog(queue string, eff fsm.Effect) {
	if eff.Delivery == nil || e.LogFetcher == nil {
		return
	}

	bodies, err := e.LogFetcher.Fetch(queue, eff.Indexes)
	if err != nil {
		if e.Log != nil {
			e.Log.Error("failed to fetch log bodies for delivery",
				slog.String("tag", eff.LogTag), slog.String("error", err.Error()))
		}
		return
	}
	if len(bodies) != len(eff.Delivery.Entries) {
		if e.Log != nil {
			e.Log.Error("log fetch returned unexpected body count",
				slog.Int("want", len(eff.Delivery.Entries)), slog.Int("got", len(bodies)))
		}
		return
	}

	pool := e.BufferPool
	if pool == nil {
		pool = core.DefaultBufferPool
	}

	bufs := make([]*core.RefCountedBuffer, len(bodies))
	for i, body := range bodies {
		bufs[i] = pool.GetWithData(body)
	}
	defer func() {
		for _, b := range bufs {
			b.Release()
		}
	}()

	assembled := make([][]byte, len(bufs))
	for i, b := range bufs {
		assembled[i] = b.Bytes()
	}

	if e.Transport != nil {
		e.Transport.Send(eff.Delivery.ConsumerPid, deliveredBatch{Delivery: eff.Delivery, Bodies: assembled}, false)
	}
}

// deliveredBatch is the payload handed to Transport for a log-read
// delivery: the original entries (msg id, log index, header) paired with
// the bodies fetched for them, in the same order.
type deliveredBatch struct {
	Delivery *fsm.Delivery
	Bodies   [][]byte
}
