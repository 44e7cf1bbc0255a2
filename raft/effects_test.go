// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duraq/duraq/fsm"
	"github.com/duraq/duraq/liveness"
)

type recordingTransport struct {
	sent []interface{}
}

func (t *recordingTransport) Send(pid fsm.Pid, payload interface{}, local bool) {
	t.sent = append(t.sent, payload)
}

func statusEffect(pid fsm.Pid, status string) fsm.Effect {
	return fsm.Effect{
		Type:    fsm.EffectSendMsg,
		SendTo:  &pid,
		Payload: fsm.QueueStatusPayload{Status: status},
	}
}

func TestExecutor_SendMsgForwardsWithoutLimiter(t *testing.T) {
	transport := &recordingTransport{}
	e := &Executor{Transport: transport}

	e.Execute("q1", []fsm.Effect{statusEffect(fsm.Pid{Node: "n1", ID: "p1"}, "reject_publish")})

	require.Len(t, transport.sent, 1)
	assert.Equal(t, fsm.QueueStatusPayload{Status: "reject_publish"}, transport.sent[0])
}

func TestExecutor_StatusLimiterDebouncesRepeatedNotifications(t *testing.T) {
	transport := &recordingTransport{}
	e := &Executor{Transport: transport, StatusLimiter: liveness.NewStatusLimiter(1, 1)}
	pid := fsm.Pid{Node: "n1", ID: "p1"}

	e.Execute("q1", []fsm.Effect{statusEffect(pid, "reject_publish")})
	e.Execute("q1", []fsm.Effect{statusEffect(pid, "reject_publish")})
	e.Execute("q1", []fsm.Effect{statusEffect(pid, "reject_publish")})

	assert.Len(t, transport.sent, 1, "burst-of-1 limiter must drop the second and third notification")
}

func TestExecutor_StatusLimiterIsolatesByPid(t *testing.T) {
	transport := &recordingTransport{}
	e := &Executor{Transport: transport, StatusLimiter: liveness.NewStatusLimiter(1, 1)}

	e.Execute("q1", []fsm.Effect{statusEffect(fsm.Pid{Node: "n1", ID: "p1"}, "reject_publish")})
	e.Execute("q1", []fsm.Effect{statusEffect(fsm.Pid{Node: "n1", ID: "p2"}, "reject_publish")})

	assert.Len(t, transport.sent, 2, "each enqueuer has its own token bucket")
}

func TestExecutor_ReplyEffectDeliversToReplyTo(t *testing.T) {
	transport := &recordingTransport{}
	e := &Executor{Transport: transport}
	pid := fsm.Pid{Node: "n1", ID: "c1"}
	term := struct {
		Tag           string
		DeliveryCount uint32
	}{Tag: "c1", DeliveryCount: 3}

	e.Execute("q1", []fsm.Effect{{Type: fsm.EffectReply, ReplyTo: &pid, ReplyTerm: term}})

	require.Len(t, transport.sent, 1)
	assert.Equal(t, term, transport.sent[0])
}

func TestExecutor_ReplyEffectWithoutTransportIsNoop(t *testing.T) {
	pid := fsm.Pid{Node: "n1", ID: "c1"}
	e := &Executor{}

	assert.NotPanics(t, func() {
		e.Execute("q1", []fsm.Effect{{Type: fsm.EffectReply, ReplyTo: &pid, ReplyTerm: "anything"}})
	})
}

func TestExecutor_ReplyEffectBypassesStatusLimiter(t *testing.T) {
	transport := &recordingTransport{}
	e := &Executor{Transport: transport, StatusLimiter: liveness.NewStatusLimiter(1, 1)}
	pid := fsm.Pid{Node: "n1", ID: "c1"}

	e.Execute("q1", []fsm.Effect{{Type: fsm.EffectReply, ReplyTo: &pid, ReplyTerm: "first"}})
	e.Execute("q1", []fsm.Effect{{Type: fsm.EffectReply, ReplyTo: &pid, ReplyTerm: "second"}})

	assert.Len(t, transport.sent, 2, "credit_reply is addressed to a specific request, not debounced")
}

func TestExecutor_NonStatusPayloadBypassesLimiter(t *testing.T) {
	transport := &recordingTransport{}
	e := &Executor{Transport: transport, StatusLimiter: liveness.NewStatusLimiter(1, 1)}
	pid := fsm.Pid{Node: "n1", ID: "p1"}

	e.Execute("q1", []fsm.Effect{{Type: fsm.EffectSendMsg, SendTo: &pid, Payload: "ordinary delivery"}})
	e.Execute("q1", []fsm.Effect{{Type: fsm.EffectSendMsg, SendTo: &pid, Payload: "ordinary delivery"}})

	assert.Len(t, transport.sent, 2, "the limiter only debounces queue_status notifications")
}
