// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/duraq/duraq/fsm"
	"github.com/stretchr/testify/require"
)

// RecordEffect must never panic against the global noop MeterProvider
// that is in effect whenever Setup has not been called (metrics disabled
// or a plain unit test like this one).
func TestRecordEffectAgainstNoopProvider(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	pid := fsm.Pid{Node: "n1", ID: "1"}

	require.NotPanics(t, func() {
		m.RecordEffect("orders", fsm.Effect{Type: fsm.EffectSendMsg, SendTo: &pid, Payload: []byte("hi"), Local: true})
		m.RecordEffect("orders", fsm.Effect{Type: fsm.EffectMonitor, MonitorKind: fsm.MonitorProcess, MonitorPid: &pid})
		m.RecordEffect("orders", fsm.Effect{Type: fsm.EffectMonitor, MonitorKind: fsm.MonitorNode, MonitorNode: "node-2"})
		m.RecordEffect("orders", fsm.Effect{Type: fsm.EffectTimer, TimerName: "checkout_timeout", TimerDelayMS: 1000})
		m.RecordEffect("orders", fsm.Effect{Type: fsm.EffectModCall, Module: "dlx", Function: "handle", Args: map[string]interface{}{"reason": "ttl"}})
		m.RecordEffect("orders", fsm.Effect{Type: fsm.EffectReleaseCursor})
	})
}
