// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports OpenTelemetry counters and histograms for the
// effects fsm.Apply produces, grounded on server/otel/metrics.go's
// instrument set and server/otel/otel.go's OTLP provider wiring.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/duraq/duraq/fsm"
)

// Metrics holds the instruments recorded from committed effects. One
// instance is shared across every queue's raft.Executor on a node; queue
// name is carried as an attribute rather than split into per-queue meters.
type Metrics struct {
	meter metric.Meter

	effectsTotal    metric.Int64Counter
	sendMsgTotal    metric.Int64Counter
	dlxHandoffTotal metric.Int64Counter
	releaseCursors  metric.Int64Counter
	timersArmed     metric.Int64Counter
	monitorsArmed   metric.Int64Counter
}

// New creates a Metrics instance with all instruments initialized against
// the global MeterProvider (set up by Setup, or a noop provider if metrics
// are disabled).
func New() (*Metrics, error) {
	m := &Metrics{meter: otel.Meter("duraq")}

	var err error
	if m.effectsTotal, err = m.meter.Int64Counter(
		"duraq.fsm.effects.total",
		metric.WithDescription("Effects returned by fsm.Apply, by type"),
	); err != nil {
		return nil, fmt.Errorf("create effectsTotal counter: %w", err)
	}

	if m.sendMsgTotal, err = m.meter.Int64Counter(
		"duraq.fsm.send_msg.total",
		metric.WithDescription("send_msg effects, by local/remote"),
	); err != nil {
		return nil, fmt.Errorf("create sendMsgTotal counter: %w", err)
	}

	if m.dlxHandoffTotal, err = m.meter.Int64Counter(
		"duraq.fsm.dlx_handoff.total",
		metric.WithDescription("Messages handed off to the dead-letter dispatcher"),
	); err != nil {
		return nil, fmt.Errorf("create dlxHandoffTotal counter: %w", err)
	}

	if m.releaseCursors, err = m.meter.Int64Counter(
		"duraq.fsm.release_cursor.total",
		metric.WithDescription("release_cursor effects persisted"),
	); err != nil {
		return nil, fmt.Errorf("create releaseCursors counter: %w", err)
	}

	if m.timersArmed, err = m.meter.Int64Counter(
		"duraq.fsm.timer.total",
		metric.WithDescription("timer effects, by timer name"),
	); err != nil {
		return nil, fmt.Errorf("create timersArmed counter: %w", err)
	}

	if m.monitorsArmed, err = m.meter.Int64Counter(
		"duraq.fsm.monitor.total",
		metric.WithDescription("monitor effects, by kind"),
	); err != nil {
		return nil, fmt.Errorf("create monitorsArmed counter: %w", err)
	}

	return m, nil
}

// RecordEffect implements raft.MetricsRecorder.
func (m *Metrics) RecordEffect(queue string, eff fsm.Effect) {
	ctx := context.Background()
	qAttr := attribute.String("queue", queue)

	m.effectsTotal.Add(ctx, 1, metric.WithAttributes(qAttr, attribute.String("type", string(eff.Type))))

	switch eff.Type {
	case fsm.EffectSendMsg:
		locality := "remote"
		if eff.Local {
			locality = "local"
		}
		m.sendMsgTotal.Add(ctx, 1, metric.WithAttributes(qAttr, attribute.String("locality", locality)))
	case fsm.EffectModCall:
		if eff.Module == "dlx" {
			reason, _ := eff.Args["reason"].(string)
			m.dlxHandoffTotal.Add(ctx, 1, metric.WithAttributes(qAttr, attribute.String("reason", reason)))
		}
	case fsm.EffectReleaseCursor:
		m.releaseCursors.Add(ctx, 1, metric.WithAttributes(qAttr))
	case fsm.EffectTimer:
		m.timersArmed.Add(ctx, 1, metric.WithAttributes(qAttr, attribute.String("timer", eff.TimerName)))
	case fsm.EffectMonitor:
		m.monitorsArmed.Add(ctx, 1, metric.WithAttributes(qAttr, attribute.String("kind", string(eff.MonitorKind))))
	}
}
