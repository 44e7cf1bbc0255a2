// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dlx hands dead-lettered messages off to an external dispatcher,
// grounded on broker/webhook/notifier.go's worker-pool-plus-circuit-breaker
// shape for calling an unreliable downstream over HTTP.
package dlx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/duraq/duraq/config"
)

// HandOff is the payload a dlx mod_call effect carries, one per message
// moved into the dead-letter sidecar.
type HandOff struct {
	Queue  string `json:"queue"`
	Index  uint64 `json:"index"`
	Reason string `json:"reason"`
}

// Dispatcher forwards hand-offs to the configured external dispatcher
// address, tripping a circuit breaker after repeated failures so a
// downed dispatcher does not stall the effect-execution loop.
type Dispatcher struct {
	cfg     config.DLXConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger

	mu      sync.Mutex
	pending chan HandOff
	wg      sync.WaitGroup
	done    chan struct{}
}

// New builds a Dispatcher and starts its background worker.
func New(cfg config.DLXConfig, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		log:     log,
		pending: make(chan HandOff, 1024),
		done:    make(chan struct{}),
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dlx-dispatcher",
		MaxRequests: cfg.CircuitBreaker.MaxRequests,
		Interval:    cfg.CircuitBreaker.Interval,
		Timeout:     cfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			total := counts.Requests
			return total >= cfg.CircuitBreaker.MaxRequests &&
				float64(counts.TotalFailures)/float64(total) >= cfg.CircuitBreaker.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("dlx circuit breaker state changed",
				slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})

	d.wg.Add(1)
	go d.worker()

	return d
}

// Call implements raft.ModCaller. Only module "dlx" with function "handle"
// is queued for dispatch; any other module/function pair is dropped with
// a log line.
func (d *Dispatcher) Call(module, function string, args map[string]interface{}) {
	if module != "dlx" || function != "handle" {
		d.log.Warn("dlx dispatcher received unexpected mod_call", slog.String("module", module), slog.String("function", function))
		return
	}

	ho := HandOff{
		Queue:  stringArg(args, "queue"),
		Index:  uint64Arg(args, "index"),
		Reason: stringArg(args, "reason"),
	}

	select {
	case d.pending <- ho:
	default:
		d.log.Error("dlx dispatch queue full, hand-off dropped", slog.String("queue", ho.Queue), slog.Uint64("index", ho.Index))
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case ho := <-d.pending:
			d.send(ho)
		}
	}
}

func (d *Dispatcher) send(ho HandOff) {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.post(ho)
	})
	if err != nil {
		d.log.Error("dlx hand-off failed",
			slog.String("queue", ho.Queue), slog.Uint64("index", ho.Index), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) post(ho HandOff) error {
	body, err := json.Marshal(ho)
	if err != nil {
		return fmt.Errorf("marshal hand-off: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	defer cancel()

	url := "http://" + d.cfg.DispatcherAddr + "/dlx/handoff"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post hand-off: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatcher returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the background worker without draining pending hand-offs;
// anything still queued is lost, matching dead-lettering's best-effort
// delivery contract to the external dispatcher.
func (d *Dispatcher) Close() {
	close(d.done)
	d.wg.Wait()
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func uint64Arg(args map[string]interface{}, key string) uint64 {
	switch v := args[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return 0
}
