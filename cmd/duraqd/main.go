// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/duraq/duraq/config"
	"github.com/duraq/duraq/core"
	"github.com/duraq/duraq/dlx"
	"github.com/duraq/duraq/liveness"
	"github.com/duraq/duraq/metrics"
	"github.com/duraq/duraq/raft"
	"github.com/duraq/duraq/server/admin"
	"github.com/duraq/duraq/server/health"
	"github.com/duraq/duraq/transport"
)

func main() {
	configFile := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting duraq node",
		slog.String("node_id", cfg.Raft.NodeID),
		slog.String("raft_addr", cfg.Server.RaftAddr),
		slog.Bool("bootstrap", cfg.Raft.Bootstrap))

	raftDB, err := badger.Open(badger.DefaultOptions(cfg.Storage.BadgerDir))
	if err != nil {
		logger.Error("failed to open badger database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer raftDB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsShutdown, err := metrics.Setup(ctx, cfg.Metrics, cfg.Raft.NodeID)
	if err != nil {
		logger.Error("failed to set up metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer metricsShutdown(context.Background())

	metricsRecorder, err := metrics.New()
	if err != nil {
		logger.Error("failed to create metrics instruments", slog.String("error", err.Error()))
		os.Exit(1)
	}

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Liveness.EtcdEndpoints,
		DialTimeout: cfg.Liveness.DialTimeout,
	})
	if err != nil {
		logger.Error("failed to connect to etcd", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer etcdClient.Close()

	dispatcher := dlx.New(cfg.DLX, logger)
	defer dispatcher.Close()

	localTransport := transport.New(cfg.Raft.NodeID, logger)
	logFetcher := raft.NewLogBodyFetcher(raftDB)
	cursors := raft.NewCursorStore(raftDB)

	var monitorsMu sync.Mutex
	var monitors []*liveness.Monitor

	statusLimiter := liveness.NewStatusLimiter(cfg.Liveness.Backpressure.EventsPerSecond, cfg.Liveness.Backpressure.Burst)

	newSink := func(g *raft.Group) raft.EffectSink {
		mon := liveness.New(etcdClient, cfg.Liveness.LeaseTTL, g, logger)
		monitorsMu.Lock()
		monitors = append(monitors, mon)
		monitorsMu.Unlock()

		return &raft.Executor{
			Transport:     localTransport,
			Monitor:       mon,
			ModCaller:     dispatcher,
			LogFetcher:    logFetcher,
			Metrics:       metricsRecorder,
			Cursors:       cursors,
			BufferPool:    core.DefaultBufferPool,
			StatusLimiter: statusLimiter,
			Log:           logger,
		}
	}

	manager := raft.NewManager(cfg.Raft.NodeID, cfg.Raft, cfg.Storage.BadgerDir, raftDB, newSink, logger)
	defer manager.Shutdown()

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	if cfg.Server.HealthEnabled {
		healthSrv := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, cfg.Raft.NodeID, manager, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthSrv.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	adminSrv := admin.New(admin.Config{
		Address:         cfg.Server.APIAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, manager, cfg.Queue, cfg.Server.RaftAddr, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adminSrv.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	logger.Info("duraq node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	case err := <-serverErr:
		logger.Error("server error", slog.String("error", err.Error()))
		cancel()
	}

	wg.Wait()

	monitorsMu.Lock()
	for _, mon := range monitors {
		mon.Close()
	}
	monitorsMu.Unlock()

	logger.Info("duraq node stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
