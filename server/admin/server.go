// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package admin exposes an operator-only surface for declaring and
// listing queues: not a client data-plane gateway (publish/consume are
// out of scope per SPEC_FULL.md §5), just the queue-lifecycle admin
// calls a deployment tool needs, adapted from server/queue/handler.go's
// CreateQueue/ListQueues shape onto plain JSON instead of connect-rpc,
// since the protobuf/connect toolchain has no SPEC_FULL.md home to wire
// into (see DESIGN.md's dropped-dependency notes).
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/duraq/duraq/config"
	"github.com/duraq/duraq/raft"
)

// Config holds the admin server's own network settings.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server exposes queue declaration and listing over JSON/HTTP.
type Server struct {
	config   Config
	manager  *raft.Manager
	defaults config.QueueDefaults
	raftAddr string
	logger   *slog.Logger

	server   *http.Server
	listener net.Listener
}

// New creates an admin server. raftAddr is the local Raft bind address
// every newly declared queue's Group listens on; one node hosts many
// queue groups multiplexed over distinct ports is out of scope, so every
// queue shares the node's single Raft transport address.
func New(cfg Config, manager *raft.Manager, defaults config.QueueDefaults, raftAddr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		manager:  manager,
		defaults: defaults,
		raftAddr: raftAddr,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/queues", s.handleQueues)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the listener's network address, or "" before Listen starts.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the admin server and blocks until ctx is canceled or the
// server fails.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("starting admin server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin server shutdown error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("admin server stopped")
		return nil
	}
}

// DeclareQueueRequest names a queue to bring up on this node.
type DeclareQueueRequest struct {
	Name string `json:"name"`
}

// QueueInfo describes one queue's local Raft status.
type QueueInfo struct {
	Name     string `json:"name"`
	IsLeader bool   `json:"is_leader"`
	Leader   string `json:"leader,omitempty"`
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.declareQueue(w, r)
	case http.MethodGet:
		s.listQueues(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) declareQueue(w http.ResponseWriter, r *http.Request) {
	var req DeclareQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	qcfg := raft.QueueConfigFromDefaults(req.Name, req.Name, s.defaults)
	g, err := s.manager.EnsureQueue(req.Name, qcfg, s.raftAddr)
	if err != nil {
		s.logger.Error("failed to declare queue", slog.String("queue", req.Name), slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(QueueInfo{Name: req.Name, IsLeader: g.IsLeader(), Leader: g.Leader()})
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	names := s.manager.QueueNames()
	infos := make([]QueueInfo, 0, len(names))
	for _, name := range names {
		g, ok := s.manager.Group(name)
		if !ok {
			continue
		}
		infos = append(infos, QueueInfo{Name: name, IsLeader: g.IsLeader(), Leader: g.Leader()})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(infos)
}
