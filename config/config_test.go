// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.RaftAddr != "0.0.0.0:7946" {
		t.Errorf("expected default raft addr 0.0.0.0:7946, got %s", cfg.Server.RaftAddr)
	}
	if cfg.Raft.NodeID != "node-1" {
		t.Errorf("expected default node id node-1, got %s", cfg.Raft.NodeID)
	}
	if !cfg.Raft.Bootstrap {
		t.Error("expected default raft.bootstrap to be true")
	}
	if cfg.Queue.OverflowStrategy != "drop_head" {
		t.Errorf("expected default overflow strategy drop_head, got %s", cfg.Queue.OverflowStrategy)
	}
	if cfg.Queue.SoftLimitWatermark != 0.8 {
		t.Errorf("expected default soft limit watermark 0.8, got %v", cfg.Queue.SoftLimitWatermark)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty raft addr",
			modify: func(c *Config) {
				c.Server.RaftAddr = ""
			},
			wantErr: true,
		},
		{
			name: "non-bootstrap without peers",
			modify: func(c *Config) {
				c.Raft.Bootstrap = false
				c.Raft.Peers = nil
			},
			wantErr: true,
		},
		{
			name: "election timeout shorter than heartbeat",
			modify: func(c *Config) {
				c.Raft.HeartbeatTimeout = 2 * time.Second
				c.Raft.ElectionTimeout = 1 * time.Second
			},
			wantErr: true,
		},
		{
			name: "invalid overflow strategy",
			modify: func(c *Config) {
				c.Queue.OverflowStrategy = "bogus"
			},
			wantErr: true,
		},
		{
			name: "invalid consumer strategy",
			modify: func(c *Config) {
				c.Queue.ConsumerStrategy = "bogus"
			},
			wantErr: true,
		},
		{
			name: "watermark out of range",
			modify: func(c *Config) {
				c.Queue.SoftLimitWatermark = 1.5
			},
			wantErr: true,
		},
		{
			name: "no etcd endpoints",
			modify: func(c *Config) {
				c.Liveness.EtcdEndpoints = nil
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "metrics enabled without service name",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ServiceName = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Server.RaftAddr != "0.0.0.0:7946" {
		t.Errorf("expected default config, got raft addr %s", cfg.Server.RaftAddr)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Server.RaftAddr = "10.0.0.1:7946"
	cfg.Raft.NodeID = "node-2"
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.RaftAddr != "10.0.0.1:7946" {
		t.Errorf("expected raft addr 10.0.0.1:7946, got %s", loaded.Server.RaftAddr)
	}
	if loaded.Raft.NodeID != "node-2" {
		t.Errorf("expected node id node-2, got %s", loaded.Raft.NodeID)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
