// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a duraq queue node.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Raft       RaftConfig       `yaml:"raft"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueDefaults    `yaml:"queue"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	DLX        DLXConfig        `yaml:"dlx"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds the node's own network endpoints.
type ServerConfig struct {
	RaftAddr        string        `yaml:"raft_addr"`   // inter-node Raft transport
	APIAddr         string        `yaml:"api_addr"`     // operator queue-lifecycle admin API (declare/list, not a client gateway)
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RaftConfig holds the hashicorp/raft transport and timing tunables.
type RaftConfig struct {
	NodeID            string            `yaml:"node_id"`
	Bootstrap         bool              `yaml:"bootstrap"` // true only for the node that forms the initial cluster
	Peers             map[string]string `yaml:"peers"`     // nodeID -> raft_addr
	HeartbeatTimeout  time.Duration     `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration     `yaml:"election_timeout"`
	CommitTimeout     time.Duration     `yaml:"commit_timeout"`
	SnapshotInterval  time.Duration     `yaml:"snapshot_interval"`
	SnapshotThreshold uint64            `yaml:"snapshot_threshold"`
	TrailingLogs      uint64            `yaml:"trailing_logs"`
}

// StorageConfig holds the BadgerDB-backed snapshot/log store settings.
type StorageConfig struct {
	BadgerDir       string `yaml:"badger_dir"`
	CompactSnapshot bool   `yaml:"compact_snapshot"` // not read: snapshots and release cursors are always zstd-compressed
}

// QueueDefaults holds the default QueueConfig applied to newly declared
// queues that don't override a given field (mirrors fsm.QueueConfig).
type QueueDefaults struct {
	MaxLength              uint64        `yaml:"max_length"`
	MaxBytes               uint64        `yaml:"max_bytes"`
	DeliveryLimit          uint32        `yaml:"delivery_limit"`
	MsgTTL                 time.Duration `yaml:"msg_ttl"`
	Expires                time.Duration `yaml:"expires"`
	ReleaseCursorInterval  uint64        `yaml:"release_cursor_interval"`
	ReleaseCursorEveryMax  uint64        `yaml:"release_cursor_every_max"`
	OverflowStrategy       string        `yaml:"overflow_strategy"` // "drop_head" | "reject_publish"
	ConsumerStrategy       string        `yaml:"consumer_strategy"` // "competing" | "single_active"
	ConsumerLockTimeout    time.Duration `yaml:"consumer_lock_timeout"`
	SoftLimitWatermark     float64       `yaml:"soft_limit_watermark"`
}

// LivenessConfig holds the etcd lease/watch settings backing the
// monitor(process|node) effect.
type LivenessConfig struct {
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	Backpressure  RateLimitConfig `yaml:"backpressure"`
}

// RateLimitConfig debounces the reject_publish/go queue_status effect.
type RateLimitConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
	Burst           int     `yaml:"burst"`
}

// DLXConfig holds the dead-letter dispatcher endpoint and its circuit
// breaker settings.
type DLXConfig struct {
	DispatcherAddr   string        `yaml:"dispatcher_addr"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the sony/gobreaker instance guarding the
// DLX dispatcher call.
type CircuitBreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds OpenTelemetry export configuration.
type MetricsConfig struct {
	Enabled        bool    `yaml:"enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	TracesEnabled  bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// Default returns a configuration with sensible defaults for a single-node
// deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			RaftAddr:        "0.0.0.0:7946",
			APIAddr:         ":8080",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,
		},
		Raft: RaftConfig{
			NodeID:            "node-1",
			Bootstrap:         true,
			Peers:             map[string]string{},
			HeartbeatTimeout:  1 * time.Second,
			ElectionTimeout:   1 * time.Second,
			CommitTimeout:     50 * time.Millisecond,
			SnapshotInterval:  2 * time.Minute,
			SnapshotThreshold: 8192,
			TrailingLogs:      10240,
		},
		Storage: StorageConfig{
			BadgerDir:       "/var/lib/duraq/badger",
			CompactSnapshot: true,
		},
		Queue: QueueDefaults{
			MaxLength:             0, // unlimited
			MaxBytes:              0, // unlimited
			DeliveryLimit:         0, // unlimited
			MsgTTL:                0, // no TTL
			Expires:               0, // never auto-delete
			ReleaseCursorInterval: 64,
			ReleaseCursorEveryMax: 3200,
			OverflowStrategy:      "drop_head",
			ConsumerStrategy:      "competing",
			ConsumerLockTimeout:   30 * time.Minute,
			SoftLimitWatermark:    0.8,
		},
		Liveness: LivenessConfig{
			EtcdEndpoints: []string{"localhost:2379"},
			DialTimeout:   5 * time.Second,
			LeaseTTL:      15 * time.Second,
			Backpressure: RateLimitConfig{
				EventsPerSecond: 5,
				Burst:           1,
			},
		},
		DLX: DLXConfig{
			DispatcherAddr: "localhost:9000",
			RequestTimeout: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:  5,
				Interval:     60 * time.Second,
				Timeout:      30 * time.Second,
				FailureRatio: 0.6,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			OTLPEndpoint:    "localhost:4317",
			ServiceName:     "duraq",
			ServiceVersion:  "0.1.0",
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist,
// returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.RaftAddr == "" {
		return fmt.Errorf("server.raft_addr cannot be empty")
	}
	if c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr cannot be empty")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	if c.Raft.NodeID == "" {
		return fmt.Errorf("raft.node_id cannot be empty")
	}
	if !c.Raft.Bootstrap && len(c.Raft.Peers) == 0 {
		return fmt.Errorf("raft.peers required when raft.bootstrap is false")
	}
	if c.Raft.HeartbeatTimeout <= 0 {
		return fmt.Errorf("raft.heartbeat_timeout must be positive")
	}
	if c.Raft.ElectionTimeout < c.Raft.HeartbeatTimeout {
		return fmt.Errorf("raft.election_timeout must be at least raft.heartbeat_timeout")
	}
	if c.Raft.SnapshotThreshold == 0 {
		return fmt.Errorf("raft.snapshot_threshold must be at least 1")
	}

	if c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir cannot be empty")
	}

	validOverflow := map[string]bool{"drop_head": true, "reject_publish": true}
	if !validOverflow[c.Queue.OverflowStrategy] {
		return fmt.Errorf("queue.overflow_strategy must be one of: drop_head, reject_publish")
	}
	validStrategy := map[string]bool{"competing": true, "single_active": true}
	if !validStrategy[c.Queue.ConsumerStrategy] {
		return fmt.Errorf("queue.consumer_strategy must be one of: competing, single_active")
	}
	if c.Queue.SoftLimitWatermark <= 0 || c.Queue.SoftLimitWatermark > 1 {
		return fmt.Errorf("queue.soft_limit_watermark must be in (0, 1]")
	}
	if c.Queue.ConsumerLockTimeout <= 0 {
		return fmt.Errorf("queue.consumer_lock_timeout must be positive")
	}

	if len(c.Liveness.EtcdEndpoints) == 0 {
		return fmt.Errorf("liveness.etcd_endpoints cannot be empty")
	}
	if c.Liveness.LeaseTTL < time.Second {
		return fmt.Errorf("liveness.lease_ttl must be at least 1 second")
	}
	if c.Liveness.Backpressure.EventsPerSecond <= 0 {
		return fmt.Errorf("liveness.backpressure.events_per_second must be positive")
	}
	if c.Liveness.Backpressure.Burst < 1 {
		return fmt.Errorf("liveness.backpressure.burst must be at least 1")
	}

	if c.DLX.DispatcherAddr == "" {
		return fmt.Errorf("dlx.dispatcher_addr cannot be empty")
	}
	if c.DLX.CircuitBreaker.MaxRequests == 0 {
		return fmt.Errorf("dlx.circuit_breaker.max_requests must be at least 1")
	}
	if c.DLX.CircuitBreaker.FailureRatio <= 0 || c.DLX.CircuitBreaker.FailureRatio > 1 {
		return fmt.Errorf("dlx.circuit_breaker.failure_ratio must be in (0, 1]")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Metrics.Enabled {
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
