// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/failover/ha"
	"github.com/absmach/failover/storage"
)

// Config holds all configuration for the failover demo.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Client    ClientConfig    `yaml:"client"`
	Naming    NamingConfig    `yaml:"naming"`
	Scenario  ScenarioConfig  `yaml:"scenario"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ClusterConfig describes the live/backup broker group.
type ClusterConfig struct {
	// Node names; the first is live, the rest are backups in promotion order.
	Nodes               []string      `yaml:"nodes"`
	DeliveryReplication string        `yaml:"delivery_replication"` // none, always, promoted
	Storage             StorageConfig `yaml:"storage"`
}

// StorageConfig holds node journal configuration.
type StorageConfig struct {
	Type        string `yaml:"type"`        // memory, badger
	BadgerDir   string `yaml:"badger_dir"`  // one subdirectory per node
	Compression string `yaml:"compression"` // none, s2, zstd
	SyncWrites  bool   `yaml:"sync_writes"`
}

// ClientConfig holds client connection options.
type ClientConfig struct {
	ClientID    string        `yaml:"client_id"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	Prefetch    int           `yaml:"prefetch"`
	SendRate    float64       `yaml:"send_rate"` // envelopes per second, 0 = unlimited
	SendBurst   int           `yaml:"send_burst"`
	AckHistory  int           `yaml:"ack_history"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// NamingConfig lists the objects bound in the naming context.
type NamingConfig struct {
	ConnectionFactories []string          `yaml:"connection_factories"`
	Queues              map[string]string `yaml:"queues"` // name -> queue
}

// ScenarioConfig drives the demo flow.
type ScenarioConfig struct {
	ConnectionFactory string        `yaml:"connection_factory"`
	Queue             string        `yaml:"queue"`
	Messages          int           `yaml:"messages"`
	ReceiveTimeout    time.Duration `yaml:"receive_timeout"`
	FaultMode         string        `yaml:"fault_mode"` // auto, signal
	Pause             time.Duration `yaml:"pause"`      // signal mode wait per kill
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Cluster: ClusterConfig{
			Nodes:               []string{"live", "backup-1", "backup-2"},
			DeliveryReplication: string(ha.ReplicatePromoted),
			Storage: StorageConfig{
				Type:        "memory",
				BadgerDir:   "/tmp/failover/data",
				Compression: "none",
			},
		},
		Client: ClientConfig{
			ClientID:    "failover-demo",
			SendTimeout: 5 * time.Second,
			AckTimeout:  5 * time.Second,
			Prefetch:    1000,
			SendRate:    0, // Unlimited
			SendBurst:   1,
			AckHistory:  4096,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		Naming: NamingConfig{
			ConnectionFactories: []string{"ConnectionFactory"},
			Queues: map[string]string{
				"queue/exampleQueue": "exampleQueue",
			},
		},
		Scenario: ScenarioConfig{
			ConnectionFactory: "ConnectionFactory",
			Queue:             "queue/exampleQueue",
			Messages:          30,
			ReceiveTimeout:    5 * time.Second,
			FaultMode:         "auto",
			Pause:             20 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "failover-demo",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   true,
			MetricsEnabled:  true,
			TraceSampleRate: 1.0,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
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
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}

	// Cluster validation
	if len(c.Cluster.Nodes) == 0 {
		return fmt.Errorf("cluster.nodes cannot be empty")
	}
	seen := make(map[string]bool, len(c.Cluster.Nodes))
	for i, n := range c.Cluster.Nodes {
		if n == "" {
			return fmt.Errorf("cluster.nodes[%d] cannot be empty", i)
		}
		if seen[n] {
			return fmt.Errorf("cluster.nodes[%d] duplicates %q", i, n)
		}
		seen[n] = true
	}
	if _, err := ha.ParseDeliveryReplication(c.Cluster.DeliveryReplication); err != nil {
		return fmt.Errorf("cluster.delivery_replication: %w", err)
	}
	switch c.Cluster.Storage.Type {
	case "memory":
	case "badger":
		if c.Cluster.Storage.BadgerDir == "" {
			return fmt.Errorf("cluster.storage.badger_dir cannot be empty with badger storage")
		}
	default:
		return fmt.Errorf("cluster.storage.type must be 'memory' or 'badger'")
	}
	if _, err := storage.ParseCompression(c.Cluster.Storage.Compression); err != nil {
		return fmt.Errorf("cluster.storage.compression: %w", err)
	}

	// Client validation
	if c.Client.SendTimeout <= 0 {
		return fmt.Errorf("client.send_timeout must be positive")
	}
	if c.Client.AckTimeout <= 0 {
		return fmt.Errorf("client.ack_timeout must be positive")
	}
	if c.Client.Prefetch < 1 {
		return fmt.Errorf("client.prefetch must be at least 1")
	}
	if c.Client.SendRate < 0 {
		return fmt.Errorf("client.send_rate cannot be negative")
	}
	if c.Client.SendBurst < 1 {
		return fmt.Errorf("client.send_burst must be at least 1")
	}
	if c.Client.AckHistory < 1 {
		return fmt.Errorf("client.ack_history must be at least 1")
	}
	if c.Client.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("client.breaker.failure_threshold must be at least 1")
	}
	if c.Client.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("client.breaker.reset_timeout must be positive")
	}

	// Naming validation
	for i, name := range c.Naming.ConnectionFactories {
		if name == "" {
			return fmt.Errorf("naming.connection_factories[%d] cannot be empty", i)
		}
	}
	for name, queue := range c.Naming.Queues {
		if name == "" || queue == "" {
			return fmt.Errorf("naming.queues entries need a name and a queue")
		}
	}

	// Scenario validation
	if c.Scenario.ConnectionFactory == "" {
		return fmt.Errorf("scenario.connection_factory cannot be empty")
	}
	if c.Scenario.Queue == "" {
		return fmt.Errorf("scenario.queue cannot be empty")
	}
	if c.Scenario.Messages < 3 {
		return fmt.Errorf("scenario.messages must be at least 3")
	}
	if c.Scenario.ReceiveTimeout <= 0 {
		return fmt.Errorf("scenario.receive_timeout must be positive")
	}
	if c.Scenario.FaultMode != "auto" && c.Scenario.FaultMode != "signal" {
		return fmt.Errorf("scenario.fault_mode must be 'auto' or 'signal'")
	}
	if c.Scenario.FaultMode == "signal" && c.Scenario.Pause <= 0 {
		return fmt.Errorf("scenario.pause must be positive in signal mode")
	}

	// Telemetry validation (only if enabled)
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty")
		}
		if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
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
