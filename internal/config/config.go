// Package config loads and persists sqrld's daemon policy settings and
// resolves the well-known paths under the user's home directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PolicyConfig is the daemon's own tunable behavior, loaded from
// ~/.sqrl/policy.yaml. Per-agent plugin configuration (templated tool
// config files for each AI assistant) is an external collaborator and is
// not represented here.
type PolicyConfig struct {
	Daemon DaemonConfig `yaml:"daemon"`
	Rpc    RpcConfig    `yaml:"rpc"`
}

// DaemonConfig controls the orchestrator's own surfaces.
type DaemonConfig struct {
	SocketPath    string `yaml:"socket_path"`
	LogLevel      string `yaml:"log_level"`
	FlushInterval int    `yaml:"flush_interval_seconds"`
	IdleTimeout   int    `yaml:"idle_timeout_minutes"`
	ChunkSize     int    `yaml:"chunk_size"`
}

// RpcConfig controls timeouts and addressing for the extractor RPC client.
type RpcConfig struct {
	ExtractorSocketPath string `yaml:"extractor_socket_path"`
	ConnectTimeoutMs    int    `yaml:"connect_timeout_ms"`
	ResponseTimeoutMs   int    `yaml:"response_timeout_ms"`
}

// DefaultPolicyConfig returns sqrld's out-of-the-box settings.
func DefaultPolicyConfig() *PolicyConfig {
	return &PolicyConfig{
		Daemon: DaemonConfig{
			SocketPath:    "/tmp/sqrl_agent.sock",
			LogLevel:      "info",
			FlushInterval: 10,
			IdleTimeout:   30,
			ChunkSize:     50,
		},
		Rpc: RpcConfig{
			ExtractorSocketPath: "/tmp/sqrl_extractor.sock",
			ConnectTimeoutMs:    2000,
			ResponseTimeoutMs:   30000,
		},
	}
}

// Validate checks the config for obviously broken values.
func (c *PolicyConfig) Validate() error {
	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("daemon.socket_path is required")
	}
	if c.Daemon.ChunkSize <= 0 {
		return fmt.Errorf("daemon.chunk_size must be positive")
	}
	if c.Daemon.IdleTimeout <= 0 {
		return fmt.Errorf("daemon.idle_timeout_minutes must be positive")
	}
	return nil
}

// GlobalDir returns ~/.sqrl, creating no directories itself.
func GlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".sqrl")
}

// PolicyPath returns the path of the policy file.
func PolicyPath() string {
	return filepath.Join(GlobalDir(), "policy.yaml")
}

// ProjectsPath returns the path of the project registry.
func ProjectsPath() string {
	return filepath.Join(GlobalDir(), "projects.json")
}

// PositionsPath returns the path of the position store.
func PositionsPath() string {
	return filepath.Join(GlobalDir(), "positions.json")
}

// GlobalDBPath returns the path of the user-scoped memory store.
func GlobalDBPath() string {
	return filepath.Join(GlobalDir(), "squirrel.db")
}

// WatchRoot returns the root directory sqrld watches for session logs.
func WatchRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude", "projects")
}

// ProjectStorePath returns the path of a project's own store, given its root.
func ProjectStorePath(projectRoot string) string {
	return filepath.Join(projectRoot, ".sqrl", "squirrel.db")
}

// LoadPolicy loads the policy file, returning defaults if it doesn't exist.
func LoadPolicy() (*PolicyConfig, error) {
	path := PolicyPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicyConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	cfg := DefaultPolicyConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy config: %w", err)
	}
	return cfg, nil
}

// SavePolicy writes the policy file, creating the parent directory if needed.
func SavePolicy(cfg *PolicyConfig) error {
	path := PolicyPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal policy YAML: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
