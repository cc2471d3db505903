// Package config provides configuration loading and management for the orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrator configuration.
type Config struct {
	CommFile                string        `yaml:"comm_file"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	BreakpointCheckInterval time.Duration `yaml:"breakpoint_check_interval"`
	MaxRetries              int           `yaml:"max_retries"`
	RetryInterval           time.Duration `yaml:"retry_interval"`
	PRMergeTimeout          time.Duration `yaml:"pr_merge_timeout"`
	ProcessTimeout          time.Duration `yaml:"process_timeout"`
	IntegrationBranch       string        `yaml:"integration_branch"`
	MaxConcurrentAgents     int           `yaml:"max_concurrent_agents"`
	SnapshotDir             string        `yaml:"snapshot_dir"`
	SandboxBaseDir          string        `yaml:"sandbox_base_dir"`
	MetricsAddr             string        `yaml:"metrics_addr"`
	// BuildFailureRate is the fraction (0-1) of LocalProvider builds that
	// fail instead of succeeding; used to exercise BUILD_FAILURE in tests.
	BuildFailureRate float64 `yaml:"build_failure_rate"`
	// AgentCommand is the argv used to spawn each agent subprocess; the
	// sandbox directory is appended as its working directory, not an argument.
	AgentCommand []string `yaml:"agent_command"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CommFile:                "comm.json",
		PollInterval:            2 * time.Second,
		BreakpointCheckInterval: 2 * time.Second,
		MaxRetries:              100,
		RetryInterval:           5 * time.Second,
		PRMergeTimeout:          10 * time.Minute,
		ProcessTimeout:          5 * time.Minute,
		IntegrationBranch:       "integration",
		MaxConcurrentAgents:     4,
		SnapshotDir:             ".orchestrate/snapshots",
		SandboxBaseDir:          ".orchestrate/sandboxes",
		MetricsAddr:             ":9090",
		BuildFailureRate:        0,
		AgentCommand:            []string{"agent-runner"},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.CommFile == "" {
		return fmt.Errorf("comm_file is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("max_concurrent_agents must be > 0")
	}
	if c.BuildFailureRate < 0 || c.BuildFailureRate > 1 {
		return fmt.Errorf("build_failure_rate must be between 0 and 1")
	}
	if c.IntegrationBranch == "" {
		return fmt.Errorf("integration_branch is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, merged over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Merge layers other on top of c; zero-valued fields in other leave c unchanged.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.CommFile != "" {
		c.CommFile = other.CommFile
	}
	if other.PollInterval != 0 {
		c.PollInterval = other.PollInterval
	}
	if other.BreakpointCheckInterval != 0 {
		c.BreakpointCheckInterval = other.BreakpointCheckInterval
	}
	if other.MaxRetries != 0 {
		c.MaxRetries = other.MaxRetries
	}
	if other.RetryInterval != 0 {
		c.RetryInterval = other.RetryInterval
	}
	if other.PRMergeTimeout != 0 {
		c.PRMergeTimeout = other.PRMergeTimeout
	}
	if other.ProcessTimeout != 0 {
		c.ProcessTimeout = other.ProcessTimeout
	}
	if other.IntegrationBranch != "" {
		c.IntegrationBranch = other.IntegrationBranch
	}
	if other.MaxConcurrentAgents != 0 {
		c.MaxConcurrentAgents = other.MaxConcurrentAgents
	}
	if other.SnapshotDir != "" {
		c.SnapshotDir = other.SnapshotDir
	}
	if other.SandboxBaseDir != "" {
		c.SandboxBaseDir = other.SandboxBaseDir
	}
	if other.MetricsAddr != "" {
		c.MetricsAddr = other.MetricsAddr
	}
	if other.BuildFailureRate != 0 {
		c.BuildFailureRate = other.BuildFailureRate
	}
	if len(other.AgentCommand) > 0 {
		c.AgentCommand = other.AgentCommand
	}
}
