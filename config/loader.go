package config

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "orchestrate.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/orchestrate"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
	// EnvPrefix is prepended to every environment-variable override.
	EnvPrefix = "ORCHESTRATION_"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/orchestrate/config.yaml)
// 3. Project config (orchestrate.yaml in current or parent directories)
// 4. Environment variables (ORCHESTRATION_*)
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	// Each file layer is parsed over a zero Config so Merge applies only the
	// fields that file sets.
	loadLayer := func(path string) (*Config, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		layer := &Config{}
		if err := yaml.Unmarshal(data, layer); err != nil {
			return nil, err
		}
		return layer, nil
	}

	userConfigPath := l.userConfigPath()
	if userConfig, err := loadLayer(userConfigPath); err == nil {
		l.logger.Debug("loaded user config", slog.String("path", userConfigPath))
		cfg.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := loadLayer(projectConfigPath); err == nil {
			l.logger.Debug("loaded project config", slog.String("path", projectConfigPath))
			cfg.Merge(projectConfig)
		} else {
			l.logger.Warn("failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("no project config found")
	}

	applyEnvOverrides(cfg, os.Environ(), l.logger)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	cfg := DefaultConfig()
	if err := cfg.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("created default user config", slog.String("path", userConfigPath))
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for orchestrate.yaml in the current and parent directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// detectGitRoot finds the git repository root from the current directory.
func (l *Loader) detectGitRoot() string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// applyEnvOverrides layers ORCHESTRATION_* environment variables over cfg.
// Unparseable values are logged and skipped, leaving the prior value in place.
func applyEnvOverrides(cfg *Config, environ []string, logger *slog.Logger) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if name, value, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(name, EnvPrefix) {
			env[strings.TrimPrefix(name, EnvPrefix)] = value
		}
	}

	str := func(key string, dst *string) {
		if v, ok := env[key]; ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := env[key]
		if !ok {
			return
		}
		if ms, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(ms * float64(time.Millisecond))
			return
		}
		logger.Warn("invalid duration override, keeping default", slog.String("key", EnvPrefix+key), slog.String("value", v))
	}
	integer := func(key string, dst *int) {
		v, ok := env[key]
		if !ok {
			return
		}
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
			return
		}
		logger.Warn("invalid integer override, keeping default", slog.String("key", EnvPrefix+key), slog.String("value", v))
	}
	float := func(key string, dst *float64) {
		v, ok := env[key]
		if !ok {
			return
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
			return
		}
		logger.Warn("invalid float override, keeping default", slog.String("key", EnvPrefix+key), slog.String("value", v))
	}

	str("COMM_FILE", &cfg.CommFile)
	dur("POLL_INTERVAL", &cfg.PollInterval)
	dur("BREAKPOINT_CHECK_INTERVAL", &cfg.BreakpointCheckInterval)
	integer("MAX_RETRIES", &cfg.MaxRetries)
	dur("RETRY_INTERVAL", &cfg.RetryInterval)
	dur("PR_MERGE_TIMEOUT", &cfg.PRMergeTimeout)
	dur("PROCESS_TIMEOUT", &cfg.ProcessTimeout)
	str("INTEGRATION_BRANCH", &cfg.IntegrationBranch)
	integer("MAX_CONCURRENT_AGENTS", &cfg.MaxConcurrentAgents)
	str("SNAPSHOT_DIR", &cfg.SnapshotDir)
	str("SANDBOX_BASE_DIR", &cfg.SandboxBaseDir)
	float("BUILD_FAILURE_RATE", &cfg.BuildFailureRate)
}
