package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dyluth/crucible/internal/client"
	"github.com/dyluth/crucible/internal/engine"
	"github.com/dyluth/crucible/pkg/scope"
	"gopkg.in/yaml.v3"
)

// Defaults for Config.
const (
	DefaultClaimLimit        = 1
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollInterval      = 10 * time.Second
	DefaultLocalRetries      = 2
	DefaultWorkDir           = "crucible-work"
)

// Config is a compute service's configuration, loaded from YAML with
// CRUCIBLE_* environment overrides.
type Config struct {
	Client client.Config `yaml:"client"`

	Scopes            []string      `yaml:"scopes"`
	Protocols         []string      `yaml:"protocols,omitempty"`
	ClaimLimit        int           `yaml:"claim_limit,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`

	// Budgets; zero means unlimited.
	MaxTasks int           `yaml:"max_tasks,omitempty"`
	MaxTime  time.Duration `yaml:"max_time,omitempty"`

	// LocalRetries is the number of extra attempts after a failed one.
	LocalRetries *int `yaml:"local_retries,omitempty"`

	// Working areas. SharedDir and ScratchDir default to subdirectories of
	// WorkDir; scratch can point at fast local disk while shared sits on a
	// network mount.
	WorkDir     string `yaml:"work_dir,omitempty"`
	SharedDir   string `yaml:"shared_dir,omitempty"`
	ScratchDir  string `yaml:"scratch_dir,omitempty"`
	KeepShared  bool   `yaml:"keep_shared,omitempty"`
	KeepScratch bool   `yaml:"keep_scratch,omitempty"`

	Engine engine.Config `yaml:"engine"`

	// HealthPort serves /healthz when non-zero.
	HealthPort int `yaml:"health_port,omitempty"`

	scopes scope.Set
}

// LoadConfig reads path (if non-empty), applies environment overrides and
// defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read worker config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse worker config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment.
func (c *Config) applyEnv() error {
	if v := os.Getenv("CRUCIBLE_API_URL"); v != "" {
		c.Client.BaseURL = v
	}
	if v := os.Getenv("CRUCIBLE_IDENTITY"); v != "" {
		c.Client.Identity = v
	}
	if v := os.Getenv("CRUCIBLE_KEY"); v != "" {
		c.Client.Key = v
	}
	if v := os.Getenv("CRUCIBLE_SCOPES"); v != "" {
		c.Scopes = strings.Split(v, ",")
	}
	if v := os.Getenv("CRUCIBLE_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("CRUCIBLE_SHARED_DIR"); v != "" {
		c.SharedDir = v
	}
	if v := os.Getenv("CRUCIBLE_SCRATCH_DIR"); v != "" {
		c.ScratchDir = v
	}
	if v := os.Getenv("CRUCIBLE_ENGINE_COMMAND"); v != "" {
		if err := json.Unmarshal([]byte(v), &c.Engine.Command); err != nil {
			return fmt.Errorf("failed to parse CRUCIBLE_ENGINE_COMMAND as JSON array: %w", err)
		}
		if c.Engine.Kind == "" {
			c.Engine.Kind = engine.KindCommand
		}
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.Client.ApplyDefaults()
	if c.ClaimLimit == 0 {
		c.ClaimLimit = DefaultClaimLimit
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LocalRetries == nil {
		n := DefaultLocalRetries
		c.LocalRetries = &n
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.SharedDir == "" {
		c.SharedDir = filepath.Join(c.WorkDir, "shared")
	}
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(c.WorkDir, "scratch")
	}
	if c.Engine.Kind == "" {
		c.Engine.Kind = engine.KindCommand
	}
}

// Validate checks the configuration and parses scopes.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	scopes, err := scope.ParseSet(c.Scopes)
	if err != nil {
		return err
	}
	c.scopes = scopes
	if c.ClaimLimit < 1 {
		return fmt.Errorf("claim_limit must be >= 1, got %d", c.ClaimLimit)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MaxTasks < 0 || c.MaxTime < 0 {
		return fmt.Errorf("max_tasks and max_time must be >= 0")
	}
	if c.LocalRetries != nil && *c.LocalRetries < 0 {
		return fmt.Errorf("local_retries must be >= 0")
	}
	if filepath.Clean(c.SharedDir) == filepath.Clean(c.ScratchDir) {
		return fmt.Errorf("shared_dir and scratch_dir must differ, both are %q", c.SharedDir)
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	return nil
}

// ScopeSet returns the parsed scopes. Valid after Validate.
func (c *Config) ScopeSet() scope.Set {
	return c.scopes
}
