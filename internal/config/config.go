package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dyluth/crucible/internal/auth"
	"github.com/dyluth/crucible/internal/liveness"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Object store backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Defaults applied by Validate.
const (
	DefaultListen    = ":8000"
	DefaultRedisAddr = "localhost:6379"
	DefaultNamespace = "default"
	DefaultObjectDir = "crucible-objects"
)

// ServerConfig represents the top-level crucible.yml configuration
type ServerConfig struct {
	Version  string          `yaml:"version"`
	Listen   string          `yaml:"listen,omitempty"`
	TLS      *TLSConfig      `yaml:"tls,omitempty"`
	Redis    RedisConfig     `yaml:"redis"`
	Liveness *LivenessConfig `yaml:"liveness,omitempty"`
	Objects  ObjectsConfig   `yaml:"objects"`
	Auth     AuthConfig      `yaml:"auth"`
}

// TLSConfig enables HTTPS. When CAFile is set, clients must present a
// certificate signed by it.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file,omitempty"`
}

// RedisConfig locates the task graph store
type RedisConfig struct {
	Addr      string `yaml:"addr,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	Namespace string `yaml:"namespace,omitempty"` // Key prefix segment; one namespace per deployment
}

// LivenessConfig tunes claim expiry. Unset fields use the monitor defaults.
type LivenessConfig struct {
	GraceFactor              *float64      `yaml:"grace_factor,omitempty"`
	SweepInterval            time.Duration `yaml:"sweep_interval,omitempty"`
	MinSweepGap              time.Duration `yaml:"min_sweep_gap,omitempty"`
	DefaultHeartbeatInterval time.Duration `yaml:"default_heartbeat_interval,omitempty"`
}

// ObjectsConfig selects where results, failures and inputs are stored
type ObjectsConfig struct {
	Backend string `yaml:"backend,omitempty"` // "file" (default) or "redis"
	Root    string `yaml:"root,omitempty"`    // file backend only
}

// AuthConfig lists the identities allowed to call the API
type AuthConfig struct {
	TokenTTL   time.Duration   `yaml:"token_ttl,omitempty"`
	Identities []auth.Identity `yaml:"identities"`
}

// Validate performs strict validation on the configuration and fills defaults
func (c *ServerConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.TLS != nil && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = DefaultNamespace
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0, got %d", c.Redis.DB)
	}

	if c.Liveness == nil {
		c.Liveness = &LivenessConfig{}
	}
	if gf := c.Liveness.GraceFactor; gf != nil && *gf < 1 {
		return fmt.Errorf("liveness.grace_factor must be >= 1, got %v", *gf)
	}
	if c.Liveness.SweepInterval < 0 || c.Liveness.MinSweepGap < 0 || c.Liveness.DefaultHeartbeatInterval < 0 {
		return fmt.Errorf("liveness intervals must be >= 0")
	}

	switch c.Objects.Backend {
	case "":
		c.Objects.Backend = BackendFile
	case BackendFile, BackendRedis:
	default:
		return fmt.Errorf("invalid objects.backend: %s (must be '%s' or '%s')", c.Objects.Backend, BackendFile, BackendRedis)
	}
	if c.Objects.Backend == BackendFile && c.Objects.Root == "" {
		c.Objects.Root = DefaultObjectDir
	}

	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must be >= 0")
	}
	if len(c.Auth.Identities) == 0 {
		return fmt.Errorf("no identities defined")
	}
	seen := make(map[string]bool)
	for i := range c.Auth.Identities {
		id := &c.Auth.Identities[i]
		if id.Kind == "" {
			id.Kind = auth.KindCompute
		}
		if err := id.Validate(); err != nil {
			return err
		}
		if seen[id.Name] {
			return fmt.Errorf("duplicate identity '%s'", id.Name)
		}
		seen[id.Name] = true
	}

	return nil
}

// LivenessSettings converts the liveness section for the monitor.
func (c *ServerConfig) LivenessSettings() liveness.Config {
	cfg := liveness.Config{}
	if c.Liveness == nil {
		return cfg
	}
	if c.Liveness.GraceFactor != nil {
		cfg.GraceFactor = *c.Liveness.GraceFactor
	}
	cfg.SweepInterval = c.Liveness.SweepInterval
	cfg.MinSweepGap = c.Liveness.MinSweepGap
	cfg.DefaultHeartbeatInterval = c.Liveness.DefaultHeartbeatInterval
	return cfg
}

// RedisOptions returns client options for the configured server.
func (c *ServerConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// OpenObjects opens the configured object store backend.
func (c *ServerConfig) OpenObjects(rdb *redis.Client) (objectstore.Store, error) {
	if c.Objects.Backend == BackendRedis {
		return objectstore.NewRedisStore(rdb, c.Redis.Namespace)
	}
	return objectstore.NewFileStore(c.Objects.Root)
}

// applyEnv overrides deployment-specific values from the environment.
func (c *ServerConfig) applyEnv() error {
	if v := os.Getenv("CRUCIBLE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CRUCIBLE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CRUCIBLE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CRUCIBLE_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CRUCIBLE_REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("CRUCIBLE_NAMESPACE"); v != "" {
		c.Redis.Namespace = v
	}
	return nil
}

// Load reads and validates crucible.yml from the specified path
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config ServerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
