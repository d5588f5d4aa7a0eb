package client

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults for Config.
const (
	DefaultMaxRetries = 5
	DefaultRetryBase  = 2 * time.Second
	DefaultRetryMax   = 60 * time.Second
	DefaultTimeout    = 30 * time.Second
	DefaultCacheSize  = 1 << 30 // 1 GiB
)

// Config configures a Client.
type Config struct {
	BaseURL  string `yaml:"api_url"`
	Identity string `yaml:"identity"`
	Key      string `yaml:"key"`

	// MaxRetries bounds retries of transient failures; -1 retries forever.
	MaxRetries *int          `yaml:"max_retries,omitempty"`
	RetryBase  time.Duration `yaml:"retry_base,omitempty"`
	RetryMax   time.Duration `yaml:"retry_max,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`

	UseCache  *bool  `yaml:"use_cache,omitempty"`
	CacheDir  string `yaml:"cache_dir,omitempty"`
	CacheSize int64  `yaml:"cache_size,omitempty"`

	TLS TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig configures server verification and optional client certificates.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxRetries == nil {
		n := DefaultMaxRetries
		c.MaxRetries = &n
	}
	if c.RetryBase == 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax == 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UseCache == nil {
		enabled := true
		c.UseCache = &enabled
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir()
	}
}

// Validate checks the configuration. Call ApplyDefaults first.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if c.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if c.Key == "" {
		return fmt.Errorf("key is required")
	}
	if c.MaxRetries != nil && *c.MaxRetries < -1 {
		return fmt.Errorf("max_retries must be >= -1, got %d", *c.MaxRetries)
	}
	if c.RetryBase <= 0 {
		return fmt.Errorf("retry_base must be positive")
	}
	if c.RetryMax < c.RetryBase {
		return fmt.Errorf("retry_max (%v) must be >= retry_base (%v)", c.RetryMax, c.RetryBase)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must be >= 0")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}
	return nil
}

// defaultCacheDir follows XDG: $XDG_CACHE_HOME/crucible, else ~/.cache/crucible.
func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "crucible")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "crucible")
	}
	return filepath.Join(os.TempDir(), "crucible-cache")
}
