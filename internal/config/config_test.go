package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/crucible/internal/auth"
	"github.com/dyluth/crucible/internal/liveness"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `version: "1.0"
listen: ":9000"
redis:
  addr: "redis:6379"
  namespace: "prod"
liveness:
  grace_factor: 4
  sweep_interval: 1m
objects:
  backend: redis
auth:
  token_ttl: 5m
  identities:
    - identity: gpu-node-1
      kind: compute
      key_hash: "$2a$12$abcdefghijklmnopqrstuu"
      scopes: ["acme-tyk2", "acme-eg5-*"]
    - identity: alice
      kind: user
      key_hash: "$2a$12$abcdefghijklmnopqrstuu"
      scopes: ["*"]
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "crucible.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func minimalConfig() *ServerConfig {
	return &ServerConfig{
		Version: "1.0",
		Auth: AuthConfig{Identities: []auth.Identity{
			{Name: "w1", KeyHash: "hash", Scopes: scope.Set{scope.MustParse("acme")}},
		}},
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", config.Listen)
	assert.Equal(t, "redis:6379", config.Redis.Addr)
	assert.Equal(t, "prod", config.Redis.Namespace)
	assert.Equal(t, BackendRedis, config.Objects.Backend)
	assert.Equal(t, 5*time.Minute, config.Auth.TokenTTL)

	require.Len(t, config.Auth.Identities, 2)
	gpu := config.Auth.Identities[0]
	assert.Equal(t, "gpu-node-1", gpu.Name)
	assert.Equal(t, auth.KindCompute, gpu.Kind)
	assert.Equal(t, scope.Set{scope.MustParse("acme-tyk2-*"), scope.MustParse("acme-eg5-*")}, gpu.Scopes)
	assert.Equal(t, scope.All, config.Auth.Identities[1].Scopes[0])

	lv := config.LivenessSettings()
	assert.Equal(t, 4.0, lv.GraceFactor)
	assert.Equal(t, time.Minute, lv.SweepInterval)
	assert.Zero(t, lv.MinSweepGap)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/crucible.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	config, err := Load(writeConfig(t, "version: \"1.0\"\nauth:\n  - this is invalid\n    yaml syntax\n"))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_InvalidScope(t *testing.T) {
	_, err := Load(writeConfig(t, `version: "1.0"
auth:
  identities:
    - identity: w1
      key_hash: h
      scopes: ["a-b-c-d"]
`))
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CRUCIBLE_REDIS_ADDR", "10.0.0.5:6380")
	t.Setenv("CRUCIBLE_REDIS_DB", "2")
	t.Setenv("CRUCIBLE_NAMESPACE", "staging")

	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6380", config.Redis.Addr)
	assert.Equal(t, 2, config.Redis.DB)
	assert.Equal(t, "staging", config.Redis.Namespace)

	t.Setenv("CRUCIBLE_REDIS_DB", "two")
	_, err = Load(writeConfig(t, validConfig))
	assert.Error(t, err)
}

func TestValidate_Defaults(t *testing.T) {
	config := minimalConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, DefaultListen, config.Listen)
	assert.Equal(t, DefaultRedisAddr, config.Redis.Addr)
	assert.Equal(t, DefaultNamespace, config.Redis.Namespace)
	assert.Equal(t, BackendFile, config.Objects.Backend)
	assert.Equal(t, DefaultObjectDir, config.Objects.Root)
	assert.Equal(t, auth.KindCompute, config.Auth.Identities[0].Kind)
	assert.Equal(t, liveness.Config{}, config.LivenessSettings())
}

func TestValidate_UnsupportedVersion(t *testing.T) {
	config := minimalConfig()
	config.Version = "2.0"

	err := config.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version: 2.0")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *ServerConfig)
		want   string
	}{
		{"no identities", func(c *ServerConfig) { c.Auth.Identities = nil }, "no identities defined"},
		{"duplicate identity", func(c *ServerConfig) {
			c.Auth.Identities = append(c.Auth.Identities, c.Auth.Identities[0])
		}, "duplicate identity 'w1'"},
		{"missing key hash", func(c *ServerConfig) { c.Auth.Identities[0].KeyHash = "" }, "key_hash cannot be empty"},
		{"bad kind", func(c *ServerConfig) { c.Auth.Identities[0].Kind = "robot" }, "invalid identity kind"},
		{"bad backend", func(c *ServerConfig) { c.Objects.Backend = "s3" }, "invalid objects.backend"},
		{"low grace factor", func(c *ServerConfig) {
			gf := 0.5
			c.Liveness = &LivenessConfig{GraceFactor: &gf}
		}, "grace_factor must be >= 1"},
		{"negative interval", func(c *ServerConfig) {
			c.Liveness = &LivenessConfig{SweepInterval: -time.Second}
		}, "liveness intervals"},
		{"partial tls", func(c *ServerConfig) { c.TLS = &TLSConfig{CertFile: "cert.pem"} }, "tls requires"},
		{"negative ttl", func(c *ServerConfig) { c.Auth.TokenTTL = -time.Minute }, "token_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := minimalConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOpenObjects(t *testing.T) {
	t.Run("file backend", func(t *testing.T) {
		config := minimalConfig()
		require.NoError(t, config.Validate())
		config.Objects.Root = t.TempDir()

		store, err := config.OpenObjects(nil)
		require.NoError(t, err)
		assert.IsType(t, &objectstore.FileStore{}, store)
	})

	t.Run("redis backend", func(t *testing.T) {
		mr := miniredis.NewMiniRedis()
		require.NoError(t, mr.Start())
		defer mr.Close()

		config := minimalConfig()
		config.Objects.Backend = BackendRedis
		require.NoError(t, config.Validate())
		config.Redis.Addr = mr.Addr()

		rdb := redis.NewClient(config.RedisOptions())
		defer rdb.Close()
		store, err := config.OpenObjects(rdb)
		require.NoError(t, err)
		assert.IsType(t, &objectstore.RedisStore{}, store)
	})
}
