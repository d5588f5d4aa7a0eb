package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Identity: "gpu-node-1",
		Key:      "0123456789abcdef",
		KeyHash:  "$2a$04$examplehashexamplehashexamplehashexamplehashexample",
		Scope:    "acme-tyk2",
	}
}

func TestInitialize(t *testing.T) {
	t.Run("fresh directory", func(t *testing.T) {
		dir := t.TempDir()

		paths, err := Initialize(dir, testOptions(), false)
		require.NoError(t, err)
		assert.Equal(t, []string{ServerConfigFile, WorkerConfigFile, EngineScript, BatchFile}, paths)

		server, err := config.Load(filepath.Join(dir, ServerConfigFile))
		require.NoError(t, err)
		require.Len(t, server.Auth.Identities, 1)
		assert.Equal(t, "gpu-node-1", server.Auth.Identities[0].Name)
		assert.Equal(t, "acme-tyk2-*", server.Auth.Identities[0].Scopes[0].String())
		assert.Equal(t, config.DefaultRedisAddr, server.Redis.Addr)

		w, err := worker.LoadConfig(filepath.Join(dir, WorkerConfigFile))
		require.NoError(t, err)
		assert.Equal(t, "0123456789abcdef", w.Client.Key)

		info, err := os.Stat(filepath.Join(dir, WorkerConfigFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		info, err = os.Stat(filepath.Join(dir, EngineScript))
		require.NoError(t, err)
		assert.NotZero(t, info.Mode().Perm()&0o100, "engine script should be executable")
	})

	t.Run("existing files without force", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ServerConfigFile), []byte("old"), 0o644))

		_, err := Initialize(dir, testOptions(), false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already initialized")
		assert.Contains(t, err.Error(), "--force")

		content, _ := os.ReadFile(filepath.Join(dir, ServerConfigFile))
		assert.Equal(t, "old", string(content))
	})

	t.Run("force overwrites", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, WorkerConfigFile), []byte("old"), 0o644))

		_, err := Initialize(dir, testOptions(), true)
		require.NoError(t, err)

		info, err := os.Stat(filepath.Join(dir, WorkerConfigFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := Initialize(t.TempDir(), Options{Identity: "x"}, false)
		assert.Error(t, err)
	})

	t.Run("custom redis and namespace", func(t *testing.T) {
		dir := t.TempDir()
		opts := testOptions()
		opts.RedisAddr = "redis.internal:6380"
		opts.Namespace = "prod"

		_, err := Initialize(dir, opts, false)
		require.NoError(t, err)

		server, err := config.Load(filepath.Join(dir, ServerConfigFile))
		require.NoError(t, err)
		assert.Equal(t, "redis.internal:6380", server.Redis.Addr)
		assert.Equal(t, "prod", server.Redis.Namespace)
	})
}

func TestCheckExisting(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, CheckExisting(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ServerConfigFile), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, BatchFile), []byte("x"), 0o644))

	err := CheckExisting(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "  - crucible.yml")
	assert.Contains(t, err.Error(), "  - tasks.yml")
}
