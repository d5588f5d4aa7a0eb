package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := HashKey("s3cret", bcrypt.MinCost)
	require.NoError(t, err)

	ok, err := VerifyKey("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyKey("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("keys beyond 72 bytes are distinguished", func(t *testing.T) {
		long := strings.Repeat("a", 100)
		hash, err := HashKey(long+"x", bcrypt.MinCost)
		require.NoError(t, err)
		ok, err := VerifyKey(long+"y", hash)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("oversized secret", func(t *testing.T) {
		_, err := HashKey(strings.Repeat("a", MaxSecretSize+1), bcrypt.MinCost)
		assert.ErrorIs(t, err, ErrSecretTooLong)
	})
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func setupAuthenticator(t *testing.T) (*Authenticator, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	hash, err := HashKey("w1-key", bcrypt.MinCost)
	require.NoError(t, err)
	a, err := NewAuthenticator(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", []Identity{
		{Name: "w1", Kind: KindCompute, KeyHash: hash, Scopes: scope.Set{scope.MustParse("acme-*-*")}},
	}, 0)
	require.NoError(t, err)
	return a, mr
}

func TestIssueAuthenticateRevoke(t *testing.T) {
	a, mr := setupAuthenticator(t)
	ctx := context.Background()

	token, ttl, err := a.Issue(ctx, "w1", "w1-key")
	require.NoError(t, err)
	assert.Equal(t, DefaultTokenTTL, ttl)
	assert.Len(t, token, 64)

	p, err := a.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "w1", p.Identity)
	assert.Equal(t, KindCompute, p.Kind)
	assert.Equal(t, scope.Set{scope.MustParse("acme-*-*")}, p.Scopes)

	t.Run("expires after ttl", func(t *testing.T) {
		token, _, err := a.Issue(ctx, "w1", "w1-key")
		require.NoError(t, err)
		mr.FastForward(DefaultTokenTTL + time.Second)
		_, err = a.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("revoke", func(t *testing.T) {
		token, _, err := a.Issue(ctx, "w1", "w1-key")
		require.NoError(t, err)
		require.NoError(t, a.Revoke(ctx, token))
		_, err = a.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestIssueRejectsBadCredentials(t *testing.T) {
	a, _ := setupAuthenticator(t)
	ctx := context.Background()

	_, _, err := a.Issue(ctx, "w1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Issue(ctx, "nobody", "w1-key")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Issue(ctx, "w1", strings.Repeat("k", MaxSecretSize+1))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewAuthenticatorValidation(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})

	_, err := NewAuthenticator(rdb, "test", []Identity{{Name: "x", Kind: "robot", KeyHash: "h"}}, 0)
	assert.Error(t, err)

	dup := Identity{Name: "x", Kind: KindUser, KeyHash: "h"}
	_, err = NewAuthenticator(rdb, "test", []Identity{dup, dup}, 0)
	assert.ErrorContains(t, err, "duplicate")
}
