package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/crucible/pkg/scope"
	"github.com/redis/go-redis/v9"
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 15 * time.Minute

var (
	ErrInvalidCredentials = errors.New("invalid identity or key")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Kind distinguishes compute services from human users.
type Kind string

const (
	KindCompute Kind = "compute"
	KindUser    Kind = "user"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindCompute, KindUser:
		return nil
	default:
		return fmt.Errorf("invalid identity kind: %q (must be compute or user)", k)
	}
}

// Identity is a configured credential.
type Identity struct {
	Name    string    `yaml:"identity"`
	Kind    Kind      `yaml:"kind"`
	KeyHash string    `yaml:"key_hash"`
	Scopes  scope.Set `yaml:"scopes"`
}

// Validate checks the identity fields.
func (i *Identity) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	if err := i.Kind.Validate(); err != nil {
		return fmt.Errorf("identity %s: %w", i.Name, err)
	}
	if i.KeyHash == "" {
		return fmt.Errorf("identity %s: key_hash cannot be empty", i.Name)
	}
	for _, s := range i.Scopes {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("identity %s: %w", i.Name, err)
		}
	}
	return nil
}

// Principal is the authenticated caller behind a token.
type Principal struct {
	Identity string    `json:"identity"`
	Kind     Kind      `json:"kind"`
	Scopes   scope.Set `json:"scopes"`
}

// Authenticator verifies keys and manages tokens.
type Authenticator struct {
	rdb        *redis.Client
	namespace  string
	ttl        time.Duration
	identities map[string]Identity
}

// NewAuthenticator creates an authenticator over the given identities.
// A zero ttl uses DefaultTokenTTL.
func NewAuthenticator(rdb *redis.Client, namespace string, identities []Identity, ttl time.Duration) (*Authenticator, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	byName := make(map[string]Identity, len(identities))
	for _, id := range identities {
		if err := id.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[id.Name]; dup {
			return nil, fmt.Errorf("duplicate identity: %s", id.Name)
		}
		byName[id.Name] = id
	}
	return &Authenticator{rdb: rdb, namespace: namespace, ttl: ttl, identities: byName}, nil
}

// TokenKey returns the Redis key holding a token's principal.
// Pattern: crucible:{namespace}:token:{token}
func TokenKey(namespace, token string) string {
	return fmt.Sprintf("crucible:%s:token:%s", namespace, token)
}

// Issue verifies key for identity and returns a new token.
func (a *Authenticator) Issue(ctx context.Context, identity, key string) (string, time.Duration, error) {
	id, ok := a.identities[identity]
	if !ok {
		return "", 0, ErrInvalidCredentials
	}
	valid, err := VerifyKey(key, id.KeyHash)
	if err != nil {
		if errors.Is(err, ErrSecretTooLong) {
			return "", 0, ErrInvalidCredentials
		}
		return "", 0, err
	}
	if !valid {
		return "", 0, ErrInvalidCredentials
	}

	token, err := randomHex(32)
	if err != nil {
		return "", 0, err
	}
	payload, err := json.Marshal(Principal{Identity: id.Name, Kind: id.Kind, Scopes: id.Scopes})
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal principal: %w", err)
	}
	if err := a.rdb.Set(ctx, TokenKey(a.namespace, token), payload, a.ttl).Err(); err != nil {
		return "", 0, fmt.Errorf("failed to store token: %w", err)
	}
	return token, a.ttl, nil
}

// Authenticate resolves a token to its principal.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	payload, err := a.rdb.Get(ctx, TokenKey(a.namespace, token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	var p Principal
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal principal: %w", err)
	}
	return &p, nil
}

// Revoke invalidates a token. Revoking an unknown token is not an error.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	if err := a.rdb.Del(ctx, TokenKey(a.namespace, token)).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}
