package taskgraph

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RegisterService creates or replaces a compute service registration and
// stamps it with the current time.
func (s *Store) RegisterService(ctx context.Context, reg *ServiceRegistration) error {
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}

	nowMs := s.nowMs()
	reg.RegisteredAtMs = nowMs
	reg.LastHeartbeatMs = nowMs

	hash, err := ServiceToHash(reg)
	if err != nil {
		return fmt.Errorf("failed to serialize registration: %w", err)
	}

	key := ServiceKey(s.namespace, reg.Identity)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hash)
		pipe.ZAdd(ctx, ServicesKey(s.namespace), redis.Z{Score: float64(nowMs), Member: reg.Identity})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write registration to Redis: %w", err)
	}
	return nil
}

// HeartbeatService refreshes a registration.
// Returns redis.Nil if the service is not registered (it expired or never
// registered), telling the caller to register again.
func (s *Store) HeartbeatService(ctx context.Context, identity string) error {
	applied, err := serviceHeartbeatScript.Run(ctx, s.rdb,
		[]string{ServiceKey(s.namespace, identity), ServicesKey(s.namespace)},
		identity, s.nowMs(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to heartbeat service: %w", err)
	}
	if applied == 0 {
		return redis.Nil
	}
	return nil
}

// GetService retrieves a registration.
// Returns (nil, redis.Nil) if the service is not registered.
func (s *Store) GetService(ctx context.Context, identity string) (*ServiceRegistration, error) {
	hashData, err := s.rdb.HGetAll(ctx, ServiceKey(s.namespace, identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read registration from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	reg, err := HashToService(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize registration: %w", err)
	}
	return reg, nil
}

// ListServices returns every registration, least recently heard from first.
func (s *Store) ListServices(ctx context.Context) ([]*ServiceRegistration, error) {
	ids, err := s.rdb.ZRange(ctx, ServicesKey(s.namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, ServiceKey(s.namespace, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read services: %w", err)
	}

	regs := make([]*ServiceRegistration, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		reg, err := HashToService(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize registration: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// DeregisterService removes a registration. Tasks it still holds are left
// for the liveness monitor.
func (s *Store) DeregisterService(ctx context.Context, identity string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ServiceKey(s.namespace, identity))
		pipe.ZRem(ctx, ServicesKey(s.namespace), identity)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

// ExpireService removes a registration only if its last heartbeat still
// equals observedHeartbeatMs. Returns false when it was refreshed meanwhile.
func (s *Store) ExpireService(ctx context.Context, identity string, observedHeartbeatMs int64) (bool, error) {
	removed, err := deregisterStaleScript.Run(ctx, s.rdb,
		[]string{ServiceKey(s.namespace, identity), ServicesKey(s.namespace)},
		identity, observedHeartbeatMs,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to expire service: %w", err)
	}
	if removed == 0 {
		return false, nil
	}

	s.publish(ctx, &TaskEvent{Type: EventServiceGone, Claimant: identity})
	return true, nil
}
