package store

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const leaseKeyPrefix = "streamer:lease:"

// Both scripts only touch the key when the caller still owns it
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisRunLease implements RunLease with SET NX PX keys
type RedisRunLease struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRunLease creates a new Redis-backed lease
func NewRedisRunLease(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*RedisRunLease, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRunLease{client: client, logger: logger}, nil
}

func leaseKey(nodeID string) string { return leaseKeyPrefix + nodeID }

// Acquire takes the lease, or extends it when holder already owns it
func (l *RedisRunLease) Acquire(ctx context.Context, nodeID, holder string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, leaseKey(nodeID), holder, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease for %s: %w", nodeID, err)
	}
	if ok {
		l.logger.Debug("Acquired run lease", zap.String("node_id", nodeID), zap.String("holder", holder))
		return nil
	}
	if err := l.Refresh(ctx, nodeID, holder, ttl); err == nil {
		return nil
	}
	current, err := l.client.Get(ctx, leaseKey(nodeID)).Result()
	if err == redis.Nil {
		// expired between the two calls
		return l.Acquire(ctx, nodeID, holder, ttl)
	}
	if err != nil {
		return fmt.Errorf("failed to read lease for %s: %w", nodeID, err)
	}
	return errors.LeaseHeld(nodeID, current)
}

// Refresh extends a lease owned by holder
func (l *RedisRunLease) Refresh(ctx context.Context, nodeID, holder string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{leaseKey(nodeID)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lease for %s: %w", nodeID, err)
	}
	if n == 0 {
		return errors.LeaseHeld(nodeID, "")
	}
	return nil
}

// Release drops a lease owned by holder
func (l *RedisRunLease) Release(ctx context.Context, nodeID, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{leaseKey(nodeID)}, holder).Err(); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", nodeID, err)
	}
	return nil
}

// Close closes the Redis client
func (l *RedisRunLease) Close() error {
	return l.client.Close()
}
