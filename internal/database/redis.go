package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	pkgctx "peercall/pkg/context"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps Redis client with degraded mode support.
// In degraded mode every Safe* call fails fast instead of waiting on timeouts,
// and the relay falls back to routing between its own connections.
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
	metrics        *metrics.Metrics
}

// NewRedisDB creates a new Redis client from config with degraded mode support
func NewRedisDB(cfg *RedisConfig, m *metrics.Metrics) (*RedisClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return NewRedisClient(client, m), nil
}

// NewRedisClient wraps an existing client (tests pass a redismock client)
func NewRedisClient(client *redis.Client, m *metrics.Metrics) *RedisClient {
	return &RedisClient{
		Client:  client,
		metrics: m,
	}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() {
	r.Client.Close()
}

// StartHealthCheck starts a background goroutine that periodically checks Redis health
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Warn("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()

	if r.degradedMode != degraded {
		r.degradedMode = degraded
		if degraded {
			logger.Warn("Redis entered degraded mode")
		} else {
			logger.Info("Redis recovered from degraded mode")
		}
	}
}

// HealthCheck performs a health check on Redis and updates degraded mode
// It uses a mutex to prevent concurrent health checks from overwhelming Redis
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := pkgctx.WithStoreTimeout(ctx)
	defer cancel()

	err := r.Client.Ping(healthCtx).Err()
	r.metrics.RecordRedisCommand("ping", err)
	if err != nil {
		r.setDegradedState(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	return nil
}

func degradedErr(op string) error {
	return fmt.Errorf("redis is in degraded mode, %s skipped", op)
}

// SafeSet performs a SET operation with degraded mode handling
func (r *RedisClient) SafeSet(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", degradedErr("set"))
	}
	cmd := r.Client.Set(ctx, key, value, expiration)
	r.metrics.RecordRedisCommand("set", cmd.Err())
	return cmd
}

// SafeDel performs a DEL operation with degraded mode handling
func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, degradedErr("del"))
	}
	cmd := r.Client.Del(ctx, keys...)
	r.metrics.RecordRedisCommand("del", cmd.Err())
	return cmd
}

// SafeExpire performs an EXPIRE operation with degraded mode handling
func (r *RedisClient) SafeExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if r.IsDegraded() {
		return redis.NewBoolResult(false, degradedErr("expire"))
	}
	cmd := r.Client.Expire(ctx, key, expiration)
	r.metrics.RecordRedisCommand("expire", cmd.Err())
	return cmd
}

// SafeExists performs an EXISTS operation with degraded mode handling
func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, degradedErr("exists"))
	}
	cmd := r.Client.Exists(ctx, keys...)
	r.metrics.RecordRedisCommand("exists", cmd.Err())
	return cmd
}

// SafeSAdd performs a SADD operation with degraded mode handling
func (r *RedisClient) SafeSAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, degradedErr("sadd"))
	}
	cmd := r.Client.SAdd(ctx, key, members...)
	r.metrics.RecordRedisCommand("sadd", cmd.Err())
	return cmd
}

// SafeSRem performs a SREM operation with degraded mode handling
func (r *RedisClient) SafeSRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, degradedErr("srem"))
	}
	cmd := r.Client.SRem(ctx, key, members...)
	r.metrics.RecordRedisCommand("srem", cmd.Err())
	return cmd
}

// SafeSMembers performs a SMEMBERS operation with degraded mode handling
func (r *RedisClient) SafeSMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult([]string{}, degradedErr("smembers"))
	}
	cmd := r.Client.SMembers(ctx, key)
	r.metrics.RecordRedisCommand("smembers", cmd.Err())
	return cmd
}

// SafeSCard performs a SCARD operation with degraded mode handling
func (r *RedisClient) SafeSCard(ctx context.Context, key string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, degradedErr("scard"))
	}
	cmd := r.Client.SCard(ctx, key)
	r.metrics.RecordRedisCommand("scard", cmd.Err())
	return cmd
}

// SafePublish performs a PUBLISH operation with degraded mode handling
func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, degradedErr("publish"))
	}
	cmd := r.Client.Publish(ctx, channel, message)
	r.metrics.RecordRedisCommand("publish", cmd.Err())
	return cmd
}

// SafeSubscribe performs a SUBSCRIBE operation with degraded mode handling.
// It returns nil in degraded mode.
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	r.metrics.RecordRedisCommand("subscribe", nil)
	return r.Client.Subscribe(ctx, channels...)
}
