package middleware

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	pkgctx "peercall/pkg/context"
)

// RevokedTokenPrefix is the key prefix operators write revoked token ids
// under, with a TTL matching the token's remaining lifetime
const RevokedTokenPrefix = "peercall:revoked:"

// RedisRevocationChecker implements RevocationChecker using Redis
type RedisRevocationChecker struct {
	client *redis.Client
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *redis.Client) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if a token id has been revoked. The lookup sits on
// the WebSocket upgrade path, so it gets the short store timeout.
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}

	ctx, cancel := pkgctx.WithStoreTimeout(ctx)
	defer cancel()

	exists, err := c.client.Exists(ctx, RevokedTokenPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}

	return exists > 0, nil
}
