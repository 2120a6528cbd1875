package redis

import (
	"context"
	"fmt"
	"time"

	"peercall/internal/database"
	"peercall/pkg/constants"
)

const onlineSetKey = "presence:online"

// PresenceRepository tracks which relay instance each connected peer is on.
// The relay consults it before fanning an event out over pub/sub so that
// events for peers connected nowhere are reported undeliverable instead of
// disappearing.
type PresenceRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client, ttl: constants.PresenceTTL}
}

func presenceKey(peerID string) string {
	return fmt.Sprintf("presence:%s", peerID)
}

// SetPeerOnline marks peer as connected to instanceID
func (r *PresenceRepository) SetPeerOnline(ctx context.Context, peerID, instanceID string) error {
	if err := r.client.SafeSet(ctx, presenceKey(peerID), instanceID, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set peer online: %w", err)
	}

	if err := r.client.SafeSAdd(ctx, onlineSetKey, peerID).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}

	return nil
}

// SetPeerOffline marks peer as offline
func (r *PresenceRepository) SetPeerOffline(ctx context.Context, peerID string) error {
	if err := r.client.SafeDel(ctx, presenceKey(peerID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	if err := r.client.SafeSRem(ctx, onlineSetKey, peerID).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}

	return nil
}

// IsPeerOnline checks if peer is connected to any relay instance
func (r *PresenceRepository) IsPeerOnline(ctx context.Context, peerID string) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(peerID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}

	return exists > 0, nil
}

// RefreshPresence keeps peer online (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, peerID string) error {
	if err := r.client.SafeExpire(ctx, presenceKey(peerID), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}

	return nil
}

// GetOnlinePeers retrieves the ids of peers marked online.
// The set may hold peers whose key already expired; IsPeerOnline is authoritative.
func (r *PresenceRepository) GetOnlinePeers(ctx context.Context) ([]string, error) {
	peers, err := r.client.SafeSMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online peers: %w", err)
	}
	return peers, nil
}

// GetOnlineCount returns number of online peers
func (r *PresenceRepository) GetOnlineCount(ctx context.Context) (int64, error) {
	count, err := r.client.SafeSCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online peers: %w", err)
	}
	return count, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
