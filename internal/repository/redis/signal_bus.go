package redis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"peercall/internal/database"
	"peercall/pkg/logger"
)

// SignalBus carries relay envelopes between relay instances. Each connected
// peer has one channel; the instance holding the peer's WebSocket subscribes
// to it.
type SignalBus struct {
	client *database.RedisClient
	prefix string
}

// NewSignalBus creates a SignalBus publishing on prefix+peerID channels
func NewSignalBus(client *database.RedisClient, prefix string) *SignalBus {
	if prefix == "" {
		prefix = "peercall:peer:"
	}
	return &SignalBus{client: client, prefix: prefix}
}

func (b *SignalBus) channel(peerID string) string {
	return b.prefix + peerID
}

// Publish sends msg to whichever instance holds peerID and returns how many
// subscribers received it. Zero means no instance holds the peer.
func (b *SignalBus) Publish(ctx context.Context, peerID string, msg []byte) (int64, error) {
	n, err := b.client.SafePublish(ctx, b.channel(peerID), msg).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish signal: %w", err)
	}
	return n, nil
}

// Subscribe delivers messages published for peerID until ctx is done.
// The returned channel is closed when the subscription ends.
func (b *SignalBus) Subscribe(ctx context.Context, peerID string) (<-chan []byte, error) {
	channel := b.channel(peerID)

	pubsub := b.client.SafeSubscribe(ctx, channel)
	if pubsub == nil {
		return nil, fmt.Errorf("failed to subscribe to %s: redis degraded", channel)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				default:
					logger.Warn("Dropping signal for slow subscriber", zap.String("channel", channel))
				}
			}
		}
	}()

	return out, nil
}
