package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
)

// RedisTransport implements Transport over Redis pub/sub. Redis pub/sub
// has exactly the delivery semantics the protocol assumes: fan-out to
// current subscribers, nothing retained for late joiners.
type RedisTransport struct {
	rdb *redis.Client
	log *logrus.Logger
}

// NewRedisTransport wraps an existing Redis client.
func NewRedisTransport(rdb *redis.Client, log *logrus.Logger) *RedisTransport {
	return &RedisTransport{rdb: rdb, log: log}
}

// Publish marshals the envelope and publishes it on the channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, env protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := t.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts a receive loop for the channel. Undecodable messages
// are logged and dropped; they must not halt the loop.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	sub := t.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established before returning so a
	// publish immediately after Subscribe is not missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	go func() {
		for msg := range sub.Channel() {
			var env protocol.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				t.log.WithError(err).WithField("channel", channel).
					Warn("dropping undecodable broadcast")
				continue
			}
			h(env)
		}
	}()

	return func() { _ = sub.Close() }, nil
}
