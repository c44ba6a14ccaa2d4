package cache

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes a lightweight "something changed" ping after a
// successful Save, letting file-cache tail loops in peer processes on the
// same host short-circuit their mtime-poll interval. It is only used once
// attached to a store with Store.SetNotifier. The poll loop remains the source of truth —
// this is a latency accelerator, never a replacement, so a missed or failed
// publish never breaks the contract. Grounded on the teacher's
// internal/infra/redis_adapter.go Publish/Subscribe pair.
type RedisNotifier struct {
	Client  *redis.Client
	Channel string
}

func (n *RedisNotifier) publish() {
	if n == nil || n.Client == nil {
		return
	}
	if err := n.Client.Publish(context.Background(), n.Channel, "1").Err(); err != nil {
		slog.Debug("redis fast-path notify failed", "channel", n.Channel, "err", err)
	}
}
