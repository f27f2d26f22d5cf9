package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Redis publishes events over Pub/Sub and optionally pushes them onto a
// list for queue-style consumers.
type Redis struct {
	client  *redis.Client
	channel string
	listKey string
}

func NewRedis(addr, channel, listKey string) *Redis {
	return &Redis{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		listKey: listKey,
	}
}

func (r *Redis) Name() string {
	return "redis"
}

func (r *Redis) Publish(ctx context.Context, payload []byte) error {
	if r.channel != "" {
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			return err
		}
	}
	if r.listKey != "" {
		return r.client.LPush(ctx, r.listKey, payload).Err()
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
