package sequence

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "taxdesk:seq:"

type redisStore struct {
	client *redis.Client
}

// NewRedisStore keeps counters as Redis integers (INCR).
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Next(ctx context.Context, scope string) (int64, error) {
	return s.client.Incr(ctx, redisKeyPrefix+scope).Result()
}
