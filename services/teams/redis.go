package teams

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ingestion:team:"

// tokenNotFound is cached for tokens not belonging to any team
const tokenNotFound = "null"

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache returns a team cache stored in redis, shared by all the router instances
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, token string) (*Team, bool, error) {
	value, err := c.client.Get(ctx, redisKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting team from redis: %w", err)
	}
	if value == tokenNotFound {
		return nil, true, nil
	}
	var team Team
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(value, &team); err != nil {
		return nil, false, fmt.Errorf("decoding cached team: %w", err)
	}
	return &team, true, nil
}

func (c *RedisCache) Set(ctx context.Context, token string, team *Team) error {
	value := tokenNotFound
	if team != nil {
		var err error
		if value, err = jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(team); err != nil {
			return fmt.Errorf("encoding team: %w", err)
		}
	}
	if err := c.client.Set(ctx, redisKeyPrefix+token, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("setting team in redis: %w", err)
	}
	return nil
}
