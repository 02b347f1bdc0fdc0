package teams_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-ingestion-router/services/teams"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	resource, err := pool.Run("redis", "7-alpine", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Logf("Could not purge redis resource: %v", err)
		}
	})

	client := redis.NewClient(&redis.Options{Addr: net.JoinHostPort("localhost", resource.GetPort("6379/tcp"))})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, pool.Retry(func() error {
		return client.Ping(context.Background()).Err()
	}))
	return client
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)
	c := teams.NewRedisCache(client, time.Minute)

	_, found, err := c.Get(ctx, "phc_1")
	require.NoError(t, err)
	require.False(t, found)

	team := &teams.Team{ID: 1, UUID: "017ef865-19da-0000-3b60-1506093bf40f", Name: "team-1", APIToken: "phc_1"}
	require.NoError(t, c.Set(ctx, "phc_1", team))
	got, found, err := c.Get(ctx, "phc_1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, team, got)

	require.NoError(t, c.Set(ctx, "phc_unknown", nil))
	got, found, err = c.Get(ctx, "phc_unknown")
	require.NoError(t, err)
	require.True(t, found, "unknown tokens are cached too")
	require.Nil(t, got)

	ttl, err := client.TTL(ctx, "ingestion:team:phc_1").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
