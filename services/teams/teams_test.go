package teams

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/rudderlabs/rudder-go-kit/stats/memstats"
)

type mockRepo struct {
	mu    sync.Mutex
	teams map[string]*Team
	err   error
	calls int
}

func (r *mockRepo) GetByToken(_ context.Context, token string) (*Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.teams[token], nil
}

type mockSharedCache struct {
	teams  map[string]*Team
	getErr error
	sets   map[string]*Team
}

func (c *mockSharedCache) Get(_ context.Context, token string) (*Team, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	team, ok := c.teams[token]
	return team, ok, nil
}

func (c *mockSharedCache) Set(_ context.Context, token string, team *Team) error {
	if c.sets == nil {
		c.sets = map[string]*Team{}
	}
	c.sets[token] = team
	return nil
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	team := &Team{ID: 2, Name: "team-2", APIToken: "phc_2"}

	t.Run("caches teams", func(t *testing.T) {
		statsStore, err := memstats.New()
		require.NoError(t, err)

		repo := &mockRepo{teams: map[string]*Team{"phc_2": team}}
		m := NewManager(config.New(), logger.NOP, statsStore, repo)

		for i := 0; i < 3; i++ {
			got, err := m.GetTeamByToken(ctx, "phc_2")
			require.NoError(t, err)
			require.Equal(t, team, got)
		}
		require.Equal(t, 1, repo.calls)
		require.EqualValues(t, 2, statsStore.Get("teams_cache", stats.Tags{"result": "hit"}).LastValue())
		require.EqualValues(t, 1, statsStore.Get("teams_cache", stats.Tags{"result": "miss"}).LastValue())
	})

	t.Run("caches unknown tokens with their own ttl", func(t *testing.T) {
		conf := config.New()
		conf.Set("Teams.negativeCacheTTL", "10ms")

		repo := &mockRepo{}
		m := NewManager(conf, logger.NOP, stats.NOP, repo)

		got, err := m.GetTeamByToken(ctx, "unknown")
		require.NoError(t, err)
		require.Nil(t, got)
		_, err = m.GetTeamByToken(ctx, "unknown")
		require.NoError(t, err)
		require.Equal(t, 1, repo.calls)

		require.Eventually(t, func() bool {
			_, err := m.GetTeamByToken(ctx, "unknown")
			require.NoError(t, err)
			repo.mu.Lock()
			defer repo.mu.Unlock()
			return repo.calls == 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		statsStore, err := memstats.New()
		require.NoError(t, err)

		repo := &mockRepo{err: errors.New("connection refused")}
		m := NewManager(config.New(), logger.NOP, statsStore, repo)

		_, err = m.GetTeamByToken(ctx, "phc_2")
		require.ErrorContains(t, err, "connection refused")

		repo.err = nil
		repo.teams = map[string]*Team{"phc_2": team}
		got, err := m.GetTeamByToken(ctx, "phc_2")
		require.NoError(t, err)
		require.Equal(t, team, got)
		require.EqualValues(t, 1, statsStore.Get("teams_lookup_errors", nil).LastValue())
	})

	t.Run("circuit breaker opens after consecutive failures", func(t *testing.T) {
		conf := config.New()
		conf.Set("Teams.breaker.consecutiveFailures", 2)
		conf.Set("Teams.breaker.timeout", "1h")

		repo := &mockRepo{err: errors.New("connection refused")}
		m := NewManager(conf, logger.NOP, stats.NOP, repo)

		for i := 0; i < 2; i++ {
			_, err := m.GetTeamByToken(ctx, "phc_2")
			require.Error(t, err)
		}
		_, err := m.GetTeamByToken(ctx, "phc_2")
		require.ErrorIs(t, err, gobreaker.ErrOpenState)
		require.Equal(t, 2, repo.calls, "the repository is not queried while the breaker is open")
	})

	t.Run("canceled lookups don't open the circuit breaker", func(t *testing.T) {
		conf := config.New()
		conf.Set("Teams.breaker.consecutiveFailures", 2)
		conf.Set("Teams.breaker.timeout", "1h")

		repo := &mockRepo{err: context.Canceled}
		m := NewManager(conf, logger.NOP, stats.NOP, repo)

		for i := 0; i < 5; i++ {
			_, err := m.GetTeamByToken(ctx, "phc_2")
			require.ErrorIs(t, err, context.Canceled)
			require.NotErrorIs(t, err, gobreaker.ErrOpenState)
		}
		require.Equal(t, 5, repo.calls, "the repository is always queried")
		require.Equal(t, gobreaker.StateClosed, m.breaker.State())
	})

	t.Run("shared cache", func(t *testing.T) {
		repo := &mockRepo{teams: map[string]*Team{"phc_2": team}}
		shared := &mockSharedCache{teams: map[string]*Team{"phc_3": {ID: 3}}}
		m := NewManager(config.New(), logger.NOP, stats.NOP, repo, WithSharedCache(shared))

		got, err := m.GetTeamByToken(ctx, "phc_3")
		require.NoError(t, err)
		require.EqualValues(t, 3, got.ID)
		require.Zero(t, repo.calls, "shared cache hit")

		got, err = m.GetTeamByToken(ctx, "phc_2")
		require.NoError(t, err)
		require.Equal(t, team, got)
		require.Equal(t, 1, repo.calls)
		require.Equal(t, map[string]*Team{"phc_2": team}, shared.sets, "database results are written to the shared cache")
	})

	t.Run("shared cache errors fall back to the database", func(t *testing.T) {
		repo := &mockRepo{teams: map[string]*Team{"phc_2": team}}
		shared := &mockSharedCache{getErr: errors.New("redis down")}
		m := NewManager(config.New(), logger.NOP, stats.NOP, repo, WithSharedCache(shared))

		got, err := m.GetTeamByToken(ctx, "phc_2")
		require.NoError(t, err)
		require.Equal(t, team, got)
	})
}
