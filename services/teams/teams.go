// Package teams resolves api tokens into teams and keeps track of the teams' latest event watermarks.
package teams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rudderlabs/rudder-go-kit/cachettl"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"
)

// Team is the tenant owning the events
type Team struct {
	ID             int64  `json:"id"`
	UUID           string `json:"uuid"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	APIToken       string `json:"api_token"`
}

type repository interface {
	GetByToken(ctx context.Context, token string) (*Team, error)
}

// sharedCache is a cache shared among all the router instances, see [NewRedisCache]
type sharedCache interface {
	Get(ctx context.Context, token string) (team *Team, found bool, err error)
	Set(ctx context.Context, token string, team *Team) error
}

type cachedTeam struct {
	team *Team // nil if the token doesn't belong to any team
}

type Opt func(*Manager)

// WithSharedCache adds a second level cache, consulted on local cache misses before querying the database
func WithSharedCache(c sharedCache) Opt {
	return func(m *Manager) {
		m.shared = c
	}
}

// Manager resolves teams by token. Lookups go through a local cache, an optional shared cache and finally
// the database, the latter being protected by a circuit breaker.
type Manager struct {
	logger  logger.Logger
	repo    repository
	shared  sharedCache
	local   *cachettl.Cache[string, *cachedTeam]
	breaker *gobreaker.CircuitBreaker

	config struct {
		cacheTTL         config.ValueLoader[time.Duration]
		negativeCacheTTL config.ValueLoader[time.Duration]
	}

	stats struct {
		cacheHits    stats.Measurement
		cacheMisses  stats.Measurement
		lookupErrors stats.Measurement
	}
}

func NewManager(conf *config.Config, log logger.Logger, statsFactory stats.Stats, repo repository, opts ...Opt) *Manager {
	m := &Manager{
		logger: log.Child("teams"),
		repo:   repo,
		local:  cachettl.New[string, *cachedTeam](cachettl.WithNoRefreshTTL),
	}
	m.config.cacheTTL = conf.GetReloadableDurationVar(2, time.Minute, "Teams.cacheTTL")
	m.config.negativeCacheTTL = conf.GetReloadableDurationVar(30, time.Second, "Teams.negativeCacheTTL")

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "teams_repo",
		MaxRequests: uint32(conf.GetIntVar(1, 1, "Teams.breaker.maxRequests")),
		Timeout:     conf.GetDurationVar(10, time.Second, "Teams.breaker.timeout"),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(conf.GetIntVar(5, 1, "Teams.breaker.consecutiveFailures"))
		},
		// a canceled lookup says nothing about the repository's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warnn("Circuit breaker state changed",
				logger.NewStringField("name", name),
				logger.NewStringField("from", from.String()),
				logger.NewStringField("to", to.String()),
			)
		},
	})

	m.stats.cacheHits = statsFactory.NewTaggedStat("teams_cache", stats.CountType, stats.Tags{"result": "hit"})
	m.stats.cacheMisses = statsFactory.NewTaggedStat("teams_cache", stats.CountType, stats.Tags{"result": "miss"})
	m.stats.lookupErrors = statsFactory.NewStat("teams_lookup_errors", stats.CountType)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetTeamByToken returns the team owning the token, or nil if there is none
func (m *Manager) GetTeamByToken(ctx context.Context, token string) (*Team, error) {
	if cached := m.local.Get(token); cached != nil {
		m.stats.cacheHits.Increment()
		return cached.team, nil
	}
	m.stats.cacheMisses.Increment()

	if m.shared != nil {
		team, found, err := m.shared.Get(ctx, token)
		if err != nil {
			m.logger.Warnn("Reading team from shared cache", obskit.Error(err))
		} else if found {
			m.remember(token, team)
			return team, nil
		}
	}

	res, err := m.breaker.Execute(func() (interface{}, error) {
		return m.repo.GetByToken(ctx, token)
	})
	if err != nil {
		m.stats.lookupErrors.Increment()
		return nil, fmt.Errorf("looking up team: %w", err)
	}
	team, _ := res.(*Team)

	m.remember(token, team)
	if m.shared != nil {
		if err := m.shared.Set(ctx, token, team); err != nil {
			m.logger.Warnn("Writing team to shared cache", obskit.Error(err))
		}
	}
	return team, nil
}

func (m *Manager) remember(token string, team *Team) {
	ttl := m.config.cacheTTL.Load()
	if team == nil {
		ttl = m.config.negativeCacheTTL.Load()
	}
	m.local.Put(token, &cachedTeam{team: team}, ttl)
}
