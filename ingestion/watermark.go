package ingestion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-ingestion-router/ingestion/event"
	"github.com/rudderlabs/rudder-ingestion-router/services/teams"
)

type teamLookup interface {
	GetTeamByToken(ctx context.Context, token string) (*teams.Team, error)
}

type watermarkRepo interface {
	SetLatestEventCapturedAt(ctx context.Context, teamID int64, capturedAt string) (int64, error)
}

// watermarkAggregator collects the latest captured at of each team within a batch, so that each team's
// watermark is updated at most once per batch
type watermarkAggregator struct {
	logger logger.Logger
	lookup teamLookup
	repo   watermarkRepo

	config struct {
		lookupConcurrency config.ValueLoader[int]
	}

	stats struct {
		lookupErrors stats.Measurement
		updates      stats.Measurement
	}
}

func newWatermarkAggregator(conf *config.Config, log logger.Logger, statsFactory stats.Stats, lookup teamLookup, repo watermarkRepo) *watermarkAggregator {
	w := &watermarkAggregator{
		logger: log.Child("watermarks"),
		lookup: lookup,
		repo:   repo,
	}
	w.config.lookupConcurrency = conf.GetReloadableIntVar(10, 1, "Ingestion.teamLookupConcurrency")
	w.stats.lookupErrors = statsFactory.NewStat("ingestion_team_lookup_errors", stats.CountType)
	w.stats.updates = statsFactory.NewStat("ingestion_watermark_updates", stats.CountType)
	return w
}

// Aggregate returns, for each team, the captured at header of the last message of the batch belonging to
// that team. Messages without a captured at header are ignored. The team of a message is taken from its
// team id header or, when absent, looked up by its token; an unparseable team id does not fall back to the
// token. Lookup failures are logged and the corresponding messages ignored.
func (w *watermarkAggregator) Aggregate(ctx context.Context, msgs []*event.InboundMessage) map[int64]string {
	teamIDs := w.resolveTokens(ctx, msgs)

	watermarks := make(map[int64]string)
	for _, msg := range msgs {
		capturedAt, _ := msg.Header(event.HeaderCapturedAt)
		if capturedAt == "" {
			continue
		}
		var teamID int64
		if raw, ok := msg.Header(event.HeaderTeamID); ok && raw != "" {
			teamID, _ = strconv.ParseInt(raw, 10, 64)
		} else if token, _ := msg.Header(event.HeaderToken); token != "" {
			teamID = teamIDs[token]
		}
		if teamID == 0 {
			continue
		}
		watermarks[teamID] = capturedAt // last write wins
	}
	return watermarks
}

// resolveTokens concurrently looks up the teams of the distinct tokens needing a lookup
func (w *watermarkAggregator) resolveTokens(ctx context.Context, msgs []*event.InboundMessage) map[string]int64 {
	tokens := lo.Uniq(lo.FilterMap(msgs, func(msg *event.InboundMessage, _ int) (string, bool) {
		if capturedAt, _ := msg.Header(event.HeaderCapturedAt); capturedAt == "" {
			return "", false
		}
		if raw, ok := msg.Header(event.HeaderTeamID); ok && raw != "" {
			return "", false
		}
		token, _ := msg.Header(event.HeaderToken)
		return token, token != ""
	}))

	var (
		mu      sync.Mutex
		teamIDs = make(map[string]int64, len(tokens))
		g       errgroup.Group
	)
	g.SetLimit(max(w.config.lookupConcurrency.Load(), 1))
	for _, token := range tokens {
		g.Go(func() error {
			team, err := w.lookup.GetTeamByToken(ctx, token)
			if err != nil {
				w.stats.lookupErrors.Increment()
				w.logger.Warnn("Looking up team by token", obskit.Error(err))
				return nil
			}
			if team == nil {
				return nil
			}
			mu.Lock()
			teamIDs[token] = team.ID
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return teamIDs
}

// Persist conditionally updates the watermark of each team, in ascending team id order. A failed update
// doesn't prevent the others from being attempted.
func (w *watermarkAggregator) Persist(ctx context.Context, watermarks map[int64]string) error {
	if len(watermarks) == 0 {
		return nil
	}
	teamIDs := lo.Keys(watermarks)
	slices.Sort(teamIDs)
	w.logger.Debugn("Updating latest event captured at", logger.NewIntField("teams", int64(len(teamIDs))))

	var errs []error
	for _, teamID := range teamIDs {
		updated, err := w.repo.SetLatestEventCapturedAt(ctx, teamID, watermarks[teamID])
		if err != nil {
			errs = append(errs, fmt.Errorf("team %d: %w", teamID, err))
			continue
		}
		if updated > 0 {
			w.stats.updates.Count(int(updated))
			w.logger.Debugn("Updated latest event captured at",
				logger.NewIntField("teamId", teamID),
				logger.NewStringField("capturedAt", watermarks[teamID]),
				logger.NewIntField("updatedRows", updated),
			)
		}
	}
	return errors.Join(errs...)
}
