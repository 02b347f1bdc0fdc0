package teams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-ingestion-router/utils/misc"
)

const teamTableName = "posthog_team"

type RepoOpt func(*Repo)

// WithRetries sets the timeout of a single query attempt and the maximum number of attempts.
// Only attempts failing because of their own timeout are retried.
func WithRetries(timeout time.Duration, maxAttempts int) RepoOpt {
	return func(r *Repo) {
		r.timeout = timeout
		r.maxAttempts = maxAttempts
	}
}

// Repo gives access to the teams table
type Repo struct {
	db          *sql.DB
	timeout     time.Duration
	maxAttempts int
}

func NewRepo(db *sql.DB, opts ...RepoOpt) *Repo {
	r := &Repo{
		db:          db,
		timeout:     5 * time.Second,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetByToken returns the team owning the api token, or nil if no team owns it
func (r *Repo) GetByToken(ctx context.Context, token string) (*Team, error) {
	var team Team
	err := misc.RetryWith(ctx, r.timeout, r.maxAttempts, func(ctx context.Context) error {
		return r.db.QueryRowContext(ctx, `
			SELECT
				id, uuid, organization_id, name, api_token
			FROM
				`+teamTableName+`
			WHERE
				api_token = $1
			LIMIT 1;
		`,
			token,
		).Scan(&team.ID, &team.UUID, &team.OrganizationID, &team.Name, &team.APIToken)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting team by token: %w", err)
	}
	return &team, nil
}

// SetLatestEventCapturedAt moves the team's latest event captured-at watermark forward.
// The watermark is only updated if it is not set yet or if it is older than capturedAt.
// Returns the number of updated rows.
func (r *Repo) SetLatestEventCapturedAt(ctx context.Context, teamID int64, capturedAt string) (int64, error) {
	var updated int64
	err := misc.RetryWith(ctx, r.timeout, r.maxAttempts, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE
				`+teamTableName+`
			SET
				latest_event_captured_at = $1
			WHERE
				id = $2
				AND (latest_event_captured_at < $1 OR latest_event_captured_at IS NULL);
		`,
			capturedAt,
			teamID,
		)
		if err != nil {
			return err
		}
		updated, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("setting latest event captured at for team %d: %w", teamID, err)
	}
	return updated, nil
}
