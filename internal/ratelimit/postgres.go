package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var _ Limiter = (*Postgres)(nil)

// Postgres keeps windows in the rate_limit_windows table so every API
// instance shares the counters. A single upsert both resets an elapsed
// window and increments, so concurrent calls never lose an increment.
type Postgres struct {
	db       *sql.DB
	policies Policies
	now      func() time.Time
}

func NewPostgres(db *sql.DB, policies Policies) (*Postgres, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	return &Postgres{db: db, policies: clonePolicies(policies), now: time.Now}, nil
}

const upsertWindow = `
insert into rate_limit_windows (client_key, route_class, window_start, count)
values ($1, $2, $3, 1)
on conflict (client_key, route_class) do update set
	count = case when rate_limit_windows.window_start = excluded.window_start
		then rate_limit_windows.count + 1 else 1 end,
	window_start = excluded.window_start
returning count`

func (p *Postgres) Allow(ctx context.Context, clientKey, class string) error {
	pol, ok := p.policies[class]
	if !ok {
		return nil
	}
	now := p.now().UTC()
	start := windowStart(now, pol.Window)
	var count int
	if err := p.db.QueryRowContext(ctx, upsertWindow, clientKey, class, start).Scan(&count); err != nil {
		return fmt.Errorf("ratelimit: count window: %w", err)
	}
	if count > pol.Limit {
		return exceeded(class, pol, start, now)
	}
	return nil
}

// Prune deletes windows that started before the longest configured window.
func (p *Postgres) Prune(ctx context.Context) (int64, error) {
	var longest time.Duration
	for _, pol := range p.policies {
		if pol.Window > longest {
			longest = pol.Window
		}
	}
	res, err := p.db.ExecContext(ctx, `delete from rate_limit_windows where window_start < $1`, p.now().UTC().Add(-longest))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
