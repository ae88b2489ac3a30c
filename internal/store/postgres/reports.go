package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
)

// ListFailures collects terminal delivery failures of all three schedules.
// Reference holds the scenario, follow-up or mailing id.
func (s *Store) ListFailures(ctx context.Context, since time.Time, limit int) ([]domain.Failure, error) {
	const q = `
		SELECT * FROM (
			SELECT 'warmup' AS kind, id AS row_id, user_id, scenario_id AS reference,
			       attempts, last_error, updated_at
			FROM user_warmup_runs
			WHERE status = 'cancelled' AND attempts > 0 AND last_error <> '' AND updated_at >= $1
			UNION ALL
			SELECT 'followup', id, user_id, followup_id, attempts, last_error, updated_at
			FROM user_followups
			WHERE status = 'cancelled' AND attempts > 0 AND last_error <> '' AND updated_at >= $1
			UNION ALL
			SELECT 'mailing', id, user_id, mailing_id, attempts, last_error, updated_at
			FROM mailing_recipients
			WHERE status = 'failed' AND updated_at >= $1
		) f
		ORDER BY updated_at DESC, row_id DESC
		LIMIT $2`
	var list []domain.Failure
	if err := s.db.SelectContext(ctx, &list, q, since, limit); err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	return list, nil
}

func (s *Store) FunnelStats(ctx context.Context, since time.Time) (domain.FunnelStats, error) {
	st := domain.FunnelStats{Since: since}
	if err := s.db.GetContext(ctx, &st.NewUsers, `SELECT count(*) FROM users WHERE created_at >= $1`, since); err != nil {
		return domain.FunnelStats{}, fmt.Errorf("count new users: %w", err)
	}
	tallies := []struct {
		dst  *[]domain.Tally
		name string
		q    string
	}{
		{&st.Users, "users", `SELECT status AS key, count(*) AS n FROM users GROUP BY 1 ORDER BY 1`},
		{&st.Runs, "runs", `SELECT status AS key, count(*) AS n FROM user_warmup_runs GROUP BY 1 ORDER BY 1`},
		{&st.Followups, "followups", `
			SELECT CASE WHEN status = 'cancelled' AND cancel_reason <> '' THEN status || ':' || cancel_reason ELSE status END AS key,
			       count(*) AS n
			FROM user_followups GROUP BY 1 ORDER BY 1`},
		{&st.Events, "events", `SELECT name AS key, count(DISTINCT user_id) AS n FROM user_events GROUP BY 1 ORDER BY 1`},
	}
	for _, t := range tallies {
		if err := s.db.SelectContext(ctx, t.dst, t.q); err != nil {
			return domain.FunnelStats{}, fmt.Errorf("count %s: %w", t.name, err)
		}
	}
	return st, nil
}
