package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

const runColumns = `id, user_id, scenario_id, current_step_index, next_due_at, status, attempts,
	last_error, claim_token, claimed_until, started_at, updated_at`

func (s *Store) CreateRun(ctx context.Context, r domain.WarmupRun) (domain.WarmupRun, error) {
	var out domain.WarmupRun
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO user_warmup_runs (user_id, scenario_id, current_step_index, next_due_at, status, started_at, updated_at)
		VALUES ($1, $2, 0, $3, 'active', $4, $4)
		RETURNING `+runColumns, r.UserID, r.ScenarioID, r.NextDueAt, r.StartedAt)
	if isUniqueViolation(err) {
		return domain.WarmupRun{}, fmt.Errorf("user %d scenario %d: %w", r.UserID, r.ScenarioID, domain.ErrRunExists)
	}
	if err != nil {
		return domain.WarmupRun{}, fmt.Errorf("create run: %w", err)
	}
	return out, nil
}

func (s *Store) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]domain.WarmupRun, error) {
	var list []domain.WarmupRun
	err := s.db.SelectContext(ctx, &list, `
		SELECT `+runColumns+` FROM user_warmup_runs
		WHERE status = 'active' AND next_due_at <= $1
		  AND (claimed_until IS NULL OR claimed_until <= $1)
		ORDER BY next_due_at, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due runs: %w", err)
	}
	return list, nil
}

func (s *Store) ClaimRun(ctx context.Context, r domain.WarmupRun, l store.Lease) error {
	err := expectChange(s.db.ExecContext(ctx, `
		UPDATE user_warmup_runs
		SET claim_token = $1, claimed_until = $2, updated_at = $3
		WHERE id = $4 AND status = 'active' AND current_step_index = $5
		  AND next_due_at <= $3
		  AND (claimed_until IS NULL OR claimed_until <= $3)`,
		l.Token, l.Until, l.Now, r.ID, r.CurrentStep))
	if err != nil {
		return fmt.Errorf("claim run %d: %w", r.ID, err)
	}
	return nil
}

func (s *Store) CommitRun(ctx context.Context, c store.RunCommit) error {
	err := expectChange(s.db.ExecContext(ctx, `
		UPDATE user_warmup_runs
		SET status = $1, current_step_index = $2, next_due_at = $3, attempts = $4, last_error = $5,
		    claim_token = '', claimed_until = NULL, updated_at = $6
		WHERE id = $7 AND claim_token = $8 AND status = 'active'
		  AND current_step_index = $9 AND $2 >= current_step_index`,
		string(c.Status), c.Step, c.NextDueAt, c.Attempts, c.LastError, c.At,
		c.ID, c.Token, c.FromStep))
	if err != nil {
		return fmt.Errorf("commit run %d: %w", c.ID, err)
	}
	return nil
}

func (s *Store) CancelRuns(ctx context.Context, userID int64, reason string, at time.Time) (int, error) {
	n, err := affected(s.db.ExecContext(ctx, `
		UPDATE user_warmup_runs
		SET status = 'cancelled', last_error = $2, claim_token = '', claimed_until = NULL, updated_at = $3
		WHERE user_id = $1 AND status = 'active'`, userID, reason, at))
	if err != nil {
		return 0, fmt.Errorf("cancel runs of user %d: %w", userID, err)
	}
	return n, nil
}

func (s *Store) ListRuns(ctx context.Context, userID int64) ([]domain.WarmupRun, error) {
	var list []domain.WarmupRun
	err := s.db.SelectContext(ctx, &list, `SELECT `+runColumns+` FROM user_warmup_runs WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list runs of user %d: %w", userID, err)
	}
	return list, nil
}
