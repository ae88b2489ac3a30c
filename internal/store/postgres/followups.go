package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

const userFollowupColumns = `id, user_id, followup_id, anchor_at, evaluate_after, status, attempts,
	last_error, cancel_reason, claim_token, claimed_until, created_at, updated_at`

func (s *Store) CreateUserFollowup(ctx context.Context, uf domain.UserFollowup) (domain.UserFollowup, error) {
	var out domain.UserFollowup
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO user_followups (user_id, followup_id, anchor_at, evaluate_after, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $5)
		RETURNING `+userFollowupColumns, uf.UserID, uf.FollowupID, uf.AnchorAt, uf.EvaluateAfter, uf.CreatedAt)
	if isUniqueViolation(err) {
		return domain.UserFollowup{}, fmt.Errorf("user %d followup %d already pending: %w", uf.UserID, uf.FollowupID, domain.ErrConflict)
	}
	if err != nil {
		return domain.UserFollowup{}, fmt.Errorf("create user followup: %w", err)
	}
	return out, nil
}

func (s *Store) ListDueFollowups(ctx context.Context, now time.Time, limit int) ([]domain.UserFollowup, error) {
	var list []domain.UserFollowup
	err := s.db.SelectContext(ctx, &list, `
		SELECT `+userFollowupColumns+` FROM user_followups
		WHERE status = 'pending' AND evaluate_after <= $1
		  AND (claimed_until IS NULL OR claimed_until <= $1)
		ORDER BY evaluate_after, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due followups: %w", err)
	}
	return list, nil
}

func (s *Store) ClaimFollowup(ctx context.Context, uf domain.UserFollowup, l store.Lease) error {
	err := expectChange(s.db.ExecContext(ctx, `
		UPDATE user_followups
		SET claim_token = $1, claimed_until = $2, updated_at = $3
		WHERE id = $4 AND status = 'pending' AND evaluate_after <= $3
		  AND (claimed_until IS NULL OR claimed_until <= $3)`,
		l.Token, l.Until, l.Now, uf.ID))
	if err != nil {
		return fmt.Errorf("claim followup %d: %w", uf.ID, err)
	}
	return nil
}

func (s *Store) CommitFollowup(ctx context.Context, c store.FollowupCommit) error {
	err := expectChange(s.db.ExecContext(ctx, `
		UPDATE user_followups
		SET status = $1, evaluate_after = $2, attempts = $3, last_error = $4, cancel_reason = $5,
		    claim_token = '', claimed_until = NULL, updated_at = $6
		WHERE id = $7 AND claim_token = $8 AND status = 'pending'`,
		string(c.Status), c.EvaluateAfter, c.Attempts, c.LastError, c.Reason, c.At, c.ID, c.Token))
	if err != nil {
		return fmt.Errorf("commit followup %d: %w", c.ID, err)
	}
	return nil
}

func (s *Store) CancelFollowups(ctx context.Context, userID int64, reason string, at time.Time) (int, error) {
	n, err := affected(s.db.ExecContext(ctx, `
		UPDATE user_followups
		SET status = 'cancelled', cancel_reason = $2, claim_token = '', claimed_until = NULL, updated_at = $3
		WHERE user_id = $1 AND status = 'pending'`, userID, reason, at))
	if err != nil {
		return 0, fmt.Errorf("cancel followups of user %d: %w", userID, err)
	}
	return n, nil
}
