package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
)

const userColumns = `id, username, first_name, last_name, status, last_inbound_at, created_at, updated_at`

// TouchUser upserts the profile; a returning user is always active again.
func (s *Store) TouchUser(ctx context.Context, u domain.User, at time.Time) (bool, error) {
	const q = `
		INSERT INTO users (id, username, first_name, last_name, status, last_inbound_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			status = 'active',
			last_inbound_at = EXCLUDED.last_inbound_at,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS created`
	var created bool
	if err := s.db.QueryRowxContext(ctx, q, u.ID, u.Username, u.FirstName, u.LastName, at).Scan(&created); err != nil {
		return false, fmt.Errorf("touch user %d: %w", u.ID, err)
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return domain.User{}, notFound(err, "user", id)
	}
	return u, nil
}

func (s *Store) SetUserStatus(ctx context.Context, id int64, status domain.UserStatus) error {
	n, err := affected(s.db.ExecContext(ctx,
		`UPDATE users SET status = $1, updated_at = now() WHERE id = $2`, string(status), id))
	if err != nil {
		return fmt.Errorf("set user %d status: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordEvent(ctx context.Context, userID int64, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_events (user_id, name, occurred_at) VALUES ($1, $2, $3)`, userID, name, at)
	if err != nil {
		return fmt.Errorf("record event %s for user %d: %w", name, userID, err)
	}
	return nil
}

func (s *Store) FollowupFacts(ctx context.Context, userID int64, f domain.Followup, anchor time.Time) (domain.FollowupFacts, error) {
	var facts domain.FollowupFacts
	err := s.db.QueryRowxContext(ctx, `SELECT last_inbound_at FROM users WHERE id = $1`, userID).Scan(&facts.LastInboundAt)
	if err != nil {
		return facts, notFound(err, "user", userID)
	}
	if f.Trigger == domain.TriggerNoEvent && f.EventName != "" {
		const q = `SELECT EXISTS (SELECT 1 FROM user_events WHERE user_id = $1 AND name = $2 AND occurred_at > $3)`
		if err := s.db.QueryRowxContext(ctx, q, userID, f.EventName, anchor).Scan(&facts.EventSeen); err != nil {
			return facts, fmt.Errorf("lookup event %s for user %d: %w", f.EventName, userID, err)
		}
	}
	return facts, nil
}
