package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

const (
	mailingColumns = `id, name, text, audience, scheduled_at, status, materialized, created_by,
		total_recipients, sent_count, failed_count, created_at, completed_at`
	recipientColumns = `id, mailing_id, user_id, status, attempts, next_attempt_at, last_error,
		claim_token, claimed_until, sent_at, updated_at`
)

func (s *Store) CreateMailing(ctx context.Context, m domain.Mailing) (domain.Mailing, error) {
	var out domain.Mailing
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO mailings (name, text, audience, scheduled_at, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, 'scheduled', $5, $6)
		RETURNING `+mailingColumns, m.Name, m.Text, string(m.Audience), m.ScheduledAt, m.CreatedBy, m.CreatedAt)
	if err != nil {
		return domain.Mailing{}, fmt.Errorf("create mailing: %w", err)
	}
	return out, nil
}

func (s *Store) GetMailing(ctx context.Context, id int64) (domain.Mailing, error) {
	var m domain.Mailing
	if err := s.db.GetContext(ctx, &m, `SELECT `+mailingColumns+` FROM mailings WHERE id = $1`, id); err != nil {
		return domain.Mailing{}, notFound(err, "mailing", id)
	}
	return m, nil
}

func (s *Store) ListMailings(ctx context.Context, limit int) ([]domain.Mailing, error) {
	var list []domain.Mailing
	err := s.db.SelectContext(ctx, &list, `SELECT `+mailingColumns+` FROM mailings ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mailings: %w", err)
	}
	return list, nil
}

func (s *Store) ListDueMailings(ctx context.Context, now time.Time, limit int) ([]domain.Mailing, error) {
	var list []domain.Mailing
	err := s.db.SelectContext(ctx, &list, `
		SELECT `+mailingColumns+` FROM mailings
		WHERE status IN ('scheduled', 'sending') AND scheduled_at <= $1
		ORDER BY scheduled_at, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due mailings: %w", err)
	}
	return list, nil
}

// audienceFilter returns a predicate over users aliased as u. Extra arguments
// start at placeholder $3.
func audienceFilter(a domain.Audience) (string, []any, error) {
	switch string(a) {
	case domain.AudienceAll:
		return "TRUE", nil, nil
	case domain.AudienceActive:
		return "u.status = 'active'", nil, nil
	case domain.AudienceWarmupCompleted:
		return "EXISTS (SELECT 1 FROM user_warmup_runs r WHERE r.user_id = u.id AND r.status = 'completed')", nil, nil
	}
	if name, ok := a.Event(); ok {
		return "EXISTS (SELECT 1 FROM user_events e WHERE e.user_id = u.id AND e.name = $3)", []any{name}, nil
	}
	return "", nil, a.Validate()
}

// MaterializeRecipients flips the materialized flag and expands the audience
// in one transaction, so the flag guards against a second expansion.
func (s *Store) MaterializeRecipients(ctx context.Context, mailingID int64, at time.Time) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var audience domain.Audience
		err := tx.QueryRowxContext(ctx, `
			UPDATE mailings SET materialized = TRUE, status = 'sending'
			WHERE id = $1 AND status = 'scheduled' AND NOT materialized
			RETURNING audience`, mailingID).Scan(&audience)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrStale
		}
		if err != nil {
			return fmt.Errorf("flag mailing: %w", err)
		}
		filter, extra, err := audienceFilter(audience)
		if err != nil {
			return err
		}
		args := append([]any{mailingID, at}, extra...)
		n, err = affected(tx.ExecContext(ctx, `
			INSERT INTO mailing_recipients (mailing_id, user_id, status, next_attempt_at, updated_at)
			SELECT $1, u.id, 'pending', $2, $2 FROM users u WHERE `+filter+`
			ON CONFLICT (mailing_id, user_id) DO NOTHING`, args...))
		if err != nil {
			return fmt.Errorf("insert recipients: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE mailings
			SET total_recipients = (SELECT count(*) FROM mailing_recipients WHERE mailing_id = $1)
			WHERE id = $1`, mailingID)
		if err != nil {
			return fmt.Errorf("count recipients: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("materialize mailing %d: %w", mailingID, err)
	}
	return n, nil
}

func (s *Store) ListDueRecipients(ctx context.Context, mailingID int64, now time.Time, limit int) ([]domain.MailingRecipient, error) {
	var list []domain.MailingRecipient
	err := s.db.SelectContext(ctx, &list, `
		SELECT `+recipientColumns+` FROM mailing_recipients
		WHERE mailing_id = $1 AND status = 'pending' AND next_attempt_at <= $2
		  AND (claimed_until IS NULL OR claimed_until <= $2)
		ORDER BY id
		LIMIT $3`, mailingID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due recipients of mailing %d: %w", mailingID, err)
	}
	return list, nil
}

func (s *Store) ClaimRecipient(ctx context.Context, r domain.MailingRecipient, l store.Lease) error {
	err := expectChange(s.db.ExecContext(ctx, `
		UPDATE mailing_recipients
		SET claim_token = $1, claimed_until = $2, updated_at = $3
		WHERE id = $4 AND status = 'pending' AND next_attempt_at <= $3
		  AND (claimed_until IS NULL OR claimed_until <= $3)`,
		l.Token, l.Until, l.Now, r.ID))
	if err != nil {
		return fmt.Errorf("claim recipient %d: %w", r.ID, err)
	}
	return nil
}

// CommitRecipient updates the recipient and the mailing counters together.
func (s *Store) CommitRecipient(ctx context.Context, c store.RecipientCommit) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var sentAt *time.Time
		if c.Status == domain.RecipientSent {
			sentAt = &c.At
		}
		err := expectChange(tx.ExecContext(ctx, `
			UPDATE mailing_recipients
			SET status = $1, next_attempt_at = $2, attempts = $3, last_error = $4, sent_at = $5,
			    claim_token = '', claimed_until = NULL, updated_at = $6
			WHERE id = $7 AND claim_token = $8 AND status = 'pending'`,
			string(c.Status), c.NextAttemptAt, c.Attempts, c.LastError, sentAt, c.At, c.ID, c.Token))
		if err != nil {
			return err
		}
		var counter string
		switch c.Status {
		case domain.RecipientSent:
			counter = "sent_count"
		case domain.RecipientFailed:
			counter = "failed_count"
		default:
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE mailings SET `+counter+` = `+counter+` + 1 WHERE id = $1`, c.MailingID)
		return err
	})
	if err != nil {
		return fmt.Errorf("commit recipient %d: %w", c.ID, err)
	}
	return nil
}

func (s *Store) FinishMailing(ctx context.Context, mailingID int64, at time.Time) error {
	err := expectChange(s.db.ExecContext(ctx, `
		UPDATE mailings SET status = 'completed', completed_at = $2
		WHERE id = $1 AND status = 'sending'
		  AND NOT EXISTS (SELECT 1 FROM mailing_recipients WHERE mailing_id = $1 AND status = 'pending')`,
		mailingID, at))
	if err != nil {
		return fmt.Errorf("finish mailing %d: %w", mailingID, err)
	}
	return nil
}

// CancelMailing stops a mailing and cancels its pending recipients.
func (s *Store) CancelMailing(ctx context.Context, mailingID int64, at time.Time) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var status domain.MailingStatus
		err := tx.QueryRowxContext(ctx, `SELECT status FROM mailings WHERE id = $1 FOR UPDATE`, mailingID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != domain.MailingScheduled && status != domain.MailingSending {
			return fmt.Errorf("%w: mailing is %s", domain.ErrInvalidState, status)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE mailings SET status = 'cancelled', completed_at = $2 WHERE id = $1`, mailingID, at); err != nil {
			return err
		}
		n, err = affected(tx.ExecContext(ctx, `
			UPDATE mailing_recipients
			SET status = 'cancelled', claim_token = '', claimed_until = NULL, updated_at = $2
			WHERE mailing_id = $1 AND status = 'pending'`, mailingID, at))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cancel mailing %d: %w", mailingID, err)
	}
	return n, nil
}

func (s *Store) CancelRecipient(ctx context.Context, mailingID, userID int64, at time.Time) error {
	err := expectChange(s.db.ExecContext(ctx, `
		UPDATE mailing_recipients
		SET status = 'cancelled', claim_token = '', claimed_until = NULL, updated_at = $3
		WHERE mailing_id = $1 AND user_id = $2 AND status = 'pending'`, mailingID, userID, at))
	if err != nil {
		return fmt.Errorf("cancel recipient %d of mailing %d: %w", userID, mailingID, err)
	}
	return nil
}

func (s *Store) ListRecipients(ctx context.Context, mailingID int64) ([]domain.MailingRecipient, error) {
	var list []domain.MailingRecipient
	err := s.db.SelectContext(ctx, &list, `SELECT `+recipientColumns+` FROM mailing_recipients WHERE mailing_id = $1 ORDER BY id`, mailingID)
	if err != nil {
		return nil, fmt.Errorf("list recipients of mailing %d: %w", mailingID, err)
	}
	return list, nil
}
