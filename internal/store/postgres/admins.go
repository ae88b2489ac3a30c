package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/funnelbot/internal/domain"
)

const adminColumns = `id, telegram_id, username, full_name, is_active, access_level, added_by, created_at, updated_at`

func (s *Store) IsActiveAdmin(ctx context.Context, telegramID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM admins WHERE telegram_id = $1 AND is_active)`, telegramID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check admin %d: %w", telegramID, err)
	}
	return ok, nil
}

// ActivateAdmin re-activates a soft-deleted row before trying to insert a new one.
// A re-activated row keeps its original added_by.
func (s *Store) ActivateAdmin(ctx context.Context, a domain.Admin) (domain.Admin, error) {
	if a.AccessLevel == 0 {
		a.AccessLevel = domain.DefaultAccessLevel
	}
	var out domain.Admin
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &out, `
			UPDATE admins
			SET is_active = TRUE, username = $2, full_name = $3, access_level = $4, added_by = COALESCE(added_by, $5), updated_at = $6
			WHERE telegram_id = $1 AND NOT is_active
			RETURNING `+adminColumns,
			a.TelegramID, a.Username, a.FullName, a.AccessLevel, a.AddedBy, a.CreatedAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		err = tx.GetContext(ctx, &out, `
			INSERT INTO admins (telegram_id, username, full_name, is_active, access_level, added_by, created_at, updated_at)
			VALUES ($1, $2, $3, TRUE, $4, $5, $6, $6)
			ON CONFLICT (telegram_id) DO NOTHING
			RETURNING `+adminColumns,
			a.TelegramID, a.Username, a.FullName, a.AccessLevel, a.AddedBy, a.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAlreadyAdmin
		}
		return err
	})
	if err != nil {
		return domain.Admin{}, fmt.Errorf("activate admin %d: %w", a.TelegramID, err)
	}
	return out, nil
}

func (s *Store) DeactivateAdmin(ctx context.Context, telegramID int64, at time.Time) error {
	n, err := affected(s.db.ExecContext(ctx, `
		UPDATE admins SET is_active = FALSE, updated_at = $2
		WHERE telegram_id = $1 AND is_active`, telegramID, at))
	if err != nil {
		return fmt.Errorf("deactivate admin %d: %w", telegramID, err)
	}
	if n == 0 {
		return fmt.Errorf("admin %d: %w", telegramID, domain.ErrNotFound)
	}
	return nil
}

// ListAdmins returns active admins, highest access level first.
func (s *Store) ListAdmins(ctx context.Context) ([]domain.Admin, error) {
	var list []domain.Admin
	err := s.db.SelectContext(ctx, &list, `
		SELECT `+adminColumns+` FROM admins
		WHERE is_active ORDER BY access_level DESC, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return list, nil
}
