package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

const sessionColumns = `id, user_id, dialog_id, current_question_id, status, moves, started_at, updated_at, finished_at`

func (s *Store) LatestSession(ctx context.Context, userID, dialogID int64) (domain.DialogSession, error) {
	var ds domain.DialogSession
	err := s.db.GetContext(ctx, &ds, `
		SELECT `+sessionColumns+` FROM dialog_sessions
		WHERE user_id = $1 AND dialog_id = $2
		ORDER BY id DESC LIMIT 1`, userID, dialogID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DialogSession{}, fmt.Errorf("session of user %d dialog %d: %w", userID, dialogID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DialogSession{}, fmt.Errorf("get session of user %d dialog %d: %w", userID, dialogID, err)
	}
	return ds, nil
}

func (s *Store) CreateSession(ctx context.Context, ds domain.DialogSession) (domain.DialogSession, error) {
	var out domain.DialogSession
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO dialog_sessions (user_id, dialog_id, current_question_id, status, started_at, updated_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		RETURNING `+sessionColumns,
		ds.UserID, ds.DialogID, ds.CurrentQuestionID, string(ds.Status), ds.StartedAt, ds.FinishedAt)
	if isUniqueViolation(err) {
		return domain.DialogSession{}, fmt.Errorf("user %d dialog %d: %w", ds.UserID, ds.DialogID, domain.ErrAlreadyInProgress)
	}
	if err != nil {
		return domain.DialogSession{}, fmt.Errorf("create session: %w", err)
	}
	return out, nil
}

// MoveSession applies only while the session still sits on FromQuestionID
// after exactly FromMoves answers.
func (s *Store) MoveSession(ctx context.Context, m store.SessionMove) error {
	var finished *time.Time
	if m.Status.Terminal() {
		finished = &m.At
	}
	err := expectChange(s.db.ExecContext(ctx, `
		UPDATE dialog_sessions
		SET current_question_id = $1, status = $2, updated_at = $3, finished_at = $4, moves = moves + 1
		WHERE id = $5 AND status = 'in_progress' AND current_question_id = $6 AND moves = $7`,
		m.ToQuestionID, string(m.Status), m.At, finished, m.ID, m.FromQuestionID, m.FromMoves))
	if err != nil {
		return fmt.Errorf("move session %d: %w", m.ID, err)
	}
	return nil
}

func (s *Store) AbandonSession(ctx context.Context, id int64, at time.Time) error {
	err := expectChange(s.db.ExecContext(ctx, `
		UPDATE dialog_sessions SET status = 'abandoned', updated_at = $2, finished_at = $2
		WHERE id = $1 AND status = 'in_progress'`, id, at))
	if err != nil {
		return fmt.Errorf("abandon session %d: %w", id, err)
	}
	return nil
}
