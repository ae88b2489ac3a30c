package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

const (
	scenarioColumns = `id, name, description, is_active, created_at`
	stepColumns     = `id, scenario_id, position, delay_seconds, title, text, message_type, emits`
	dialogColumns   = `id, name, description, status, root_question_id, sort_order`
	questionColumns = `id, dialog_id, text, keywords, is_active, sort_order`
	answerColumns   = `id, question_id, text, reply, next_question_id, sort_order`
	followupColumns = `id, name, trigger_kind, anchor_event, event_name, wait_seconds, text, is_active`
)

func (s *Store) GetScenario(ctx context.Context, id int64) (domain.Scenario, error) {
	var sc domain.Scenario
	if err := s.db.GetContext(ctx, &sc, `SELECT `+scenarioColumns+` FROM warmup_scenarios WHERE id = $1`, id); err != nil {
		return domain.Scenario{}, notFound(err, "scenario", id)
	}
	return s.withSteps(ctx, sc)
}

func (s *Store) LatestActiveScenario(ctx context.Context) (domain.Scenario, error) {
	var sc domain.Scenario
	err := s.db.GetContext(ctx, &sc, `
		SELECT `+scenarioColumns+` FROM warmup_scenarios
		WHERE is_active ORDER BY created_at DESC, id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Scenario{}, fmt.Errorf("active scenario: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Scenario{}, fmt.Errorf("get active scenario: %w", err)
	}
	return s.withSteps(ctx, sc)
}

func (s *Store) withSteps(ctx context.Context, sc domain.Scenario) (domain.Scenario, error) {
	err := s.db.SelectContext(ctx, &sc.Steps, `
		SELECT `+stepColumns+` FROM warmup_steps
		WHERE scenario_id = $1 ORDER BY position, id`, sc.ID)
	if err != nil {
		return domain.Scenario{}, fmt.Errorf("list steps of scenario %d: %w", sc.ID, err)
	}
	return sc, nil
}

func (s *Store) GetDialog(ctx context.Context, id int64) (domain.Dialog, error) {
	var d domain.Dialog
	if err := s.db.GetContext(ctx, &d, `SELECT `+dialogColumns+` FROM dialogs WHERE id = $1`, id); err != nil {
		return domain.Dialog{}, notFound(err, "dialog", id)
	}
	return s.withTree(ctx, d)
}

// ListDialogs returns active dialogs with their trees.
func (s *Store) ListDialogs(ctx context.Context) ([]domain.Dialog, error) {
	var list []domain.Dialog
	err := s.db.SelectContext(ctx, &list, `
		SELECT `+dialogColumns+` FROM dialogs
		WHERE status = 'active' ORDER BY sort_order, id`)
	if err != nil {
		return nil, fmt.Errorf("list dialogs: %w", err)
	}
	for i := range list {
		if list[i], err = s.withTree(ctx, list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *Store) withTree(ctx context.Context, d domain.Dialog) (domain.Dialog, error) {
	err := s.db.SelectContext(ctx, &d.Questions, `
		SELECT `+questionColumns+` FROM dialog_questions
		WHERE dialog_id = $1 ORDER BY sort_order, id`, d.ID)
	if err != nil {
		return domain.Dialog{}, fmt.Errorf("list questions of dialog %d: %w", d.ID, err)
	}
	if len(d.Questions) == 0 {
		return d, nil
	}
	ids := make([]int64, len(d.Questions))
	index := make(map[int64]int, len(d.Questions))
	for i, q := range d.Questions {
		ids[i] = q.ID
		index[q.ID] = i
	}
	var answers []domain.DialogAnswer
	err = s.db.SelectContext(ctx, &answers, `
		SELECT `+answerColumns+` FROM dialog_answers
		WHERE question_id = ANY($1) ORDER BY sort_order, id`, pq.Array(ids))
	if err != nil {
		return domain.Dialog{}, fmt.Errorf("list answers of dialog %d: %w", d.ID, err)
	}
	for _, a := range answers {
		i := index[a.QuestionID]
		d.Questions[i].Answers = append(d.Questions[i].Answers, a)
	}
	return d, nil
}

func (s *Store) GetFollowup(ctx context.Context, id int64) (domain.Followup, error) {
	var f domain.Followup
	if err := s.db.GetContext(ctx, &f, `SELECT `+followupColumns+` FROM followups WHERE id = $1`, id); err != nil {
		return domain.Followup{}, notFound(err, "followup", id)
	}
	return f, nil
}

func (s *Store) FollowupsByAnchor(ctx context.Context, event string) ([]domain.Followup, error) {
	var list []domain.Followup
	err := s.db.SelectContext(ctx, &list, `
		SELECT `+followupColumns+` FROM followups
		WHERE is_active AND anchor_event = $1 ORDER BY id`, event)
	if err != nil {
		return nil, fmt.Errorf("list followups anchored on %s: %w", event, err)
	}
	return list, nil
}

// SeedScenario inserts the scenario with its steps unless one with the same name exists.
func (s *Store) SeedScenario(ctx context.Context, sc domain.Scenario) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		id, created, err = insertByName(ctx, tx, "warmup_scenarios", sc.Name, `
			INSERT INTO warmup_scenarios (name, description, is_active) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO NOTHING RETURNING id`, sc.Name, sc.Description, sc.IsActive)
		if err != nil || !created {
			return err
		}
		for i, st := range sc.Steps {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO warmup_steps (scenario_id, position, delay_seconds, title, text, message_type, emits)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				id, i, st.DelaySeconds, st.Title, st.Text, st.MessageType, st.Emits)
			if err != nil {
				return fmt.Errorf("insert step %d of scenario %s: %w", i, sc.Name, err)
			}
		}
		return nil
	})
	return id, created, err
}

// SeedDialog inserts the dialog tree unless a dialog with the same name exists.
func (s *Store) SeedDialog(ctx context.Context, d store.DialogDraft) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		id, created, err = insertByName(ctx, tx, "dialogs", d.Name, `
			INSERT INTO dialogs (name, description, status, sort_order) VALUES ($1, $2, 'active', $3)
			ON CONFLICT (name) DO NOTHING RETURNING id`, d.Name, d.Description, d.SortOrder)
		if err != nil || !created {
			return err
		}
		keys := make(map[string]int64, len(d.Questions))
		for i, q := range d.Questions {
			var qid int64
			err := tx.QueryRowxContext(ctx, `
				INSERT INTO dialog_questions (dialog_id, text, keywords, is_active, sort_order)
				VALUES ($1, $2, $3, TRUE, $4) RETURNING id`, id, q.Text, q.Keywords, i).Scan(&qid)
			if err != nil {
				return fmt.Errorf("insert question %q of dialog %s: %w", q.Key, d.Name, err)
			}
			keys[q.Key] = qid
			if i == 0 {
				if _, err := tx.ExecContext(ctx, `UPDATE dialogs SET root_question_id = $1 WHERE id = $2`, qid, id); err != nil {
					return fmt.Errorf("set root of dialog %s: %w", d.Name, err)
				}
			}
		}
		for _, q := range d.Questions {
			for j, a := range q.Answers {
				var next *int64
				if a.Next != "" {
					target, ok := keys[a.Next]
					if !ok {
						return fmt.Errorf("dialog %s: answer %q points to unknown question %q", d.Name, a.Text, a.Next)
					}
					next = &target
				}
				_, err := tx.ExecContext(ctx, `
					INSERT INTO dialog_answers (question_id, text, reply, next_question_id, sort_order)
					VALUES ($1, $2, $3, $4, $5)`, keys[q.Key], a.Text, a.Reply, next, j)
				if err != nil {
					return fmt.Errorf("insert answer %q of dialog %s: %w", a.Text, d.Name, err)
				}
			}
		}
		return nil
	})
	return id, created, err
}

func (s *Store) SeedFollowup(ctx context.Context, f domain.Followup) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		id, created, err = insertByName(ctx, tx, "followups", f.Name, `
			INSERT INTO followups (name, trigger_kind, anchor_event, event_name, wait_seconds, text, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (name) DO NOTHING RETURNING id`,
			f.Name, string(f.Trigger), f.AnchorEvent, f.EventName, f.WaitSeconds, f.Text, f.IsActive)
		return err
	})
	return id, created, err
}

// insertByName runs an INSERT ... ON CONFLICT DO NOTHING RETURNING id and falls
// back to the existing row id when nothing was inserted.
func insertByName(ctx context.Context, tx *sqlx.Tx, table, name, insert string, args ...any) (int64, bool, error) {
	var id int64
	err := tx.QueryRowxContext(ctx, insert, args...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert %s %s: %w", table, name, err)
	}
	if err := tx.QueryRowxContext(ctx, `SELECT id FROM `+table+` WHERE name = $1`, name).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("lookup %s %s: %w", table, name, err)
	}
	return id, false, nil
}
