// Package dialogs advances per-user FAQ dialog sessions on inbound answers.
//
// A session moves only through conditional updates keyed on its current
// question and its move count, so a replayed or out-of-order answer is
// rejected instead of forking the conversation, even when the answer leads
// back to the same question.
package dialogs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/m3rciful/funnelbot/core/logger"
	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

// Catalog resolves dialog trees.
type Catalog interface {
	GetDialog(ctx context.Context, id int64) (domain.Dialog, error)
	ListDialogs(ctx context.Context) ([]domain.Dialog, error)
}

// Engine runs dialog sessions.
type Engine struct {
	catalog  Catalog
	sessions store.Sessions
	clock    clock.Clock
}

// New builds an engine; a nil clock means the system clock.
func New(catalog Catalog, sessions store.Sessions, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{catalog: catalog, sessions: sessions, clock: clk}
}

// State is a session together with what the user should see next.
type State struct {
	Session domain.DialogSession
	// Question is nil once the session is finished.
	Question *domain.DialogQuestion
	// Reply is the reply text of the answer just chosen.
	Reply string
}

// Done reports whether the session accepts no more answers.
func (s State) Done() bool { return s.Session.Status.Terminal() }

// Start opens a session at the dialog root. It fails with
// domain.ErrAlreadyInProgress while another session of the pair is open.
func (e *Engine) Start(ctx context.Context, userID, dialogID int64) (State, error) {
	d, err := e.catalog.GetDialog(ctx, dialogID)
	if err != nil {
		return State{}, err
	}
	if d.Status != domain.DialogActive {
		return State{}, fmt.Errorf("dialog %d is %s: %w", dialogID, d.Status, domain.ErrNotFound)
	}
	root, ok := d.Root()
	if !ok {
		return State{}, fmt.Errorf("dialog %d has no questions: %w", dialogID, domain.ErrNotFound)
	}

	sess, err := e.sessions.CreateSession(ctx, domain.DialogSession{
		UserID:            userID,
		DialogID:          dialogID,
		CurrentQuestionID: &root.ID,
		Status:            domain.SessionInProgress,
		StartedAt:         e.clock.Now(),
	})
	if err != nil {
		return State{}, err
	}
	logger.Info(ctx, logger.CompDialogs, "session.start",
		slog.Int64("dialog_id", dialogID),
		slog.Int64("session_id", sess.ID),
	)
	return State{Session: sess, Question: &root}, nil
}

// Advance applies the chosen answer to the open session. An answer that
// does not belong to the current question fails with domain.ErrInvalidAnswer;
// a finished session fails with domain.ErrSessionTerminal.
func (e *Engine) Advance(ctx context.Context, userID, dialogID, answerID int64) (State, error) {
	return e.advance(ctx, userID, dialogID, answerID, -1)
}

// AdvanceFrom is Advance for an answer chosen after exactly moves answers,
// as rendered to the user. An answer from an older rendering fails with
// domain.ErrInvalidAnswer.
func (e *Engine) AdvanceFrom(ctx context.Context, userID, dialogID, answerID int64, moves int) (State, error) {
	if moves < 0 {
		return State{}, fmt.Errorf("move count %d: %w", moves, domain.ErrInvalidAnswer)
	}
	return e.advance(ctx, userID, dialogID, answerID, moves)
}

func (e *Engine) advance(ctx context.Context, userID, dialogID, answerID int64, moves int) (State, error) {
	sess, err := e.open(ctx, userID, dialogID)
	if err != nil {
		return State{}, err
	}
	if moves >= 0 && sess.Moves != moves {
		return State{}, fmt.Errorf("session %d is past move %d: %w", sess.ID, moves, domain.ErrInvalidAnswer)
	}
	d, err := e.catalog.GetDialog(ctx, dialogID)
	if err != nil {
		return State{}, err
	}

	from := *sess.CurrentQuestionID
	q, ok := d.Question(from)
	if !ok {
		// The question was edited away; the conversation cannot continue.
		return e.move(ctx, sess, from, nil, "")
	}
	a, ok := q.Answer(answerID)
	if !ok {
		return State{}, fmt.Errorf("answer %d for question %d: %w", answerID, from, domain.ErrInvalidAnswer)
	}

	var next *domain.DialogQuestion
	if a.NextQuestionID != nil {
		if nq, ok := d.Question(*a.NextQuestionID); ok && nq.IsActive {
			next = &nq
		}
	}
	return e.move(ctx, sess, from, next, a.Reply)
}

func (e *Engine) move(ctx context.Context, sess domain.DialogSession, from int64, next *domain.DialogQuestion, reply string) (State, error) {
	m := store.SessionMove{
		ID:             sess.ID,
		FromQuestionID: from,
		FromMoves:      sess.Moves,
		Status:         domain.SessionCompleted,
		At:             e.clock.Now(),
	}
	if next != nil {
		m.ToQuestionID, m.Status = &next.ID, domain.SessionInProgress
	}
	if err := e.sessions.MoveSession(ctx, m); err != nil {
		if errors.Is(err, domain.ErrStale) {
			return State{}, fmt.Errorf("session %d moved concurrently: %w", sess.ID, domain.ErrInvalidAnswer)
		}
		return State{}, err
	}

	sess.CurrentQuestionID, sess.Status, sess.UpdatedAt = m.ToQuestionID, m.Status, m.At
	sess.Moves++
	if m.Status.Terminal() {
		sess.FinishedAt = &m.At
	}
	logger.Debug(ctx, logger.CompDialogs, "session.advance",
		slog.Int64("dialog_id", sess.DialogID),
		slog.Int64("session_id", sess.ID),
		slog.Int64("question_id", from),
		slog.String("session_status", string(sess.Status)),
	)
	return State{Session: sess, Question: next, Reply: reply}, nil
}

// Abandon closes the open session of the pair.
func (e *Engine) Abandon(ctx context.Context, userID, dialogID int64) error {
	sess, err := e.open(ctx, userID, dialogID)
	if err != nil {
		return err
	}
	if err := e.sessions.AbandonSession(ctx, sess.ID, e.clock.Now()); err != nil {
		if errors.Is(err, domain.ErrStale) {
			return fmt.Errorf("session %d: %w", sess.ID, domain.ErrSessionTerminal)
		}
		return err
	}
	logger.Info(ctx, logger.CompDialogs, "session.abandon",
		slog.Int64("dialog_id", dialogID),
		slog.Int64("session_id", sess.ID),
	)
	return nil
}

// Current returns the latest session of the pair. Finished sessions are
// returned without a question; domain.ErrNotFound means never started.
func (e *Engine) Current(ctx context.Context, userID, dialogID int64) (State, error) {
	sess, err := e.sessions.LatestSession(ctx, userID, dialogID)
	if err != nil {
		return State{}, err
	}
	st := State{Session: sess}
	if sess.Status != domain.SessionInProgress || sess.CurrentQuestionID == nil {
		return st, nil
	}
	d, err := e.catalog.GetDialog(ctx, dialogID)
	if err != nil {
		return State{}, err
	}
	if q, ok := d.Question(*sess.CurrentQuestionID); ok {
		st.Question = &q
	}
	return st, nil
}

func (e *Engine) open(ctx context.Context, userID, dialogID int64) (domain.DialogSession, error) {
	sess, err := e.sessions.LatestSession(ctx, userID, dialogID)
	if err != nil {
		return domain.DialogSession{}, err
	}
	if sess.Status.Terminal() || sess.CurrentQuestionID == nil {
		return domain.DialogSession{}, fmt.Errorf("session %d is %s: %w", sess.ID, sess.Status, domain.ErrSessionTerminal)
	}
	return sess, nil
}
