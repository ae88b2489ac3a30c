// Package store declares the persistence contracts of the funnel engine.
//
// Every status transition of a due row (warm-up run, user follow-up, mailing
// recipient, dialog session) is a conditional update: it applies only when the
// row is still in the expected prior state and returns domain.ErrStale
// otherwise. Implementations live in store/postgres and store/memstore.
package store

import (
	"context"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
)

// Lease claims a due row for one delivery attempt. A row whose lease expired
// is claimable again.
type Lease struct {
	Token string
	Now   time.Time
	Until time.Time
}

// Users persists user profiles and soft states.
type Users interface {
	// TouchUser upserts the profile and records an inbound message at at.
	TouchUser(ctx context.Context, u domain.User, at time.Time) (created bool, err error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	SetUserStatus(ctx context.Context, id int64, status domain.UserStatus) error
}

// Events persists funnel events.
type Events interface {
	RecordEvent(ctx context.Context, userID int64, name string, at time.Time) error
	FollowupFacts(ctx context.Context, userID int64, f domain.Followup, anchor time.Time) (domain.FollowupFacts, error)
}

// Catalog reads scenario, dialog and follow-up definitions.
type Catalog interface {
	GetScenario(ctx context.Context, id int64) (domain.Scenario, error)
	LatestActiveScenario(ctx context.Context) (domain.Scenario, error)
	GetDialog(ctx context.Context, id int64) (domain.Dialog, error)
	ListDialogs(ctx context.Context) ([]domain.Dialog, error)
	GetFollowup(ctx context.Context, id int64) (domain.Followup, error)
	FollowupsByAnchor(ctx context.Context, event string) ([]domain.Followup, error)
}

// DialogDraft is a dialog definition whose questions reference each other by key.
type DialogDraft struct {
	Name        string
	Description string
	SortOrder   int
	Questions   []QuestionDraft
}

// QuestionDraft is a question of a DialogDraft; the first one is the root.
type QuestionDraft struct {
	Key      string
	Text     string
	Keywords string
	Answers  []AnswerDraft
}

// AnswerDraft points to the next question key, or ends the dialog when Next is empty.
type AnswerDraft struct {
	Text  string
	Reply string
	Next  string
}

// CatalogSeeder inserts catalog entries that do not exist yet, matched by name.
type CatalogSeeder interface {
	SeedScenario(ctx context.Context, s domain.Scenario) (id int64, created bool, err error)
	SeedDialog(ctx context.Context, d DialogDraft) (id int64, created bool, err error)
	SeedFollowup(ctx context.Context, f domain.Followup) (id int64, created bool, err error)
}

// RunCommit finalizes a claimed warm-up run attempt.
type RunCommit struct {
	ID        int64
	Token     string
	FromStep  int
	Status    domain.RunStatus
	Step      int
	NextDueAt time.Time
	Attempts  int
	LastError string
	At        time.Time
}

// Runs persists warm-up runs.
type Runs interface {
	// CreateRun fails with domain.ErrRunExists when an active run exists for
	// the same (user, scenario).
	CreateRun(ctx context.Context, r domain.WarmupRun) (domain.WarmupRun, error)
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]domain.WarmupRun, error)
	ClaimRun(ctx context.Context, r domain.WarmupRun, l Lease) error
	CommitRun(ctx context.Context, c RunCommit) error
	CancelRuns(ctx context.Context, userID int64, reason string, at time.Time) (int, error)
	ListRuns(ctx context.Context, userID int64) ([]domain.WarmupRun, error)
}

// FollowupCommit finalizes a claimed follow-up attempt.
type FollowupCommit struct {
	ID            int64
	Token         string
	Status        domain.FollowupStatus
	EvaluateAfter time.Time
	Attempts      int
	LastError     string
	Reason        string
	At            time.Time
}

// Followups persists per-user follow-up occurrences.
type Followups interface {
	// CreateUserFollowup fails with domain.ErrConflict when the user already
	// has a pending occurrence of the same follow-up.
	CreateUserFollowup(ctx context.Context, uf domain.UserFollowup) (domain.UserFollowup, error)
	ListDueFollowups(ctx context.Context, now time.Time, limit int) ([]domain.UserFollowup, error)
	ClaimFollowup(ctx context.Context, uf domain.UserFollowup, l Lease) error
	CommitFollowup(ctx context.Context, c FollowupCommit) error
	CancelFollowups(ctx context.Context, userID int64, reason string, at time.Time) (int, error)
}

// RecipientCommit finalizes a claimed recipient attempt.
type RecipientCommit struct {
	ID            int64
	MailingID     int64
	Token         string
	Status        domain.RecipientStatus
	NextAttemptAt time.Time
	Attempts      int
	LastError     string
	At            time.Time
}

// Mailings persists broadcasts and their recipient work queue.
type Mailings interface {
	CreateMailing(ctx context.Context, m domain.Mailing) (domain.Mailing, error)
	GetMailing(ctx context.Context, id int64) (domain.Mailing, error)
	ListMailings(ctx context.Context, limit int) ([]domain.Mailing, error)
	ListDueMailings(ctx context.Context, now time.Time, limit int) ([]domain.Mailing, error)
	// MaterializeRecipients expands the audience once. It returns
	// domain.ErrStale when the mailing was already materialized.
	MaterializeRecipients(ctx context.Context, mailingID int64, at time.Time) (int, error)
	ListDueRecipients(ctx context.Context, mailingID int64, now time.Time, limit int) ([]domain.MailingRecipient, error)
	ClaimRecipient(ctx context.Context, r domain.MailingRecipient, l Lease) error
	CommitRecipient(ctx context.Context, c RecipientCommit) error
	// FinishMailing completes a sending mailing that has no pending
	// recipients left; it returns domain.ErrStale otherwise.
	FinishMailing(ctx context.Context, mailingID int64, at time.Time) error
	CancelMailing(ctx context.Context, mailingID int64, at time.Time) (int, error)
	CancelRecipient(ctx context.Context, mailingID, userID int64, at time.Time) error
	ListRecipients(ctx context.Context, mailingID int64) ([]domain.MailingRecipient, error)
}

// SessionMove is a conditional transition of an in-progress dialog session
// keyed on its current question and move count.
type SessionMove struct {
	ID             int64
	FromQuestionID int64
	FromMoves      int
	ToQuestionID   *int64
	Status         domain.SessionStatus
	At             time.Time
}

// Sessions persists dialog sessions.
type Sessions interface {
	LatestSession(ctx context.Context, userID, dialogID int64) (domain.DialogSession, error)
	// CreateSession fails with domain.ErrAlreadyInProgress when an
	// in-progress session exists for the pair.
	CreateSession(ctx context.Context, s domain.DialogSession) (domain.DialogSession, error)
	MoveSession(ctx context.Context, m SessionMove) error
	AbandonSession(ctx context.Context, id int64, at time.Time) error
}

// Admins persists database-managed admins.
type Admins interface {
	IsActiveAdmin(ctx context.Context, telegramID int64) (bool, error)
	// ActivateAdmin inserts the admin or re-activates a deactivated row. It
	// fails with domain.ErrAlreadyAdmin when an active row exists.
	ActivateAdmin(ctx context.Context, a domain.Admin) (domain.Admin, error)
	// DeactivateAdmin soft-deletes an active row; domain.ErrNotFound otherwise.
	DeactivateAdmin(ctx context.Context, telegramID int64, at time.Time) error
	ListAdmins(ctx context.Context) ([]domain.Admin, error)
}

// Reports reads operator-facing failure records and funnel counts.
type Reports interface {
	ListFailures(ctx context.Context, since time.Time, limit int) ([]domain.Failure, error)
	// FunnelStats counts users, runs, follow-ups and events. NewUsers counts
	// users created at or after since.
	FunnelStats(ctx context.Context, since time.Time) (domain.FunnelStats, error)
}

// Store is the full persistence surface.
type Store interface {
	Users
	Events
	Catalog
	CatalogSeeder
	Runs
	Followups
	Mailings
	Sessions
	Admins
	Reports
}
