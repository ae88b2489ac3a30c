// Package funnel holds the user and operator entry points that create due
// work for the scheduler: warm-up runs, follow-ups and mailings.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/m3rciful/funnelbot/core/logger"
	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

// Store is the persistence the service writes to.
type Store interface {
	store.Users
	store.Events
	store.Runs
	store.Followups
	store.Mailings
}

// Catalog resolves definitions referenced by new work.
type Catalog interface {
	GetScenario(ctx context.Context, id int64) (domain.Scenario, error)
	ActiveScenario(ctx context.Context) (domain.Scenario, error)
	GetFollowup(ctx context.Context, id int64) (domain.Followup, error)
	FollowupsAnchoredOn(ctx context.Context, event string) ([]domain.Followup, error)
}

// Service creates and cancels funnel work.
type Service struct {
	store   Store
	catalog Catalog
	clock   clock.Clock
}

// New builds a service; a nil clock means the system clock.
func New(st Store, catalog Catalog, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{store: st, catalog: catalog, clock: clk}
}

// Touch records an inbound message and reports whether the user is new.
func (s *Service) Touch(ctx context.Context, u domain.User) (bool, error) {
	created, err := s.store.TouchUser(ctx, u, s.clock.Now())
	if err != nil {
		return false, err
	}
	if created {
		logger.Info(ctx, logger.CompWarmups, "user.new", slog.Int64("user_id", u.ID))
	}
	return created, nil
}

// StartWarmup enrols the user into the scenario. The first step is due after
// its own delay. An active run of the same scenario fails with
// domain.ErrRunExists.
func (s *Service) StartWarmup(ctx context.Context, userID, scenarioID int64) (domain.WarmupRun, error) {
	sc, err := s.catalog.GetScenario(ctx, scenarioID)
	if err != nil {
		return domain.WarmupRun{}, err
	}
	return s.start(ctx, userID, sc)
}

// StartDefaultWarmup enrols the user into the newest active scenario.
func (s *Service) StartDefaultWarmup(ctx context.Context, userID int64) (domain.WarmupRun, error) {
	sc, err := s.catalog.ActiveScenario(ctx)
	if err != nil {
		return domain.WarmupRun{}, err
	}
	return s.start(ctx, userID, sc)
}

func (s *Service) start(ctx context.Context, userID int64, sc domain.Scenario) (domain.WarmupRun, error) {
	first, ok := sc.Step(0)
	if !ok {
		return domain.WarmupRun{}, fmt.Errorf("scenario %d has no steps: %w", sc.ID, domain.ErrInvalidState)
	}
	now := s.clock.Now()
	run, err := s.store.CreateRun(ctx, domain.WarmupRun{
		UserID:     userID,
		ScenarioID: sc.ID,
		NextDueAt:  now.Add(first.Delay()),
		StartedAt:  now,
	})
	if err != nil {
		return domain.WarmupRun{}, err
	}
	logger.Info(ctx, logger.CompWarmups, "run.start",
		slog.Int64("user_id", userID),
		slog.Int64("scenario_id", sc.ID),
		slog.Int64("run_id", run.ID),
		slog.Time("next_due_at", run.NextDueAt),
	)
	return run, nil
}

// StopWarmup cancels the active runs of the user.
func (s *Service) StopWarmup(ctx context.Context, userID int64, reason string) (int, error) {
	n, err := s.store.CancelRuns(ctx, userID, reason, s.clock.Now())
	if err != nil {
		return 0, err
	}
	logger.Info(ctx, logger.CompWarmups, "run.stop",
		slog.Int64("user_id", userID),
		slog.String("reason", reason),
		slog.Int("count", n),
	)
	return n, nil
}

// ScheduleFollowup enqueues the follow-up relative to anchor. It reports
// false without enqueueing when the precondition already holds.
func (s *Service) ScheduleFollowup(ctx context.Context, userID, followupID int64, anchor time.Time) (domain.UserFollowup, bool, error) {
	f, err := s.catalog.GetFollowup(ctx, followupID)
	if err != nil {
		return domain.UserFollowup{}, false, err
	}
	return s.schedule(ctx, userID, f, anchor)
}

func (s *Service) schedule(ctx context.Context, userID int64, f domain.Followup, anchor time.Time) (domain.UserFollowup, bool, error) {
	if !f.IsActive {
		return domain.UserFollowup{}, false, fmt.Errorf("followup %d is inactive: %w", f.ID, domain.ErrInvalidState)
	}
	facts, err := s.store.FollowupFacts(ctx, userID, f, anchor)
	if err != nil {
		return domain.UserFollowup{}, false, err
	}
	if met, reason := f.PreconditionMet(facts, anchor); met {
		logger.Debug(ctx, logger.CompFollowups, "followup.skip",
			slog.Int64("user_id", userID),
			slog.Int64("followup_id", f.ID),
			slog.String("reason", reason),
		)
		return domain.UserFollowup{}, false, nil
	}
	uf, err := s.store.CreateUserFollowup(ctx, domain.UserFollowup{
		UserID:        userID,
		FollowupID:    f.ID,
		AnchorAt:      anchor,
		EvaluateAfter: anchor.Add(f.Wait()),
		CreatedAt:     s.clock.Now(),
	})
	if err != nil {
		return domain.UserFollowup{}, false, err
	}
	logger.Info(ctx, logger.CompFollowups, "followup.schedule",
		slog.Int64("user_id", userID),
		slog.Int64("followup_id", f.ID),
		slog.Time("next_due_at", uf.EvaluateAfter),
	)
	return uf, true, nil
}

// CancelFollowups cancels the pending follow-ups of the user.
func (s *Service) CancelFollowups(ctx context.Context, userID int64, reason string) (int, error) {
	return s.store.CancelFollowups(ctx, userID, reason, s.clock.Now())
}

// RecordEvent appends a funnel event and schedules the follow-ups anchored
// on it. A follow-up already pending for the user is left as is.
func (s *Service) RecordEvent(ctx context.Context, userID int64, name string) error {
	now := s.clock.Now()
	if err := s.store.RecordEvent(ctx, userID, name, now); err != nil {
		return err
	}
	anchored, err := s.catalog.FollowupsAnchoredOn(ctx, name)
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range anchored {
		_, _, err := s.schedule(ctx, userID, f, now)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			errs = append(errs, fmt.Errorf("followup %d: %w", f.ID, err))
		}
	}
	return errors.Join(errs...)
}

// MailingRequest describes a broadcast to schedule.
type MailingRequest struct {
	Name     string
	Text     string
	Audience domain.Audience
	// At zero means now.
	At time.Time
	By int64
}

// ScheduleMailing validates and stores a mailing. Recipients are resolved
// when it becomes due.
func (s *Service) ScheduleMailing(ctx context.Context, req MailingRequest) (domain.Mailing, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return domain.Mailing{}, fmt.Errorf("mailing text is empty: %w", domain.ErrInvalidState)
	}
	if req.Audience == "" {
		req.Audience = domain.AudienceActive
	}
	if err := req.Audience.Validate(); err != nil {
		return domain.Mailing{}, err
	}
	now := s.clock.Now()
	if req.At.IsZero() || req.At.Before(now) {
		req.At = now
	}
	if req.Name == "" {
		req.Name = "mailing " + req.At.Format("2006-01-02 15:04")
	}
	m, err := s.store.CreateMailing(ctx, domain.Mailing{
		Name:        req.Name,
		Text:        req.Text,
		Audience:    req.Audience,
		ScheduledAt: req.At,
		CreatedBy:   req.By,
		CreatedAt:   now,
	})
	if err != nil {
		return domain.Mailing{}, err
	}
	logger.Info(ctx, logger.CompMailings, "mailing.schedule",
		slog.Int64("mailing_id", m.ID),
		slog.String("audience", string(m.Audience)),
		slog.Time("next_due_at", m.ScheduledAt),
	)
	return m, nil
}

// CancelMailing stops the mailing and cancels its pending recipients.
func (s *Service) CancelMailing(ctx context.Context, mailingID int64) (int, error) {
	n, err := s.store.CancelMailing(ctx, mailingID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	logger.Info(ctx, logger.CompMailings, "mailing.cancel",
		slog.Int64("mailing_id", mailingID),
		slog.Int("count", n),
	)
	return n, nil
}

// CancelRecipient withdraws one pending recipient from a mailing.
func (s *Service) CancelRecipient(ctx context.Context, mailingID, userID int64) error {
	return s.store.CancelRecipient(ctx, mailingID, userID, s.clock.Now())
}

// Mailing returns a mailing with its counters.
func (s *Service) Mailing(ctx context.Context, id int64) (domain.Mailing, error) {
	return s.store.GetMailing(ctx, id)
}

// Mailings returns the most recent mailings.
func (s *Service) Mailings(ctx context.Context, limit int) ([]domain.Mailing, error) {
	return s.store.ListMailings(ctx, limit)
}
