package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m3rciful/funnelbot/core/logger"
	"github.com/m3rciful/funnelbot/internal/delivery"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

const (
	kindFollowup = "followup"

	reasonFollowupRemoved = "followup_removed"
	reasonDeliveryFailed  = "delivery_failed"
)

func (s *Scheduler) followups(ctx context.Context, now time.Time, t *tally) error {
	due, err := s.deps.Store.ListDueFollowups(ctx, now, s.opts.BatchSize)
	if err != nil {
		return wrapPhase("followups", err)
	}
	t.add(func(c *Counts) { c.Due = len(due) })
	each(ctx, s.opts.Workers, due, func(ctx context.Context, uf domain.UserFollowup) {
		s.processFollowup(ctx, now, uf, t)
	})
	return nil
}

// processFollowup re-checks the precondition at fire time: a reply or the
// awaited event after the anchor cancels the follow-up instead of sending it.
func (s *Scheduler) processFollowup(ctx context.Context, now time.Time, uf domain.UserFollowup, t *tally) {
	ctx = logger.WithUser(ctx, uf.UserID)
	lease := s.lease(now)
	if err := s.deps.Store.ClaimFollowup(ctx, uf, lease); err != nil {
		s.claimFailed(ctx, logger.CompFollowups, uf.ID, err, t)
		return
	}
	s.deps.Metrics.claim(kindFollowup)
	t.add(func(c *Counts) { c.Claimed++ })

	commit := store.FollowupCommit{
		ID:            uf.ID,
		Token:         lease.Token,
		Status:        domain.FollowupPending,
		EvaluateAfter: uf.EvaluateAfter,
		Attempts:      uf.Attempts,
	}
	cancelled := func(c *Counts) { c.Cancelled++ }

	f, err := s.deps.Catalog.GetFollowup(ctx, uf.FollowupID)
	switch {
	case errors.Is(err, domain.ErrNotFound) || (err == nil && !f.IsActive):
		commit.Status, commit.Reason = domain.FollowupCancelled, reasonFollowupRemoved
		s.commitFollowup(ctx, uf, commit, t, cancelled)
		return
	case err != nil:
		logger.Warn(ctx, logger.CompFollowups, "followup.load.fail",
			slog.Int64("followup_id", uf.FollowupID),
			slog.String("err", err.Error()),
		)
		return
	}

	facts, err := s.deps.Store.FollowupFacts(ctx, uf.UserID, f, uf.AnchorAt)
	if err != nil {
		logger.Warn(ctx, logger.CompFollowups, "facts.fail",
			slog.Int64("followup_id", uf.FollowupID),
			slog.String("err", err.Error()),
		)
		return
	}
	if met, reason := f.PreconditionMet(facts, uf.AnchorAt); met {
		commit.Status, commit.Reason = domain.FollowupCancelled, reason
		s.commitFollowup(ctx, uf, commit, t, cancelled)
		return
	}

	outcome, sendErr := s.send(ctx, kindFollowup, uf.UserID, delivery.Payload{Text: f.Text})
	commit.At = s.deps.Clock.Now()
	if outcome == delivery.Delivered {
		commit.Status, commit.Attempts = domain.FollowupFired, 0
		s.commitFollowup(ctx, uf, commit, t, func(c *Counts) { c.Delivered++ })
		return
	}

	attempts, terminal := s.retry(uf.Attempts, outcome)
	commit.Attempts, commit.LastError = attempts, errText(sendErr)
	if terminal {
		commit.Status, commit.Reason = domain.FollowupCancelled, reasonDeliveryFailed
		if outcome == delivery.PermanentFailure {
			s.blockUser(ctx, uf.UserID)
		}
		s.commitFollowup(ctx, uf, commit, t, func(c *Counts) { c.Failed++ })
		return
	}
	commit.EvaluateAfter = commit.At.Add(s.opts.RetryBackoff)
	s.commitFollowup(ctx, uf, commit, t, func(c *Counts) { c.Retried++ })
}

func (s *Scheduler) commitFollowup(ctx context.Context, uf domain.UserFollowup, c store.FollowupCommit, t *tally, count func(*Counts)) {
	if c.At.IsZero() {
		c.At = s.deps.Clock.Now()
	}
	attrs := []slog.Attr{
		slog.Int64("followup_id", uf.FollowupID),
		slog.Int64("row_id", uf.ID),
		slog.String("followup_status", string(c.Status)),
		slog.String("reason", c.Reason),
		slog.Int("attempts", c.Attempts),
	}
	if err := s.deps.Store.CommitFollowup(ctx, c); err != nil {
		s.commitFailed(ctx, logger.CompFollowups, err, t, attrs)
		return
	}
	t.add(count)
	if c.Status.Terminal() {
		s.deps.Metrics.finished(kindFollowup, string(c.Status))
	}
	if c.LastError != "" {
		attrs = append(attrs, slog.String("err", c.LastError))
	}
	logger.Info(ctx, logger.CompFollowups, "followup.commit", attrs...)
}
