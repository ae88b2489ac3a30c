package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/funnelbot/core/logger"
	"github.com/m3rciful/funnelbot/internal/delivery"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

const kindMailing = "mailing"

// mailings materializes due mailings once, sends one batch of recipients per
// mailing and completes mailings that have nothing pending left.
func (s *Scheduler) mailings(ctx context.Context, now time.Time, mt, rt *tally) error {
	due, err := s.deps.Store.ListDueMailings(ctx, now, s.opts.BatchSize)
	if err != nil {
		return wrapPhase("mailings", err)
	}
	mt.add(func(c *Counts) { c.Due = len(due) })

	var errs []error
	for _, m := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.processMailing(ctx, now, m, mt, rt); err != nil {
			errs = append(errs, err)
		}
	}
	return wrapPhase("mailings", errors.Join(errs...))
}

func (s *Scheduler) processMailing(ctx context.Context, now time.Time, m domain.Mailing, mt, rt *tally) error {
	if !m.Materialized {
		n, err := s.deps.Store.MaterializeRecipients(ctx, m.ID, now)
		switch {
		case errors.Is(err, domain.ErrStale):
			// Materialized concurrently or cancelled meanwhile.
		case err != nil:
			return fmt.Errorf("mailing %d: %w", m.ID, err)
		default:
			mt.add(func(c *Counts) { c.Claimed++ })
			logger.Info(ctx, logger.CompMailings, "mailing.materialized",
				slog.Int64("mailing_id", m.ID),
				slog.String("audience", string(m.Audience)),
				slog.Int("count", n),
			)
		}
	}

	recipients, err := s.deps.Store.ListDueRecipients(ctx, m.ID, now, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("mailing %d: %w", m.ID, err)
	}
	rt.add(func(c *Counts) { c.Due += len(recipients) })
	payload := delivery.Payload{Text: m.Text}
	each(ctx, s.opts.Workers, recipients, func(ctx context.Context, r domain.MailingRecipient) {
		s.processRecipient(ctx, now, r, payload, rt)
	})

	err = s.deps.Store.FinishMailing(ctx, m.ID, s.deps.Clock.Now())
	switch {
	case errors.Is(err, domain.ErrStale):
		return nil
	case err != nil:
		return fmt.Errorf("mailing %d: %w", m.ID, err)
	}
	mt.add(func(c *Counts) { c.Completed++ })
	s.deps.Metrics.finished(kindMailing, string(domain.MailingCompleted))
	if done, err := s.deps.Store.GetMailing(ctx, m.ID); err == nil {
		logger.Info(ctx, logger.CompMailings, "mailing.completed",
			slog.Int64("mailing_id", m.ID),
			slog.Int("count", done.TotalRecipients),
			slog.Int("delivered", done.SentCount),
			slog.Int("failed", done.FailedCount),
		)
	}
	return nil
}

func (s *Scheduler) processRecipient(ctx context.Context, now time.Time, r domain.MailingRecipient, p delivery.Payload, t *tally) {
	ctx = logger.WithUser(ctx, r.UserID)
	lease := s.lease(now)
	if err := s.deps.Store.ClaimRecipient(ctx, r, lease); err != nil {
		s.claimFailed(ctx, logger.CompMailings, r.ID, err, t)
		return
	}
	s.deps.Metrics.claim(kindMailing)
	t.add(func(c *Counts) { c.Claimed++ })

	outcome, sendErr := s.send(ctx, kindMailing, r.UserID, p)
	commit := store.RecipientCommit{
		ID:            r.ID,
		MailingID:     r.MailingID,
		Token:         lease.Token,
		Status:        domain.RecipientSent,
		NextAttemptAt: r.NextAttemptAt,
		At:            s.deps.Clock.Now(),
	}
	count := func(c *Counts) { c.Delivered++ }
	if outcome != delivery.Delivered {
		attempts, terminal := s.retry(r.Attempts, outcome)
		commit.Attempts, commit.LastError = attempts, errText(sendErr)
		switch {
		case terminal:
			commit.Status = domain.RecipientFailed
			count = func(c *Counts) { c.Failed++ }
			if outcome == delivery.PermanentFailure {
				s.blockUser(ctx, r.UserID)
			}
		default:
			commit.Status = domain.RecipientPending
			commit.NextAttemptAt = commit.At.Add(s.opts.RetryBackoff)
			count = func(c *Counts) { c.Retried++ }
		}
	}

	attrs := []slog.Attr{
		slog.Int64("mailing_id", r.MailingID),
		slog.Int64("recipient_id", r.ID),
		slog.String("outcome", outcome.String()),
		slog.Int("attempts", commit.Attempts),
	}
	if err := s.deps.Store.CommitRecipient(ctx, commit); err != nil {
		s.commitFailed(ctx, logger.CompMailings, err, t, attrs)
		return
	}
	t.add(count)
	if commit.Status.Terminal() {
		s.deps.Metrics.finished(kindMailing, string(commit.Status))
	}
	if commit.LastError != "" {
		attrs = append(attrs, slog.String("err", commit.LastError))
	}
	logger.Debug(ctx, logger.CompMailings, "recipient.commit", attrs...)
}
