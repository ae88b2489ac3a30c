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
	kindWarmup = "warmup"

	// offerUnique is the callback unique of the inline button attached to
	// offer steps.
	offerUnique = "offer_click"
	offerLabel  = "Learn more"
	offerType   = "offer"
)

func (s *Scheduler) warmups(ctx context.Context, now time.Time, t *tally) error {
	runs, err := s.deps.Store.ListDueRuns(ctx, now, s.opts.BatchSize)
	if err != nil {
		return wrapPhase("warmups", err)
	}
	t.add(func(c *Counts) { c.Due = len(runs) })
	each(ctx, s.opts.Workers, runs, func(ctx context.Context, run domain.WarmupRun) {
		s.processRun(ctx, now, run, t)
	})
	return nil
}

func (s *Scheduler) processRun(ctx context.Context, now time.Time, run domain.WarmupRun, t *tally) {
	ctx = logger.WithUser(ctx, run.UserID)
	lease := s.lease(now)
	if err := s.deps.Store.ClaimRun(ctx, run, lease); err != nil {
		s.claimFailed(ctx, logger.CompWarmups, run.ID, err, t)
		return
	}
	s.deps.Metrics.claim(kindWarmup)
	t.add(func(c *Counts) { c.Claimed++ })

	commit := store.RunCommit{
		ID:       run.ID,
		Token:    lease.Token,
		FromStep: run.CurrentStep,
		Status:   domain.RunActive,
		Step:     run.CurrentStep,
		Attempts: run.Attempts,
	}

	sc, err := s.deps.Catalog.GetScenario(ctx, run.ScenarioID)
	if errors.Is(err, domain.ErrNotFound) {
		commit.Status, commit.LastError = domain.RunCancelled, "scenario not found"
		s.commitRun(ctx, run, commit, t, func(c *Counts) { c.Cancelled++ })
		return
	}
	if err != nil {
		// The lease expires and the run is picked up again.
		logger.Warn(ctx, logger.CompWarmups, "scenario.load.fail",
			slog.Int64("run_id", run.ID),
			slog.String("err", err.Error()),
		)
		return
	}

	step, ok := sc.Step(run.CurrentStep)
	if !ok {
		commit.Status = domain.RunCompleted
		if s.commitRun(ctx, run, commit, t, func(c *Counts) { c.Completed++ }) {
			s.emit(ctx, run.UserID, domain.EventWarmupCompleted)
		}
		return
	}

	outcome, sendErr := s.send(ctx, kindWarmup, run.UserID, stepPayload(step))
	at := s.deps.Clock.Now()
	commit.At = at
	switch outcome {
	case delivery.Delivered:
		commit.Attempts, commit.LastError = 0, ""
		commit.Step = run.CurrentStep + 1
		next, more := sc.Step(commit.Step)
		if more {
			commit.NextDueAt = at.Add(next.Delay())
		} else {
			commit.Status = domain.RunCompleted
		}
		if !s.commitRun(ctx, run, commit, t, func(c *Counts) {
			c.Delivered++
			if !more {
				c.Completed++
			}
		}) {
			return
		}
		s.emit(ctx, run.UserID, step.Emits)
		if !more {
			s.emit(ctx, run.UserID, domain.EventWarmupCompleted)
		}
	default:
		attempts, terminal := s.retry(run.Attempts, outcome)
		commit.Attempts, commit.LastError = attempts, errText(sendErr)
		if terminal {
			commit.Status = domain.RunCancelled
			if outcome == delivery.PermanentFailure {
				s.blockUser(ctx, run.UserID)
			}
			s.commitRun(ctx, run, commit, t, func(c *Counts) { c.Failed++ })
			return
		}
		commit.NextDueAt = at.Add(s.opts.RetryBackoff)
		s.commitRun(ctx, run, commit, t, func(c *Counts) { c.Retried++ })
	}
}

// commitRun writes the attempt result and counts it with count on success.
func (s *Scheduler) commitRun(ctx context.Context, run domain.WarmupRun, c store.RunCommit, t *tally, count func(*Counts)) bool {
	if c.At.IsZero() {
		c.At = s.deps.Clock.Now()
	}
	if c.NextDueAt.IsZero() {
		c.NextDueAt = run.NextDueAt
	}
	attrs := []slog.Attr{
		slog.Int64("run_id", run.ID),
		slog.Int64("scenario_id", run.ScenarioID),
		slog.Int("step", run.CurrentStep),
		slog.String("run_status", string(c.Status)),
		slog.Int("attempts", c.Attempts),
	}
	if err := s.deps.Store.CommitRun(ctx, c); err != nil {
		s.commitFailed(ctx, logger.CompWarmups, err, t, attrs)
		return false
	}
	t.add(count)
	if c.Status.Terminal() {
		s.deps.Metrics.finished(kindWarmup, string(c.Status))
	}
	if c.LastError != "" {
		attrs = append(attrs, slog.String("err", c.LastError))
	}
	logger.Info(ctx, logger.CompWarmups, "run.commit", attrs...)
	return true
}

// stepPayload renders a scenario step; offer steps carry a call to action.
func stepPayload(step domain.ScenarioStep) delivery.Payload {
	p := delivery.Payload{Text: step.Text}
	if step.MessageType == offerType {
		label := step.Title
		if label == "" {
			label = offerLabel
		}
		p.Action = &delivery.Action{Text: label, Unique: offerUnique}
	}
	return p
}

// claimFailed counts a lost claim race as stale and logs anything else.
func (s *Scheduler) claimFailed(ctx context.Context, comp string, id int64, err error, t *tally) {
	if errors.Is(err, domain.ErrStale) {
		t.add(func(c *Counts) { c.Stale++ })
		logger.Debug(ctx, comp, "claim.stale", slog.Int64("row_id", id))
		return
	}
	logger.Warn(ctx, comp, "claim.fail",
		slog.Int64("row_id", id),
		slog.String("err", err.Error()),
	)
}

// commitFailed handles a commit rejected because the row moved on, typically
// an operator cancellation during delivery.
func (s *Scheduler) commitFailed(ctx context.Context, comp string, err error, t *tally, attrs []slog.Attr) {
	attrs = append(attrs, slog.String("err", err.Error()))
	if errors.Is(err, domain.ErrStale) {
		t.add(func(c *Counts) { c.Stale++ })
		logger.Warn(ctx, comp, "commit.stale", append(attrs, slog.String("status", "stale"))...)
		return
	}
	logger.Error(ctx, comp, "commit.fail", append(attrs, slog.String("status", "fail"))...)
}
