// Package scheduler drives time-based due work: warm-up steps, follow-ups
// and mailing recipients.
//
// Every row goes through the same protocol: list due rows (bounded), claim
// one with a lease, deliver, then commit the outcome with a conditional
// update keyed on the claim token. A commit that finds the row changed
// (operator cancellation) is dropped. A worker that dies mid-delivery leaves
// a lease that expires, after which the row is claimable again.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/funnelbot/core/logger"
	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/delivery"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

// ErrTickInProgress is returned by Tick while another tick is running.
var ErrTickInProgress = errors.New("scheduler: tick already in progress")

// Store is the persistence the scheduler claims and commits through.
type Store interface {
	store.Runs
	store.Followups
	store.Mailings
	store.Users
	store.Events
}

// Catalog resolves definitions referenced by due rows.
type Catalog interface {
	GetScenario(ctx context.Context, id int64) (domain.Scenario, error)
	GetFollowup(ctx context.Context, id int64) (domain.Followup, error)
}

// EventSink records funnel events emitted by delivered steps.
type EventSink interface {
	RecordEvent(ctx context.Context, userID int64, name string) error
}

// Options tune the scheduler; zero values fall back to defaults.
type Options struct {
	Interval        time.Duration
	InitialDelay    time.Duration
	BatchSize       int
	Workers         int
	MaxAttempts     int
	RetryBackoff    time.Duration
	DeliveryTimeout time.Duration
	ClaimLease      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 5 * time.Minute
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 10 * time.Second
	}
	if o.ClaimLease < 2*o.DeliveryTimeout {
		o.ClaimLease = 2 * o.DeliveryTimeout
	}
	return o
}

// Deps are the collaborators of a Scheduler. Clock, Events and Metrics are
// optional.
type Deps struct {
	Store   Store
	Catalog Catalog
	Gateway delivery.Gateway
	Clock   clock.Clock
	Events  EventSink
	Metrics *Metrics
}

// Scheduler runs ticks. Ticks never overlap.
type Scheduler struct {
	deps    Deps
	opts    Options
	running atomic.Bool
	token   func() string
}

// New builds a scheduler.
func New(deps Deps, opts Options) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Scheduler{
		deps:  deps,
		opts:  opts.withDefaults(),
		token: func() string { return ksuid.New().String() },
	}
}

// Options returns the effective options.
func (s *Scheduler) Options() Options { return s.opts }

// Run ticks every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info(ctx, logger.CompScheduler, "start",
		slog.Duration("interval", s.opts.Interval),
		slog.Int("batch", s.opts.BatchSize),
		slog.Int("workers", s.opts.Workers),
	)
	if s.opts.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.InitialDelay):
		}
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, logger.CompScheduler, "tick.fail", slog.String("err", err.Error()))
		}
		select {
		case <-ctx.Done():
			logger.Info(ctx, logger.CompScheduler, "stop")
			return
		case <-ticker.C:
		}
	}
}

// Counts tallies row outcomes of one category within a tick.
type Counts struct {
	Due       int
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
	Cancelled int
	Completed int
	Stale     int
}

// TickReport summarizes one tick.
type TickReport struct {
	RID       string
	Now       time.Time
	Warmups   Counts
	Followups Counts
	Mailings  Counts
	// Recipients counts mailing recipients; Mailings.Completed counts
	// finished mailings.
	Recipients Counts
}

// tally is a Counts shared by the workers of one phase.
type tally struct {
	mu sync.Mutex
	c  *Counts
}

func (t *tally) add(fn func(c *Counts)) {
	t.mu.Lock()
	fn(t.c)
	t.mu.Unlock()
}

// Tick processes one bounded batch of each category of due work.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return TickReport{}, ErrTickInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	rep := TickReport{RID: "tick-" + ksuid.New().String(), Now: s.deps.Clock.Now()}
	ctx = logger.WithRID(ctx, rep.RID)

	err := errors.Join(
		s.warmups(ctx, rep.Now, &tally{c: &rep.Warmups}),
		s.followups(ctx, rep.Now, &tally{c: &rep.Followups}),
		s.mailings(ctx, rep.Now, &tally{c: &rep.Mailings}, &tally{c: &rep.Recipients}),
	)

	took := time.Since(start)
	s.deps.Metrics.observeTick(took)
	if rep.Warmups.Due+rep.Followups.Due+rep.Mailings.Due > 0 {
		logger.Info(ctx, logger.CompScheduler, "tick",
			slog.String("status", logger.Status(err)),
			slog.Int("warmups", rep.Warmups.Due),
			slog.Int("followups", rep.Followups.Due),
			slog.Int("mailings", rep.Mailings.Due),
			slog.Int("delivered", rep.Warmups.Delivered+rep.Followups.Delivered+rep.Recipients.Delivered),
			slog.Int("failed", rep.Warmups.Failed+rep.Followups.Failed+rep.Recipients.Failed),
			slog.Duration("duration", logger.RoundMS(took)),
		)
	}
	return rep, err
}

// each runs fn for every row with at most Workers in flight. Row errors are
// isolated by fn itself; each only waits.
func each[T any](ctx context.Context, workers int, rows []T, fn func(ctx context.Context, row T)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, row := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(gctx, row)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) lease(now time.Time) store.Lease {
	return store.Lease{Token: s.token(), Now: now, Until: now.Add(s.opts.ClaimLease)}
}

// send delivers p within DeliveryTimeout and records the outcome metric.
func (s *Scheduler) send(ctx context.Context, kind string, userID int64, p delivery.Payload) (delivery.Outcome, error) {
	dctx, cancel := context.WithTimeout(ctx, s.opts.DeliveryTimeout)
	defer cancel()
	err := s.deps.Gateway.Send(dctx, userID, p)
	outcome := delivery.OutcomeOf(err)
	s.deps.Metrics.delivery(kind, outcome.String())
	return outcome, err
}

// retry decides the state after a failed attempt: the new attempt count and
// whether the row must become terminal.
func (s *Scheduler) retry(attempts int, outcome delivery.Outcome) (int, bool) {
	attempts++
	return attempts, outcome == delivery.PermanentFailure || attempts >= s.opts.MaxAttempts
}

// blockUser marks a user unreachable after a permanent failure.
func (s *Scheduler) blockUser(ctx context.Context, userID int64) {
	if err := s.deps.Store.SetUserStatus(ctx, userID, domain.UserBlocked); err != nil {
		logger.Warn(ctx, logger.CompScheduler, "user.block.fail",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
	}
}

func (s *Scheduler) emit(ctx context.Context, userID int64, name string) {
	if name == "" || s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.RecordEvent(ctx, userID, name); err != nil {
		logger.Warn(ctx, logger.CompScheduler, "event.fail",
			slog.Int64("user_id", userID),
			slog.String("event_name", name),
			slog.String("err", err.Error()),
		)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return logger.SanitizeLimit(err.Error(), 512)
}

func wrapPhase(phase string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", phase, err)
}
