package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/delivery"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/registry"
	"github.com/m3rciful/funnelbot/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

var (
	errTransient = fmt.Errorf("%w: timeout", domain.ErrTransientDelivery)
	errPermanent = fmt.Errorf("%w: bot was blocked by the user", domain.ErrPermanentDelivery)
)

type sentMessage struct {
	userID int64
	at     time.Time
	p      delivery.Payload
}

// fakeGateway delivers everything unless a scripted error is queued for the
// user. hook runs inside Send before the result is decided.
type fakeGateway struct {
	mu    sync.Mutex
	clk   *clock.Manual
	fail  map[int64][]error
	sent  []sentMessage
	hook  func()
}

func (g *fakeGateway) Send(_ context.Context, userID int64, p delivery.Payload) error {
	if g.hook != nil {
		g.hook()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if queue := g.fail[userID]; len(queue) > 0 {
		g.fail[userID] = queue[1:]
		if queue[0] != nil {
			return queue[0]
		}
	}
	g.sent = append(g.sent, sentMessage{userID: userID, at: g.clk.Now(), p: p})
	return nil
}

func (g *fakeGateway) failNext(userID int64, errs ...error) {
	g.mu.Lock()
	g.fail[userID] = append(g.fail[userID], errs...)
	g.mu.Unlock()
}

func (g *fakeGateway) messages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

type eventSink func(ctx context.Context, userID int64, name string) error

func (f eventSink) RecordEvent(ctx context.Context, userID int64, name string) error {
	return f(ctx, userID, name)
}

type harness struct {
	st    *memstore.Store
	clk   *clock.Manual
	gw    *fakeGateway
	sched *Scheduler
	reg   *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	clk := clock.NewManual(t0)
	gw := &fakeGateway{clk: clk, fail: make(map[int64][]error)}
	reg := prometheus.NewRegistry()
	sink := eventSink(func(ctx context.Context, userID int64, name string) error {
		return st.RecordEvent(ctx, userID, name, clk.Now())
	})
	sched := New(Deps{
		Store:   st,
		Catalog: registry.New(st),
		Gateway: gw,
		Clock:   clk,
		Events:  sink,
		Metrics: NewMetrics(reg),
	}, Options{Workers: 2, MaxAttempts: 3, RetryBackoff: 5 * time.Minute, DeliveryTimeout: time.Second})
	return &harness{st: st, clk: clk, gw: gw, sched: sched, reg: reg}
}

func (h *harness) user(t *testing.T, id int64) {
	t.Helper()
	if _, err := h.st.TouchUser(context.Background(), domain.User{ID: id, FirstName: "u"}, t0); err != nil {
		t.Fatalf("touch user: %v", err)
	}
}

func (h *harness) tickAt(t *testing.T, at time.Time) TickReport {
	t.Helper()
	h.clk.Set(at)
	rep, err := h.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick at %s: %v", at.Sub(t0), err)
	}
	return rep
}

func (h *harness) scenario(t *testing.T, steps ...domain.ScenarioStep) int64 {
	t.Helper()
	id, _, err := h.st.SeedScenario(context.Background(), domain.Scenario{Name: "welcome", IsActive: true, Steps: steps})
	if err != nil {
		t.Fatalf("seed scenario: %v", err)
	}
	return id
}

func (h *harness) startRun(t *testing.T, userID, scenarioID int64) domain.WarmupRun {
	t.Helper()
	run, err := h.st.CreateRun(context.Background(), domain.WarmupRun{
		UserID: userID, ScenarioID: scenarioID, NextDueAt: t0, StartedAt: t0,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (h *harness) run(t *testing.T, userID int64) domain.WarmupRun {
	t.Helper()
	runs, err := h.st.ListRuns(context.Background(), userID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v (%d runs)", err, len(runs))
	}
	return runs[0]
}

func hours(n int64) int64 { return n * 3600 }

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// threeSteps lands at T0, T0+2h and T0+24h: each delay counts from the
// previous step, so the third one is 22h after the second.
func threeSteps() []domain.ScenarioStep {
	return []domain.ScenarioStep{
		{Title: "Hello", Text: "step one"},
		{Title: "See the offer", Text: "step two", DelaySeconds: hours(2), MessageType: "offer", Emits: domain.EventOfferShown},
		{Title: "Last call", Text: "step three", DelaySeconds: hours(22)},
	}
}

func TestWarmupTimeline(t *testing.T) {
	h := newHarness(t)
	h.user(t, 42)
	h.startRun(t, 42, h.scenario(t, threeSteps()...))

	rep := h.tickAt(t, t0)
	if rep.Warmups.Delivered != 1 {
		t.Fatalf("first tick: %+v", rep.Warmups)
	}
	if rep := h.tickAt(t, t0.Add(time.Second)); rep.Warmups.Due != 0 {
		t.Fatalf("second tick re-listed the run: %+v", rep.Warmups)
	}
	if rep := h.tickAt(t, t0.Add(2*time.Hour-time.Minute)); rep.Warmups.Due != 0 {
		t.Fatalf("step two due early: %+v", rep.Warmups)
	}
	h.tickAt(t, t0.Add(2*time.Hour))
	rep = h.tickAt(t, t0.Add(24*time.Hour))
	if rep.Warmups.Delivered != 1 || rep.Warmups.Completed != 1 {
		t.Fatalf("last tick: %+v", rep.Warmups)
	}

	msgs := h.gw.messages()
	want := []struct {
		text string
		at   time.Duration
	}{
		{"step one", 0},
		{"step two", 2 * time.Hour},
		{"step three", 24 * time.Hour},
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		if msgs[i].p.Text != w.text || !msgs[i].at.Equal(t0.Add(w.at)) {
			t.Fatalf("message %d: got %q at %s, want %q at %s", i, msgs[i].p.Text, msgs[i].at.Sub(t0), w.text, w.at)
		}
	}
	if a := msgs[1].p.Action; a == nil || a.Unique != offerUnique || a.Text != "See the offer" {
		t.Fatalf("offer step without call to action: %+v", a)
	}
	if msgs[0].p.Action != nil {
		t.Fatalf("text step carries an action: %+v", msgs[0].p.Action)
	}

	run := h.run(t, 42)
	if run.Status != domain.RunCompleted || run.CurrentStep != 3 {
		t.Fatalf("run not completed: %+v", run)
	}
	events := h.st.Events(42)
	if len(events) != 2 || events[0] != domain.EventOfferShown || events[1] != domain.EventWarmupCompleted {
		t.Fatalf("unexpected events: %v", events)
	}
	if got := counterValue(t, h.reg, "funnel_deliveries_total", map[string]string{"kind": kindWarmup, "outcome": "delivered"}); got != 3 {
		t.Fatalf("delivered metric = %v", got)
	}
}

func TestWarmupRetriesThenCancels(t *testing.T) {
	h := newHarness(t)
	h.user(t, 7)
	h.startRun(t, 7, h.scenario(t, threeSteps()...))
	h.gw.failNext(7, errTransient, errTransient, errTransient)

	if rep := h.tickAt(t, t0); rep.Warmups.Retried != 1 {
		t.Fatalf("attempt 1: %+v", rep.Warmups)
	}
	run := h.run(t, 7)
	if run.Status != domain.RunActive || run.Attempts != 1 || !run.NextDueAt.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("after attempt 1: %+v", run)
	}
	if rep := h.tickAt(t, t0.Add(time.Minute)); rep.Warmups.Due != 0 {
		t.Fatalf("retried before backoff: %+v", rep.Warmups)
	}
	if rep := h.tickAt(t, t0.Add(5*time.Minute)); rep.Warmups.Retried != 1 {
		t.Fatalf("attempt 2: %+v", rep.Warmups)
	}
	if rep := h.tickAt(t, t0.Add(10*time.Minute)); rep.Warmups.Failed != 1 {
		t.Fatalf("attempt 3: %+v", rep.Warmups)
	}
	run = h.run(t, 7)
	if run.Status != domain.RunCancelled || run.Attempts != 3 || run.LastError == "" {
		t.Fatalf("run not cancelled after max attempts: %+v", run)
	}
	if len(h.gw.messages()) != 0 {
		t.Fatal("nothing should have been delivered")
	}
}

func TestWarmupRetrySucceedsAndResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.user(t, 7)
	h.startRun(t, 7, h.scenario(t, threeSteps()...))
	h.gw.failNext(7, errTransient)

	h.tickAt(t, t0)
	h.tickAt(t, t0.Add(5*time.Minute))
	run := h.run(t, 7)
	if run.CurrentStep != 1 || run.Attempts != 0 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if want := t0.Add(5*time.Minute + 2*time.Hour); !run.NextDueAt.Equal(want) {
		t.Fatalf("next due %s, want %s", run.NextDueAt, want)
	}
}

func TestPermanentFailureBlocksUser(t *testing.T) {
	h := newHarness(t)
	h.user(t, 9)
	h.startRun(t, 9, h.scenario(t, threeSteps()...))
	h.gw.failNext(9, errPermanent)

	if rep := h.tickAt(t, t0); rep.Warmups.Failed != 1 {
		t.Fatalf("unexpected report: %+v", rep.Warmups)
	}
	if run := h.run(t, 9); run.Status != domain.RunCancelled || run.Attempts != 1 {
		t.Fatalf("run not cancelled: %+v", run)
	}
	u, err := h.st.GetUser(context.Background(), 9)
	if err != nil || u.Status != domain.UserBlocked {
		t.Fatalf("user not blocked: %+v %v", u, err)
	}
}

func TestCancelDuringDeliveryIsStale(t *testing.T) {
	h := newHarness(t)
	h.user(t, 5)
	h.startRun(t, 5, h.scenario(t, threeSteps()...))
	h.gw.hook = func() {
		_, _ = h.st.CancelRuns(context.Background(), 5, "stopped", t0)
	}

	rep := h.tickAt(t, t0)
	if rep.Warmups.Stale != 1 || rep.Warmups.Delivered != 0 {
		t.Fatalf("unexpected report: %+v", rep.Warmups)
	}
	run := h.run(t, 5)
	if run.Status != domain.RunCancelled || run.LastError != "stopped" || run.CurrentStep != 0 {
		t.Fatalf("cancellation was overwritten: %+v", run)
	}
}

func TestMissingStepCompletesRun(t *testing.T) {
	h := newHarness(t)
	h.user(t, 3)
	id := h.scenario(t, threeSteps()...)
	h.startRun(t, 3, id)
	h.tickAt(t, t0)

	sc, err := h.st.GetScenario(context.Background(), id)
	if err != nil {
		t.Fatalf("get scenario: %v", err)
	}
	sc.Steps = sc.Steps[:1]
	h.st.PutScenario(sc)

	rep := h.tickAt(t, t0.Add(2*time.Hour))
	if rep.Warmups.Completed != 1 || rep.Warmups.Delivered != 0 {
		t.Fatalf("unexpected report: %+v", rep.Warmups)
	}
	if run := h.run(t, 3); run.Status != domain.RunCompleted {
		t.Fatalf("run not completed: %+v", run)
	}
	if events := h.st.Events(3); len(events) != 1 || events[0] != domain.EventWarmupCompleted {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestMissingScenarioCancelsRun(t *testing.T) {
	h := newHarness(t)
	h.user(t, 3)
	h.startRun(t, 3, 999)

	if rep := h.tickAt(t, t0); rep.Warmups.Cancelled != 1 {
		t.Fatalf("unexpected report: %+v", rep.Warmups)
	}
	if run := h.run(t, 3); run.Status != domain.RunCancelled || run.LastError != "scenario not found" {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func (h *harness) followup(t *testing.T, f domain.Followup, userID int64) domain.UserFollowup {
	t.Helper()
	ctx := context.Background()
	f.IsActive = true
	id, _, err := h.st.SeedFollowup(ctx, f)
	if err != nil {
		t.Fatalf("seed followup: %v", err)
	}
	uf, err := h.st.CreateUserFollowup(ctx, domain.UserFollowup{
		UserID: userID, FollowupID: id, AnchorAt: t0, EvaluateAfter: t0.Add(f.Wait()), CreatedAt: t0,
	})
	if err != nil {
		t.Fatalf("create user followup: %v", err)
	}
	return uf
}

func TestFollowups(t *testing.T) {
	tests := []struct {
		name       string
		followup   domain.Followup
		before     func(h *harness)
		wantStatus domain.FollowupStatus
		wantReason string
		wantSent   int
	}{
		{
			name:       "no reply fires",
			followup:   domain.Followup{Name: "nudge", Trigger: domain.TriggerNoReply, WaitSeconds: hours(24), Text: "still there?"},
			wantStatus: domain.FollowupFired,
			wantSent:   1,
		},
		{
			name:     "reply after anchor cancels",
			followup: domain.Followup{Name: "nudge", Trigger: domain.TriggerNoReply, WaitSeconds: hours(24), Text: "still there?"},
			before: func(h *harness) {
				_, _ = h.st.TouchUser(context.Background(), domain.User{ID: 11}, t0.Add(3*time.Hour))
			},
			wantStatus: domain.FollowupCancelled,
			wantReason: "user_replied",
		},
		{
			name:       "missing event fires",
			followup:   domain.Followup{Name: "offer", Trigger: domain.TriggerNoEvent, EventName: domain.EventOfferClicked, WaitSeconds: hours(24), Text: "last chance"},
			wantStatus: domain.FollowupFired,
			wantSent:   1,
		},
		{
			name:     "event after anchor cancels",
			followup: domain.Followup{Name: "offer", Trigger: domain.TriggerNoEvent, EventName: domain.EventOfferClicked, WaitSeconds: hours(24), Text: "last chance"},
			before: func(h *harness) {
				_ = h.st.RecordEvent(context.Background(), 11, domain.EventOfferClicked, t0.Add(time.Hour))
			},
			wantStatus: domain.FollowupCancelled,
			wantReason: "event_seen",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.user(t, 11)
			h.followup(t, tt.followup, 11)
			if tt.before != nil {
				tt.before(h)
			}
			if rep := h.tickAt(t, t0.Add(23*time.Hour)); rep.Followups.Due != 0 {
				t.Fatalf("evaluated before wait elapsed: %+v", rep.Followups)
			}
			h.tickAt(t, t0.Add(24*time.Hour))
			list := h.st.UserFollowups(11)
			if len(list) != 1 {
				t.Fatalf("expected one followup, got %d", len(list))
			}
			if list[0].Status != tt.wantStatus || list[0].CancelReason != tt.wantReason {
				t.Fatalf("got %s/%q, want %s/%q", list[0].Status, list[0].CancelReason, tt.wantStatus, tt.wantReason)
			}
			if got := len(h.gw.messages()); got != tt.wantSent {
				t.Fatalf("sent %d messages, want %d", got, tt.wantSent)
			}
		})
	}
}

func TestRemovedFollowupIsCancelled(t *testing.T) {
	h := newHarness(t)
	h.user(t, 11)
	uf := h.followup(t, domain.Followup{Name: "nudge", Trigger: domain.TriggerNoReply, WaitSeconds: 60, Text: "hi"}, 11)
	h.sched.deps.Catalog = catalogWithout{h.sched.deps.Catalog, uf.FollowupID}

	if rep := h.tickAt(t, t0.Add(time.Minute)); rep.Followups.Cancelled != 1 {
		t.Fatalf("unexpected report: %+v", rep.Followups)
	}
	if list := h.st.UserFollowups(11); list[0].Status != domain.FollowupCancelled || list[0].CancelReason != reasonFollowupRemoved {
		t.Fatalf("unexpected followup: %+v", list[0])
	}
	if len(h.gw.messages()) != 0 {
		t.Fatal("removed followup was sent")
	}
}

type catalogWithout struct {
	Catalog
	followupID int64
}

func (c catalogWithout) GetFollowup(ctx context.Context, id int64) (domain.Followup, error) {
	if id == c.followupID {
		return domain.Followup{}, fmt.Errorf("followup %d: %w", id, domain.ErrNotFound)
	}
	return c.Catalog.GetFollowup(ctx, id)
}

func TestMailingMaterializesOnceAndCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		h.user(t, id)
	}
	m, err := h.st.CreateMailing(ctx, domain.Mailing{Name: "launch", Text: "we are live", Audience: domain.AudienceAll, ScheduledAt: t0, CreatedAt: t0})
	if err != nil {
		t.Fatalf("create mailing: %v", err)
	}
	h.gw.failNext(2, errTransient)

	rep := h.tickAt(t, t0)
	if rep.Recipients.Delivered != 2 || rep.Recipients.Retried != 1 || rep.Mailings.Completed != 0 {
		t.Fatalf("first tick: recipients %+v mailings %+v", rep.Recipients, rep.Mailings)
	}
	// A user joining after materialization is not added.
	h.user(t, 4)
	rep = h.tickAt(t, t0.Add(time.Minute))
	if rep.Recipients.Due != 0 || rep.Mailings.Completed != 0 {
		t.Fatalf("second tick: recipients %+v mailings %+v", rep.Recipients, rep.Mailings)
	}
	rep = h.tickAt(t, t0.Add(5*time.Minute))
	if rep.Recipients.Delivered != 1 || rep.Mailings.Completed != 1 {
		t.Fatalf("third tick: recipients %+v mailings %+v", rep.Recipients, rep.Mailings)
	}

	got, err := h.st.GetMailing(ctx, m.ID)
	if err != nil {
		t.Fatalf("get mailing: %v", err)
	}
	if got.Status != domain.MailingCompleted || got.TotalRecipients != 3 || got.SentCount != 3 || got.FailedCount != 0 {
		t.Fatalf("unexpected mailing: %+v", got)
	}
	perUser := make(map[int64]int)
	for _, msg := range h.gw.messages() {
		perUser[msg.userID]++
	}
	for _, id := range []int64{1, 2, 3} {
		if perUser[id] != 1 {
			t.Fatalf("user %d received %d messages", id, perUser[id])
		}
	}
	if perUser[4] != 0 {
		t.Fatal("late user received the mailing")
	}
}

func TestMailingFailedRecipientDoesNotBlockCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, 1)
	h.user(t, 2)
	m, _ := h.st.CreateMailing(ctx, domain.Mailing{Name: "news", Text: "hi", Audience: domain.AudienceAll, ScheduledAt: t0, CreatedAt: t0})
	h.gw.failNext(2, errPermanent)

	rep := h.tickAt(t, t0)
	if rep.Recipients.Failed != 1 || rep.Mailings.Completed != 1 {
		t.Fatalf("unexpected report: %+v %+v", rep.Recipients, rep.Mailings)
	}
	got, _ := h.st.GetMailing(ctx, m.ID)
	if got.SentCount != 1 || got.FailedCount != 1 {
		t.Fatalf("unexpected counters: %+v", got)
	}
}

func TestCancelledMailingIsNotSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, 1)
	m, _ := h.st.CreateMailing(ctx, domain.Mailing{Name: "news", Text: "hi", Audience: domain.AudienceAll, ScheduledAt: t0.Add(time.Hour), CreatedAt: t0})
	if _, err := h.st.CancelMailing(ctx, m.ID, t0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rep := h.tickAt(t, t0.Add(time.Hour)); rep.Mailings.Due != 0 {
		t.Fatalf("cancelled mailing listed: %+v", rep.Mailings)
	}
	if len(h.gw.messages()) != 0 {
		t.Fatal("cancelled mailing was sent")
	}
}

func TestTickDoesNotOverlap(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1)
	h.startRun(t, 1, h.scenario(t, threeSteps()...))

	entered := make(chan struct{})
	release := make(chan struct{})
	h.gw.hook = func() {
		close(entered)
		<-release
	}
	done := make(chan error, 1)
	go func() {
		_, err := h.sched.Tick(context.Background())
		done <- err
	}()
	<-entered
	if _, err := h.sched.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("expected ErrTickInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first tick: %v", err)
	}
	h.gw.hook = nil
	if _, err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick after release: %v", err)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{DeliveryTimeout: 20 * time.Second}.withDefaults()
	if o.BatchSize != 100 || o.Workers != 4 || o.MaxAttempts != 3 || o.Interval != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", o)
	}
	if o.ClaimLease != 40*time.Second {
		t.Fatalf("lease must outlive two delivery timeouts, got %s", o.ClaimLease)
	}
}
