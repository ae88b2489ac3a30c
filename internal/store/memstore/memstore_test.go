package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

var t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func TestCreateRunOneActivePerScenario(t *testing.T) {
	ctx := context.Background()
	s := New()
	run := domain.WarmupRun{UserID: 1, ScenarioID: 2, NextDueAt: t0, StartedAt: t0}
	first, err := s.CreateRun(ctx, run)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateRun(ctx, run); !errors.Is(err, domain.ErrRunExists) {
		t.Fatalf("expected ErrRunExists, got %v", err)
	}
	if _, err := s.CancelRuns(ctx, 1, "stopped", t0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second, err := s.CreateRun(ctx, run)
	if err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new run row")
	}
}

func TestClaimLeaseExpires(t *testing.T) {
	ctx := context.Background()
	s := New()
	run, _ := s.CreateRun(ctx, domain.WarmupRun{UserID: 1, ScenarioID: 2, NextDueAt: t0, StartedAt: t0})

	if err := s.ClaimRun(ctx, run, store.Lease{Token: "a", Now: t0, Until: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if due, _ := s.ListDueRuns(ctx, t0.Add(30*time.Second), 10); len(due) != 0 {
		t.Fatalf("claimed run listed as due: %+v", due)
	}
	if err := s.ClaimRun(ctx, run, store.Lease{Token: "b", Now: t0.Add(30 * time.Second), Until: t0.Add(2 * time.Minute)}); !errors.Is(err, domain.ErrStale) {
		t.Fatalf("expected ErrStale while leased, got %v", err)
	}
	if err := s.ClaimRun(ctx, run, store.Lease{Token: "c", Now: t0.Add(2 * time.Minute), Until: t0.Add(3 * time.Minute)}); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	err := s.CommitRun(ctx, store.RunCommit{ID: run.ID, Token: "a", FromStep: 0, Status: domain.RunActive, Step: 1, NextDueAt: t0, At: t0})
	if !errors.Is(err, domain.ErrStale) {
		t.Fatalf("commit with expired token: expected ErrStale, got %v", err)
	}
}

func TestCommitAfterCancelIsStale(t *testing.T) {
	ctx := context.Background()
	s := New()
	run, _ := s.CreateRun(ctx, domain.WarmupRun{UserID: 1, ScenarioID: 2, NextDueAt: t0, StartedAt: t0})
	_ = s.ClaimRun(ctx, run, store.Lease{Token: "a", Now: t0, Until: t0.Add(time.Minute)})
	if _, err := s.CancelRuns(ctx, 1, "operator", t0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	err := s.CommitRun(ctx, store.RunCommit{ID: run.ID, Token: "a", FromStep: 0, Status: domain.RunActive, Step: 1, NextDueAt: t0, At: t0})
	if !errors.Is(err, domain.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	runs, _ := s.ListRuns(ctx, 1)
	if runs[0].Status != domain.RunCancelled {
		t.Fatalf("cancellation overwritten: %s", runs[0].Status)
	}
}

func TestMaterializeRecipientsOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	for id := int64(1); id <= 3; id++ {
		_, _ = s.TouchUser(ctx, domain.User{ID: id}, t0)
	}
	_ = s.SetUserStatus(ctx, 3, domain.UserBlocked)
	_ = s.RecordEvent(ctx, 2, domain.EventOfferShown, t0)

	m, _ := s.CreateMailing(ctx, domain.Mailing{Name: "promo", Text: "hi", Audience: domain.AudienceActive, ScheduledAt: t0})
	n, err := s.MaterializeRecipients(ctx, m.ID, t0)
	if err != nil || n != 2 {
		t.Fatalf("materialize: n=%d err=%v", n, err)
	}
	if _, err := s.MaterializeRecipients(ctx, m.ID, t0); !errors.Is(err, domain.ErrStale) {
		t.Fatalf("second materialize: expected ErrStale, got %v", err)
	}
	got, _ := s.GetMailing(ctx, m.ID)
	if got.TotalRecipients != 2 || got.Status != domain.MailingSending {
		t.Fatalf("unexpected mailing %+v", got)
	}

	ev, _ := s.CreateMailing(ctx, domain.Mailing{Name: "ev", Text: "hi", Audience: domain.EventAudience(domain.EventOfferShown), ScheduledAt: t0})
	if n, _ := s.MaterializeRecipients(ctx, ev.ID, t0); n != 1 {
		t.Fatalf("event audience: expected 1 recipient, got %d", n)
	}
}

func TestSessionHistoryAndUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	q := int64(5)
	first, err := s.CreateSession(ctx, domain.DialogSession{UserID: 1, DialogID: 2, CurrentQuestionID: &q, Status: domain.SessionInProgress, StartedAt: t0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateSession(ctx, domain.DialogSession{UserID: 1, DialogID: 2, CurrentQuestionID: &q, Status: domain.SessionInProgress, StartedAt: t0}); !errors.Is(err, domain.ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
	if err := s.MoveSession(ctx, store.SessionMove{ID: first.ID, FromQuestionID: 5, Status: domain.SessionCompleted, At: t0}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := s.MoveSession(ctx, store.SessionMove{ID: first.ID, FromQuestionID: 5, Status: domain.SessionCompleted, At: t0}); !errors.Is(err, domain.ErrStale) {
		t.Fatalf("second move: expected ErrStale, got %v", err)
	}
	second, err := s.CreateSession(ctx, domain.DialogSession{UserID: 1, DialogID: 2, CurrentQuestionID: &q, Status: domain.SessionInProgress, StartedAt: t0})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	latest, _ := s.LatestSession(ctx, 1, 2)
	if latest.ID != second.ID {
		t.Fatalf("latest = %d, want %d", latest.ID, second.ID)
	}
}

func TestMoveSessionToSameQuestionAppliesOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	q := int64(5)
	sess, err := s.CreateSession(ctx, domain.DialogSession{UserID: 1, DialogID: 2, CurrentQuestionID: &q, Status: domain.SessionInProgress, StartedAt: t0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loop := store.SessionMove{ID: sess.ID, FromQuestionID: 5, FromMoves: 0, ToQuestionID: &q, Status: domain.SessionInProgress, At: t0}
	if err := s.MoveSession(ctx, loop); err != nil {
		t.Fatalf("first move: %v", err)
	}
	if err := s.MoveSession(ctx, loop); !errors.Is(err, domain.ErrStale) {
		t.Fatalf("replayed move: expected ErrStale, got %v", err)
	}
	loop.FromMoves = 1
	if err := s.MoveSession(ctx, loop); err != nil {
		t.Fatalf("next move: %v", err)
	}
	latest, _ := s.LatestSession(ctx, 1, 2)
	if latest.Moves != 2 || *latest.CurrentQuestionID != 5 {
		t.Fatalf("session = %+v", latest)
	}
}

func TestAdminSoftDeleteAndReactivate(t *testing.T) {
	ctx := context.Background()
	s := New()
	first, second := int64(900), int64(901)
	if _, err := s.ActivateAdmin(ctx, domain.Admin{TelegramID: 7, AddedBy: &first, CreatedAt: t0}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := s.ActivateAdmin(ctx, domain.Admin{TelegramID: 7, CreatedAt: t0}); !errors.Is(err, domain.ErrAlreadyAdmin) {
		t.Fatalf("expected ErrAlreadyAdmin, got %v", err)
	}
	if err := s.DeactivateAdmin(ctx, 7, t0); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if ok, _ := s.IsActiveAdmin(ctx, 7); ok {
		t.Fatal("deactivated admin still active")
	}
	again, err := s.ActivateAdmin(ctx, domain.Admin{TelegramID: 7, AddedBy: &second, CreatedAt: t0})
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if again.AddedBy == nil || *again.AddedBy != first {
		t.Fatalf("re-activation rewrote added_by: %+v", again.AddedBy)
	}
	if !again.IsActive || again.AccessLevel != domain.DefaultAccessLevel {
		t.Fatalf("unexpected admin %+v", again)
	}
}

func TestSeedDialogResolvesKeys(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, created, err := s.SeedDialog(ctx, store.DialogDraft{
		Name: "pricing",
		Questions: []store.QuestionDraft{
			{Key: "q1", Text: "Budget?", Answers: []store.AnswerDraft{{Text: "Small", Next: "q2"}, {Text: "Large"}}},
			{Key: "q2", Text: "When?"},
		},
	})
	if err != nil || !created {
		t.Fatalf("seed: id=%d created=%v err=%v", id, created, err)
	}
	if _, created, _ := s.SeedDialog(ctx, store.DialogDraft{Name: "pricing"}); created {
		t.Fatal("second seed should not create")
	}
	d, _ := s.GetDialog(ctx, id)
	root, ok := d.Root()
	if !ok || root.Text != "Budget?" {
		t.Fatalf("unexpected root %+v", root)
	}
	next := root.Answers[0].NextQuestionID
	if next == nil || *next != d.Questions[1].ID {
		t.Fatalf("answer not linked to q2: %+v", root.Answers[0])
	}
	if root.Answers[1].NextQuestionID != nil {
		t.Fatal("terminal answer should have no next question")
	}
}

func TestFunnelStats(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []int64{1, 2} {
		if _, err := s.TouchUser(ctx, domain.User{ID: id}, t0); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	if err := s.SetUserStatus(ctx, 2, domain.UserBlocked); err != nil {
		t.Fatalf("block: %v", err)
	}
	for _, e := range []struct {
		user int64
		name string
	}{{1, domain.EventOfferShown}, {1, domain.EventOfferShown}, {2, domain.EventOfferShown}} {
		if err := s.RecordEvent(ctx, e.user, e.name, t0); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	st, err := s.FunnelStats(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.NewUsers != 0 {
		t.Fatalf("new users = %d", st.NewUsers)
	}
	if len(st.Users) != 2 || st.Users[0] != (domain.Tally{Key: "active", Count: 1}) || st.Users[1] != (domain.Tally{Key: "blocked", Count: 1}) {
		t.Fatalf("users = %+v", st.Users)
	}
	if got := domain.CountOf(st.Events, domain.EventOfferShown); got != 2 {
		t.Fatalf("offer_shown users = %d", got)
	}
}
