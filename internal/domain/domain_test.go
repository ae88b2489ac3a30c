package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFollowupPreconditionMet(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	before := anchor.Add(-time.Minute)
	after := anchor.Add(time.Minute)

	tests := []struct {
		name       string
		trigger    FollowupTrigger
		facts      FollowupFacts
		wantMet    bool
		wantReason string
	}{
		{name: "no reply yet", trigger: TriggerNoReply},
		{name: "reply before anchor", trigger: TriggerNoReply, facts: FollowupFacts{LastInboundAt: &before}},
		{name: "reply at anchor", trigger: TriggerNoReply, facts: FollowupFacts{LastInboundAt: &anchor}},
		{name: "reply after anchor", trigger: TriggerNoReply, facts: FollowupFacts{LastInboundAt: &after}, wantMet: true, wantReason: "user_replied"},
		{name: "event missing", trigger: TriggerNoEvent},
		{name: "event seen", trigger: TriggerNoEvent, facts: FollowupFacts{EventSeen: true}, wantMet: true, wantReason: "event_seen"},
		{name: "no reply ignores events", trigger: TriggerNoReply, facts: FollowupFacts{EventSeen: true}},
		{name: "unknown trigger", trigger: "weird", facts: FollowupFacts{EventSeen: true, LastInboundAt: &after}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := Followup{Trigger: tc.trigger}
			met, reason := f.PreconditionMet(tc.facts, anchor)
			if met != tc.wantMet || reason != tc.wantReason {
				t.Fatalf("PreconditionMet = (%v, %q), want (%v, %q)", met, reason, tc.wantMet, tc.wantReason)
			}
		})
	}
}

func TestAudience(t *testing.T) {
	tests := []struct {
		in        Audience
		valid     bool
		event     string
		eventKind bool
	}{
		{in: AudienceAll, valid: true},
		{in: AudienceActive, valid: true},
		{in: AudienceWarmupCompleted, valid: true},
		{in: EventAudience("offer_clicked"), valid: true, event: "offer_clicked", eventKind: true},
		{in: "event: ", valid: false},
		{in: "event:", valid: false},
		{in: "everyone", valid: false},
		{in: "", valid: false},
	}
	for _, tc := range tests {
		t.Run(string(tc.in), func(t *testing.T) {
			err := tc.in.Validate()
			if tc.valid && err != nil {
				t.Fatalf("Validate(%q) = %v", tc.in, err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalidState) {
				t.Fatalf("Validate(%q) = %v, want ErrInvalidState", tc.in, err)
			}
			name, ok := tc.in.Event()
			if ok != tc.eventKind || name != tc.event {
				t.Fatalf("Event(%q) = (%q, %v)", tc.in, name, ok)
			}
		})
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrAlreadyInProgress, "already_in_progress"},
		{fmt.Errorf("start: %w", ErrRunExists), "run_exists"},
		{ErrSelfRemoval, "self_removal"},
		{ErrInvalidAnswer, "invalid_answer"},
		{ErrStale, "stale"},
		{fmt.Errorf("lookup: %w", ErrNotFound), "not_found"},
		{ErrConflict, "conflict"},
		{fmt.Errorf("send: %w", ErrPermanentDelivery), "permanent_delivery"},
		{ErrTransientDelivery, "transient_delivery"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range tests {
		if got := Reason(tc.err); got != tc.want {
			t.Fatalf("Reason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestScenarioStep(t *testing.T) {
	s := Scenario{Steps: []ScenarioStep{{Text: "a", DelaySeconds: 0}, {Text: "b", DelaySeconds: 7200}}}
	if st, ok := s.Step(1); !ok || st.Text != "b" || st.Delay() != 2*time.Hour {
		t.Fatalf("Step(1) = %+v, %v", st, ok)
	}
	for _, i := range []int{-1, 2} {
		if _, ok := s.Step(i); ok {
			t.Fatalf("Step(%d) must be missing", i)
		}
	}
}

func TestDialogRoot(t *testing.T) {
	two := int64(2)
	d := Dialog{Questions: []DialogQuestion{
		{ID: 1, IsActive: false},
		{ID: 2, IsActive: true, Keywords: " price, ,cost ", Answers: []DialogAnswer{{ID: 10, Text: "x"}}},
		{ID: 3, IsActive: true},
	}}
	if q, ok := d.Root(); !ok || q.ID != 2 {
		t.Fatalf("implicit root = %+v, %v", q, ok)
	}
	three := int64(3)
	d.RootQuestionID = &three
	if q, ok := d.Root(); !ok || q.ID != 3 {
		t.Fatalf("explicit root = %+v, %v", q, ok)
	}
	missing := int64(99)
	d.RootQuestionID = &missing
	if _, ok := d.Root(); ok {
		t.Fatalf("dangling root must be missing")
	}

	q, _ := d.Question(two)
	if kw := q.KeywordList(); len(kw) != 2 || kw[0] != "price" || kw[1] != "cost" {
		t.Fatalf("keywords = %q", kw)
	}
	if _, ok := q.Answer(10); !ok {
		t.Fatalf("answer 10 missing")
	}
	if _, ok := q.Answer(11); ok {
		t.Fatalf("answer 11 must be missing")
	}
}

func TestTerminalStatuses(t *testing.T) {
	if RunActive.Terminal() || !RunCompleted.Terminal() || !RunCancelled.Terminal() {
		t.Fatalf("run terminal states wrong")
	}
	if FollowupPending.Terminal() || !FollowupFired.Terminal() || !FollowupCancelled.Terminal() {
		t.Fatalf("follow-up terminal states wrong")
	}
	if RecipientPending.Terminal() || !RecipientSent.Terminal() || !RecipientFailed.Terminal() || !RecipientCancelled.Terminal() {
		t.Fatalf("recipient terminal states wrong")
	}
	if SessionInProgress.Terminal() || !SessionCompleted.Terminal() || !SessionAbandoned.Terminal() {
		t.Fatalf("session terminal states wrong")
	}
}
