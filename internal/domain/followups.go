package domain

import "time"

// FollowupTrigger selects the predicate a follow-up waits on.
type FollowupTrigger string

const (
	// TriggerNoReply fires when the user sent nothing after the anchor.
	TriggerNoReply FollowupTrigger = "no_reply"
	// TriggerNoEvent fires when the awaited event did not happen after the anchor.
	TriggerNoEvent FollowupTrigger = "no_event"
)

// Followup is a conditional single message definition.
type Followup struct {
	ID      int64           `db:"id"`
	Name    string          `db:"name"`
	Trigger FollowupTrigger `db:"trigger_kind"`
	// AnchorEvent schedules the follow-up for a user when this event is recorded.
	AnchorEvent string `db:"anchor_event"`
	// EventName is the awaited event for TriggerNoEvent.
	EventName   string `db:"event_name"`
	WaitSeconds int64  `db:"wait_seconds"`
	Text        string `db:"text"`
	IsActive    bool   `db:"is_active"`
}

// Wait returns how long after the anchor the follow-up is evaluated.
func (f Followup) Wait() time.Duration {
	return time.Duration(f.WaitSeconds) * time.Second
}

// FollowupFacts is what the store knows about a user relative to an anchor.
type FollowupFacts struct {
	LastInboundAt *time.Time
	EventSeen     bool
}

// PreconditionMet reports whether the awaited response already happened after
// anchor. A met precondition cancels the follow-up instead of firing it.
func (f Followup) PreconditionMet(facts FollowupFacts, anchor time.Time) (bool, string) {
	switch f.Trigger {
	case TriggerNoReply:
		if facts.LastInboundAt != nil && facts.LastInboundAt.After(anchor) {
			return true, "user_replied"
		}
	case TriggerNoEvent:
		if facts.EventSeen {
			return true, "event_seen"
		}
	}
	return false, ""
}

// FollowupStatus is the forward-only lifecycle of a scheduled follow-up.
type FollowupStatus string

const (
	FollowupPending   FollowupStatus = "pending"
	FollowupFired     FollowupStatus = "fired"
	FollowupCancelled FollowupStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s FollowupStatus) Terminal() bool {
	return s == FollowupFired || s == FollowupCancelled
}

// UserFollowup tracks one follow-up occurrence for one user.
type UserFollowup struct {
	ID            int64          `db:"id"`
	UserID        int64          `db:"user_id"`
	FollowupID    int64          `db:"followup_id"`
	AnchorAt      time.Time      `db:"anchor_at"`
	EvaluateAfter time.Time      `db:"evaluate_after"`
	Status        FollowupStatus `db:"status"`
	Attempts      int            `db:"attempts"`
	LastError     string         `db:"last_error"`
	CancelReason  string         `db:"cancel_reason"`
	ClaimToken    string         `db:"claim_token"`
	ClaimedUntil  *time.Time     `db:"claimed_until"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}
