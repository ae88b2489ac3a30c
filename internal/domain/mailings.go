package domain

import (
	"fmt"
	"strings"
	"time"
)

// MailingStatus is the lifecycle of a broadcast.
type MailingStatus string

const (
	MailingScheduled MailingStatus = "scheduled"
	MailingSending   MailingStatus = "sending"
	MailingCompleted MailingStatus = "completed"
	MailingCancelled MailingStatus = "cancelled"
)

// Audience kinds. Event audiences are written as "event:<name>".
const (
	AudienceAll             = "all"
	AudienceActive          = "active"
	AudienceWarmupCompleted = "warmup_completed"
	audienceEventPrefix     = "event:"
)

// Audience selects mailing recipients at materialization time.
type Audience string

// EventAudience builds an audience of users who recorded the named event.
func EventAudience(name string) Audience {
	return Audience(audienceEventPrefix + name)
}

// Event returns the event name of an event audience.
func (a Audience) Event() (string, bool) {
	s := string(a)
	if !strings.HasPrefix(s, audienceEventPrefix) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(s, audienceEventPrefix))
	return name, name != ""
}

// Validate rejects unknown audience kinds.
func (a Audience) Validate() error {
	switch string(a) {
	case AudienceAll, AudienceActive, AudienceWarmupCompleted:
		return nil
	}
	if _, ok := a.Event(); ok {
		return nil
	}
	return fmt.Errorf("%w: unknown audience %q", ErrInvalidState, string(a))
}

// Mailing is a one-off broadcast. Materialized flips exactly once, when the
// recipient rows are created.
type Mailing struct {
	ID              int64         `db:"id"`
	Name            string        `db:"name"`
	Text            string        `db:"text"`
	Audience        Audience      `db:"audience"`
	ScheduledAt     time.Time     `db:"scheduled_at"`
	Status          MailingStatus `db:"status"`
	Materialized    bool          `db:"materialized"`
	CreatedBy       int64         `db:"created_by"`
	TotalRecipients int           `db:"total_recipients"`
	SentCount       int           `db:"sent_count"`
	FailedCount     int           `db:"failed_count"`
	CreatedAt       time.Time     `db:"created_at"`
	CompletedAt     *time.Time    `db:"completed_at"`
}

// RecipientStatus is the forward-only lifecycle of a mailing recipient.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientFailed    RecipientStatus = "failed"
	RecipientCancelled RecipientStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RecipientStatus) Terminal() bool {
	return s == RecipientSent || s == RecipientFailed || s == RecipientCancelled
}

// MailingRecipient is the durable work item of a mailing.
type MailingRecipient struct {
	ID            int64           `db:"id"`
	MailingID     int64           `db:"mailing_id"`
	UserID        int64           `db:"user_id"`
	Status        RecipientStatus `db:"status"`
	Attempts      int             `db:"attempts"`
	NextAttemptAt time.Time       `db:"next_attempt_at"`
	LastError     string          `db:"last_error"`
	ClaimToken    string          `db:"claim_token"`
	ClaimedUntil  *time.Time      `db:"claimed_until"`
	SentAt        *time.Time      `db:"sent_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}
