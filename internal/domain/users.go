package domain

import "time"

// UserStatus is a soft state; users are never deleted.
type UserStatus string

const (
	UserActive  UserStatus = "active"
	UserBlocked UserStatus = "blocked"
)

// User is a platform user keyed by the Telegram user id.
type User struct {
	ID            int64      `db:"id"`
	Username      string     `db:"username"`
	FirstName     string     `db:"first_name"`
	LastName      string     `db:"last_name"`
	Status        UserStatus `db:"status"`
	LastInboundAt *time.Time `db:"last_inbound_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// Funnel event names recorded by the bot and the scheduler.
const (
	EventLeadMagnetIssued = "lead_magnet_issued"
	EventOfferShown       = "offer_shown"
	EventOfferClicked     = "offer_clicked"
	EventWarmupCompleted  = "warmup_completed"
)

// UserEvent is an append-only funnel fact used by follow-up predicates and
// mailing audiences.
type UserEvent struct {
	ID         int64     `db:"id"`
	UserID     int64     `db:"user_id"`
	Name       string    `db:"name"`
	OccurredAt time.Time `db:"occurred_at"`
}
