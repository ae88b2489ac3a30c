package domain

import "time"

// Admin is a database-managed admin row. Rows are deactivated, never deleted.
type Admin struct {
	ID          int64     `db:"id"`
	TelegramID  int64     `db:"telegram_id"`
	Username    string    `db:"username"`
	FullName    string    `db:"full_name"`
	IsActive    bool      `db:"is_active"`
	AccessLevel int       `db:"access_level"`
	AddedBy     *int64    `db:"added_by"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// DefaultAccessLevel is assigned to admins added through the bot.
const DefaultAccessLevel = 1

// Failure is a terminal delivery failure surfaced to operators.
type Failure struct {
	Kind      string    `db:"kind"`
	RowID     int64     `db:"row_id"`
	UserID    int64     `db:"user_id"`
	Reference int64     `db:"reference"`
	Attempts  int       `db:"attempts"`
	LastError string    `db:"last_error"`
	UpdatedAt time.Time `db:"updated_at"`
}
