package domain

import "time"

// Scenario is an ordered warm-up message sequence.
type Scenario struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`

	// Steps are ordered by Position.
	Steps []ScenarioStep `db:"-"`
}

// Step returns the step at index i. A missing index means the scenario has no
// more messages for the run.
func (s Scenario) Step(i int) (ScenarioStep, bool) {
	if i < 0 || i >= len(s.Steps) {
		return ScenarioStep{}, false
	}
	return s.Steps[i], true
}

// ScenarioStep is one warm-up message; DelaySeconds counts from the previous
// step's delivery (from the run start for the first step).
type ScenarioStep struct {
	ID           int64  `db:"id"`
	ScenarioID   int64  `db:"scenario_id"`
	Position     int    `db:"position"`
	DelaySeconds int64  `db:"delay_seconds"`
	Title        string `db:"title"`
	Text         string `db:"text"`
	MessageType  string `db:"message_type"`
	// Emits names a funnel event recorded after the step is delivered.
	Emits string `db:"emits"`
}

// Delay returns the step delay as a duration.
func (s ScenarioStep) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

// RunStatus is the forward-only lifecycle of a warm-up run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// WarmupRun binds a user to a scenario. At most one active run exists per
// (user, scenario).
type WarmupRun struct {
	ID           int64      `db:"id"`
	UserID       int64      `db:"user_id"`
	ScenarioID   int64      `db:"scenario_id"`
	CurrentStep  int        `db:"current_step_index"`
	NextDueAt    time.Time  `db:"next_due_at"`
	Status       RunStatus  `db:"status"`
	Attempts     int        `db:"attempts"`
	LastError    string     `db:"last_error"`
	ClaimToken   string     `db:"claim_token"`
	ClaimedUntil *time.Time `db:"claimed_until"`
	StartedAt    time.Time  `db:"started_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}
