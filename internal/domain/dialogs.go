package domain

import (
	"strings"
	"time"
)

// DialogStatus controls whether a dialog is offered to users.
type DialogStatus string

const (
	DialogActive   DialogStatus = "active"
	DialogInactive DialogStatus = "inactive"
)

// Dialog is a question/answer tree.
type Dialog struct {
	ID             int64        `db:"id"`
	Name           string       `db:"name"`
	Description    string       `db:"description"`
	Status         DialogStatus `db:"status"`
	RootQuestionID *int64       `db:"root_question_id"`
	SortOrder      int          `db:"sort_order"`

	Questions []DialogQuestion `db:"-"`
}

// Question looks up a question of the tree by id.
func (d Dialog) Question(id int64) (DialogQuestion, bool) {
	for _, q := range d.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return DialogQuestion{}, false
}

// Root returns the entry question. Dialogs without an explicit root start at
// their first active question.
func (d Dialog) Root() (DialogQuestion, bool) {
	if d.RootQuestionID != nil {
		return d.Question(*d.RootQuestionID)
	}
	for _, q := range d.Questions {
		if q.IsActive {
			return q, true
		}
	}
	return DialogQuestion{}, false
}

// DialogQuestion is a node of a dialog tree.
type DialogQuestion struct {
	ID        int64  `db:"id"`
	DialogID  int64  `db:"dialog_id"`
	Text      string `db:"text"`
	Keywords  string `db:"keywords"`
	IsActive  bool   `db:"is_active"`
	SortOrder int    `db:"sort_order"`

	Answers []DialogAnswer `db:"-"`
}

// Answer looks up an answer option of the question.
func (q DialogQuestion) Answer(id int64) (DialogAnswer, bool) {
	for _, a := range q.Answers {
		if a.ID == id {
			return a, true
		}
	}
	return DialogAnswer{}, false
}

// KeywordList splits the comma separated keywords.
func (q DialogQuestion) KeywordList() []string {
	var out []string
	for _, k := range strings.Split(q.Keywords, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// DialogAnswer is an option of a question. A nil NextQuestionID ends the dialog.
type DialogAnswer struct {
	ID             int64  `db:"id"`
	QuestionID     int64  `db:"question_id"`
	Text           string `db:"text"`
	Reply          string `db:"reply"`
	NextQuestionID *int64 `db:"next_question_id"`
	SortOrder      int    `db:"sort_order"`
}

// SessionStatus is the state of a dialog session. not_started is implicit.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionAbandoned  SessionStatus = "abandoned"
)

// Terminal reports whether the session accepts no more answers.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// DialogSession is the per (user, dialog) conversation state. At most one
// in-progress session exists per pair; finished sessions are kept as history.
type DialogSession struct {
	ID                int64         `db:"id"`
	UserID            int64         `db:"user_id"`
	DialogID          int64         `db:"dialog_id"`
	CurrentQuestionID *int64        `db:"current_question_id"`
	Status            SessionStatus `db:"status"`
	// Moves counts applied answers. Conditional moves compare it so that an
	// answer leading back to its own question is still applied once.
	Moves             int           `db:"moves"`
	StartedAt         time.Time     `db:"started_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
	FinishedAt        *time.Time    `db:"finished_at"`
}
