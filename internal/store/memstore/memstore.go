// Package memstore is an in-memory store.Store used by tests and local runs
// without a database. It honours the same uniqueness and conditional-update
// rules as the PostgreSQL implementation.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	seq int64

	users         map[int64]domain.User
	events        []domain.UserEvent
	scenarios     map[int64]domain.Scenario
	dialogs       map[int64]domain.Dialog
	followups     map[int64]domain.Followup
	runs          map[int64]domain.WarmupRun
	userFollowups map[int64]domain.UserFollowup
	mailings      map[int64]domain.Mailing
	recipients    map[int64]domain.MailingRecipient
	sessions      map[int64]domain.DialogSession
	admins        map[int64]domain.Admin
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:         make(map[int64]domain.User),
		scenarios:     make(map[int64]domain.Scenario),
		dialogs:       make(map[int64]domain.Dialog),
		followups:     make(map[int64]domain.Followup),
		runs:          make(map[int64]domain.WarmupRun),
		userFollowups: make(map[int64]domain.UserFollowup),
		mailings:      make(map[int64]domain.Mailing),
		recipients:    make(map[int64]domain.MailingRecipient),
		sessions:      make(map[int64]domain.DialogSession),
		admins:        make(map[int64]domain.Admin),
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// claimFree reports whether no live lease holds the row at now.
func claimFree(until *time.Time, now time.Time) bool {
	return until == nil || !until.After(now)
}

func sortedIDs[T any](m map[int64]T) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func limited[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func (s *Store) TouchUser(_ context.Context, u domain.User, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok {
		cur = domain.User{ID: u.ID, CreatedAt: at}
	}
	cur.Username, cur.FirstName, cur.LastName = u.Username, u.FirstName, u.LastName
	cur.Status = domain.UserActive
	inbound := at
	cur.LastInboundAt = &inbound
	cur.UpdatedAt = at
	s.users[u.ID] = cur
	return !ok, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func (s *Store) SetUserStatus(_ context.Context, id int64, status domain.UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	u.Status = status
	s.users[id] = u
	return nil
}

func (s *Store) RecordEvent(_ context.Context, userID int64, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, domain.UserEvent{ID: s.nextID(), UserID: userID, Name: name, OccurredAt: at})
	return nil
}

func (s *Store) FollowupFacts(_ context.Context, userID int64, f domain.Followup, anchor time.Time) (domain.FollowupFacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.FollowupFacts{}, fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
	}
	facts := domain.FollowupFacts{LastInboundAt: u.LastInboundAt}
	if f.Trigger == domain.TriggerNoEvent && f.EventName != "" {
		facts.EventSeen = s.eventAfter(userID, f.EventName, anchor)
	}
	return facts, nil
}

func (s *Store) eventAfter(userID int64, name string, after time.Time) bool {
	for _, e := range s.events {
		if e.UserID == userID && e.Name == name && e.OccurredAt.After(after) {
			return true
		}
	}
	return false
}

func (s *Store) hasEvent(userID int64, name string) bool {
	for _, e := range s.events {
		if e.UserID == userID && e.Name == name {
			return true
		}
	}
	return false
}

// Events returns the recorded events of a user in order.
func (s *Store) Events(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.UserID == userID {
			out = append(out, e.Name)
		}
	}
	return out
}

func (s *Store) GetScenario(_ context.Context, id int64) (domain.Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return domain.Scenario{}, fmt.Errorf("scenario %d: %w", id, domain.ErrNotFound)
	}
	sc.Steps = slices.Clone(sc.Steps)
	return sc, nil
}

func (s *Store) LatestActiveScenario(_ context.Context) (domain.Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  domain.Scenario
		found bool
	)
	for _, id := range sortedIDs(s.scenarios) {
		sc := s.scenarios[id]
		if !sc.IsActive {
			continue
		}
		if !found || !sc.CreatedAt.Before(best.CreatedAt) {
			best, found = sc, true
		}
	}
	if !found {
		return domain.Scenario{}, fmt.Errorf("active scenario: %w", domain.ErrNotFound)
	}
	best.Steps = slices.Clone(best.Steps)
	return best, nil
}

func (s *Store) GetDialog(_ context.Context, id int64) (domain.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[id]
	if !ok {
		return domain.Dialog{}, fmt.Errorf("dialog %d: %w", id, domain.ErrNotFound)
	}
	d.Questions = slices.Clone(d.Questions)
	return d, nil
}

func (s *Store) ListDialogs(_ context.Context) ([]domain.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.Dialog
	for _, id := range sortedIDs(s.dialogs) {
		d := s.dialogs[id]
		if d.Status != domain.DialogActive {
			continue
		}
		d.Questions = slices.Clone(d.Questions)
		list = append(list, d)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].SortOrder < list[j].SortOrder })
	return list, nil
}

func (s *Store) GetFollowup(_ context.Context, id int64) (domain.Followup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.followups[id]
	if !ok {
		return domain.Followup{}, fmt.Errorf("followup %d: %w", id, domain.ErrNotFound)
	}
	return f, nil
}

func (s *Store) FollowupsByAnchor(_ context.Context, event string) ([]domain.Followup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.Followup
	for _, id := range sortedIDs(s.followups) {
		if f := s.followups[id]; f.IsActive && f.AnchorEvent == event {
			list = append(list, f)
		}
	}
	return list, nil
}

func (s *Store) SeedScenario(_ context.Context, sc domain.Scenario) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.scenarios {
		if cur.Name == sc.Name {
			return id, false, nil
		}
	}
	sc.ID = s.nextID()
	steps := make([]domain.ScenarioStep, len(sc.Steps))
	for i, st := range sc.Steps {
		st.ID, st.ScenarioID, st.Position = s.nextID(), sc.ID, i
		steps[i] = st
	}
	sc.Steps = steps
	s.scenarios[sc.ID] = sc
	return sc.ID, true, nil
}

func (s *Store) SeedDialog(_ context.Context, d store.DialogDraft) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.dialogs {
		if cur.Name == d.Name {
			return id, false, nil
		}
	}
	dialog := domain.Dialog{ID: s.nextID(), Name: d.Name, Description: d.Description, Status: domain.DialogActive, SortOrder: d.SortOrder}
	keys := make(map[string]int64, len(d.Questions))
	for i, q := range d.Questions {
		qid := s.nextID()
		keys[q.Key] = qid
		dialog.Questions = append(dialog.Questions, domain.DialogQuestion{
			ID: qid, DialogID: dialog.ID, Text: q.Text, Keywords: q.Keywords, IsActive: true, SortOrder: i,
		})
	}
	if len(dialog.Questions) > 0 {
		root := dialog.Questions[0].ID
		dialog.RootQuestionID = &root
	}
	for i, q := range d.Questions {
		for j, a := range q.Answers {
			ans := domain.DialogAnswer{ID: s.nextID(), QuestionID: dialog.Questions[i].ID, Text: a.Text, Reply: a.Reply, SortOrder: j}
			if a.Next != "" {
				target, ok := keys[a.Next]
				if !ok {
					return 0, false, fmt.Errorf("dialog %s: answer %q points to unknown question %q", d.Name, a.Text, a.Next)
				}
				ans.NextQuestionID = &target
			}
			dialog.Questions[i].Answers = append(dialog.Questions[i].Answers, ans)
		}
	}
	s.dialogs[dialog.ID] = dialog
	return dialog.ID, true, nil
}

func (s *Store) SeedFollowup(_ context.Context, f domain.Followup) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.followups {
		if cur.Name == f.Name {
			return id, false, nil
		}
	}
	f.ID = s.nextID()
	s.followups[f.ID] = f
	return f.ID, true, nil
}

// PutScenario replaces a scenario as an operator edit would.
func (s *Store) PutScenario(sc domain.Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.Steps = slices.Clone(sc.Steps)
	s.scenarios[sc.ID] = sc
}

// PutDialog replaces a dialog tree as an operator edit would.
func (s *Store) PutDialog(d domain.Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Questions = slices.Clone(d.Questions)
	s.dialogs[d.ID] = d
}
