package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

func (s *Store) LatestSession(_ context.Context, userID, dialogID int64) (domain.DialogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  domain.DialogSession
		found bool
	)
	for _, ds := range s.sessions {
		if ds.UserID == userID && ds.DialogID == dialogID && (!found || ds.ID > best.ID) {
			best, found = ds, true
		}
	}
	if !found {
		return domain.DialogSession{}, fmt.Errorf("session of user %d dialog %d: %w", userID, dialogID, domain.ErrNotFound)
	}
	return best, nil
}

func (s *Store) CreateSession(_ context.Context, ds domain.DialogSession) (domain.DialogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds.Status == domain.SessionInProgress {
		for _, cur := range s.sessions {
			if cur.UserID == ds.UserID && cur.DialogID == ds.DialogID && cur.Status == domain.SessionInProgress {
				return domain.DialogSession{}, fmt.Errorf("user %d dialog %d: %w", ds.UserID, ds.DialogID, domain.ErrAlreadyInProgress)
			}
		}
	}
	ds.ID = s.nextID()
	ds.UpdatedAt = ds.StartedAt
	s.sessions[ds.ID] = ds
	return ds, nil
}

func (s *Store) MoveSession(_ context.Context, m store.SessionMove) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[m.ID]
	if !ok || cur.Status != domain.SessionInProgress || cur.CurrentQuestionID == nil || *cur.CurrentQuestionID != m.FromQuestionID || cur.Moves != m.FromMoves {
		return fmt.Errorf("move session %d: %w", m.ID, domain.ErrStale)
	}
	cur.CurrentQuestionID, cur.Status, cur.UpdatedAt = m.ToQuestionID, m.Status, m.At
	cur.Moves++
	if m.Status.Terminal() {
		done := m.At
		cur.FinishedAt = &done
	}
	s.sessions[m.ID] = cur
	return nil
}

func (s *Store) AbandonSession(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok || cur.Status != domain.SessionInProgress {
		return fmt.Errorf("abandon session %d: %w", id, domain.ErrStale)
	}
	done := at
	cur.Status, cur.UpdatedAt, cur.FinishedAt = domain.SessionAbandoned, at, &done
	s.sessions[id] = cur
	return nil
}

func (s *Store) IsActiveAdmin(_ context.Context, telegramID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admins[telegramID]
	return ok && a.IsActive, nil
}

func (s *Store) ActivateAdmin(_ context.Context, a domain.Admin) (domain.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.AccessLevel == 0 {
		a.AccessLevel = domain.DefaultAccessLevel
	}
	cur, ok := s.admins[a.TelegramID]
	switch {
	case ok && cur.IsActive:
		return domain.Admin{}, fmt.Errorf("activate admin %d: %w", a.TelegramID, domain.ErrAlreadyAdmin)
	case ok:
		cur.IsActive = true
		cur.Username, cur.FullName, cur.AccessLevel = a.Username, a.FullName, a.AccessLevel
		if cur.AddedBy == nil {
			cur.AddedBy = a.AddedBy
		}
		cur.UpdatedAt = a.CreatedAt
		s.admins[a.TelegramID] = cur
		return cur, nil
	}
	a.ID = s.nextID()
	a.IsActive = true
	a.UpdatedAt = a.CreatedAt
	s.admins[a.TelegramID] = a
	return a, nil
}

func (s *Store) DeactivateAdmin(_ context.Context, telegramID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.admins[telegramID]
	if !ok || !cur.IsActive {
		return fmt.Errorf("admin %d: %w", telegramID, domain.ErrNotFound)
	}
	cur.IsActive, cur.UpdatedAt = false, at
	s.admins[telegramID] = cur
	return nil
}

func (s *Store) ListAdmins(_ context.Context) ([]domain.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.Admin
	for _, a := range s.admins {
		if a.IsActive {
			list = append(list, a)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].AccessLevel != list[j].AccessLevel {
			return list[i].AccessLevel > list[j].AccessLevel
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *Store) ListFailures(_ context.Context, since time.Time, limit int) ([]domain.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.Failure
	for _, r := range s.runs {
		if r.Status == domain.RunCancelled && r.Attempts > 0 && r.LastError != "" && !r.UpdatedAt.Before(since) {
			list = append(list, domain.Failure{Kind: "warmup", RowID: r.ID, UserID: r.UserID, Reference: r.ScenarioID,
				Attempts: r.Attempts, LastError: r.LastError, UpdatedAt: r.UpdatedAt})
		}
	}
	for _, uf := range s.userFollowups {
		if uf.Status == domain.FollowupCancelled && uf.Attempts > 0 && uf.LastError != "" && !uf.UpdatedAt.Before(since) {
			list = append(list, domain.Failure{Kind: "followup", RowID: uf.ID, UserID: uf.UserID, Reference: uf.FollowupID,
				Attempts: uf.Attempts, LastError: uf.LastError, UpdatedAt: uf.UpdatedAt})
		}
	}
	for _, r := range s.recipients {
		if r.Status == domain.RecipientFailed && !r.UpdatedAt.Before(since) {
			list = append(list, domain.Failure{Kind: "mailing", RowID: r.ID, UserID: r.UserID, Reference: r.MailingID,
				Attempts: r.Attempts, LastError: r.LastError, UpdatedAt: r.UpdatedAt})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].RowID > list[j].RowID
	})
	return limited(list, limit), nil
}

func (s *Store) FunnelStats(_ context.Context, since time.Time) (domain.FunnelStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.FunnelStats{Since: since}
	users, runs, followups := map[string]int{}, map[string]int{}, map[string]int{}
	for _, u := range s.users {
		users[string(u.Status)]++
		if !u.CreatedAt.Before(since) {
			st.NewUsers++
		}
	}
	for _, r := range s.runs {
		runs[string(r.Status)]++
	}
	for _, uf := range s.userFollowups {
		key := string(uf.Status)
		if uf.Status == domain.FollowupCancelled && uf.CancelReason != "" {
			key += ":" + uf.CancelReason
		}
		followups[key]++
	}
	seen := map[string]map[int64]bool{}
	for _, e := range s.events {
		if seen[e.Name] == nil {
			seen[e.Name] = map[int64]bool{}
		}
		seen[e.Name][e.UserID] = true
	}
	events := make(map[string]int, len(seen))
	for name, ids := range seen {
		events[name] = len(ids)
	}
	st.Users, st.Runs, st.Followups, st.Events = tallies(users), tallies(runs), tallies(followups), tallies(events)
	return st, nil
}

func tallies(m map[string]int) []domain.Tally {
	list := make([]domain.Tally, 0, len(m))
	for k, n := range m {
		list = append(list, domain.Tally{Key: k, Count: n})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list
}
