package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

func (s *Store) CreateRun(_ context.Context, r domain.WarmupRun) (domain.WarmupRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.runs {
		if cur.UserID == r.UserID && cur.ScenarioID == r.ScenarioID && cur.Status == domain.RunActive {
			return domain.WarmupRun{}, fmt.Errorf("user %d scenario %d: %w", r.UserID, r.ScenarioID, domain.ErrRunExists)
		}
	}
	r.ID = s.nextID()
	r.CurrentStep = 0
	r.Status = domain.RunActive
	r.UpdatedAt = r.StartedAt
	s.runs[r.ID] = r
	return r, nil
}

func (s *Store) ListDueRuns(_ context.Context, now time.Time, limit int) ([]domain.WarmupRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.WarmupRun
	for _, r := range s.runs {
		if r.Status == domain.RunActive && !r.NextDueAt.After(now) && claimFree(r.ClaimedUntil, now) {
			list = append(list, r)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].NextDueAt.Equal(list[j].NextDueAt) {
			return list[i].NextDueAt.Before(list[j].NextDueAt)
		}
		return list[i].ID < list[j].ID
	})
	return limited(list, limit), nil
}

func (s *Store) ClaimRun(_ context.Context, r domain.WarmupRun, l store.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[r.ID]
	if !ok || cur.Status != domain.RunActive || cur.CurrentStep != r.CurrentStep ||
		cur.NextDueAt.After(l.Now) || !claimFree(cur.ClaimedUntil, l.Now) {
		return fmt.Errorf("claim run %d: %w", r.ID, domain.ErrStale)
	}
	until := l.Until
	cur.ClaimToken, cur.ClaimedUntil, cur.UpdatedAt = l.Token, &until, l.Now
	s.runs[r.ID] = cur
	return nil
}

func (s *Store) CommitRun(_ context.Context, c store.RunCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[c.ID]
	if !ok || cur.ClaimToken != c.Token || cur.Status != domain.RunActive ||
		cur.CurrentStep != c.FromStep || c.Step < cur.CurrentStep {
		return fmt.Errorf("commit run %d: %w", c.ID, domain.ErrStale)
	}
	cur.Status, cur.CurrentStep, cur.NextDueAt = c.Status, c.Step, c.NextDueAt
	cur.Attempts, cur.LastError = c.Attempts, c.LastError
	cur.ClaimToken, cur.ClaimedUntil, cur.UpdatedAt = "", nil, c.At
	s.runs[c.ID] = cur
	return nil
}

func (s *Store) CancelRuns(_ context.Context, userID int64, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		if r.UserID != userID || r.Status != domain.RunActive {
			continue
		}
		r.Status, r.LastError = domain.RunCancelled, reason
		r.ClaimToken, r.ClaimedUntil, r.UpdatedAt = "", nil, at
		s.runs[id] = r
		n++
	}
	return n, nil
}

func (s *Store) ListRuns(_ context.Context, userID int64) ([]domain.WarmupRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.WarmupRun
	for _, id := range sortedIDs(s.runs) {
		if r := s.runs[id]; r.UserID == userID {
			list = append(list, r)
		}
	}
	return list, nil
}

func (s *Store) CreateUserFollowup(_ context.Context, uf domain.UserFollowup) (domain.UserFollowup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.userFollowups {
		if cur.UserID == uf.UserID && cur.FollowupID == uf.FollowupID && cur.Status == domain.FollowupPending {
			return domain.UserFollowup{}, fmt.Errorf("user %d followup %d already pending: %w", uf.UserID, uf.FollowupID, domain.ErrConflict)
		}
	}
	uf.ID = s.nextID()
	uf.Status = domain.FollowupPending
	uf.UpdatedAt = uf.CreatedAt
	s.userFollowups[uf.ID] = uf
	return uf, nil
}

func (s *Store) ListDueFollowups(_ context.Context, now time.Time, limit int) ([]domain.UserFollowup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.UserFollowup
	for _, uf := range s.userFollowups {
		if uf.Status == domain.FollowupPending && !uf.EvaluateAfter.After(now) && claimFree(uf.ClaimedUntil, now) {
			list = append(list, uf)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].EvaluateAfter.Equal(list[j].EvaluateAfter) {
			return list[i].EvaluateAfter.Before(list[j].EvaluateAfter)
		}
		return list[i].ID < list[j].ID
	})
	return limited(list, limit), nil
}

func (s *Store) ClaimFollowup(_ context.Context, uf domain.UserFollowup, l store.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.userFollowups[uf.ID]
	if !ok || cur.Status != domain.FollowupPending || cur.EvaluateAfter.After(l.Now) || !claimFree(cur.ClaimedUntil, l.Now) {
		return fmt.Errorf("claim followup %d: %w", uf.ID, domain.ErrStale)
	}
	until := l.Until
	cur.ClaimToken, cur.ClaimedUntil, cur.UpdatedAt = l.Token, &until, l.Now
	s.userFollowups[uf.ID] = cur
	return nil
}

func (s *Store) CommitFollowup(_ context.Context, c store.FollowupCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.userFollowups[c.ID]
	if !ok || cur.ClaimToken != c.Token || cur.Status != domain.FollowupPending {
		return fmt.Errorf("commit followup %d: %w", c.ID, domain.ErrStale)
	}
	cur.Status, cur.EvaluateAfter = c.Status, c.EvaluateAfter
	cur.Attempts, cur.LastError, cur.CancelReason = c.Attempts, c.LastError, c.Reason
	cur.ClaimToken, cur.ClaimedUntil, cur.UpdatedAt = "", nil, c.At
	s.userFollowups[c.ID] = cur
	return nil
}

func (s *Store) CancelFollowups(_ context.Context, userID int64, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, uf := range s.userFollowups {
		if uf.UserID != userID || uf.Status != domain.FollowupPending {
			continue
		}
		uf.Status, uf.CancelReason = domain.FollowupCancelled, reason
		uf.ClaimToken, uf.ClaimedUntil, uf.UpdatedAt = "", nil, at
		s.userFollowups[id] = uf
		n++
	}
	return n, nil
}

// UserFollowups returns every follow-up occurrence of a user.
func (s *Store) UserFollowups(userID int64) []domain.UserFollowup {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.UserFollowup
	for _, id := range sortedIDs(s.userFollowups) {
		if uf := s.userFollowups[id]; uf.UserID == userID {
			list = append(list, uf)
		}
	}
	return list
}
