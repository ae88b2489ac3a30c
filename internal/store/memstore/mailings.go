package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

func (s *Store) CreateMailing(_ context.Context, m domain.Mailing) (domain.Mailing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextID()
	m.Status = domain.MailingScheduled
	m.Materialized = false
	s.mailings[m.ID] = m
	return m, nil
}

func (s *Store) GetMailing(_ context.Context, id int64) (domain.Mailing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mailings[id]
	if !ok {
		return domain.Mailing{}, fmt.Errorf("mailing %d: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (s *Store) ListMailings(_ context.Context, limit int) ([]domain.Mailing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := sortedIDs(s.mailings)
	list := make([]domain.Mailing, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		list = append(list, s.mailings[ids[i]])
	}
	return limited(list, limit), nil
}

func (s *Store) ListDueMailings(_ context.Context, now time.Time, limit int) ([]domain.Mailing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.Mailing
	for _, m := range s.mailings {
		if (m.Status == domain.MailingScheduled || m.Status == domain.MailingSending) && !m.ScheduledAt.After(now) {
			list = append(list, m)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ScheduledAt.Equal(list[j].ScheduledAt) {
			return list[i].ScheduledAt.Before(list[j].ScheduledAt)
		}
		return list[i].ID < list[j].ID
	})
	return limited(list, limit), nil
}

func (s *Store) inAudience(u domain.User, a domain.Audience) bool {
	switch string(a) {
	case domain.AudienceAll:
		return true
	case domain.AudienceActive:
		return u.Status == domain.UserActive
	case domain.AudienceWarmupCompleted:
		for _, r := range s.runs {
			if r.UserID == u.ID && r.Status == domain.RunCompleted {
				return true
			}
		}
		return false
	}
	if name, ok := a.Event(); ok {
		return s.hasEvent(u.ID, name)
	}
	return false
}

func (s *Store) MaterializeRecipients(_ context.Context, mailingID int64, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mailings[mailingID]
	if !ok || m.Materialized || m.Status != domain.MailingScheduled {
		return 0, fmt.Errorf("materialize mailing %d: %w", mailingID, domain.ErrStale)
	}
	if err := m.Audience.Validate(); err != nil {
		return 0, fmt.Errorf("materialize mailing %d: %w", mailingID, err)
	}
	existing := make(map[int64]bool)
	for _, r := range s.recipients {
		if r.MailingID == mailingID {
			existing[r.UserID] = true
		}
	}
	n := 0
	for _, uid := range sortedIDs(s.users) {
		if existing[uid] || !s.inAudience(s.users[uid], m.Audience) {
			continue
		}
		id := s.nextID()
		s.recipients[id] = domain.MailingRecipient{
			ID: id, MailingID: mailingID, UserID: uid, Status: domain.RecipientPending,
			NextAttemptAt: at, UpdatedAt: at,
		}
		n++
	}
	m.Materialized, m.Status = true, domain.MailingSending
	m.TotalRecipients = len(existing) + n
	s.mailings[mailingID] = m
	return n, nil
}

func (s *Store) ListDueRecipients(_ context.Context, mailingID int64, now time.Time, limit int) ([]domain.MailingRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.MailingRecipient
	for _, id := range sortedIDs(s.recipients) {
		r := s.recipients[id]
		if r.MailingID == mailingID && r.Status == domain.RecipientPending &&
			!r.NextAttemptAt.After(now) && claimFree(r.ClaimedUntil, now) {
			list = append(list, r)
		}
	}
	return limited(list, limit), nil
}

func (s *Store) ClaimRecipient(_ context.Context, r domain.MailingRecipient, l store.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recipients[r.ID]
	if !ok || cur.Status != domain.RecipientPending || cur.NextAttemptAt.After(l.Now) || !claimFree(cur.ClaimedUntil, l.Now) {
		return fmt.Errorf("claim recipient %d: %w", r.ID, domain.ErrStale)
	}
	until := l.Until
	cur.ClaimToken, cur.ClaimedUntil, cur.UpdatedAt = l.Token, &until, l.Now
	s.recipients[r.ID] = cur
	return nil
}

func (s *Store) CommitRecipient(_ context.Context, c store.RecipientCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recipients[c.ID]
	if !ok || cur.ClaimToken != c.Token || cur.Status != domain.RecipientPending {
		return fmt.Errorf("commit recipient %d: %w", c.ID, domain.ErrStale)
	}
	cur.Status, cur.NextAttemptAt = c.Status, c.NextAttemptAt
	cur.Attempts, cur.LastError = c.Attempts, c.LastError
	cur.ClaimToken, cur.ClaimedUntil, cur.UpdatedAt = "", nil, c.At
	if c.Status == domain.RecipientSent {
		sent := c.At
		cur.SentAt = &sent
	}
	s.recipients[c.ID] = cur

	m := s.mailings[c.MailingID]
	switch c.Status {
	case domain.RecipientSent:
		m.SentCount++
	case domain.RecipientFailed:
		m.FailedCount++
	}
	s.mailings[c.MailingID] = m
	return nil
}

func (s *Store) FinishMailing(_ context.Context, mailingID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mailings[mailingID]
	if !ok || m.Status != domain.MailingSending {
		return fmt.Errorf("finish mailing %d: %w", mailingID, domain.ErrStale)
	}
	for _, r := range s.recipients {
		if r.MailingID == mailingID && r.Status == domain.RecipientPending {
			return fmt.Errorf("finish mailing %d: %w", mailingID, domain.ErrStale)
		}
	}
	done := at
	m.Status, m.CompletedAt = domain.MailingCompleted, &done
	s.mailings[mailingID] = m
	return nil
}

func (s *Store) CancelMailing(_ context.Context, mailingID int64, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mailings[mailingID]
	if !ok {
		return 0, fmt.Errorf("cancel mailing %d: %w", mailingID, domain.ErrNotFound)
	}
	if m.Status != domain.MailingScheduled && m.Status != domain.MailingSending {
		return 0, fmt.Errorf("cancel mailing %d: %w: mailing is %s", mailingID, domain.ErrInvalidState, m.Status)
	}
	done := at
	m.Status, m.CompletedAt = domain.MailingCancelled, &done
	s.mailings[mailingID] = m
	n := 0
	for id, r := range s.recipients {
		if r.MailingID != mailingID || r.Status != domain.RecipientPending {
			continue
		}
		r.Status, r.ClaimToken, r.ClaimedUntil, r.UpdatedAt = domain.RecipientCancelled, "", nil, at
		s.recipients[id] = r
		n++
	}
	return n, nil
}

func (s *Store) CancelRecipient(_ context.Context, mailingID, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.recipients {
		if r.MailingID == mailingID && r.UserID == userID && r.Status == domain.RecipientPending {
			r.Status, r.ClaimToken, r.ClaimedUntil, r.UpdatedAt = domain.RecipientCancelled, "", nil, at
			s.recipients[id] = r
			return nil
		}
	}
	return fmt.Errorf("cancel recipient %d of mailing %d: %w", userID, mailingID, domain.ErrStale)
}

func (s *Store) ListRecipients(_ context.Context, mailingID int64) ([]domain.MailingRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.MailingRecipient
	for _, id := range sortedIDs(s.recipients) {
		if r := s.recipients[id]; r.MailingID == mailingID {
			list = append(list, r)
		}
	}
	return list, nil
}
