// Package admins overlays the statically configured admin ids with the
// database-managed admin table. The two sources are never merged: static
// identities cannot be added, removed or shadowed through the table.
package admins

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/m3rciful/funnelbot/core/logger"
	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

// Source tells where an admin identity comes from.
type Source string

const (
	SourceStatic   Source = "static"
	SourceDatabase Source = "database"
)

// Entry is one admin as shown to operators.
type Entry struct {
	TelegramID  int64
	Username    string
	FullName    string
	AccessLevel int
	Source      Source
}

// Overlay answers authorization questions over both sources.
type Overlay struct {
	static map[int64]struct{}
	store  store.Admins
	clock  clock.Clock
}

// New builds an overlay over the static ids and the admin table.
func New(staticIDs []int64, st store.Admins, clk clock.Clock) *Overlay {
	if clk == nil {
		clk = clock.System{}
	}
	set := make(map[int64]struct{}, len(staticIDs))
	for _, id := range staticIDs {
		set[id] = struct{}{}
	}
	return &Overlay{static: set, store: st, clock: clk}
}

// IsStatic reports whether id is configured statically.
func (o *Overlay) IsStatic(id int64) bool {
	_, ok := o.static[id]
	return ok
}

// IsAuthorized is true for static ids and active table admins. A store
// error denies everyone but the static ids.
func (o *Overlay) IsAuthorized(ctx context.Context, telegramID int64) bool {
	if o.IsStatic(telegramID) {
		return true
	}
	if o.store == nil {
		return false
	}
	ok, err := o.store.IsActiveAdmin(ctx, telegramID)
	if err != nil {
		logger.Warn(ctx, logger.CompAdmins, "lookup.fail",
			slog.Int64("user_id", telegramID),
			slog.String("err", err.Error()),
		)
		return false
	}
	return ok
}

// AddAdmin activates a table admin on behalf of by. Static ids and active
// rows fail with domain.ErrAlreadyAdmin; a deactivated row is re-activated.
func (o *Overlay) AddAdmin(ctx context.Context, a domain.Admin, by int64) (domain.Admin, error) {
	if o.IsStatic(a.TelegramID) {
		return domain.Admin{}, fmt.Errorf("admin %d is static: %w", a.TelegramID, domain.ErrAlreadyAdmin)
	}
	if a.AccessLevel == 0 {
		a.AccessLevel = domain.DefaultAccessLevel
	}
	a.AddedBy = &by
	a.CreatedAt = o.clock.Now()
	out, err := o.store.ActivateAdmin(ctx, a)
	if err != nil {
		return domain.Admin{}, err
	}
	logger.Info(ctx, logger.CompAdmins, "admin.add",
		slog.Int64("admin_id", a.TelegramID),
		slog.Int64("by", by),
	)
	return out, nil
}

// RemoveAdmin soft-deletes a table admin on behalf of by.
func (o *Overlay) RemoveAdmin(ctx context.Context, telegramID, by int64) error {
	switch {
	case o.IsStatic(telegramID):
		return fmt.Errorf("admin %d: %w", telegramID, domain.ErrProtectedIdentity)
	case telegramID == by:
		return fmt.Errorf("admin %d: %w", telegramID, domain.ErrSelfRemoval)
	}
	if err := o.store.DeactivateAdmin(ctx, telegramID, o.clock.Now()); err != nil {
		return err
	}
	logger.Info(ctx, logger.CompAdmins, "admin.remove",
		slog.Int64("admin_id", telegramID),
		slog.Int64("by", by),
	)
	return nil
}

// List returns the static admins, in id order, followed by the active table
// admins.
func (o *Overlay) List(ctx context.Context) ([]Entry, error) {
	ids := make([]int64, 0, len(o.static))
	for id := range o.static {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry{TelegramID: id, Source: SourceStatic})
	}
	rows, err := o.store.ListAdmins(ctx)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	for _, a := range rows {
		if o.IsStatic(a.TelegramID) {
			continue
		}
		out = append(out, Entry{
			TelegramID:  a.TelegramID,
			Username:    a.Username,
			FullName:    a.FullName,
			AccessLevel: a.AccessLevel,
			Source:      SourceDatabase,
		})
	}
	return out, nil
}
