package admins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m3rciful/funnelbot/core/telegram/middleware"
	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
	"github.com/m3rciful/funnelbot/internal/store/memstore"
)

const (
	owner = int64(100)
	alice = int64(200)
	bob   = int64(300)
)

var _ middleware.Authorizer = (*Overlay)(nil)

func newOverlay() (*Overlay, *memstore.Store) {
	st := memstore.New()
	return New([]int64{owner}, st, clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))), st
}

func TestIsAuthorizedIsOrOverSources(t *testing.T) {
	o, _ := newOverlay()
	ctx := context.Background()

	if !o.IsAuthorized(ctx, owner) {
		t.Fatal("static admin must be authorized")
	}
	if o.IsAuthorized(ctx, alice) {
		t.Fatal("unknown user authorized")
	}
	if _, err := o.AddAdmin(ctx, domain.Admin{TelegramID: alice, Username: "alice"}, owner); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !o.IsAuthorized(ctx, alice) {
		t.Fatal("table admin must be authorized")
	}
	if err := o.RemoveAdmin(ctx, alice, owner); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if o.IsAuthorized(ctx, alice) {
		t.Fatal("removed admin still authorized")
	}
	if !o.IsAuthorized(ctx, owner) {
		t.Fatal("removing a table admin affected a static one")
	}
}

func TestAddAdmin(t *testing.T) {
	o, st := newOverlay()
	ctx := context.Background()

	if _, err := o.AddAdmin(ctx, domain.Admin{TelegramID: owner}, alice); !errors.Is(err, domain.ErrAlreadyAdmin) {
		t.Fatalf("static id: expected ErrAlreadyAdmin, got %v", err)
	}
	first, err := o.AddAdmin(ctx, domain.Admin{TelegramID: alice}, owner)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.AccessLevel != domain.DefaultAccessLevel || first.AddedBy == nil || *first.AddedBy != owner {
		t.Fatalf("unexpected admin row: %+v", first)
	}
	if _, err := o.AddAdmin(ctx, domain.Admin{TelegramID: alice}, owner); !errors.Is(err, domain.ErrAlreadyAdmin) {
		t.Fatalf("active row: expected ErrAlreadyAdmin, got %v", err)
	}

	if err := o.RemoveAdmin(ctx, alice, owner); err != nil {
		t.Fatalf("remove: %v", err)
	}
	again, err := o.AddAdmin(ctx, domain.Admin{TelegramID: alice}, bob)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("re-activation created a new row: %d != %d", again.ID, first.ID)
	}
	if ok, _ := st.IsActiveAdmin(ctx, owner); ok {
		t.Fatal("static id was written to the table")
	}
}

func TestRemoveAdmin(t *testing.T) {
	o, _ := newOverlay()
	ctx := context.Background()
	if _, err := o.AddAdmin(ctx, domain.Admin{TelegramID: alice}, owner); err != nil {
		t.Fatalf("add: %v", err)
	}

	tests := []struct {
		name   string
		target int64
		by     int64
		want   error
	}{
		{name: "static", target: owner, by: alice, want: domain.ErrProtectedIdentity},
		{name: "self", target: alice, by: alice, want: domain.ErrSelfRemoval},
		{name: "unknown", target: bob, by: alice, want: domain.ErrNotFound},
		{name: "ok", target: alice, by: owner},
		{name: "already removed", target: alice, by: owner, want: domain.ErrNotFound},
	}
	for _, tt := range tests {
		err := o.RemoveAdmin(ctx, tt.target, tt.by)
		if tt.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestList(t *testing.T) {
	o, _ := newOverlay()
	ctx := context.Background()
	if _, err := o.AddAdmin(ctx, domain.Admin{TelegramID: alice, Username: "alice"}, owner); err != nil {
		t.Fatalf("add: %v", err)
	}
	list, err := o.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %+v", list)
	}
	if list[0].TelegramID != owner || list[0].Source != SourceStatic {
		t.Fatalf("unexpected first entry: %+v", list[0])
	}
	if list[1].TelegramID != alice || list[1].Source != SourceDatabase || list[1].Username != "alice" {
		t.Fatalf("unexpected second entry: %+v", list[1])
	}
}

type failingAdmins struct{ store.Admins }

func (failingAdmins) IsActiveAdmin(context.Context, int64) (bool, error) {
	return false, errors.New("connection refused")
}

func TestStoreErrorKeepsStaticAdmins(t *testing.T) {
	o := New([]int64{owner}, failingAdmins{}, nil)
	ctx := context.Background()
	if !o.IsAuthorized(ctx, owner) {
		t.Fatal("static admin denied on store error")
	}
	if o.IsAuthorized(ctx, alice) {
		t.Fatal("store error must deny non-static ids")
	}
}
