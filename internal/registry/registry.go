// Package registry is the read side of the scenario, dialog and follow-up
// catalog. Definitions are read fresh on every call, so operator edits are
// visible to the next tick; callers treat a missing step or question as the
// end of the sequence.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/m3rciful/funnelbot/internal/domain"
	"github.com/m3rciful/funnelbot/internal/store"
)

// Registry resolves catalog definitions by id.
type Registry struct {
	catalog store.Catalog
}

// New wraps a catalog store.
func New(catalog store.Catalog) *Registry {
	return &Registry{catalog: catalog}
}

// GetScenario returns the scenario with steps ordered by position, or an
// error wrapping domain.ErrNotFound.
func (r *Registry) GetScenario(ctx context.Context, id int64) (domain.Scenario, error) {
	sc, err := r.catalog.GetScenario(ctx, id)
	if err != nil {
		return domain.Scenario{}, fmt.Errorf("registry: %w", err)
	}
	return ordered(sc), nil
}

// ActiveScenario returns the newest active scenario, the one assigned to
// users on first contact.
func (r *Registry) ActiveScenario(ctx context.Context) (domain.Scenario, error) {
	sc, err := r.catalog.LatestActiveScenario(ctx)
	if err != nil {
		return domain.Scenario{}, fmt.Errorf("registry: %w", err)
	}
	return ordered(sc), nil
}

// GetDialog returns the dialog tree or an error wrapping domain.ErrNotFound.
func (r *Registry) GetDialog(ctx context.Context, id int64) (domain.Dialog, error) {
	d, err := r.catalog.GetDialog(ctx, id)
	if err != nil {
		return domain.Dialog{}, fmt.Errorf("registry: %w", err)
	}
	return d, nil
}

// ListDialogs returns the active dialogs offered in the FAQ menu.
func (r *Registry) ListDialogs(ctx context.Context) ([]domain.Dialog, error) {
	list, err := r.catalog.ListDialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return list, nil
}

func (r *Registry) GetFollowup(ctx context.Context, id int64) (domain.Followup, error) {
	f, err := r.catalog.GetFollowup(ctx, id)
	if err != nil {
		return domain.Followup{}, fmt.Errorf("registry: %w", err)
	}
	return f, nil
}

// FollowupsAnchoredOn lists active follow-ups scheduled by the named event.
func (r *Registry) FollowupsAnchoredOn(ctx context.Context, event string) ([]domain.Followup, error) {
	list, err := r.catalog.FollowupsByAnchor(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return list, nil
}

func ordered(sc domain.Scenario) domain.Scenario {
	sort.SliceStable(sc.Steps, func(i, j int) bool { return sc.Steps[i].Position < sc.Steps[j].Position })
	return sc
}
