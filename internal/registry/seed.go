package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/funnelbot/core/bootstrap"
	"github.com/m3rciful/funnelbot/core/logger"
	"github.com/m3rciful/funnelbot/internal/store"
	"github.com/m3rciful/funnelbot/internal/store/postgres"
)

// SeedReport counts inserted and already present catalog entries.
type SeedReport struct {
	Created int
	Skipped int
}

// Seed inserts catalog entries missing from the store. Entries are matched
// by name and existing ones are left untouched, so operator edits survive a
// restart.
func Seed(ctx context.Context, s store.CatalogSeeder, c Catalog) (SeedReport, error) {
	var rep SeedReport
	count := func(kind, name string, id int64, created bool) {
		if created {
			rep.Created++
		} else {
			rep.Skipped++
		}
		logger.SEED.LogAttrs(ctx, slog.LevelDebug, "",
			slog.String("event", "seed.entry"),
			slog.String("kind", kind),
			slog.String("name", name),
			slog.Int64("id", id),
			slog.Bool("created", created),
		)
	}
	for _, sc := range c.Scenarios {
		id, created, err := s.SeedScenario(ctx, sc.Scenario())
		if err != nil {
			return rep, fmt.Errorf("seed scenario %s: %w", sc.Name, err)
		}
		count("scenario", sc.Name, id, created)
	}
	for _, d := range c.Dialogs {
		id, created, err := s.SeedDialog(ctx, d.Draft())
		if err != nil {
			return rep, fmt.Errorf("seed dialog %s: %w", d.Name, err)
		}
		count("dialog", d.Name, id, created)
	}
	for _, f := range c.Followups {
		id, created, err := s.SeedFollowup(ctx, f.Followup())
		if err != nil {
			return rep, fmt.Errorf("seed followup %s: %w", f.Name, err)
		}
		count("followup", f.Name, id, created)
	}
	return rep, nil
}

// Seeder loads the catalog file at path into PostgreSQL during bootstrap. An
// empty path disables seeding.
func Seeder(path string) bootstrap.Seeder {
	return bootstrap.SeederFunc{
		Label: "catalog",
		Fn: func(ctx context.Context, db *sqlx.DB) error {
			if path == "" {
				return nil
			}
			c, err := LoadCatalog(path)
			if err != nil {
				return err
			}
			rep, err := Seed(ctx, postgres.New(db), c)
			if err != nil {
				return err
			}
			logger.SEED.LogAttrs(ctx, slog.LevelInfo, "",
				slog.String("event", "seed.catalog"),
				slog.String("path", path),
				slog.Int("created", rep.Created),
				slog.Int("skipped", rep.Skipped),
			)
			return nil
		},
	}
}
