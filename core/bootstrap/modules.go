package bootstrap

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Seeder loads reference data after migrations. Seeders must be idempotent:
// they run on every start.
type Seeder interface {
	Name() string
	Seed(ctx context.Context, db *sqlx.DB) error
}

// SeederFunc adapts a bare function to the Seeder interface.
type SeederFunc struct {
	Label string
	Fn    func(ctx context.Context, db *sqlx.DB) error
}

func (f SeederFunc) Name() string { return f.Label }

func (f SeederFunc) Seed(ctx context.Context, db *sqlx.DB) error {
	return f.Fn(ctx, db)
}

// Modules groups optional bootstrapping hooks.
type Modules struct {
	Seeders []Seeder
}
