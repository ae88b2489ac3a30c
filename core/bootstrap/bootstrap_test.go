package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/funnelbot/core/config"
	coredatabase "github.com/m3rciful/funnelbot/core/database"
)

func fakeDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectClose()
	return sqlx.NewDb(db, "postgres")
}

func TestRunExecutesSeedersInOrder(t *testing.T) {
	var order []string
	seeder := func(name string) Seeder {
		return SeederFunc{Label: name, Fn: func(context.Context, *sqlx.DB) error {
			order = append(order, name)
			return nil
		}}
	}
	res, err := Run(context.Background(), Options{
		Config:     &coreconfig.Config{},
		LoggerInit: func(*coreconfig.Config) error { return nil },
		Connect:    func(coredatabase.Config) (*sqlx.DB, error) { return fakeDB(t), nil },
		Migrate:    func(coredatabase.Config) error { order = append(order, "migrate"); return nil },
		Modules:    Modules{Seeders: []Seeder{seeder("catalog"), seeder("admins")}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.DB == nil {
		t.Fatal("expected db in result")
	}
	want := []string{"migrate", "catalog", "admins"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRunStopsOnSeederError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Run(context.Background(), Options{
		Config:     &coreconfig.Config{},
		LoggerInit: func(*coreconfig.Config) error { return nil },
		Connect:    func(coredatabase.Config) (*sqlx.DB, error) { return fakeDB(t), nil },
		Migrate:    func(coredatabase.Config) error { return nil },
		Modules: Modules{Seeders: []Seeder{SeederFunc{Label: "catalog", Fn: func(context.Context, *sqlx.DB) error {
			return boom
		}}}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected seeder error, got %v", err)
	}
}
