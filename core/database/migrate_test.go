package database

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSelectApplied(t *testing.T) {
	files := []string{"0001_users.up.sql", "0002_warmups.up.sql", "0003_followups.up.sql"}
	got := selectApplied(files, 1, 3)
	if len(got) != 2 || got[0] != "0002_warmups.up.sql" {
		t.Fatalf("unexpected applied set %v", got)
	}
	if got := selectApplied(files, 3, 3); len(got) != 0 {
		t.Fatalf("expected nothing applied, got %v", got)
	}
}

func TestListMigrationFilesSkipsDown(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	got := listMigrationFiles(dir)
	if len(got) != 2 || got[0] != "0001_a.up.sql" {
		t.Fatalf("unexpected listing %v", got)
	}
}

func TestConfigURL(t *testing.T) {
	cfg := Config{Host: "db", Port: "5432", User: "bot", Password: "p@ss", Name: "funnel"}
	if got, want := cfg.URL(), "postgres://bot:p%40ss@db:5432/funnel?sslmode=disable"; got != want {
		t.Fatalf("URL() = %s, want %s", got, want)
	}
}
