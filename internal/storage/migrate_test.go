package storage

import (
	"io/fs"
	"reflect"
	"strings"
	"testing"
)

func TestUpMigrationsBetween(t *testing.T) {
	got, err := upMigrationsBetween(0, 1)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if want := []string{"0001_init.up.sql"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	got, err = upMigrationsBetween(1, 1)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("no migrations expected at the current version, got %v", got)
	}
}

func TestEveryUpMigrationHasDown(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	files := make(map[string]bool, len(entries))
	for _, entry := range entries {
		files[entry.Name()] = true
	}
	for name := range files {
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		if !strings.HasSuffix(name, ".up.sql") && !strings.HasSuffix(name, ".down.sql") {
			t.Fatalf("migration %s is neither up nor down", name)
		}
		if base, ok := strings.CutSuffix(name, ".up.sql"); ok && !files[base+".down.sql"] {
			t.Fatalf("migration %s has no down file", name)
		}
	}
}
