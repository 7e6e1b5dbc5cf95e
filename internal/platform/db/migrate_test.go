package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/migrations"
)

func files(m map[string]string) fstest.MapFS {
	out := fstest.MapFS{}
	for name, content := range m {
		out[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return out
}

func TestLoadMigrations(t *testing.T) {
	fsys := files(map[string]string{
		"010_tables.sql":  "SELECT 10;",
		"002_second.sql":  "SELECT 2;",
		"001_first.sql":   "SELECT 1;",
		"005_middle.sql":  "SELECT 5;",
		"README.md":       "not a migration",
		"init.sql":        "no prefix",
		"abc_bad.sql":     "non numeric prefix",
		"000_zero.sql":    "zero is not a version",
		"sub/003_sub.sql": "nested files are ignored",
	})

	migrations, err := NewMigrator(nil, fsys, zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migrations[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_first.sql" || migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := files(map[string]string{
		"001_a.sql":  "SELECT 1;",
		"0001_b.sql": "SELECT 1;",
	})
	if _, err := NewMigrator(nil, fsys, zerolog.Nop()).LoadMigrations(); err == nil {
		t.Fatal("expected an error for duplicate versions")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS, zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) < 2 {
		t.Fatalf("expected the bundled migrations, got %d", len(migs))
	}
	if migs[0].Name != "001_resource_versions.sql" || migs[1].Name != "002_audit_events.sql" {
		t.Errorf("unexpected bundled migrations: %s, %s", migs[0].Name, migs[1].Name)
	}
}

func TestPending(t *testing.T) {
	migs := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 4}}
	applied := map[int]time.Time{1: time.Now(), 3: time.Now()}

	tests := []struct {
		name   string
		target int
		want   []int
	}{
		{"all", 0, []int{2, 4}},
		{"up to 3", 3, []int{2}},
		{"up to 1", 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pending(migs, applied, tt.target)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i, v := range tt.want {
				if got[i].Version != v {
					t.Errorf("pending[%d]: expected %d, got %d", i, v, got[i].Version)
				}
			}
		})
	}
}

func TestStatuses(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	migs := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}

	statuses := Statuses(migs, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", statuses[1])
	}
}

func TestNewMigrator_Schema(t *testing.T) {
	m := NewMigrator(nil, files(nil), zerolog.Nop())
	if m.schema != DefaultSchema {
		t.Errorf("expected schema %q, got %q", DefaultSchema, m.schema)
	}
	if m.WithSchema("fhir").schema != "fhir" {
		t.Error("expected WithSchema to override the schema")
	}
}
