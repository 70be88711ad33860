package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/ehr/mockserver/migrations"
)

func TestLoadMigrations(t *testing.T) {
	source := fstest.MapFS{
		"001_fhir_resources.sql": {Data: []byte("CREATE TABLE fhir_resources (id TEXT);")},
		"002_slot_search.sql":    {Data: []byte("CREATE INDEX a ON fhir_resources (id);")},
	}

	migrator := NewMigrator(nil, source)
	migs, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migs) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[0].Name != "001_fhir_resources.sql" {
		t.Errorf("unexpected first migration: %+v", migs[0])
	}
	if migs[0].SQL != "CREATE TABLE fhir_resources (id TEXT);" {
		t.Errorf("unexpected SQL content: %s", migs[0].SQL)
	}
	if migs[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migs[1].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	source := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migs, err := NewMigrator(nil, source).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	expected := []int{1, 2, 5, 10}
	if len(migs) != len(expected) {
		t.Fatalf("expected %d migrations, got %d", len(expected), len(migs))
	}
	for i, v := range expected {
		if migs[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migs[i].Version)
		}
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	source := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
	}

	migs, err := NewMigrator(nil, source).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migs))
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if migs[0].Name != "001_fhir_resources.sql" {
		t.Errorf("expected 001_fhir_resources.sql first, got %s", migs[0].Name)
	}
}

func TestMergeStatus(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_fhir_resources.sql"},
		{Version: 2, Name: "002_slot_search.sql"},
	}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	statuses := mergeStatus(migs, map[int]time.Time{1: at})

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 1 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 2 pending, got %+v", statuses[1])
	}
}

func TestLoadMigrations_EmptySource(t *testing.T) {
	migs, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migs))
	}
}
