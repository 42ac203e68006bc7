package sqldb

import (
	"testing"
	"testing/fstest"

	"OpenMCP-Sweep/deploy/migrations"
)

func TestRebindPostgres(t *testing.T) {
	got := Postgres.Rebind(`UPDATE sweep_jobs SET status = ? WHERE id = ? AND attempts < ?`)
	want := `UPDATE sweep_jobs SET status = $1 WHERE id = $2 AND attempts < $3`
	if got != want {
		t.Fatalf("unexpected rebind: %s", got)
	}
	if MySQL.Rebind("a = ?") != "a = ?" {
		t.Fatalf("mysql query must stay unchanged")
	}
}

func TestParseDialect(t *testing.T) {
	for input, want := range map[string]Dialect{"mysql": MySQL, "Postgres": Postgres, "pgx": Postgres} {
		got, err := ParseDialect(input)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseDialect("sqlite"); err == nil {
		t.Fatalf("expected sqlite to be rejected")
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"mysql/0002_index.sql": {Data: []byte("CREATE INDEX a ON t (c);")},
		"mysql/0001_init.sql":  {Data: []byte("CREATE TABLE t (c INT);\nCREATE TABLE u (c INT);")},
		"mysql/README.md":      {Data: []byte("ignored")},
		"mysql/0003_empty.sql": {Data: []byte("  ;  ")},
		"postgres/0001_pg.sql": {Data: []byte("SELECT 1;")},
	}
	files, err := loadMigrationFiles(fsys, "mysql")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || len(files[0].statements) != 2 {
		t.Fatalf("unexpected first migration: %+v", files[0])
	}
	if files[1].version != "0002" {
		t.Fatalf("unexpected second migration: %+v", files[1])
	}
}

func TestEmbeddedMigrationsExistForEveryDialect(t *testing.T) {
	for _, d := range []Dialect{MySQL, Postgres} {
		files, err := loadMigrationFiles(migrations.Files, string(d))
		if err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		if len(files) == 0 {
			t.Fatalf("%s: no migrations embedded", d)
		}
	}
}
