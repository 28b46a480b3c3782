package migrate

import (
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"nudgeline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "m.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if v, err := Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	v, err := Version(conn)
	if err != nil || v != 3 {
		t.Fatalf("version = %d, %v", v, err)
	}
	hist, err := History(conn)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 || hist[0].Name != "001_init.sql" || hist[2].Name != "003_webhook_cursors.sql" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestFailedMigrationLeavesNoRecord(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "m.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	bad := []Migration{
		{Version: 1, Name: "001_ok.sql", UpSQL: "CREATE TABLE a(id INTEGER);"},
		{Version: 2, Name: "002_bad.sql", UpSQL: "CREATE TABLE b(id INTEGER); SELEKT 1;"},
	}
	if err := apply(conn, bad); err == nil || !strings.Contains(err.Error(), "002_bad.sql") {
		t.Fatalf("expected failure naming the file, got %v", err)
	}
	if v, _ := Version(conn); v != 1 {
		t.Fatalf("version after failure = %d, want 1", v)
	}
	var n int
	if err := conn.Get(&n, `SELECT COUNT(*) FROM sqlite_master WHERE name='b'`); err != nil || n != 0 {
		t.Fatalf("partial migration was kept: n=%d err=%v", n, err)
	}
}

func TestLoadMigrationsValidatesNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no version": {"sql/init.sql": {Data: []byte("")}},
		"duplicate": {
			"sql/001_a.sql": {Data: []byte("")},
			"sql/1_b.sql":   {Data: []byte("")},
		},
	}
	for name, fsys := range cases {
		if _, err := loadMigrations(fsys); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	got, err := loadMigrations(fstest.MapFS{
		"sql/010_late.sql":  {Data: []byte("x")},
		"sql/002_early.sql": {Data: []byte("y")},
	})
	if err != nil || len(got) != 2 || got[0].Version != 2 || got[1].Version != 10 {
		t.Fatalf("unexpected order %+v %v", got, err)
	}
}
