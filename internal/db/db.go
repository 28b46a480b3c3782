package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const defaultDBName = "nudgeline.db"

type Config struct {
	// Path is the database file. Empty means .nudgeline/nudgeline.db.
	Path string
}

func (c Config) path() string {
	if c.Path == "" {
		return filepath.Join(".nudgeline", defaultDBName)
	}
	return c.Path
}

// EnsureDir creates the directory holding the database file.
func EnsureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Open opens the SQLite database with foreign keys on and a busy timeout.
// A single connection keeps writers serialized.
func Open(cfg Config) (*sqlx.DB, error) {
	path := cfg.path()
	if err := EnsureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
