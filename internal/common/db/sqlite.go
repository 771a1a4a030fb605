package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig configures the embedded SQLite database used for single-node runs and tests.
type SQLiteConfig struct {
	// Path to the database file, or ":memory:".
	Path string `yaml:"path"`
}

// SQLite implements Database on mattn/go-sqlite3.
type SQLite struct {
	sqlDB
}

// NewSQLite opens the database and limits the pool to one connection, which
// serializes writers and keeps an in-memory database alive across calls.
func NewSQLite(config SQLiteConfig) (*SQLite, error) {
	path := config.Path
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return &SQLite{sqlDB: sqlDB{db: db, dialect: DialectSQLite}}, nil
}
