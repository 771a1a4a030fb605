package repository

import (
	"context"
	"fmt"

	"codejudge/internal/common/db"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS problems (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		time_limit_seconds DOUBLE NOT NULL,
		reference_content MEDIUMTEXT NOT NULL,
		reference_location VARCHAR(512) NOT NULL DEFAULT '',
		input_content MEDIUMTEXT NOT NULL,
		input_location VARCHAR(512) NOT NULL DEFAULT '',
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		owner_id VARCHAR(64) NOT NULL DEFAULT '',
		problem_id VARCHAR(64) NOT NULL,
		contest_id VARCHAR(64) NOT NULL DEFAULT '',
		language_id VARCHAR(32) NOT NULL,
		status VARCHAR(32) NOT NULL,
		execution_time DOUBLE NOT NULL DEFAULT 0,
		attempt_count INT NOT NULL DEFAULT 0,
		last_retry_at DATETIME(3) NULL,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		KEY idx_submissions_owner (owner_id),
		KEY idx_submissions_contest (contest_id)
	)`,
	`CREATE TABLE IF NOT EXISTS submission_attempts (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		submission_id VARCHAR(64) NOT NULL,
		attempt_number INT NOT NULL,
		outcome VARCHAR(32) NOT NULL,
		error_detail TEXT NOT NULL,
		created_at DATETIME(3) NOT NULL,
		UNIQUE KEY uk_attempt (submission_id, attempt_number)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS problems (
		id TEXT NOT NULL PRIMARY KEY,
		time_limit_seconds REAL NOT NULL,
		reference_content TEXT NOT NULL,
		reference_location TEXT NOT NULL DEFAULT '',
		input_content TEXT NOT NULL,
		input_location TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id TEXT NOT NULL PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		problem_id TEXT NOT NULL,
		contest_id TEXT NOT NULL DEFAULT '',
		language_id TEXT NOT NULL,
		status TEXT NOT NULL,
		execution_time REAL NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at DATETIME NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_owner ON submissions (owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_contest ON submissions (contest_id)`,
	`CREATE TABLE IF NOT EXISTS submission_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		error_detail TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (submission_id, attempt_number)
	)`,
}

// EnsureSchema creates the judge tables when they do not exist.
func EnsureSchema(ctx context.Context, database db.Database) error {
	var stmts []string
	switch database.Dialect() {
	case db.DialectMySQL:
		stmts = mysqlSchema
	case db.DialectSQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("unsupported dialect %q", database.Dialect())
	}
	for _, stmt := range stmts {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
