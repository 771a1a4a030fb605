package db

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

const mysqlDuplicateEntry = 1062

// IsNoRows reports whether a single-row lookup found nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// UniqueViolation reports whether err is a duplicate key error from MySQL
// or SQLite. The violated key name is returned when MySQL names it.
func UniqueViolation(err error) (key string, ok bool) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return duplicateKeyName(myErr.Message), true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return "", true
		}
	}
	return "", false
}

// duplicateKeyName pulls the key out of "Duplicate entry 'x' for key 'name'".
func duplicateKeyName(message string) string {
	const marker = "for key "
	i := strings.LastIndex(message, marker)
	if i < 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(message[i+len(marker):]), "`\"'")
}
