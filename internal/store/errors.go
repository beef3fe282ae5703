// SPDX-License-Identifier: MIT

package store

import (
	"errors"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// IsUniqueViolation checks for a SQLite UNIQUE constraint violation, which is
// how the partial indexes report a taken session or queue slot.
func IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

// IsCheckViolation reports a CHECK constraint failure (e.g. a wallet debit
// below zero racing past the guarded UPDATE).
func IsCheckViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_CHECK
	}
	return false
}

// isBusy reports lock contention worth retrying. The primary code is in the
// low byte; extended busy codes share it.
func isBusy(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
