// Package store holds the SQL for every table. Functions take a db.Conn so the
// reconciliation engine can run them inside its per-mutation transaction.
package store

import (
	"errors"
	"strings"
)

// ErrVersionMismatch is returned by conditional updates whose base version no
// longer matches the stored row.
var ErrVersionMismatch = errors.New("version mismatch")

// ErrLocationLocked is returned when claiming a location another audit
// report already holds.
var ErrLocationLocked = errors.New("location already locked")

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// expectOne maps a zero-row conditional update to ErrVersionMismatch.
func expectOne(n int64) error {
	if n == 0 {
		return ErrVersionMismatch
	}
	return nil
}
