package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned (wrapped) by single-row lookups that miss.
var ErrNotFound = errors.New("not found")

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
