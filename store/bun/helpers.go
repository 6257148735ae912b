package bunstore

import (
	"database/sql"
	"errors"

	"github.com/uptrace/bun/driver/pgdriver"
)

// unique_violation, per the PostgreSQL error code table.
const pgUniqueViolation = "23505"

// isNoRows reports whether a Scan came back empty. Callers translate
// this into the matching not-found sentinel for their record type.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey reports whether an insert collided with an existing
// row, such as creating an action whose (cluster, action) pair is
// already stored.
func isDuplicateKey(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == pgUniqueViolation
}
