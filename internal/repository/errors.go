package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/travelops/internal/storage"
)

var (
	ErrNotFound  = storage.ErrNotFound
	ErrDuplicate = storage.ErrDuplicate
)

const pgUniqueViolation = "23505"

// mapPgError turns a unique violation into ErrDuplicate and leaves any
// other error as is.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}
