package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// storeError wraps a pgx failure as a domain.StoreError. When the server
// reported the failure itself, its message is kept for display.
func storeError(op string, err error) error {
	se := &domain.StoreError{Op: op, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		se.Message = pgErr.Message
	}
	return se
}
