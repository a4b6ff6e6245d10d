package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coachpo/execguard/errs"
)

const component = "postgres"

func notFound(kind, id string) error {
	return errs.New(component, errs.CodeNotFound,
		errs.WithMessage(kind+" not found"), errs.WithField("id", id))
}

func conflict(kind, id string, cause error) error {
	return errs.New(component, errs.CodeConflict,
		errs.WithMessage(kind+" already exists"), errs.WithField("id", id), errs.WithCause(cause))
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
