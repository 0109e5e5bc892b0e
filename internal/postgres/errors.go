package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

// classify maps driver errors onto the error kinds the worker pool routes on
func classify(err error, op string) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return errval.Wrap(errval.KindConflict, "record already exists", err)
		case pgErr.Code == pgerrcode.ForeignKeyViolation:
			return errval.Wrap(errval.KindUnprocessable, "referenced record does not exist", err)
		case pgErr.Code == pgerrcode.CheckViolation:
			return errval.Wrap(errval.KindUnprocessable, "value violates a constraint of "+pgErr.TableName, err)
		case pgErr.Code == pgerrcode.NotNullViolation:
			return errval.Wrap(errval.KindValidation, fmt.Sprintf("column %s is required", pgErr.ColumnName), err)
		case pgerrcode.IsDataException(pgErr.Code):
			return errval.Wrap(errval.KindValidation, "invalid value", err)
		case pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected,
			pgErr.Code == pgerrcode.LockNotAvailable,
			pgErr.Code == pgerrcode.QueryCanceled,
			pgErr.Code == pgerrcode.TooManyConnections,
			pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code):
			return errval.Transient("database "+op+" failed", err)
		}
		return fmt.Errorf("database %s: %w", op, err)
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errval.Transient("database "+op+" timed out", err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errval.Transient("database unreachable", err)
	}

	return fmt.Errorf("database %s: %w", op, err)
}
