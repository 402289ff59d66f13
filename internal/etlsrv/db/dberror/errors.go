package dberror

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/tansive/tabletenant/internal/common/apperrors"
)

var (
	ErrDatabase            apperrors.Error = apperrors.New("db error").SetStatusCode(http.StatusInternalServerError)
	ErrAlreadyExists       apperrors.Error = ErrDatabase.New("already exists").SetStatusCode(http.StatusConflict)
	ErrNotFound            apperrors.Error = ErrDatabase.New("not found").SetStatusCode(http.StatusNotFound)
	ErrInvalidInput        apperrors.Error = ErrDatabase.New("invalid input").SetStatusCode(http.StatusBadRequest)
	ErrMissingTenantID     apperrors.Error = ErrInvalidInput.New("missing tenant ID").SetStatusCode(http.StatusBadRequest)
	ErrConstraintViolation apperrors.Error = ErrDatabase.New("constraint violation").SetStatusCode(http.StatusConflict).SetReason("CONSTRAINT_VIOLATION")
	ErrTransient           apperrors.Error = ErrDatabase.New("temporary database failure").SetStatusCode(http.StatusServiceUnavailable)
	ErrTimeout             apperrors.Error = ErrTransient.New("statement timed out").SetStatusCode(http.StatusServiceUnavailable)
	ErrLockTimeout         apperrors.Error = ErrTransient.New("lock not available").SetStatusCode(http.StatusServiceUnavailable)
)

// Postgres SQLSTATE codes inspected by the service.
const (
	CodeUniqueViolation       = "23505"
	CodeNotNullViolation      = "23502"
	CodeCheckViolation        = "23514"
	CodeInvalidTextRepr       = "22P02"
	CodeInvalidDatetimeFormat = "22007"
	CodeDatetimeOverflow      = "22008"
	CodeNumericOverflow       = "22003"
	CodeDuplicateTable        = "42P07"
	CodeDuplicateSchema       = "42P06"
	CodeUndefinedTable        = "42P01"
	CodeUndefinedColumn       = "42703"
	CodeInvalidSchemaName     = "3F000"
	CodeNoConflictConstraint  = "42P10"
	CodeQueryCanceled         = "57014"
	CodeLockNotAvailable      = "55P03"
	CodeSerializationFailure  = "40001"
	CodeDeadlockDetected      = "40P01"
)

// PgCode returns the SQLSTATE of err, or "" when err is not a Postgres error.
func PgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Translate maps a driver error to one of the package errors, keeping the original wrapped.
// Errors that are already application errors are returned unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var appErr apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound.Err(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout.Err(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case CodeUniqueViolation:
			msg := "a row with the same key already exists"
			if pgErr.ConstraintName != "" {
				msg += " (" + pgErr.ConstraintName + ")"
			}
			return ErrConstraintViolation.MsgErr(msg, err)
		case CodeNotNullViolation:
			msg := "a required value is missing"
			if pgErr.ColumnName != "" {
				msg = "column " + pgErr.ColumnName + " does not allow empty values"
			}
			return ErrConstraintViolation.MsgErr(msg, err)
		case CodeCheckViolation:
			return ErrConstraintViolation.MsgErr("value rejected by check constraint "+pgErr.ConstraintName, err)
		case CodeInvalidTextRepr, CodeInvalidDatetimeFormat, CodeDatetimeOverflow, CodeNumericOverflow:
			return ErrInvalidInput.MsgErr("value does not match the column type: "+pgErr.Message, err)
		case CodeUndefinedColumn:
			return ErrInvalidInput.MsgErr(pgErr.Message, err)
		case CodeDuplicateTable, CodeDuplicateSchema:
			return ErrAlreadyExists.Err(err)
		case CodeUndefinedTable, CodeInvalidSchemaName:
			return ErrNotFound.Err(err)
		case CodeQueryCanceled:
			return ErrTimeout.Err(err)
		case CodeLockNotAvailable:
			return ErrLockTimeout.Err(err)
		case CodeSerializationFailure, CodeDeadlockDetected:
			return ErrTransient.Err(err)
		}
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") {
			// connection exceptions and insufficient resources
			return ErrTransient.Err(err)
		}
	}
	return ErrDatabase.Err(err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
