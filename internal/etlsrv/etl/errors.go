package etl

import (
	"net/http"

	"github.com/tansive/tabletenant/internal/common/apperrors"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
)

var (
	ErrETL                       apperrors.Error = apperrors.New("etl error").SetStatusCode(http.StatusInternalServerError)
	ErrDuplicateTable            apperrors.Error = dberror.ErrAlreadyExists.New("table already exists").SetReason("DUPLICATE_TABLE")
	ErrMissingConflictConstraint apperrors.Error = dberror.ErrConstraintViolation.New("the table has no unique constraint covering the conflict columns").SetReason("MISSING_CONFLICT_CONSTRAINT")
	ErrInvalidColumns            apperrors.Error = ErrETL.New("invalid column list").SetStatusCode(http.StatusBadRequest).SetReason("INVALID_COLUMNS")
	ErrInvalidPredicate          apperrors.Error = ErrETL.New("invalid row predicate").SetStatusCode(http.StatusBadRequest).SetReason("INVALID_PREDICATE")
	ErrWriterClosed              apperrors.Error = ErrETL.New("batch writer is closed")
)

// translate maps backing store errors to the errors callers act on.
func translate(err error, table string) error {
	switch dberror.PgCode(err) {
	case dberror.CodeDuplicateTable:
		return ErrDuplicateTable.MsgErr("table "+table+" already exists", err)
	case dberror.CodeNoConflictConstraint:
		return ErrMissingConflictConstraint.Err(err)
	case dberror.CodeUndefinedTable:
		return dberror.ErrNotFound.MsgErr("table "+table+" does not exist", err)
	}
	return dberror.Translate(err)
}
