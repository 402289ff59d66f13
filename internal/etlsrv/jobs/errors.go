package jobs

import (
	"errors"
	"net/http"

	"github.com/tansive/tabletenant/internal/common/apperrors"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dberror"
	"github.com/tansive/tabletenant/internal/etlsrv/quota"
)

var (
	ErrJob             apperrors.Error = apperrors.New("job error").SetStatusCode(http.StatusInternalServerError)
	ErrInvalidPayload  apperrors.Error = ErrJob.New("invalid job payload")
	ErrSchemaMismatch  apperrors.Error = ErrJob.New("file does not match the table").SetStatusCode(http.StatusUnprocessableEntity).SetReason("SCHEMA_MISMATCH")
	ErrStopped         apperrors.Error = ErrJob.New("job orchestrator is stopped").SetStatusCode(http.StatusServiceUnavailable)
	ErrMissingFilePath apperrors.Error = ErrInvalidPayload.New("job payload has no file")
)

// IsRetryable reports whether a failed attempt may succeed if the whole job runs again.
// Quota rejections, identifier, format, parse and constraint errors are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, dberror.ErrTransient) || errors.Is(err, quota.ErrQuotaCheckFailed)
}
