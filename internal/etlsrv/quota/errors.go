package quota

import (
	"net/http"

	"github.com/tansive/tabletenant/internal/common/apperrors"
)

var (
	ErrQuota                 apperrors.Error = apperrors.New("quota error").SetStatusCode(http.StatusInternalServerError)
	ErrTableLimitExceeded    apperrors.Error = ErrQuota.New("table limit exceeded").SetStatusCode(http.StatusConflict).SetReason(string(ReasonTableLimitExceeded))
	ErrStorageQuotaExceeded  apperrors.Error = ErrQuota.New("storage quota exceeded").SetStatusCode(http.StatusRequestEntityTooLarge).SetReason(string(ReasonStorageQuotaExceeded))
	ErrQuotaCheckFailed      apperrors.Error = ErrQuota.New("quota check failed").SetStatusCode(http.StatusServiceUnavailable).SetReason("QUOTA_CHECK_FAILED")
	ErrLockAcquisitionFailed apperrors.Error = ErrQuotaCheckFailed.New("could not acquire the quota lock").SetStatusCode(http.StatusServiceUnavailable).SetReason("LOCK_ACQUISITION_FAILED")
)
