package datamanager

import (
	"net/http"

	"github.com/tansive/tabletenant/internal/common/apperrors"
)

var (
	ErrDataManager          apperrors.Error = apperrors.New("data manager error").SetStatusCode(http.StatusInternalServerError)
	ErrInvalidRequest       apperrors.Error = ErrDataManager.New("invalid request").SetStatusCode(http.StatusBadRequest).SetReason("INVALID_REQUEST")
	ErrConfirmationMismatch apperrors.Error = ErrInvalidRequest.New("confirmation does not match").SetReason("CONFIRMATION_MISMATCH")
	ErrFileTooLarge         apperrors.Error = ErrDataManager.New("file is too large").SetStatusCode(http.StatusRequestEntityTooLarge).SetReason("FILE_TOO_LARGE")
	ErrUploadFailed         apperrors.Error = ErrDataManager.New("failed to store upload")
)
