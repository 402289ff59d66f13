package apperrors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("TestError", func(t *testing.T) {
		ErrBaseErr := New("base error")
		assert.Equal(t, "base error", ErrBaseErr.Error())
		assert.Equal(t, "msg", ErrBaseErr.New("msg").Error())
		assert.ErrorIs(t, ErrBaseErr, ErrBaseErr)

		ErrFirstLevel := ErrBaseErr.New("first level")
		assert.Equal(t, "first level", ErrFirstLevel.Error())
		assert.ErrorIs(t, ErrFirstLevel, ErrBaseErr)

		ErrAnotherErr := New("another error")
		ErrWrappedErr := ErrFirstLevel.Err(ErrAnotherErr)
		assert.Equal(t, "first level", ErrWrappedErr.Error())
		assert.ErrorIs(t, ErrWrappedErr, ErrBaseErr)
		assert.ErrorIs(t, ErrWrappedErr, ErrAnotherErr)

		err := errors.New("error")
		ErrWrappedErr = ErrFirstLevel.Err(err)
		assert.Equal(t, "first level", ErrWrappedErr.Error())
		assert.ErrorIs(t, ErrWrappedErr, ErrBaseErr)
		assert.ErrorIs(t, ErrWrappedErr, err)

		ErrWrappedErr = ErrFirstLevel.MsgErr("msg", err)
		assert.Equal(t, "msg", ErrWrappedErr.Error())
		assert.ErrorIs(t, ErrWrappedErr, ErrBaseErr)
		assert.ErrorIs(t, ErrWrappedErr, err)
	})

	t.Run("derivation does not mutate base", func(t *testing.T) {
		ErrBase := New("base").SetStatusCode(http.StatusConflict).SetReason("BASE")
		derived := ErrBase.Msg("changed").Prefix("p").Suffix("s")
		assert.Equal(t, "base", ErrBase.Error())
		assert.Equal(t, "p: changed: s", derived.Error())
		assert.Equal(t, "p: changed: s", derived.Error())
		assert.Equal(t, http.StatusConflict, derived.StatusCode())
		assert.Equal(t, "BASE", derived.Reason())
		assert.ErrorIs(t, derived, ErrBase)
	})

	t.Run("expand error", func(t *testing.T) {
		ErrBase := New("base")
		e := ErrBase.Err(errors.New("a"), errors.New("b")).SetExpandError(true)
		assert.Equal(t, "base: a;b", e.ErrorAll())
		assert.Equal(t, "base", ErrBase.ErrorAll())
	})

	t.Run("status and reason through wrapping", func(t *testing.T) {
		ErrQuota := New("quota").SetStatusCode(http.StatusRequestEntityTooLarge).SetReason("STORAGE_QUOTA_EXCEEDED")
		wrapped := fmt.Errorf("submit: %w", ErrQuota.Msg("over"))
		assert.Equal(t, http.StatusRequestEntityTooLarge, StatusCodeOf(wrapped))
		assert.Equal(t, "STORAGE_QUOTA_EXCEEDED", ReasonOf(wrapped))
		assert.Equal(t, http.StatusInternalServerError, StatusCodeOf(errors.New("plain")))
		assert.Equal(t, "", ReasonOf(errors.New("plain")))
	})
}
