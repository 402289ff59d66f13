package apperrors

import (
	"errors"
	"net/http"
)

// appError implements the apperrors.Error interface.
// Derivation methods return a copy so package level error values are never mutated.
type appError struct {
	msg           string
	base          Error
	wrappedErrors []error
	statuscode    int
	reason        string
	expandError   bool
	prefix        string
	suffix        string
}

func (e *appError) Error() string {
	msg := e.msg
	if e.prefix != "" {
		msg = e.prefix + ": " + msg
	}
	if e.suffix != "" {
		msg += ": " + e.suffix
	}
	return msg
}

func (e *appError) ErrorAll() string {
	msg := e.Error()
	if !e.expandError {
		return msg
	}
	var wrapped string
	for _, err := range e.wrappedErrors {
		wrapped += err.Error() + ";"
	}
	if len(wrapped) > 0 {
		// remove the last ;
		msg = msg + ": " + wrapped[:len(wrapped)-1]
	}
	return msg
}

func (e *appError) Unwrap() []error {
	return e.wrappedErrors
}

func (e *appError) clone() *appError {
	c := *e
	c.wrappedErrors = append([]error(nil), e.wrappedErrors...)
	return &c
}

func (e *appError) New(msg string) Error {
	return &appError{
		msg:         msg,
		statuscode:  e.statuscode,
		reason:      e.reason,
		expandError: e.expandError,
		base:        e,
	}
}

func (e *appError) Msg(msg string) Error {
	c := e.clone()
	c.msg = msg
	c.base = e
	return c
}

func (e *appError) Prefix(prefix string) Error {
	c := e.clone()
	c.prefix = prefix
	c.base = e
	return c
}

func (e *appError) Suffix(suffix string) Error {
	c := e.clone()
	c.suffix = suffix
	c.base = e
	return c
}

func (e *appError) MsgErr(msg string, err ...error) Error {
	c := e.clone()
	c.msg = msg
	c.base = e
	c.wrappedErrors = append(c.wrappedErrors, err...)
	return c
}

func (e *appError) Err(err ...error) Error {
	c := e.clone()
	c.base = e
	c.wrappedErrors = append(c.wrappedErrors, err...)
	return c
}

func (e *appError) Is(target error) bool {
	if e == target {
		return true
	}
	if e.base != nil && (e.base == target || e.base.Is(target)) {
		return true
	}
	for _, err := range e.wrappedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (e *appError) SetExpandError(expand bool) Error {
	e.expandError = expand
	return e
}

func (e *appError) SetStatusCode(code int) Error {
	e.statuscode = code
	return e
}

func (e *appError) StatusCode() int {
	return e.statuscode
}

func (e *appError) SetReason(reason string) Error {
	e.reason = reason
	return e
}

func (e *appError) Reason() string {
	return e.reason
}

func New(msg string) Error {
	return &appError{
		msg: msg,
	}
}

// StatusCodeOf returns the status code of the first apperrors.Error in err's chain,
// or 500 when none carries one.
func StatusCodeOf(err error) int {
	var appErr Error
	if errors.As(err, &appErr) && appErr.StatusCode() != 0 {
		return appErr.StatusCode()
	}
	return http.StatusInternalServerError
}

// ReasonOf returns the reason code of the first apperrors.Error in err's chain.
func ReasonOf(err error) string {
	var appErr Error
	if errors.As(err, &appErr) {
		return appErr.Reason()
	}
	return ""
}
