package http

import (
	"errors"
	"net/http"

	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/observability"
)

const (
	codeLocked      = "locked"
	codeBlocked     = "blocked"
	codeNotFound    = "not_found"
	codeInvalid     = "invalid"
	codeConflict    = "conflict"
	codeRateLimited = "rate_limited"
	codeInternal    = "internal"
)

// classify maps a service error onto a wire code and HTTP status.
// Unknown errors are reported to Sentry.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrLocked):
		return codeLocked, http.StatusConflict
	case errors.Is(err, domain.ErrBlockedStudent):
		return codeBlocked, http.StatusForbidden
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrStudentNotFound),
		errors.Is(err, domain.ErrQuizBankItemNotFound),
		errors.Is(err, domain.ErrQuizBankEmpty):
		return codeNotFound, http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateStudentCode),
		errors.Is(err, domain.ErrRoundNotGradable):
		return codeConflict, http.StatusConflict
	case errors.Is(err, domain.ErrInvalidChoice),
		errors.Is(err, domain.ErrInvalidInput):
		return codeInvalid, http.StatusBadRequest
	default:
		observability.CaptureErr(err)
		return codeInternal, http.StatusInternalServerError
	}
}

type errorPayload struct {
	For     string `json:"for,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorFor builds the wire error for err. Internal details are not leaked.
func errorFor(msgType string, err error) (errorPayload, int) {
	code, status := classify(err)
	msg := err.Error()
	if code == codeInternal {
		msg = "internal error"
	}
	return errorPayload{For: msgType, Code: code, Message: msg}, status
}
