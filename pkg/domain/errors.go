package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound     = NewErr("PASTE_NOT_FOUND", "Paste not found", http.StatusNotFound)
	ErrPasteTooLarge     = NewErr("PASTE_TOO_LARGE", "Paste exceeds 1MB limit", http.StatusRequestEntityTooLarge)
	ErrContentRequired   = NewErr("CONTENT_REQUIRED", "Content is required", http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "Invalid request", http.StatusBadRequest)
	ErrForbidden         = NewErr("FORBIDDEN", "Not authorized", http.StatusForbidden)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "Too many requests", http.StatusTooManyRequests)
	ErrEndpointNotFound  = NewErr("ENDPOINT_NOT_FOUND", "Endpoint not found", http.StatusNotFound)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
	ErrUnavailable       = NewErr("UNAVAILABLE", "Service unavailable", http.StatusServiceUnavailable)

	// ErrDuplicateID is returned by backends when an insert collides with a
	// live record. The service retries with a fresh id.
	ErrDuplicateID = errors.New("duplicate paste id")
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// ErrResp is the JSON body of every failed API call.
type ErrResp struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToResp never exposes the text of a server-side failure.
func ToResp(err error, requestID string) ErrResp {
	e := asErr(err)
	if e == nil || e.Status >= http.StatusInternalServerError {
		return ErrResp{Error: ErrInternalServer.Msg, RequestID: requestID}
	}
	return ErrResp{Error: e.Msg, RequestID: requestID}
}
func Status(err error) int {
	if e := asErr(err); e != nil {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Is reports whether err (possibly wrapped) is target.
func Is(err, target error) bool {
	return errors.Is(err, target) || errors.Cause(err) == target
}

func asErr(err error) *Err {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Err); ok {
		return e
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e
	}
	return nil
}
