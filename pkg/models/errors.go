package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind names a concrete error condition on the wire.
type ErrorKind string

const (
	KindWebrpcEndpoint           ErrorKind = "WebrpcEndpoint"
	KindWebrpcRequestFailed      ErrorKind = "WebrpcRequestFailed"
	KindWebrpcBadRoute           ErrorKind = "WebrpcBadRoute"
	KindWebrpcBadMethod          ErrorKind = "WebrpcBadMethod"
	KindWebrpcBadRequest         ErrorKind = "WebrpcBadRequest"
	KindWebrpcBadResponse        ErrorKind = "WebrpcBadResponse"
	KindWebrpcServerPanic        ErrorKind = "WebrpcServerPanic"
	KindWebrpcInternalError      ErrorKind = "WebrpcInternalError"
	KindWebrpcClientDisconnected ErrorKind = "WebrpcClientDisconnected"
	KindWebrpcStreamLost         ErrorKind = "WebrpcStreamLost"
	KindWebrpcStreamFinished     ErrorKind = "WebrpcStreamFinished"
	KindUnauthorized             ErrorKind = "Unauthorized"
	KindPermissionDenied         ErrorKind = "PermissionDenied"
	KindSessionExpired           ErrorKind = "SessionExpired"
	KindMethodNotFound           ErrorKind = "MethodNotFound"
	KindRequestConflict          ErrorKind = "RequestConflict"
	KindAborted                  ErrorKind = "Aborted"
	KindGeoblocked               ErrorKind = "Geoblocked"
	KindRateLimited              ErrorKind = "RateLimited"
	KindProjectNotFound          ErrorKind = "ProjectNotFound"
	KindSecretKeyCorsDisallowed  ErrorKind = "SecretKeyCorsDisallowed"
	KindAccessKeyNotFound        ErrorKind = "AccessKeyNotFound"
	KindAccessKeyMismatch        ErrorKind = "AccessKeyMismatch"
	KindInvalidOrigin            ErrorKind = "InvalidOrigin"
	KindInvalidService           ErrorKind = "InvalidService"
	KindUnauthorizedUser         ErrorKind = "UnauthorizedUser"
	KindInvalidChain             ErrorKind = "InvalidChain"
	KindQuotaExceeded            ErrorKind = "QuotaExceeded"
	KindQuotaRateLimit           ErrorKind = "QuotaRateLimit"
	KindLimitExceeded            ErrorKind = "LimitExceeded"
	KindNoDefaultKey             ErrorKind = "NoDefaultKey"
	KindMaxAccessKeys            ErrorKind = "MaxAccessKeys"
	KindAtLeastOneKey            ErrorKind = "AtLeastOneKey"
	KindTimeout                  ErrorKind = "Timeout"
)

// ErrorClass groups kinds by how a caller should react to them.
type ErrorClass int

const (
	ClassTransport ErrorClass = iota
	ClassAuth
	ClassKeyLifecycle
	ClassQuota
	ClassResource
)

// Error is the single error type carried across the RPC boundary. Code is
// the stable contract field; clients branch on it and nothing else.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
	Status  int
	Cause   string

	cause error
}

func newError(kind ErrorKind, code int, msg string, status int) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Status: status}
}

var (
	ErrWebrpcEndpoint           = newError(KindWebrpcEndpoint, 0, "endpoint error", http.StatusBadRequest)
	ErrWebrpcRequestFailed      = newError(KindWebrpcRequestFailed, -1, "request failed", http.StatusBadRequest)
	ErrWebrpcBadRoute           = newError(KindWebrpcBadRoute, -2, "bad route", http.StatusNotFound)
	ErrWebrpcBadMethod          = newError(KindWebrpcBadMethod, -3, "bad method", http.StatusMethodNotAllowed)
	ErrWebrpcBadRequest         = newError(KindWebrpcBadRequest, -4, "bad request", http.StatusBadRequest)
	ErrWebrpcBadResponse        = newError(KindWebrpcBadResponse, -5, "bad response", http.StatusInternalServerError)
	ErrWebrpcServerPanic        = newError(KindWebrpcServerPanic, -6, "server panic", http.StatusInternalServerError)
	ErrWebrpcInternalError      = newError(KindWebrpcInternalError, -7, "internal error", http.StatusInternalServerError)
	ErrWebrpcClientDisconnected = newError(KindWebrpcClientDisconnected, -8, "client disconnected", http.StatusBadRequest)
	ErrWebrpcStreamLost         = newError(KindWebrpcStreamLost, -9, "stream lost", http.StatusBadRequest)
	ErrWebrpcStreamFinished     = newError(KindWebrpcStreamFinished, -10, "stream finished", http.StatusOK)

	ErrUnauthorized            = newError(KindUnauthorized, 1000, "Unauthorized access", http.StatusUnauthorized)
	ErrPermissionDenied        = newError(KindPermissionDenied, 1001, "Permission denied", http.StatusForbidden)
	ErrSessionExpired          = newError(KindSessionExpired, 1002, "Session expired", http.StatusForbidden)
	ErrMethodNotFound          = newError(KindMethodNotFound, 1003, "Method not found", http.StatusNotFound)
	ErrRequestConflict         = newError(KindRequestConflict, 1004, "Conflict with target resource", http.StatusConflict)
	ErrAborted                 = newError(KindAborted, 1005, "Request aborted", http.StatusBadRequest)
	ErrGeoblocked              = newError(KindGeoblocked, 1006, "Geoblocked region", http.StatusUnavailableForLegalReasons)
	ErrRateLimited             = newError(KindRateLimited, 1007, "Rate-limited. Please slow down.", http.StatusTooManyRequests)
	ErrProjectNotFound         = newError(KindProjectNotFound, 1008, "Project not found", http.StatusUnauthorized)
	ErrSecretKeyCorsDisallowed = newError(KindSecretKeyCorsDisallowed, 1009, "CORS disallowed. Admin API Secret Key can't be used from a web app.", http.StatusForbidden)

	ErrAccessKeyNotFound = newError(KindAccessKeyNotFound, 1101, "Access key not found", http.StatusUnauthorized)
	ErrAccessKeyMismatch = newError(KindAccessKeyMismatch, 1102, "Access key mismatch", http.StatusConflict)
	ErrInvalidOrigin     = newError(KindInvalidOrigin, 1103, "Invalid origin for Access Key", http.StatusForbidden)
	ErrInvalidService    = newError(KindInvalidService, 1104, "Service not enabled for Access key", http.StatusForbidden)
	ErrUnauthorizedUser  = newError(KindUnauthorizedUser, 1105, "Unauthorized user", http.StatusUnauthorized)
	ErrInvalidChain      = newError(KindInvalidChain, 1106, "Network not enabled for Access key", http.StatusForbidden)

	ErrQuotaExceeded  = newError(KindQuotaExceeded, 1200, "Quota request exceeded", http.StatusTooManyRequests)
	ErrQuotaRateLimit = newError(KindQuotaRateLimit, 1201, "Quota rate limit exceeded", http.StatusTooManyRequests)
	ErrLimitExceeded  = newError(KindLimitExceeded, 1202, "Request limit exceeded", http.StatusPaymentRequired)

	ErrNoDefaultKey  = newError(KindNoDefaultKey, 1300, "No default access key found", http.StatusNotFound)
	ErrMaxAccessKeys = newError(KindMaxAccessKeys, 1301, "Access keys limit reached", http.StatusForbidden)
	ErrAtLeastOneKey = newError(KindAtLeastOneKey, 1302, "You need at least one Access Key", http.StatusForbidden)

	ErrTimeout = newError(KindTimeout, 1900, "Request timed out", http.StatusRequestTimeout)
)

var errorsByCode = func() map[int]*Error {
	all := []*Error{
		ErrWebrpcEndpoint, ErrWebrpcRequestFailed, ErrWebrpcBadRoute, ErrWebrpcBadMethod,
		ErrWebrpcBadRequest, ErrWebrpcBadResponse, ErrWebrpcServerPanic, ErrWebrpcInternalError,
		ErrWebrpcClientDisconnected, ErrWebrpcStreamLost, ErrWebrpcStreamFinished,
		ErrUnauthorized, ErrPermissionDenied, ErrSessionExpired, ErrMethodNotFound,
		ErrRequestConflict, ErrAborted, ErrGeoblocked, ErrRateLimited, ErrProjectNotFound,
		ErrSecretKeyCorsDisallowed,
		ErrAccessKeyNotFound, ErrAccessKeyMismatch, ErrInvalidOrigin, ErrInvalidService,
		ErrUnauthorizedUser, ErrInvalidChain,
		ErrQuotaExceeded, ErrQuotaRateLimit, ErrLimitExceeded,
		ErrNoDefaultKey, ErrMaxAccessKeys, ErrAtLeastOneKey,
		ErrTimeout,
	}
	m := make(map[int]*Error, len(all))
	for _, e := range all {
		m[e.Code] = e
	}
	return m
}()

// ErrorFromCode returns the error registered for code. Code 0 and unknown
// codes resolve to the generic endpoint error.
func ErrorFromCode(code int) *Error {
	if e, ok := errorsByCode[code]; ok {
		return e
	}
	return ErrWebrpcEndpoint
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != "" {
		return fmt.Sprintf("%s %d: %s: %s", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %d: %s", e.Kind, e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause returns a copy of e wrapping err.
func (e *Error) WithCause(err error) *Error {
	out := *e
	out.cause = err
	if err != nil {
		out.Cause = err.Error()
	}
	return &out
}

// WithCausef is WithCause with a formatted cause.
func (e *Error) WithCausef(format string, args ...any) *Error {
	return e.WithCause(fmt.Errorf(format, args...))
}

// Class returns the group the error belongs to.
func (e *Error) Class() ErrorClass {
	switch e.Kind {
	case KindUnauthorized, KindPermissionDenied, KindSessionExpired, KindUnauthorizedUser, KindSecretKeyCorsDisallowed:
		return ClassAuth
	case KindAccessKeyNotFound, KindAccessKeyMismatch, KindInvalidOrigin, KindInvalidService,
		KindInvalidChain, KindNoDefaultKey, KindMaxAccessKeys, KindAtLeastOneKey:
		return ClassKeyLifecycle
	case KindQuotaExceeded, KindQuotaRateLimit, KindRateLimited, KindLimitExceeded, KindTimeout:
		return ClassQuota
	case KindProjectNotFound, KindMethodNotFound, KindRequestConflict, KindAborted, KindGeoblocked:
		return ClassResource
	}
	return ClassTransport
}

// Retryable reports whether a caller may retry the request that failed with e.
func (e *Error) Retryable() bool {
	switch e.Class() {
	case ClassTransport:
		return e.Kind != KindWebrpcServerPanic && e.Kind != KindWebrpcInternalError
	case ClassQuota:
		return true
	}
	return false
}

type errorPayload struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Message string `json:"message,omitempty"`
	Cause   string `json:"cause,omitempty"`
	Status  int    `json:"status"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorPayload{
		Error:  string(e.Kind),
		Code:   e.Code,
		Msg:    e.Message,
		Cause:  e.Cause,
		Status: e.Status,
	})
}

// UnmarshalJSON rebuilds the error from its code. The message is taken from
// either "msg" or "message" when present.
func (e *Error) UnmarshalJSON(b []byte) error {
	var p errorPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = *ErrorFromCode(p.Code)
	if p.Msg != "" {
		e.Message = p.Msg
	} else if p.Message != "" {
		e.Message = p.Message
	}
	if p.Status != 0 {
		e.Status = p.Status
	}
	e.Cause = p.Cause
	return nil
}

// AsError converts any error into an *Error. Context errors map to
// Aborted and Timeout; everything else becomes an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrAborted.WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout.WithCause(err)
	}
	return ErrWebrpcInternalError.WithCause(err)
}
