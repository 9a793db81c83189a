// Package api implements the HTTP surface of spec.md §4.8/§4.9/§6: the
// request pipeline, package resolution, route handlers, and the single
// RequestError taxonomy mapped onto HTTP (§7).
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorCode is the closed set of RequestError codes from spec.md §7.
type ErrorCode string

const (
	ErrQueueWaitingTimeout ErrorCode = "QUEUE_WAITING_TIMEOUT"
	ErrWorkerTimeout       ErrorCode = "WORKER_TIMEOUT"
	ErrOutOfMemory         ErrorCode = "OUT_OF_MEMORY"
	ErrInvalidPackage      ErrorCode = "INVALID_PACKAGE"
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrPackageError        ErrorCode = "PACKAGE_ERROR"
	ErrCallbackAPIError    ErrorCode = "CALLBACK_API_ERROR"
	ErrServerError         ErrorCode = "SERVER_ERROR"
)

// httpStatus is the fixed ErrorCode -> HTTP status mapping of spec.md §7.
var httpStatus = map[ErrorCode]int{
	ErrQueueWaitingTimeout: http.StatusBadRequest,
	ErrWorkerTimeout:       http.StatusBadRequest,
	ErrOutOfMemory:         http.StatusBadRequest,
	ErrInvalidPackage:      http.StatusBadRequest,
	ErrInvalidRequest:      http.StatusBadRequest,
	ErrPackageError:        http.StatusBadRequest,
	ErrCallbackAPIError:    http.StatusBadRequest,
	ErrServerError:         http.StatusInternalServerError,
}

// RequestError is the one error shape every handler failure is mapped to
// before it reaches the client (spec.md §7: "Nothing except the middleware
// formats error bodies; handlers never build error JSON themselves").
type RequestError struct {
	ErrorCode ErrorCode `json:"error_code"`
	Temporary bool      `json:"temporary"`
	Reason    string    `json:"reason,omitempty"`

	// status overrides httpStatus[ErrorCode] when a code needs a status other
	// than its usual one; the request pipeline sets it on ErrInvalidRequest
	// to answer oversized parts with 413.
	status int
}

func (e *RequestError) Error() string { return string(e.ErrorCode) + ": " + e.Reason }

func newRequestError(code ErrorCode, temporary bool, reason string) *RequestError {
	return &RequestError{ErrorCode: code, Temporary: temporary, Reason: reason}
}

// withStatus returns a copy of e with its HTTP status pinned, for cases
// (request-too-large) where the taxonomy's default status doesn't apply.
func (e *RequestError) withStatus(status int) *RequestError {
	c := *e
	c.status = status
	return &c
}

func (e *RequestError) httpStatus() int {
	if e.status != 0 {
		return e.status
	}
	if s, ok := httpStatus[e.ErrorCode]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// What identifies the missing resource in a 404 response (spec.md §7).
type What string

const (
	WhatPackage       What = "PACKAGE"
	WhatQuestionState What = "QUESTION_STATE"
)

// NotFoundStatus is the 404 body shape of spec.md §6/§7.
type NotFoundStatus struct {
	What What `json:"what"`
}

// writeJSON writes v as the body with the given status, logging (but not
// surfacing) any encode failure — the status line has already been sent by
// the time encoding could fail.
func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("api: failed to encode response body", zap.Error(err))
	}
}

// writeError formats any error into the fixed RequestError/NotFoundStatus
// JSON shapes. It is the single place response bodies for failures are
// built, per spec.md §7's "handlers never build error JSON themselves".
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	if nf, ok := err.(*notFoundError); ok {
		writeJSON(w, log, http.StatusNotFound, NotFoundStatus{What: nf.what})
		return
	}
	if re, ok := err.(*RequestError); ok {
		metricsErrorsByCode(re.ErrorCode)
		writeJSON(w, log, re.httpStatus(), re)
		return
	}
	// Anything else is an uncaught failure: spec.md §7 "Any uncaught
	// exception becomes SERVER_ERROR, temporary=true with the class name
	// as reason."
	re := newRequestError(ErrServerError, true, errorClassName(err))
	metricsErrorsByCode(re.ErrorCode)
	writeJSON(w, log, re.httpStatus(), re)
}

type notFoundError struct {
	what What
}

func (e *notFoundError) Error() string { return "not found: " + string(e.what) }

func notFound(what What) error { return &notFoundError{what: what} }
