package model

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindConfig        Kind = "CONFIG_ERROR"
	KindAccessDenied  Kind = "ACCESS_DENIED"
	KindInvalidDigest Kind = "INVALID_SHA256"
	KindTimeout       Kind = "REQUEST_TIMEOUT"
	KindFetch         Kind = "FETCH_EXCEPTION"
	KindUnknown       Kind = "UNKNOWN_ERROR"
)

// Status returns the HTTP status code a failure of this kind is reported with.
// ACCESS_DENIED resolves to 403 here; the handler turns it into a 302 when a
// redirect URL is configured.
func (k Kind) Status() int {
	switch k {
	case KindAccessDenied:
		return http.StatusForbidden
	case KindInvalidDigest:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Stage is a step of the request pipeline.
type Stage string

const (
	StageStart             Stage = "start"
	StageConfigValidated   Stage = "config_validated"
	StageRouted            Stage = "routed"
	StageAccessChecked     Stage = "access_checked"
	StageForwarded         Stage = "forwarded"
	StageResponseRewritten Stage = "response_rewritten"
	StageCompleted         Stage = "completed"
	StageError             Stage = "error"
)

// ProxyError is a classified pipeline failure. Stage is the last stage that
// completed before the failure.
type ProxyError struct {
	Kind   Kind
	Stage  Stage
	Reason string
	Err    error

	// Response hints for the handler: the denial redirect target and the
	// Retry-After delay for timeouts.
	RedirectURL string
	RetryAfter  time.Duration
}

// NewError wraps err as a ProxyError of the given kind.
func NewError(kind Kind, stage Stage, err error) *ProxyError {
	return &ProxyError{Kind: kind, Stage: stage, Err: err}
}

func (e *ProxyError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
	default:
		return string(e.Kind)
	}
}

func (e *ProxyError) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindUnknown when err is not a ProxyError.
func KindOf(err error) Kind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
