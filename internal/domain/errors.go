package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind is the wire-level error type carried in the OpenAI-style
// {error:{message,type}} envelope.
type ErrorKind string

const (
	KindInvalidRequest      ErrorKind = "invalid_request_error"
	KindAuthentication      ErrorKind = "authentication_error"
	KindNotFound            ErrorKind = "not_found_error"
	KindConflict            ErrorKind = "conflict_error"
	KindRateLimit           ErrorKind = "rate_limit_error"
	KindUpstreamServer      ErrorKind = "upstream_server_error"
	KindUpstreamUnavailable ErrorKind = "upstream_service_unavailable"
	KindUpstreamResponse    ErrorKind = "upstream_response_error"
	KindConfiguration       ErrorKind = "configuration_error"
	KindNoTargets           ErrorKind = "no_targets_available"
	KindUnknownUpstream     ErrorKind = "unknown_upstream_error"
	KindStream              ErrorKind = "stream_error"
)

// DispatchError unifies the dynamic error shapes of both upstream surfaces
// (HTTP statuses, gRPC-style numeric codes, ad-hoc message text) into a
// single classified form. Every attempt of a dispatch produces exactly one.
type DispatchError struct {
	Kind      ErrorKind
	Name      string // log-facing identifier, e.g. "RateLimitError"
	Status    int    // HTTP status surfaced to the client
	Retryable bool
	Message   string
	// RetryAfter is the server-supplied cooldown end, when the upstream
	// provided one with a 429.
	RetryAfter *time.Time
	Err        error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Name, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsRateLimit reports whether this attempt failed on an upstream rate limit.
func (e *DispatchError) IsRateLimit() bool { return e.Kind == KindRateLimit }

func newDispatchError(kind ErrorKind, name string, status int, retryable bool, msg string) *DispatchError {
	return &DispatchError{Kind: kind, Name: name, Status: status, Retryable: retryable, Message: msg}
}

// Constructors for the non-upstream members of the taxonomy.

func InvalidRequest(msg string) *DispatchError {
	return newDispatchError(KindInvalidRequest, "InvalidRequestError", http.StatusBadRequest, false, msg)
}

func Unauthorized() *DispatchError {
	return newDispatchError(KindAuthentication, "AuthenticationError", http.StatusUnauthorized, false, "Unauthorized")
}

func ConfigurationErr(msg string) *DispatchError {
	return newDispatchError(KindConfiguration, "ConfigurationError", http.StatusInternalServerError, false, msg)
}

func NoTargetsAvailable() *DispatchError {
	return newDispatchError(KindNoTargets, "NoTargetsAvailableError", http.StatusServiceUnavailable, false, "no targets available")
}

// MaxRetriesExceeded wraps the last attempt's error once the retry budget is
// spent. Terminal by definition.
func MaxRetriesExceeded(last *DispatchError) *DispatchError {
	e := newDispatchError(KindUnknownUpstream, "MaxRetriesExceeded", http.StatusInternalServerError, false, "max retries exceeded")
	if last != nil {
		e.Message = fmt.Sprintf("max retries exceeded: %s", last.Message)
		e.Err = last
	}
	return e
}

// UpstreamError is the raw failure reported by the Vertex adapter before
// classification. Code carries either an HTTP status or a gRPC-style numeric
// code, whichever the upstream surfaced.
type UpstreamError struct {
	Code       int
	GRPCStatus string
	Message    string
	RetryAfter *time.Time
	// Unparseable marks a response body that could not be decoded at all.
	Unparseable bool
}

func (e *UpstreamError) Error() string {
	if e.GRPCStatus != "" {
		return fmt.Sprintf("upstream %d (%s): %s", e.Code, e.GRPCStatus, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.Code, e.Message)
}

// Classify maps any dispatch-path error onto the taxonomy. Already-classified
// errors pass through; everything the adapter could not shape becomes
// UnknownUpstreamError. This is the single classification point — keep the
// whole table here.
func Classify(err error) *DispatchError {
	var de *DispatchError
	if errors.As(err, &de) {
		return de
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		e := newDispatchError(KindUnknownUpstream, "UnknownUpstreamError", http.StatusInternalServerError, true, err.Error())
		e.Err = err
		return e
	}
	e := classifyUpstream(ue)
	e.Err = err
	return e
}

func classifyUpstream(ue *UpstreamError) *DispatchError {
	if ue.Unparseable {
		return newDispatchError(KindUpstreamResponse, "UpstreamResponseError", http.StatusInternalServerError, true, ue.Message)
	}
	msg := ue.Message
	switch {
	case ue.Code == http.StatusTooManyRequests, ue.Code == 8,
		ue.GRPCStatus == "RESOURCE_EXHAUSTED",
		strings.Contains(strings.ToLower(msg), "quota"):
		e := newDispatchError(KindRateLimit, "RateLimitError", http.StatusTooManyRequests, true, msg)
		e.RetryAfter = ue.RetryAfter
		return e
	case ue.Code == 3, ue.Code == http.StatusBadRequest:
		return newDispatchError(KindInvalidRequest, "InvalidRequestError", http.StatusBadRequest, false, msg)
	case ue.Code == 16, ue.Code == http.StatusUnauthorized:
		return newDispatchError(KindAuthentication, "AuthenticationError", http.StatusUnauthorized, false, msg)
	case ue.Code == 7, ue.Code == http.StatusForbidden:
		return newDispatchError(KindAuthentication, "AuthenticationError", http.StatusForbidden, false, msg)
	case ue.Code == 5, ue.Code == http.StatusNotFound:
		return newDispatchError(KindNotFound, "NotFoundError", http.StatusNotFound, false, msg)
	case ue.Code == 10, ue.Code == http.StatusConflict:
		return newDispatchError(KindConflict, "ConflictError", http.StatusConflict, true, msg)
	case ue.Code == 13, ue.Code == http.StatusInternalServerError:
		return newDispatchError(KindUpstreamServer, "UpstreamServerError", http.StatusInternalServerError, true, msg)
	case ue.Code == 14, ue.Code == http.StatusServiceUnavailable:
		return newDispatchError(KindUpstreamUnavailable, "UpstreamServiceUnavailableError", http.StatusServiceUnavailable, true, msg)
	default:
		return newDispatchError(KindUnknownUpstream, "UnknownUpstreamError", http.StatusInternalServerError, true, msg)
	}
}
