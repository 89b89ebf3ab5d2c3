package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/tidwall/gjson"
)

// Kind classifies a normalized error. The normalizer only ever produces KindServer,
// KindNetwork, KindTimeout, KindCancelled and KindUnknown; KindAuth and KindValidation
// are raised by the pipeline and the data-access service.
type Kind string

const (
	// KindServer is a response with status >= 400. Only 5xx statuses are retried.
	KindServer Kind = "server_error"

	// KindNetwork is a connectivity failure with no response.
	KindNetwork Kind = "network_error"

	// KindTimeout is a transport or context deadline.
	KindTimeout Kind = "timeout_error"

	// KindCancelled means the originator abandoned the request. It is not a failure.
	KindCancelled Kind = "cancelled"

	// KindUnknown is anything uncategorized. Never retried.
	KindUnknown Kind = "unknown_error"

	// KindAuth is terminal: the refresh failed or a refreshed request got 401 again.
	KindAuth Kind = "auth_error"

	// KindValidation is a missing or invalid caller-supplied parameter.
	KindValidation Kind = "validation_error"
)

var (
	// ErrMissingParameter is wrapped by validation errors for absent required arguments.
	ErrMissingParameter = errors.New("missing required parameter")

	// ErrInvalidParameter is wrapped by validation errors for present but out-of-range arguments.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrRefreshFailed is wrapped by auth errors raised when the credential refresh fails.
	ErrRefreshFailed = errors.New("credential refresh failed")

	// ErrUnauthorized is wrapped by auth errors raised on a second consecutive 401.
	ErrUnauthorized = errors.New("unauthorized after credential refresh")
)

// Error is the uniform shape of every failure surfaced by this package.
// Values are never modified after construction.
type Error struct {
	// Kind is the error category.
	Kind Kind

	// Status is the HTTP status code, or 0 when no response was received.
	Status int

	// Message is a human-readable description, taken from the response body when possible.
	Message string

	// Payload is the decoded JSON response body, if any.
	Payload any

	// Param names the offending parameter for KindValidation errors.
	Param string

	// Attempts is the number of transport attempts made for the logical request.
	Attempts int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s [HTTP %d]: %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
// This implements the HTTPError interface.
func (e *Error) StatusCode() int {
	return e.Status
}

func (e *Error) withAttempts(n int) *Error {
	cp := *e
	cp.Attempts = n
	return &cp
}

// HTTPError represents an error with an associated HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// StatusError is returned by transports when the server answered with status >= 400.
// It carries the full response so the normalizer can read the error payload.
type StatusError struct {
	Response *TransportResponse
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Response.Status)
}

// StatusCode returns the HTTP status code.
func (e *StatusError) StatusCode() int {
	return e.Response.Status
}

// NewStatusError creates a StatusError for a response.
//
// Example:
//
//	return nil, apiclient.NewStatusError(http.StatusServiceUnavailable, []byte(`{"message":"down"}`))
func NewStatusError(status int, body []byte) error {
	return &StatusError{Response: &TransportResponse{
		Status: status,
		Header: http.Header{},
		Body:   body,
	}}
}

// Normalize maps any transport outcome to exactly one *Error. The mapping is total:
// callers never need to inspect raw transport errors.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	// Cancellation is checked first: a cancelled request may also look like a
	// network failure to net/http.
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Message: "request cancelled", Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || jperrors.IsTimeout(err) || isNetTimeout(err) {
		return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return fromResponse(statusErr)
	}

	if isConnectivity(err) {
		return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}

	return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
}

// fromResponse builds a KindServer error, preferring the server's own message.
func fromResponse(statusErr *StatusError) *Error {
	resp := statusErr.Response
	var message string
	var payload any

	if len(resp.Body) > 0 && gjson.ValidBytes(resp.Body) {
		parsed := gjson.ParseBytes(resp.Body)
		for _, path := range []string{"message", "error.message", "error", "detail"} {
			if r := parsed.Get(path); r.Type == gjson.String && r.Str != "" {
				message = r.Str
				break
			}
		}
		payload = parsed.Value()
	}

	if message == "" {
		message = http.StatusText(resp.Status)
	}
	if message == "" {
		message = fmt.Sprintf("status %d", resp.Status)
	}

	return &Error{
		Kind:    KindServer,
		Status:  resp.Status,
		Message: message,
		Payload: payload,
		Err:     statusErr,
	}
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectivity(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// IsKind reports whether err normalizes to the given kind.
func IsKind(err error, kind Kind) bool {
	n := Normalize(err)
	return n != nil && n.Kind == kind
}

// IsCancelled reports whether err represents an abandoned request.
// Callers should treat such errors as a no-op rather than a failure.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

func newAuthError(cause error, sentinel error) *Error {
	msg := sentinel.Error()
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Kind:    KindAuth,
		Status:  http.StatusUnauthorized,
		Message: msg,
		Err:     errors.Join(sentinel, cause),
	}
}

func newValidationError(param, reason string, sentinel error) *Error {
	return &Error{
		Kind:    KindValidation,
		Param:   param,
		Message: fmt.Sprintf("%s %s", param, reason),
		Err:     sentinel,
	}
}

// CircuitBreakerErrorClassifier determines whether an error should trip the circuit breaker.
// Implement this interface to customize circuit breaker behavior for your specific error types.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious enough
	// to open the circuit breaker and stop requests temporarily.
	ShouldTripCircuit(err error) bool
}

// KindClassifier trips the circuit on network failures and 5xx responses. Timeouts,
// cancellations, auth failures and other 4xx responses are not the server's fault.
type KindClassifier struct{}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
func (KindClassifier) ShouldTripCircuit(err error) bool {
	n := Normalize(err)
	if n == nil {
		return false
	}
	switch n.Kind {
	case KindNetwork:
		return true
	case KindServer:
		return n.Status >= 500 && n.Status <= 599
	default:
		return false
	}
}

// DefaultCircuitBreakerErrorClassifier returns the classifier used when none is configured.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return KindClassifier{}
}
