// Package apperr defines the error taxonomy shared by the partner clients,
// the persistence layer and the HTTP entrypoints.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFoundAsEmpty marks a partner 404 that must be read as "no data for
// this period". It never reaches the HTTP caller.
var ErrNotFoundAsEmpty = errors.New("no data for the requested period")

// UpstreamError is a non-retryable partner response
type UpstreamError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (%d) at %s: %s", e.StatusCode, e.Endpoint, truncate(e.Body, 300))
}

// TransientFetchError is a network failure, timeout, 408, 429 or 5xx.
// StatusCode is 0 when no response was received.
type TransientFetchError struct {
	StatusCode int
	Endpoint   string
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transient fetch error at %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transient fetch error (%d) at %s: %v", e.StatusCode, e.Endpoint, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// CreationError is an upstream rejection of an order or token creation.
// Body holds the partner response for diagnosis.
type CreationError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *CreationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s creation failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s creation failed (%d): %s", e.Operation, e.StatusCode, truncate(e.Body, 300))
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// CredentialError means neither the stored credential nor a live exchange
// produced a bearer token.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("no usable credential: %v", e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// TimeoutError is raised when polling exhausts its attempt budget
type TimeoutError struct {
	Operation string
	Attempts  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete after %d poll attempts", e.Operation, e.Attempts)
}

// RequestFailedError is an explicit partner-reported failure of a broker request
type RequestFailedError struct {
	RequestID string
	Type      string
	Reason    string
}

func (e *RequestFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("request %s (%s) failed: %s", e.RequestID, e.Type, e.Reason)
	}
	return fmt.Sprintf("request %s (%s) failed", e.RequestID, e.Type)
}

// PersistenceError wraps a failed upsert. Code, Hint and Detail come from the
// database when available.
type PersistenceError struct {
	Table  string
	Rows   int
	Code   string
	Hint   string
	Detail string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to upsert %d rows into %s: %v", e.Rows, e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ValidationError represents missing or malformed request fields
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error for %s (value: %v): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// IsRetryableStatus determines if an HTTP status code is retryable
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// FromStatus classifies a non-2xx partner response
func FromStatus(statusCode int, endpoint string, body []byte) error {
	switch {
	case statusCode == http.StatusNotFound:
		return ErrNotFoundAsEmpty
	case IsRetryableStatus(statusCode) || statusCode >= 500:
		return &TransientFetchError{
			StatusCode: statusCode,
			Endpoint:   endpoint,
			Err:        fmt.Errorf("status %d: %s", statusCode, truncate(string(body), 300)),
		}
	default:
		return &UpstreamError{StatusCode: statusCode, Endpoint: endpoint, Body: string(body)}
	}
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// The token exchange already ran its own retries.
	var credential *CredentialError
	if errors.As(err, &credential) {
		return false
	}
	var transient *TransientFetchError
	return errors.As(err, &transient)
}

// HTTPStatus maps an error to the status returned to the HTTP caller
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		creation   *CreationError
		upstream   *UpstreamError
		transient  *TransientFetchError
		timeout    *TimeoutError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &creation) && creation.StatusCode >= 400:
		return creation.StatusCode
	case errors.As(err, &upstream) && upstream.StatusCode >= 400:
		return upstream.StatusCode
	case errors.As(err, &transient) && transient.StatusCode >= 400:
		return transient.StatusCode
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Details returns the partner payload attached to err, if any
func Details(err error) string {
	var (
		creation *CreationError
		upstream *UpstreamError
	)
	switch {
	case errors.As(err, &creation):
		return creation.Body
	case errors.As(err, &upstream):
		return upstream.Body
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
