package provider

import (
	"errors"
	"fmt"
	"net/http"

	"chartsync/internal/market"
	"chartsync/internal/pkg/circuit"
)

// NetworkError wraps transport failures. Re-issuing the same request is safe.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error (%s): %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is a non-2xx response. Code carries the exchange error code when
// the body had one.
type APIError struct {
	Status  int
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Permanent reports a client error that will fail again unchanged.
// 418 and 429 are rate-limit responses and stay retryable.
func (e *APIError) Permanent() bool {
	if e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

// ParseError means the response body could not be decoded at all.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// InvalidSeriesError rejects an identifier before any request is made.
type InvalidSeriesError struct {
	Name string
}

func (e *InvalidSeriesError) Error() string {
	return fmt.Sprintf("invalid series id %q (expected SYMBOL_INTERVAL)", e.Name)
}

func (e *InvalidSeriesError) Is(target error) bool { return target == market.ErrInvalidSeriesID }

// PersistenceError reports a failed load or save of one series.
type PersistenceError struct {
	Series market.SeriesID
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Series, e.Err)
}
func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError is market.ValidationError, re-exported so callers can match
// the whole taxonomy from this package.
type ValidationError = market.ValidationError

// ErrCircuitOpen is returned without touching the network while the breaker
// is open.
var ErrCircuitOpen = circuit.ErrOpen

// Retryable reports whether re-issuing the same request may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Permanent()
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}
