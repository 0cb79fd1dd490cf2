package rest

import (
	"errors"
	"fmt"
	"time"

	"tradegate/internal/ratelimit"
)

// Binance error codes the client reacts to.
const (
	CodeUnknown          int64 = -1000
	CodeDisconnected     int64 = -1001
	CodeTooManyRequests  int64 = -1003
	CodeExecutionUnknown int64 = -1007
	CodeTimestamp        int64 = -1021
	CodeNoSuchOrder      int64 = -2013
	CodeCancelRejected   int64 = -2011
	CodeNewOrderRejected int64 = -2010
)

// ErrAmbiguous marks a non-idempotent request whose outcome is unknown: it
// may or may not have been executed by the exchange.
var ErrAmbiguous = errors.New("request outcome unknown")

// APIError is a well-formed error response from the exchange.
type APIError struct {
	HTTPStatus int
	Code       int64
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error: status=%d code=%d msg=%s", e.HTTPStatus, e.Code, e.Message)
}

// IsAPIErrorCode reports whether err wraps an APIError with the given code.
func IsAPIErrorCode(err error, code int64) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// ProtocolError reports a response that could not be decoded.
type ProtocolError struct {
	Endpoint   string
	HTTPStatus int
	Body       string
	Err        error
}

func (e *ProtocolError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("malformed response from %s (status %d): %v: %s", e.Endpoint, e.HTTPStatus, e.Err, body)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RateLimitedError is returned when the exchange throttled the request
// (HTTP 429 or 418) or when local capacity could not be obtained in time.
// errors.Is(err, ratelimit.ErrRateLimited) holds for both.
type RateLimitedError struct {
	Endpoint   string
	HTTPStatus int // zero when the local limiter refused
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s: throttled by exchange (status %d), retry after %s", e.Endpoint, e.HTTPStatus, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e *RateLimitedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ratelimit.ErrRateLimited
}

// Is lets a RateLimitedError built from a local refusal still match
// ErrRateLimited when its wrapped error is a plain wait budget error.
func (e *RateLimitedError) Is(target error) bool {
	return target == ratelimit.ErrRateLimited
}

// AmbiguousError wraps the failure of a non-idempotent request that may have
// reached the exchange.
type AmbiguousError struct {
	Endpoint string
	Err      error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Endpoint, ErrAmbiguous, e.Err)
}

func (e *AmbiguousError) Unwrap() []error { return []error{ErrAmbiguous, e.Err} }
