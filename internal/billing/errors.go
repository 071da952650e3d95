package billing

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TokenExpiredError means no usable access token is available. ServerRejected
// is set when the platform answered 401 even after a credential reload.
type TokenExpiredError struct {
	ServerRejected bool
}

func (e *TokenExpiredError) Error() string {
	if e.ServerRejected {
		return "billing api: access token rejected by server after reload"
	}
	return "billing api: access token expired"
}

// RateLimitedError is returned once the client gave up waiting out HTTP 429s.
type RateLimitedError struct {
	RetryAfter time.Duration
	Attempts   int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("billing api: rate limited after %d attempts (retry after %s)", e.Attempts, e.RetryAfter)
}

// APIError carries any other non-success response.
type APIError struct {
	Status  int
	Message string
	Body    any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("billing api: %d %s", e.Status, e.Message)
}

func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func IsNotFound(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Status == http.StatusNotFound
}

// IsClientError reports a 4xx APIError. 401 and 429 never surface as APIError.
func IsClientError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Status >= 400 && apiErr.Status < 500
}

func IsTokenExpired(err error) bool {
	var e *TokenExpiredError
	return errors.As(err, &e)
}

func IsRateLimited(err error) bool {
	var e *RateLimitedError
	return errors.As(err, &e)
}
