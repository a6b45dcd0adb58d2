package gh

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies gateway failures so callers can decide between
// retrying, backing off, and surfacing the error.
type ErrorKind int

const (
	// KindTransient covers network failures and 5xx responses; safe to retry
	// with backoff.
	KindTransient ErrorKind = iota
	// KindRateLimited means the API quota is exhausted until ResetAt.
	KindRateLimited
	// KindAuth means the token was rejected; retrying cannot help.
	KindAuth
	// KindNotFound means the entity no longer exists upstream.
	KindNotFound
	// KindConflict means the request's preconditions no longer hold.
	KindConflict
	// KindPermission means the token lacks access to the resource.
	KindPermission
)

// String returns the string representation of an error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate-limited"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// APIError is a classified GitHub API failure.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
	// ResetAt is the quota reset time for rate-limited errors.
	ResetAt time.Time
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github api %s error (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("github api %s error (status %d)", e.Kind, e.Status)
}

// Retryable reports whether the failure may clear on retry.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// KindOf extracts the error kind from err, returning KindTransient for
// unclassified errors (network failures have no response to classify).
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

// IsNotFound reports whether err is a not-found gateway error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// classifyResponse builds an APIError from a non-2xx response. The body is
// consumed for the API's message field.
func classifyResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := apiErrorMessage(body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &APIError{Kind: KindAuth, Status: resp.StatusCode, Message: message}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &APIError{Kind: KindNotFound, Status: resp.StatusCode, Message: message}
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return &APIError{Kind: KindConflict, Status: resp.StatusCode, Message: message}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		if reset, ok := rateLimitReset(resp); ok {
			return &APIError{Kind: KindRateLimited, Status: resp.StatusCode, Message: message, ResetAt: reset}
		}
		return &APIError{Kind: KindPermission, Status: resp.StatusCode, Message: message}
	case resp.StatusCode >= 500:
		return &APIError{Kind: KindTransient, Status: resp.StatusCode, Message: message}
	default:
		return &APIError{Kind: KindTransient, Status: resp.StatusCode, Message: message}
	}
}

// rateLimitReset reads the quota reset time from response headers. A 403
// only counts as rate limiting when the remaining quota is zero or the
// retry-after header is present.
func rateLimitReset(resp *http.Response) (time.Time, bool) {
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Now().Add(time.Duration(seconds) * time.Second), true
		}
	}

	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		return time.Time{}, false
	}

	reset := resp.Header.Get("X-RateLimit-Reset")
	if reset == "" {
		return time.Time{}, false
	}
	epoch, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(epoch, 0), true
}
