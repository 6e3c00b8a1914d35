package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Fatal request errors. Retrying these would fail identically on every
// attempt, so they surface immediately.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrAuthRejected = errors.New("auth rejected")
	ErrUnknownOrder = errors.New("unknown order")
)

// apiError is a non-2xx REST response, carrying the venue's status code and
// message for classification.
type apiError struct {
	op     string
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.op, e.status, e.body)
}

// Unwrap maps well-known status codes onto the fatal sentinels so callers
// can use errors.Is without inspecting status codes themselves.
func (e *apiError) Unwrap() error {
	switch e.status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthRejected
	case http.StatusNotFound:
		return ErrUnknownOrder
	}
	return nil
}

// checkStatus converts a non-OK response into an apiError.
func checkStatus(op string, resp *resty.Response) error {
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	return &apiError{op: op, status: resp.StatusCode(), body: resp.String()}
}

// isTransient reports whether err is worth retrying. Throttling, server
// errors, venue overload messages, and transport failures (timeouts,
// connection resets) are transient; anything the venue rejected outright is
// not. Cancellation of the caller's context is never transient — the retry
// loop checks it separately, but a wrapped Canceled must not be retried
// either.
func isTransient(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status == http.StatusTooManyRequests ||
			ae.status >= 500 ||
			strings.Contains(strings.ToLower(ae.body), "system busy")
	}
	if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrUnknownOrder) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// IsTransient reports whether err is a retryable venue or transport
// failure. Callers use it to decide whether a failed place may still have
// landed (transient — leave the record for the reconciler) or is settled
// (fatal — close it out).
func IsTransient(err error) bool {
	return isTransient(err)
}

// amendFallbackRequired reports whether the venue refused to amend in place,
// either because it does not support amend or the order is no longer in an
// amendable state. The caller converges by cancel + re-place instead.
func amendFallbackRequired(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	if ae.status == http.StatusNotImplemented || ae.status == http.StatusConflict {
		return true
	}
	body := strings.ToLower(ae.body)
	return strings.Contains(body, "amend not supported") || strings.Contains(body, "cannot amend")
}

// cancelAlreadyDone reports whether a cancel failed only because the order
// is already terminal on the venue. That is success from the caller's view.
func cancelAlreadyDone(err error) bool {
	if errors.Is(err, ErrUnknownOrder) {
		return true
	}
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	body := strings.ToLower(ae.body)
	return strings.Contains(body, "already canceled") ||
		strings.Contains(body, "already cancelled") ||
		strings.Contains(body, "already filled")
}
