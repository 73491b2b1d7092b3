// Package rqerr defines the sentinel error taxonomy shared by the remote
// transport, the request queue, and the caching tree. Callers classify
// failures with errors.Is rather than type assertions.
package rqerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBadRequest  = errors.New("rq: bad request")
	ErrUnauthorized = errors.New("rq: unauthorized")
	ErrForbidden   = errors.New("rq: forbidden")
	ErrNotFound    = errors.New("rq: not found")
	ErrConflict    = errors.New("rq: conflict")
	ErrGone        = errors.New("rq: resource gone")
	ErrThrottled   = errors.New("rq: throttled")
	ErrLocked      = errors.New("rq: resource locked")
	ErrServerError = errors.New("rq: server error")

	// ErrQueueEntryExpired names an entry whose deadline passed before it
	// could be drained. No package in this module returns it.
	ErrQueueEntryExpired = errors.New("rq: queue entry expired")

	// ErrDownloadCanceled is returned to waiters of a download coordinator
	// slot when the in-flight download is canceled before completion.
	ErrDownloadCanceled = errors.New("rq: download canceled")
)

// RemoteError wraps a sentinel error with the HTTP status code, request ID,
// and response body excerpt for debugging.
type RemoteError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to a sentinel error. Returns nil
// for 2xx success codes.
func ClassifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusLocked:
		return ErrLocked
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// IsRetryable reports whether the given HTTP status code should be retried
// by the request queue processor.
func IsRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		const statusBandwidthExceeded = 509
		return code == statusBandwidthExceeded
	}
}

// Tier classifies an error for the request queue processor's retry loop.
type Tier int

const (
	TierFatal Tier = iota
	TierRetryable
	TierSkip
)

// ClassifyError maps an error from a remote or local operation to a retry
// tier. Conflicts (423/409) are TierFatal: the processor keeps such an
// entry queued and retries it at the fixed retry delay, without backoff or
// purge, and emits syncconflict (which the conflict ledger records) only
// once the retry ceiling is crossed after the entry's generation changed.
func ClassifyError(err error) Tier {
	switch {
	case err == nil:
		return TierSkip
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrGone):
		return TierSkip
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLocked):
		return TierFatal
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return TierFatal
	case errors.Is(err, ErrThrottled), errors.Is(err, ErrServerError):
		return TierRetryable
	default:
		return TierRetryable
	}
}
