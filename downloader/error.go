package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// NetworkError wraps a transport-level failure. Callers may retry these.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError is a non-2xx response from the update server
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d", e.StatusCode)
}

// InvalidManifestError marks a manifest that failed parsing or schema validation.
// These are permanent: a corrected manifest arrives under a new update id.
type InvalidManifestError struct {
	Err error
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("invalid manifest: %v", e.Err)
}

func (e *InvalidManifestError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError marks downloaded bytes whose digest does not match the manifest
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// IsTransient reports whether the error is worth retrying: transport failures
// and server-side 5xx/429 responses. Cancellation, parse errors and checksum
// mismatches are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.StatusCode >= http.StatusInternalServerError || srvErr.StatusCode == http.StatusTooManyRequests
	}

	return false
}
