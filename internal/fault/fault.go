// Package fault defines the error taxonomy shared across the pipeline.
package fault

import "errors"

var (
	// ErrUnauthenticated means the caller has no usable session or token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTokenExpired means the provider rejected the stored token; the
	// caller should re-run the consent flow instead of retrying.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidCredential means the identity credential failed provider
	// verification or carried no subject identifier.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrInvalidOrExpiredSession means a callback state did not resolve to
	// a live session.
	ErrInvalidOrExpiredSession = errors.New("invalid or expired session")

	// ErrUpstreamUnavailable means the mailbox or classifier failed
	// transiently; listing and fetching retry, classification degrades.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound maps to 404 semantics on direct lookups.
	ErrNotFound = errors.New("not found")

	// ErrValidation maps to 400 semantics on malformed write input.
	ErrValidation = errors.New("validation failed")
)

// Retryable reports whether an operation that failed with err may be
// retried with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
