// Package relayerr defines the error taxonomy shared by the connection
// manager, delivery queue and gateway. Every network-facing failure is
// classified into exactly one Kind, and retry decisions everywhere in
// the daemon go through Retryable and Fatal rather than ad hoc checks.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	// KindNetwork covers transport-level failures: dial errors,
	// timeouts, dropped streams. Retryable.
	KindNetwork Kind = "network"

	// KindAuth covers authentication failures. The caller gets exactly
	// one credential refresh-and-retry before the failure counts
	// against the retry budget.
	KindAuth Kind = "auth"

	// KindServer covers 5xx responses. Retryable with backoff.
	KindServer Kind = "server"

	// KindRateLimit covers 429 responses. Retryable with backoff.
	KindRateLimit Kind = "rate_limit"

	// KindClient covers non-auth 4xx responses (permission, not found).
	// Not retryable; surfaced to the caller.
	KindClient Kind = "client"

	// KindValidation covers 400/422 responses carrying a rejection
	// detail. Not retryable; surfaced with the detail.
	KindValidation Kind = "validation"

	// KindHeartbeat marks a silent-but-open connection detected by
	// missed heartbeats. Treated exactly like a network failure.
	KindHeartbeat Kind = "heartbeat"

	// KindBudgetExhausted marks a retry budget ceiling being hit.
	// Fatal: requires an explicit external reset.
	KindBudgetExhausted Kind = "budget_exhausted"

	// KindGovernorTerminated marks a governor terminate decision.
	// Fatal: no further automatic reconnects.
	KindGovernorTerminated Kind = "governor_terminated"
)

// Error is a classified failure. Op names the operation that failed,
// Detail carries a server-provided message when one exists.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a detail message.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or KindNetwork if err carries no
// classification. Unclassified errors come from the transport layer
// (dial failures, closed connections) and are safest to retry.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetwork
}

// Retryable reports whether err is safe to retry with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer, KindRateLimit, KindHeartbeat:
		return true
	}
	return false
}

// IsAuth reports whether err is an authentication failure eligible for
// a single refresh-and-retry.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// Fatal reports whether err terminates automatic retries entirely.
func Fatal(err error) bool {
	k := KindOf(err)
	return k == KindBudgetExhausted || k == KindGovernorTerminated
}

// FromStatus maps an HTTP response status to a Kind. Called in exactly
// one place per endpoint, at the network boundary.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindNetwork
	}
}
