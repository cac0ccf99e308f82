// Package common defines shared constants and the error taxonomy used across
// pkgkeeper components. Callers should use errors.Is against the sentinels and
// Message to obtain the human readable part of a failure.
package common

import (
	"errors"

	perrors "github.com/jmgilman/go/errors"
)

var (
	// Repository-level errors.
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")

	// Policy errors (never retried).
	ErrPolicyViolation = errors.New("policy violation")
	ErrRedeploy        = errors.New("redeployment not allowed")

	// Integrity errors.
	ErrDigestMismatch = errors.New("digest mismatch")
	ErrInvalidDigest  = errors.New("invalid digest")

	// Transient failures.
	ErrUpstream       = errors.New("upstream failure")
	ErrLockContention = errors.New("lock contention")

	// Auth errors.
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidScope = errors.New("invalid scope")

	ErrInvalidInput = errors.New("invalid input")
)

// Kind is the coarse classification of a failure.
type Kind string

const (
	KindNotFound        Kind = "NotFound"
	KindPolicyViolation Kind = "PolicyViolation"
	KindUpstreamFailure Kind = "UpstreamFailure"
	KindDigestMismatch  Kind = "DigestMismatch"
	KindLockContention  Kind = "LockContention"
	KindUnauthorized    Kind = "Unauthorized"
	KindInvalidInput    Kind = "InvalidInput"
	KindInternal        Kind = "Internal"
)

// NotFound reports a missing key, artifact, repository or session.
func NotFound(message string) error {
	return perrors.Wrap(ErrNotFound, perrors.CodeNotFound, message)
}

// PolicyViolation reports a write refused by repository configuration.
func PolicyViolation(message string) error {
	return perrors.Wrap(ErrPolicyViolation, perrors.CodeInvalidConfig, message)
}

// Redeploy reports an attempt to overwrite an existing version when the
// repository forbids it.
func Redeploy(message string) error {
	return perrors.Wrap(ErrRedeploy, perrors.CodeConflict, message)
}

// Upstream reports a transient upstream failure. It is retryable.
func Upstream(message string, cause error) error {
	if cause == nil {
		cause = ErrUpstream
	} else {
		cause = errors.Join(ErrUpstream, cause)
	}
	return perrors.Wrap(cause, perrors.CodeNetwork, message)
}

// DigestMismatch reports a finalize-time integrity failure.
func DigestMismatch(message string) error {
	return perrors.Wrap(ErrDigestMismatch, perrors.CodeConflict, message)
}

// InvalidInput reports malformed caller input.
func InvalidInput(message string) error {
	return perrors.Wrap(ErrInvalidInput, perrors.CodeInvalidInput, message)
}

// Unauthorized reports rejected credentials.
func Unauthorized(message string) error {
	return perrors.Wrap(ErrUnauthorized, perrors.CodeUnauthorized, message)
}

// Message returns the human readable message of err without the code prefix
// and wrapped causes. It returns an empty string for a nil error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var pe perrors.PlatformError
	if errors.As(err, &pe) {
		return pe.Message()
	}
	return err.Error()
}

// KindOf maps err onto the failure taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrPolicyViolation), errors.Is(err, ErrRedeploy):
		return KindPolicyViolation
	case errors.Is(err, ErrDigestMismatch):
		return KindDigestMismatch
	case errors.Is(err, ErrUpstream):
		return KindUpstreamFailure
	case errors.Is(err, ErrLockContention):
		return KindLockContention
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidToken):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidDigest), errors.Is(err, ErrInvalidScope):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return perrors.IsRetryable(err)
}
