// Package taskerr defines the error taxonomy surfaced by the ingestion core.
// The worker is the single place that classifies these into retry, DLQ, or
// silent-success decisions.
package taskerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStaleTag is returned by queue operations when the poll tag no longer
// matches: visibility expired and another consumer owns the message now.
var ErrStaleTag = errors.New("stale poll tag")

// RateLimitedError denies admission for a scope ("global" or a tenant id)
// and tells the caller how long to back off.
type RateLimitedError struct {
	Scope      string
	RetryAfter int // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for %s, retry after %ds", e.Scope, e.RetryAfter)
}

// TransientError wraps failures worth retrying: timeouts, connection drops,
// 5xx responses from collaborators.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that will not succeed on retry: malformed
// payloads, unknown task kinds, schema violations. Tasks failing permanently
// go straight to the dead-letter queue.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// ValidationFailure is raised by pre-save hooks and treated as permanent.
type ValidationFailure struct {
	Reason string
}

func (e *ValidationFailure) Error() string { return "validation failed: " + e.Reason }

// MergeError reports a merge precondition failure (missing endpoint,
// cross-tenant without the flag). Permanent; partially completed merges are
// safe because each merge step is individually idempotent.
type MergeError struct {
	Reason string
}

func (e *MergeError) Error() string { return "merge failed: " + e.Reason }

// Transient wraps err as a TransientError unless it already is one.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var t *TransientError
	if errors.As(err, &t) {
		return err
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError unless it already is one.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return err
	}
	return &PermanentError{Err: err}
}

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Kind buckets an error for DLQ metadata and worker metrics.
func Kind(err error) string {
	var (
		rl *RateLimitedError
		tr *TransientError
		pm *PermanentError
		vf *ValidationFailure
		me *MergeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rl):
		return "RateLimited"
	case errors.As(err, &vf):
		return "ValidationFailure"
	case errors.As(err, &me):
		return "MergeError"
	case errors.As(err, &pm):
		return "PermanentError"
	case errors.As(err, &tr):
		return "TransientError"
	case errors.Is(err, ErrStaleTag):
		return "StaleTag"
	}
	return "UnknownError"
}

// Classify applies the message heuristics of the ingestion pipeline to an
// untyped error: "rate limit" maps to RateLimited, "connection"/"timeout" to
// TransientError. Typed errors pass through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		rl *RateLimitedError
		tr *TransientError
		pm *PermanentError
		vf *ValidationFailure
		me *MergeError
	)
	if errors.As(err, &rl) || errors.As(err, &tr) || errors.As(err, &pm) ||
		errors.As(err, &vf) || errors.As(err, &me) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return &RateLimitedError{Scope: "global", RetryAfter: 1}
	case strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"):
		return &TransientError{Err: err}
	}
	return err
}
