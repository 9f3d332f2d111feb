package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors shared by drivers and the facade.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict indicates a uniqueness or concurrent-update conflict.
	ErrConflict = errors.New("store: conflict")
	// ErrUnavailable indicates the backing store cannot currently be reached.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrRPCUnsupported is returned by drivers without a remote procedure surface.
	ErrRPCUnsupported = errors.New("store: rpc not supported by driver")
)

// ErrorClass buckets storage failures by how callers should react.
type ErrorClass int

const (
	// ClassPermanent failures will not succeed on retry (validation, constraint
	// violations other than uniqueness, malformed statements).
	ClassPermanent ErrorClass = iota
	// ClassTransient failures are worth retrying (timeouts, connection drops,
	// 5xx responses from the remote store).
	ClassTransient
	// ClassRateLimit failures are retried after backoff (429 and rate-limit text).
	ClassRateLimit
	// ClassConflict failures indicate a lost write race; callers reconcile
	// rather than blindly retry.
	ClassConflict
	// ClassNotFound failures indicate a missing row.
	ClassNotFound
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimit:
		return "rate_limit"
	case ClassConflict:
		return "conflict"
	case ClassNotFound:
		return "not_found"
	default:
		return "permanent"
	}
}

// Retriable reports whether a failure of this class should be retried.
func (c ErrorClass) Retriable() bool {
	return c == ClassTransient || c == ClassRateLimit
}

// StatusError carries an HTTP-ish status code from a remote row store.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store: status %d: %s", e.Code, e.Message)
}

// transientPatterns match driver error text that indicates a retriable fault.
// Pattern matching is the fallback when drivers surface plain errors; typed
// errors (StatusError, net.Error, sentinels) are classified first.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"too many connections",
	"server closed",
	"eof",
	"i/o error",
	"database is locked",
	"network is unreachable",
	"no such host",
	"tls handshake",
}

var rateLimitPatterns = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
}

var conflictPatterns = []string{
	"duplicate key",
	"unique constraint",
	"unique violation",
	"already exists",
	"conflict",
}

// Classify buckets err for retry decisions. Context cancellation is permanent
// from the store's point of view: the caller gave up, retrying is pointless.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}
	if errors.Is(err, ErrNotFound) {
		return ClassNotFound
	}
	if errors.Is(err, ErrConflict) {
		return ClassConflict
	}
	if errors.Is(err, ErrUnavailable) {
		return ClassTransient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 429:
			return ClassRateLimit
		case statusErr.Code == 404:
			return ClassNotFound
		case statusErr.Code == 409:
			return ClassConflict
		case statusErr.Code >= 500:
			return ClassTransient
		case statusErr.Code >= 400:
			return ClassPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(msg, pattern) {
			return ClassRateLimit
		}
	}
	for _, pattern := range conflictPatterns {
		if strings.Contains(msg, pattern) {
			return ClassConflict
		}
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return ClassTransient
		}
	}
	return ClassPermanent
}
