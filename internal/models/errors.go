package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"
	"time"
)

// ErrorKind classifies a backend failure independently of the protocol.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthenticationFailed
	KindConnectionTimeout
	KindServerUnreachable
	KindConnectionLost
	KindPermissionDenied
	KindNotFound
	KindRateLimited
	KindQuotaExceeded
	KindProtocolError
	KindDiskFull
	KindCircuitOpen
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "unknown",
	KindAuthenticationFailed: "authentication_failed",
	KindConnectionTimeout:    "connection_timeout",
	KindServerUnreachable:    "server_unreachable",
	KindConnectionLost:       "connection_lost",
	KindPermissionDenied:     "permission_denied",
	KindNotFound:             "not_found",
	KindRateLimited:          "rate_limited",
	KindQuotaExceeded:        "quota_exceeded",
	KindProtocolError:        "protocol_error",
	KindDiskFull:             "disk_full",
	KindCircuitOpen:          "circuit_open",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel errors, one per kind. A *BackendError matches the sentinel of its
// kind under errors.Is.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrConnectionTimeout    = errors.New("connection timeout")
	ErrServerUnreachable    = errors.New("server unreachable")
	ErrConnectionLost       = errors.New("connection lost")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNotFound             = errors.New("not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrProtocol             = errors.New("protocol error")
	ErrDiskFull             = errors.New("disk full")
	ErrCircuitOpen          = errors.New("circuit open")

	// ErrNotSupported is returned by adapters for operations the backend
	// cannot perform natively, such as server-side copy.
	ErrNotSupported = errors.New("operation not supported")

	// ErrQueued reports that a mutation was accepted into the offline queue
	// instead of being executed.
	ErrQueued = errors.New("operation queued for replay")

	ErrInvalidResource = errors.New("invalid resource")
)

var kindSentinels = map[ErrorKind]error{
	KindAuthenticationFailed: ErrAuthenticationFailed,
	KindConnectionTimeout:    ErrConnectionTimeout,
	KindServerUnreachable:    ErrServerUnreachable,
	KindConnectionLost:       ErrConnectionLost,
	KindPermissionDenied:     ErrPermissionDenied,
	KindNotFound:             ErrNotFound,
	KindRateLimited:          ErrRateLimited,
	KindQuotaExceeded:        ErrQuotaExceeded,
	KindProtocolError:        ErrProtocol,
	KindDiskFull:             ErrDiskFull,
	KindCircuitOpen:          ErrCircuitOpen,
}

// BackendError is the uniform failure every adapter returns.
type BackendError struct {
	Kind       ErrorKind
	Op         string
	Resource   string
	Path       string
	RetryAfter time.Duration
	Detail     string
	Err        error
}

func (e *BackendError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	} else if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Resource != "" {
		msg = "resource " + e.Resource + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the same kind.
func (e *BackendError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewError builds a BackendError.
func NewError(kind ErrorKind, op, path string, err error) *BackendError {
	return &BackendError{Kind: kind, Op: op, Path: path, Err: err}
}

// RateLimitedError builds a RateLimited error carrying a retry-after hint.
func RateLimitedError(op, path string, retryAfter time.Duration, err error) *BackendError {
	return &BackendError{Kind: KindRateLimited, Op: op, Path: path, RetryAfter: retryAfter, Err: err}
}

// ProtocolError builds a ProtocolError with a human readable detail.
func ProtocolError(op, path, detail string, err error) *BackendError {
	return &BackendError{Kind: KindProtocolError, Op: op, Path: path, Detail: detail, Err: err}
}

// RetryExhaustedError is returned when a retry policy gave up.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// KindOf classifies any error into the taxonomy. Errors that are not backend
// errors are inspected for well-known network and filesystem conditions.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}

	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindConnectionTimeout
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, syscall.ENOSPC):
		return KindDiskFull
	case errors.Is(err, syscall.EDQUOT):
		return KindQuotaExceeded
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return KindServerUnreachable
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return KindConnectionLost
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindServerUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindConnectionTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return KindServerUnreachable
		}
		return KindConnectionLost
	}

	return KindUnknown
}

// Wrap converts err into a *BackendError, classifying it with KindOf when it
// is not one already. Context cancellation is returned unchanged.
func Wrap(op, path string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var be *BackendError
	if errors.As(err, &be) {
		if be.Op == "" {
			be.Op = op
		}
		if be.Path == "" {
			be.Path = path
		}
		return be
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindProtocolError
	}
	return &BackendError{Kind: kind, Op: op, Path: path, Err: err}
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var be *BackendError
	if errors.As(err, &be) {
		return be.RetryAfter
	}
	return 0
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindConnectionTimeout, KindConnectionLost, KindRateLimited, KindServerUnreachable:
		return true
	default:
		return false
	}
}

// IsInfrastructureFailure reports whether err says something about the
// health of the backend itself. Only these failures count toward tripping a
// circuit breaker.
func IsInfrastructureFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindConnectionTimeout, KindConnectionLost, KindServerUnreachable, KindRateLimited, KindProtocolError:
		return true
	default:
		return false
	}
}

// IsConnectionFailure reports whether the connection that produced err
// should be discarded rather than reused.
func IsConnectionFailure(err error) bool {
	switch KindOf(err) {
	case KindConnectionTimeout, KindConnectionLost, KindServerUnreachable:
		return true
	default:
		return false
	}
}

// Guidance returns a short user-facing hint for a failure kind.
func Guidance(kind ErrorKind) string {
	switch kind {
	case KindAuthenticationFailed:
		return "check the username and password, or sign in again"
	case KindPermissionDenied:
		return "ask the owner to grant access to this location"
	case KindNotFound:
		return "the item was moved or deleted; refresh the listing"
	case KindQuotaExceeded:
		return "the storage quota is exhausted; free space on the remote"
	case KindDiskFull:
		return "free up local disk space and try again"
	case KindRateLimited:
		return "the provider is throttling requests; it will be retried shortly"
	case KindCircuitOpen:
		return "the server is failing repeatedly; requests are paused for a moment"
	case KindConnectionTimeout, KindConnectionLost, KindServerUnreachable:
		return "check the network connection and that the server is online"
	case KindProtocolError:
		return "the server returned an unexpected response"
	default:
		return "an unexpected error occurred"
	}
}
