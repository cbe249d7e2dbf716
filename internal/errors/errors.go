package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrPromptTimeout      = errors.New("prompt timeout")
	ErrOutputTooLarge     = errors.New("output too large")
	ErrCredentialMissing  = errors.New("credential missing")
	ErrCanceled           = errors.New("canceled")
	ErrDeviceTimeout      = errors.New("device timeout")
	ErrNoMatch            = errors.New("no template match")
	ErrDeviceUnknown      = errors.New("device unknown")
	ErrCaptureMissing     = errors.New("capture artifact missing")
	ErrUnknownCaptureType = errors.New("unknown capture type")
	ErrStoreBusy          = errors.New("store busy")
	ErrStoreFatal         = errors.New("store fatal")
)

// ConnectKind categorizes connection failures.
type ConnectKind string

const (
	ConnectDNS       ConnectKind = "dns"
	ConnectRefused   ConnectKind = "refused"
	ConnectAuth      ConnectKind = "auth"
	ConnectTimeout   ConnectKind = "timeout"
	ConnectHandshake ConnectKind = "handshake"
)

// ConnectError is returned when an SSH transport cannot be established.
type ConnectError struct {
	Kind    ConnectKind
	Host    string
	Elapsed time.Duration
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed (%s) after %s: %v", e.Host, e.Kind, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether the failure was an authentication rejection.
func (e *ConnectError) IsAuth() bool {
	return e.Kind == ConnectAuth
}

// DeviceError wraps a failure from a single-device operation with context.
type DeviceError struct {
	Op      string // operation that failed (e.g. "probe", "prologue", "execute")
	Host    string
	Elapsed time.Duration
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s failed on %s after %s: %v", e.Op, e.Host, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError creates a DeviceError stamped with the elapsed time since start.
func NewDeviceError(op, host string, start time.Time, err error) *DeviceError {
	return &DeviceError{Op: op, Host: host, Elapsed: time.Since(start), Err: err}
}

// IsRetryable reports whether a store error should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreBusy)
}

// IsCanceled reports whether err represents cancellation, either our own
// sentinel or a context error.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// FromContext maps a finished context to the matching sentinel: deadline
// expiry is a device timeout and fails the job, explicit cancelation is
// ErrCanceled.
func FromContext(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrDeviceTimeout
	}
	return ErrCanceled
}
