package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied     = errors.New("media permission denied")
	ErrDeviceUnavailable    = errors.New("media device unavailable")
	ErrConstraintFailed     = errors.New("media constraints not satisfiable")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrNegotiationTimeout   = errors.New("negotiation timeout")
	ErrRelayAuthFailure     = errors.New("relay auth failure")
	ErrAlreadyInCall        = errors.New("already in call")
	ErrPeerUnreachable      = errors.New("peer unreachable")

	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionEnded      = errors.New("session already ended")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBackpressure      = errors.New("backpressure")
	ErrNotMember         = errors.New("not a chat member")
)

type DeviceErrorCode string

const (
	DevicePermissionDenied DeviceErrorCode = "PERMISSION_DENIED"
	DeviceNotFound         DeviceErrorCode = "NOT_FOUND"
	DeviceConstraintFailed DeviceErrorCode = "CONSTRAINT_FAILED"
)

// DeviceError is returned by media acquisition.
type DeviceError struct {
	Kind TrackKind
	Code DeviceErrorCode
	Err  error
}

func NewDeviceError(kind TrackKind, code DeviceErrorCode, err error) *DeviceError {
	return &DeviceError{Kind: kind, Code: code, Err: err}
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("device %s: %s", e.Kind, e.Code)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Is maps the code onto the taxonomy sentinels.
func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Code == DevicePermissionDenied
	case ErrDeviceUnavailable:
		return e.Code == DeviceNotFound
	case ErrConstraintFailed:
		return e.Code == DeviceConstraintFailed
	}
	return false
}

// Reason returns the short reason string stored on failed sessions and sent to peers.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "permission-denied"
	case errors.Is(err, ErrDeviceUnavailable):
		return "device-unavailable"
	case errors.Is(err, ErrConstraintFailed):
		return "constraint-failed"
	case errors.Is(err, ErrNegotiationTimeout):
		return "negotiation-timeout"
	case errors.Is(err, ErrRelayAuthFailure):
		return "relay-auth-failure"
	case errors.Is(err, ErrPeerUnreachable):
		return "peer-unreachable"
	case errors.Is(err, ErrSignalingUnavailable):
		return "signaling-unavailable"
	case errors.Is(err, ErrAlreadyInCall):
		return "busy"
	}
	return "error"
}
